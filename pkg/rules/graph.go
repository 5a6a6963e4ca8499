package rules

// linkMappings records, for every rule, the earlier rules whose computed
// values it reads, and marks the rules that take part in reference cycles.
//
// A reference to a rule declared earlier reads the chained value. A
// reference to a rule declared later, or to the rule itself, reads the
// seeded context value. Two or more rules that reference each other form
// a cycle regardless of order.
func linkMappings(rs *RuleSet) {
	edges := make(map[string][]string, len(rs.Mappings))
	for i := range rs.Mappings {
		m := &rs.Mappings[i]
		m.deps = nil
		m.cycle = nil
		for _, ref := range m.Template.References() {
			j, declared := rs.index[ref]
			if !declared || ref == m.Name {
				continue
			}
			edges[m.Name] = append(edges[m.Name], ref)
			if j < i {
				m.deps = append(m.deps, ref)
			}
		}
	}

	for _, component := range stronglyConnected(rs.Attributes(), edges) {
		if len(component) < 2 {
			continue
		}
		ordered := orderByDeclaration(rs, component)
		for _, name := range ordered {
			rs.Mappings[rs.index[name]].cycle = ordered
		}
	}
}

func orderByDeclaration(rs *RuleSet, names []string) []string {
	member := make(map[string]bool, len(names))
	for _, n := range names {
		member[n] = true
	}
	out := make([]string, 0, len(names))
	for _, m := range rs.Mappings {
		if member[m.Name] {
			out = append(out, m.Name)
		}
	}
	return out
}

// stronglyConnected is Tarjan's algorithm over the rule reference graph.
func stronglyConnected(nodes []string, edges map[string][]string) [][]string {
	var (
		index    int
		stack    []string
		onStack  = make(map[string]bool)
		indices  = make(map[string]int)
		lowlinks = make(map[string]int)
		result   [][]string
	)

	var visit func(v string)
	visit = func(v string) {
		indices[v] = index
		lowlinks[v] = index
		index++
		stack = append(stack, v)
		onStack[v] = true

		for _, w := range edges[v] {
			if _, seen := indices[w]; !seen {
				visit(w)
				lowlinks[v] = min(lowlinks[v], lowlinks[w])
			} else if onStack[w] {
				lowlinks[v] = min(lowlinks[v], indices[w])
			}
		}

		if lowlinks[v] == indices[v] {
			var component []string
			for {
				w := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				onStack[w] = false
				component = append(component, w)
				if w == v {
					break
				}
			}
			result = append(result, component)
		}
	}

	for _, v := range nodes {
		if _, seen := indices[v]; !seen {
			visit(v)
		}
	}
	return result
}

// closure returns the rules needed to compute wanted: the wanted rules and,
// transitively, the earlier rules they chain from.
func closure(rs *RuleSet, wanted []string) map[string]bool {
	need := make(map[string]bool)
	var add func(name string)
	add = func(name string) {
		if need[name] {
			return
		}
		m, ok := rs.Mapping(name)
		if !ok {
			return
		}
		need[name] = true
		for _, dep := range m.deps {
			add(dep)
		}
	}
	for _, w := range wanted {
		add(w)
	}
	return need
}

// inputs lists the context keys, not produced by chaining, that the wanted
// rules read. Keys appear in first-use order following declaration order.
func inputs(rs *RuleSet, wanted []string) []string {
	need := closure(rs, wanted)
	seen := make(map[string]bool)
	var out []string
	for i, m := range rs.Mappings {
		if !need[m.Name] {
			continue
		}
		for _, ref := range m.Template.References() {
			if j, declared := rs.index[ref]; declared && j < i {
				continue
			}
			if !seen[ref] {
				seen[ref] = true
				out = append(out, ref)
			}
		}
	}
	return out
}
