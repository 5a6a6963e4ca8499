package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/provgate/provgate/pkg/connectors"
)

func TestStoreLifecycle(t *testing.T) {
	ctx := context.Background()
	s := New()

	res, err := s.Create(ctx, connectors.Entry{
		ID:            "uid=jean.dupont,dc=example,dc=com",
		SchemaMarkers: []string{"inetOrgPerson"},
		Attributes:    connectors.Attributes{"cn": "Jean Dupont", "mail": "jean.dupont@example.com"},
	})
	if err != nil || !res.OK {
		t.Fatalf("Create = %v, %v", res, err)
	}

	if _, err := s.Create(ctx, connectors.Entry{ID: res.ID}); connectors.KindOf(err) != connectors.ErrorKindConflict {
		t.Errorf("duplicate create: expected conflict, got %v", err)
	}

	if _, err := s.Update(ctx, res.ID, connectors.Attributes{"mail": "jd@example.com"}); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	attrs, err := s.Read(ctx, res.ID)
	if err != nil {
		t.Fatal(err)
	}
	if attrs["mail"] != "jd@example.com" || attrs["cn"] != "Jean Dupont" {
		t.Errorf("Read after update = %v", attrs)
	}

	if _, err := s.Delete(ctx, res.ID); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if s.Len() != 0 {
		t.Errorf("Len() = %d after delete", s.Len())
	}

	for _, op := range []func() error{
		func() error { _, err := s.Delete(ctx, res.ID); return err },
		func() error { _, err := s.Update(ctx, res.ID, nil); return err },
		func() error { _, err := s.Read(ctx, res.ID); return err },
	} {
		if err := op(); !connectors.IsNotFound(err) {
			t.Errorf("expected not found, got %v", err)
		}
	}
}

func TestStoreGeneratesIDAndRecordsCalls(t *testing.T) {
	s := New()
	res, err := s.Create(context.Background(), connectors.Entry{Attributes: connectors.Attributes{"a": "1"}})
	if err != nil {
		t.Fatal(err)
	}
	if res.ID == "" {
		t.Error("expected generated id")
	}

	calls := s.Calls()
	if len(calls) != 1 || calls[0].Op != "create" || calls[0].Attributes["a"] != "1" {
		t.Errorf("Calls() = %+v", calls)
	}
}

func TestStoreInjectedFailure(t *testing.T) {
	s := New()
	s.FailWith("create", errors.New("disk full"))

	_, err := s.Create(context.Background(), connectors.Entry{ID: "x"})
	if connectors.KindOf(err) != connectors.ErrorKindBackend {
		t.Fatalf("expected backend error, got %v", err)
	}
	if s.Len() != 0 {
		t.Error("failed create must not store a record")
	}

	s.FailWith("create", nil)
	if _, err := s.Create(context.Background(), connectors.Entry{ID: "x"}); err != nil {
		t.Errorf("cleared failure still applied: %v", err)
	}

	s.SetHealthy(false)
	if s.TestConnection(context.Background()) {
		t.Error("TestConnection should report unhealthy")
	}
}
