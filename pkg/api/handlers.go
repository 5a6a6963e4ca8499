package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/provgate/provgate/pkg/audit"
	"github.com/provgate/provgate/pkg/connectors"
	"github.com/provgate/provgate/pkg/provisioning"
	"github.com/provgate/provgate/pkg/rules"
)

// provisionBody is the inbound request shape. accountId is the field name
// upstream identity-governance systems send; account_id is also accepted.
type provisionBody struct {
	Operation    provisioning.Operation `json:"operation,omitempty"`
	TargetSystem string                 `json:"target_system,omitempty"`
	AccountID    string                 `json:"accountId,omitempty"`
	AccountIDAlt string                 `json:"account_id,omitempty"`
	Attributes   map[string]any         `json:"attributes,omitempty"`
}

func (b provisionBody) request(op provisioning.Operation, system, requestID string) provisioning.Request {
	req := provisioning.Request{
		RequestID:    requestID,
		Operation:    op,
		TargetSystem: b.TargetSystem,
		AccountID:    b.AccountID,
		Attributes:   b.Attributes,
	}
	if req.AccountID == "" {
		req.AccountID = b.AccountIDAlt
	}
	if system != "" {
		req.TargetSystem = system
	}
	return req
}

type errorBody struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Kind    string `json:"kind,omitempty"`
}

func (s *Server) handleProvision(op provisioning.Operation) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body provisionBody
		if err := decodeBody(w, r, &body); err != nil {
			writeError(w, http.StatusBadRequest, provisioning.ErrorKindValidation, err.Error())
			return
		}
		if body.Operation != "" && body.Operation != op {
			writeError(w, http.StatusBadRequest, provisioning.ErrorKindValidation,
				fmt.Sprintf("operation %q does not match endpoint %q", body.Operation, op))
			return
		}

		req := body.request(op, chi.URLParam(r, "system"), middleware.GetReqID(r.Context()))
		resp := s.orch.Execute(r.Context(), req)
		writeJSON(w, StatusFor(resp), resp)
	}
}

type batchBody struct {
	Parallelism int             `json:"parallelism,omitempty"`
	Requests    []provisionBody `json:"requests"`
}

func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	var body batchBody
	if err := decodeBody(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, provisioning.ErrorKindValidation, err.Error())
		return
	}
	if len(body.Requests) == 0 {
		writeError(w, http.StatusBadRequest, provisioning.ErrorKindValidation, "batch has no requests")
		return
	}

	system := chi.URLParam(r, "system")
	reqs := make([]provisioning.Request, len(body.Requests))
	for i, b := range body.Requests {
		reqs[i] = b.request(b.Operation, system, "")
	}

	parallelism := body.Parallelism
	if parallelism <= 0 || (s.config.BatchParallelism > 0 && parallelism > s.config.BatchParallelism) {
		parallelism = s.config.BatchParallelism
	}
	writeJSON(w, http.StatusOK, s.orch.Batch(r.Context(), reqs, parallelism))
}

func (s *Server) handleReadAccount(w http.ResponseWriter, r *http.Request) {
	attrs, err := s.orch.ReadAccount(r.Context(), chi.URLParam(r, "system"), chi.URLParam(r, "id"))
	if err != nil {
		status, kind := statusForError(err)
		writeError(w, status, kind, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     provisioning.StatusSuccess,
		"id":         chi.URLParam(r, "id"),
		"attributes": attrs,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := s.orch.Health(r.Context())
	writeJSON(w, http.StatusOK, struct {
		*provisioning.HealthReport
		Version string `json:"version"`
	}{report, s.version})
}

func (s *Server) handleRules(w http.ResponseWriter, r *http.Request) {
	desc, err := s.engine.Describe()
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, provisioning.ErrorKindConfiguration, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, desc)
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	snap, err := s.engine.Reload(r.Context())
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, provisioning.ErrorKindConfiguration, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  provisioning.StatusSuccess,
		"message": "rules reloaded",
		"version": snap.Version,
		"systems": snap.SystemNames(),
	})
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		writeError(w, http.StatusNotImplemented, "", "audit trail is not queryable with the configured sink")
		return
	}

	filter, err := parseAuditFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, provisioning.ErrorKindValidation, err.Error())
		return
	}

	records, err := s.audit.List(r.Context(), filter)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to list audit records")
		writeError(w, http.StatusInternalServerError, "", "failed to list audit records")
		return
	}
	if records == nil {
		records = []audit.Record{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": records, "count": len(records)})
}

func parseAuditFilter(r *http.Request) (audit.Filter, error) {
	q := r.URL.Query()
	filter := audit.Filter{
		Action:       q.Get("action"),
		AccountID:    q.Get("account_id"),
		TargetSystem: q.Get("target_system"),
		RequestID:    q.Get("request_id"),
		Status:       audit.Status(q.Get("status")),
	}

	if v := q.Get("since"); v != "" {
		since, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return filter, fmt.Errorf("invalid since: %w", err)
		}
		filter.Since = since
	}
	for name, dst := range map[string]*int{"limit": &filter.Limit, "offset": &filter.Offset} {
		v := q.Get(name)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return filter, fmt.Errorf("invalid %s %q", name, v)
		}
		*dst = n
	}
	return filter, nil
}

// StatusFor maps a provisioning response to an HTTP status code.
func StatusFor(resp *provisioning.Response) int {
	if resp.ErrorDetail == nil {
		return http.StatusOK
	}
	switch resp.ErrorDetail.Kind {
	case provisioning.ErrorKindValidation, provisioning.ErrorKindIdentifier:
		return http.StatusBadRequest
	case provisioning.ErrorKindRuleEvaluation, provisioning.ErrorKindPayload:
		return http.StatusUnprocessableEntity
	case provisioning.ErrorKindUnknownSystem, string(connectors.ErrorKindNotFound):
		return http.StatusNotFound
	case string(connectors.ErrorKindTimeout):
		return http.StatusGatewayTimeout
	case provisioning.ErrorKindCancelled, provisioning.ErrorKindConfiguration:
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}

func statusForError(err error) (int, string) {
	switch {
	case rules.IsUnknownSystem(err):
		return http.StatusNotFound, provisioning.ErrorKindUnknownSystem
	case connectors.IsNotFound(err):
		return http.StatusNotFound, string(connectors.ErrorKindNotFound)
	case connectors.IsTimeout(err):
		return http.StatusGatewayTimeout, string(connectors.ErrorKindTimeout)
	default:
		return http.StatusBadGateway, string(connectors.KindOf(err))
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is empty")
		}
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, kind, message string) {
	writeJSON(w, status, errorBody{Status: provisioning.StatusError, Message: message, Kind: kind})
}
