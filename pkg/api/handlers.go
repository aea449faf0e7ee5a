package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/cgrhq/cgr/pkg/envelope"
	"github.com/cgrhq/cgr/pkg/merkle"
	"github.com/cgrhq/cgr/pkg/observability"
)

var errNotANumber = errors.New("api: not a positive integer")

// Router is the subset of the deliberation router's contract this surface
// needs: accept a validated envelope and return the routing decision.
type Router interface {
	Route(r *http.Request, e *envelope.Envelope) (lane string, allowed bool, violations []string, err error)
}

// LedgerProofReader is the subset of the Merkle ledger's contract needed to
// serve GET /v1/ledger/proof/{hash}.
type LedgerProofReader interface {
	ProofForHash(hash string) (*merkle.Proof, bool)
}

// EventReader is the subset of the temporal event log's contract needed to
// serve GET /v1/events.
type EventReader interface {
	RecentEvents(limit int) []map[string]any
}

// SLOStatusReader is the subset of the SLO tracker's contract needed to
// serve GET /v1/slo/{operation}.
type SLOStatusReader interface {
	Status(operation string) (*observability.SLOStatus, error)
}

// EnvelopeService exposes the dependencies HandleSubmitEnvelope needs.
type EnvelopeService struct {
	Validator *envelope.Validator
	Router    Router
}

// HandleSubmitEnvelope handles POST /v1/envelopes: validates the envelope
// against the constitutional anchor, then hands it to the router.
func (s *EnvelopeService) HandleSubmitEnvelope(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteMethodNotAllowed(w)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	var e envelope.Envelope
	if err := json.NewDecoder(r.Body).Decode(&e); err != nil {
		WriteBadRequest(w, "invalid request body")
		return
	}

	result := s.Validator.Validate(&e)
	if !result.Valid {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnprocessableEntity)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"allowed": false,
			"errors":  result.Errors,
		})
		return
	}

	lane, allowed, violations, err := s.Router.Route(r, &e)
	if err != nil {
		WriteInternal(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"allowed":    allowed,
		"lane":       lane,
		"violations": violations,
	})
}

// LedgerService exposes GET /v1/ledger/proof/{hash}.
type LedgerService struct {
	Ledger LedgerProofReader
}

func (s *LedgerService) HandleProof(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteMethodNotAllowed(w)
		return
	}

	hash := strings.TrimPrefix(r.URL.Path, "/v1/ledger/proof/")
	if hash == "" {
		WriteBadRequest(w, "missing leaf hash in path")
		return
	}

	proof, found := s.Ledger.ProofForHash(hash)
	if !found {
		WriteNotFound(w, "no proof for the given leaf hash")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(proof)
}

// EventService exposes GET /v1/events.
type EventService struct {
	Events EventReader
}

func (s *EventService) HandleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteMethodNotAllowed(w)
		return
	}

	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := parsePositiveInt(v); err == nil {
			limit = n
		}
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.Events.RecentEvents(limit))
}

// SLOService exposes GET /v1/slo/{operation}.
type SLOService struct {
	Tracker SLOStatusReader
}

func (s *SLOService) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteMethodNotAllowed(w)
		return
	}

	operation := strings.TrimPrefix(r.URL.Path, "/v1/slo/")
	if operation == "" {
		WriteBadRequest(w, "missing operation in path")
		return
	}

	status, err := s.Tracker.Status(operation)
	if err != nil {
		WriteNotFound(w, "no SLO target for the given operation")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(status)
}

func parsePositiveInt(v string) (int, error) {
	n := 0
	for _, c := range v {
		if c < '0' || c > '9' {
			return 0, errNotANumber
		}
		n = n*10 + int(c-'0')
	}
	if n == 0 {
		return 0, errNotANumber
	}
	return n, nil
}
