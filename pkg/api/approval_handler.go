package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/cgrhq/cgr/pkg/hitl"
)

// decideRequest is the body of POST /v1/hitl/approvals/{id}/decide.
type decideRequest struct {
	ApproverID string `json:"approver_id"`
	Role       string `json:"role"`
	Approve    bool   `json:"approve"`
	Comment    string `json:"comment"`
}

// HandleApprovalDecide handles POST /v1/hitl/approvals/{id}/decide, routing
// a single approver's vote into the approval state machine.
func HandleApprovalDecide(mgr *hitl.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			WriteMethodNotAllowed(w)
			return
		}

		id := approvalIDFromPath(r.URL.Path)
		if id == "" {
			WriteBadRequest(w, "missing approval id in path")
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		var req decideRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			WriteBadRequest(w, "invalid request body")
			return
		}
		if req.ApproverID == "" || req.Role == "" {
			WriteBadRequest(w, "approver_id and role are required")
			return
		}

		updated, err := mgr.Decide(r.Context(), id, req.ApproverID, req.Role, req.Approve, req.Comment)
		if err != nil {
			switch {
			case errors.Is(err, hitl.ErrRequestNotFound):
				WriteNotFound(w, "approval request not found")
			case errors.Is(err, hitl.ErrAlreadyTerminal):
				WriteConflict(w, "approval request already resolved")
			default:
				WriteInternal(w, err)
			}
			return
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(updated)
	}
}

// approvalIDFromPath extracts the {id} segment from
// /v1/hitl/approvals/{id}/decide.
func approvalIDFromPath(path string) string {
	const prefix = "/v1/hitl/approvals/"
	const suffix = "/decide"
	if !strings.HasPrefix(path, prefix) || !strings.HasSuffix(path, suffix) {
		return ""
	}
	return strings.TrimSuffix(strings.TrimPrefix(path, prefix), suffix)
}
