package handler

import (
	"encoding/json"
	"net/http"

	"github.com/pesio-ai/be-pm-approvals/internal/platform/errors"
	"github.com/pesio-ai/be-pm-approvals/internal/platform/logger"
	"github.com/pesio-ai/be-pm-approvals/internal/repository"
	"github.com/pesio-ai/be-pm-approvals/internal/service"
)

// HTTPHandler handles HTTP requests
type HTTPHandler struct {
	service *service.ApprovalService
	log     *logger.Logger
}

// NewHTTPHandler creates a new HTTP handler
func NewHTTPHandler(service *service.ApprovalService, log *logger.Logger) *HTTPHandler {
	return &HTTPHandler{
		service: service,
		log:     log,
	}
}

// Register mounts the approval routes on mux.
func (h *HTTPHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/api/v1/approvals", h.CreateApprovalRequest)
	mux.HandleFunc("/api/v1/approvals/vote", h.SubmitApproval)
	mux.HandleFunc("/api/v1/approvals/pending", h.ListPending)
	mux.HandleFunc("/api/v1/approvals/history", h.GetHistory)
	mux.HandleFunc("/api/v1/approvals/audit", h.GetAuditTrail)
	mux.HandleFunc("/api/v1/approvals/hierarchies", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			h.ListHierarchies(w, r)
		case http.MethodPost:
			h.CreateHierarchy(w, r)
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	})
	mux.HandleFunc("/api/v1/approvals/hierarchies/activate", h.ActivateHierarchy)
}

type createApprovalRequest struct {
	TaskID         string   `json:"task_id"`
	RequesterID    string   `json:"requester_id"`
	Description    string   `json:"description"`
	EstimatedValue *float64 `json:"estimated_value"`
}

type createApprovalResponse struct {
	ApprovalRequired bool                        `json:"approval_required"`
	Approval         *repository.ApprovalRequest `json:"approval"`
}

// CreateApprovalRequest handles create approval request HTTP requests
func (h *HTTPHandler) CreateApprovalRequest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req createApprovalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	approval, err := h.service.CreateApprovalRequest(r.Context(), service.CreateInput{
		TaskID:         req.TaskID,
		RequesterID:    req.RequesterID,
		Description:    req.Description,
		EstimatedValue: req.EstimatedValue,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}

	status := http.StatusOK
	if approval != nil {
		status = http.StatusCreated
	}
	writeJSON(w, status, createApprovalResponse{ApprovalRequired: approval != nil, Approval: approval})
}

type submitApprovalRequest struct {
	RequestID string              `json:"request_id"`
	VoterID   string              `json:"voter_id"`
	Decision  repository.Decision `json:"decision"`
	Comment   string              `json:"comment"`
}

// SubmitApproval handles vote HTTP requests
func (h *HTTPHandler) SubmitApproval(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req submitApprovalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	approval, err := h.service.SubmitApproval(r.Context(), service.SubmitInput{
		RequestID: req.RequestID,
		VoterID:   req.VoterID,
		Decision:  req.Decision,
		Comment:   req.Comment,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, approval)
}

// ListPending handles pending approvals HTTP requests
func (h *HTTPHandler) ListPending(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		http.Error(w, "User ID is required", http.StatusBadRequest)
		return
	}

	approvals, err := h.service.ListPendingFor(r.Context(), userID)
	if err != nil {
		h.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"approvals": approvals,
		"total":     len(approvals),
	})
}

// GetHistory handles approval history HTTP requests
func (h *HTTPHandler) GetHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	taskID := r.URL.Query().Get("task_id")
	if taskID == "" {
		http.Error(w, "Task ID is required", http.StatusBadRequest)
		return
	}

	approval, err := h.service.GetHistory(r.Context(), taskID)
	if err != nil {
		h.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"approval": approval})
}

// GetAuditTrail handles audit trail HTTP requests, by task_id or request_id
func (h *HTTPHandler) GetAuditTrail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var (
		entries []*repository.ApprovalAuditEntry
		err     error
	)
	q := r.URL.Query()
	switch {
	case q.Get("task_id") != "":
		entries, err = h.service.GetAuditTrail(r.Context(), q.Get("task_id"))
	case q.Get("request_id") != "":
		entries, err = h.service.GetRequestAuditTrail(r.Context(), q.Get("request_id"))
	default:
		http.Error(w, "Task ID or request ID is required", http.StatusBadRequest)
		return
	}
	if err != nil {
		h.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"entries": entries,
		"total":   len(entries),
	})
}

// ListHierarchies handles list hierarchies HTTP requests
func (h *HTTPHandler) ListHierarchies(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"hierarchies": h.service.Hierarchies()})
}

type createHierarchyRequest struct {
	ID          string                    `json:"id"`
	Name        string                    `json:"name"`
	Description string                    `json:"description"`
	Rules       []repository.ApprovalRule `json:"rules"`
	Active      *bool                     `json:"active"`
	CreatedBy   string                    `json:"createdBy"`
}

// CreateHierarchy handles create hierarchy HTTP requests. An omitted
// "active" creates the hierarchy active.
func (h *HTTPHandler) CreateHierarchy(w http.ResponseWriter, r *http.Request) {
	var req createHierarchyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	created, err := h.service.CreateHierarchy(r.Context(), service.HierarchyInput{
		ID:          req.ID,
		Name:        req.Name,
		Description: req.Description,
		Rules:       req.Rules,
		Active:      req.Active,
		CreatedBy:   req.CreatedBy,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, created)
}

// ActivateHierarchy handles activate hierarchy HTTP requests
func (h *HTTPHandler) ActivateHierarchy(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ID == "" {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if err := h.service.ActivateHierarchy(r.Context(), req.ID); err != nil {
		h.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "activated", "id": req.ID})
}

// writeError renders err as {"error", "code"} with the status matching its code.
func (h *HTTPHandler) writeError(w http.ResponseWriter, err error) {
	code := errors.CodeOf(err)
	status := httpStatus(code)
	msg := err.Error()
	if status >= http.StatusInternalServerError {
		h.log.Error().Err(err).Msg("Request failed")
		msg = internalErrorMessage
	}
	writeJSON(w, status, map[string]string{"error": msg, "code": string(code)})
}

// internalErrorMessage replaces the detail of internal failures in responses.
const internalErrorMessage = "internal server error"

func httpStatus(code errors.Code) int {
	switch code {
	case errors.ErrCodeNotFound:
		return http.StatusNotFound
	case errors.ErrCodeConflict:
		return http.StatusConflict
	case errors.ErrCodeInvalidInput:
		return http.StatusBadRequest
	case errors.ErrCodeUnauthorized:
		return http.StatusUnauthorized
	case errors.ErrCodeForbidden:
		return http.StatusForbidden
	case errors.ErrCodeFailedPrecondition:
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
