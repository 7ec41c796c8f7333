package main

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/helmrun/orchestrator/pkg/queue"
)

// httpHandler is the minimal external HTTP boundary through which jobs
// are enqueued and read back. The full web bridge / browser UI lives
// elsewhere; this exists only so orchestratord is drivable without a
// second process.
func (s *services) httpHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/jobs", s.handleJobs)
	mux.HandleFunc("/jobs/", s.handleJobByID)
	return mux
}

func (s *services) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"level":   s.memwatch.Level().String(),
	})
}

type enqueueRequest struct {
	ConversationID string `json:"conversationId"`
	UserMessage    string `json:"userMessage"`
	Priority       string `json:"priority"`
	TrustMode      bool   `json:"trustMode"`
}

func (s *services) handleJobs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	priority := queue.PriorityNormal
	if req.Priority != "" && queue.Priority(req.Priority).Valid() {
		priority = queue.Priority(req.Priority)
	}
	metadata, _ := json.Marshal(map[string]any{
		"userMessage": req.UserMessage,
		"trustMode":   req.TrustMode,
	})
	job, err := s.store.Enqueue(r.Context(), queue.EnqueueRequest{
		ConversationID: req.ConversationID,
		Priority:       priority,
		Source:         queue.SourceUser,
		Metadata:       metadata,
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func (s *services) handleJobByID(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/jobs/")
	if id == "" {
		http.Error(w, "missing job id", http.StatusBadRequest)
		return
	}
	job, err := s.store.Get(r.Context(), id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
