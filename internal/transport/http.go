// Package transport binds the Orchestrator's Chat protocol to HTTP, one
// Server-Sent Events stream per request, moving from delta/tool/final
// frames to the draft/refinement event set.
package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"council/internal/budget"
	"council/internal/councilerr"
	"council/internal/health"
	"council/internal/memory"
	"council/internal/observability"
	"council/internal/orchestrator"
	"council/internal/providers"

	"github.com/rs/zerolog"
)

const keepaliveInterval = 15 * time.Second

// Server exposes Chat, the memory recall probe, health, and metrics over
// HTTP. Construct with New and mount via Handler().
type Server struct {
	orch      *orchestrator.Orchestrator
	mem       *memory.Store
	health    *health.Monitor
	guard     *budget.Guard
	providers *providers.Registry
	log       zerolog.Logger
}

// New builds a transport Server around an already-wired Orchestrator and
// its supporting components. health, guard, and providers may be nil; the
// corresponding diagnostic fields are simply omitted from responses.
func New(orch *orchestrator.Orchestrator, mem *memory.Store, monitor *health.Monitor, guard *budget.Guard, registry *providers.Registry) *Server {
	return &Server{
		orch:      orch,
		mem:       mem,
		health:    monitor,
		guard:     guard,
		providers: registry,
		log:       *observability.LoggerWithTrace(context.Background()),
	}
}

// Handler returns the complete routing table for this Server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/chat", s.handleChat)
	mux.HandleFunc("/v1/recall", s.handleRecall)
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/metrics", s.handleMetrics)
	return mux
}

type chatRequest struct {
	Prompt    string `json:"prompt"`
	SessionID string `json:"session_id"`
	Hints     struct {
		ForceCouncil  bool `json:"force_council"`
		DisableRefine bool `json:"disable_refine"`
	} `json:"hints"`
}

// sseWriter serialises concurrent event writes onto one ResponseWriter
// around its flusher.
type sseWriter struct {
	mu sync.Mutex
	w  http.ResponseWriter
	fl http.Flusher
}

func (s *sseWriter) writeEvent(event string, payload any) {
	b, err := json.Marshal(payload)
	if err != nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, _ = s.w.Write([]byte("event: " + event + "\ndata: "))
	_, _ = s.w.Write(b)
	_, _ = s.w.Write([]byte("\n\n"))
	s.fl.Flush()
}

func (s *sseWriter) keepalive() {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, _ = s.w.Write([]byte(": keepalive\n\n"))
	s.fl.Flush()
}

// handleChat runs one Chat call and streams its draft_complete,
// refinement_status/refinement_complete, and stream_complete events.
// draft_token is not emitted: Agent-0 here returns its draft in one shot
// rather than token-by-token, so there is nothing incremental to forward
// before draft_complete.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	fl, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	sse := &sseWriter{w: w, fl: fl}

	ctx := r.Context()
	hints := orchestrator.Hints{ForceCouncil: req.Hints.ForceCouncil, DisableRefine: req.Hints.DisableRefine}

	draft, handle, err := s.orch.Chat(ctx, req.Prompt, req.SessionID, hints)
	if err != nil {
		sse.writeEvent("error", map[string]string{"kind": string(councilerr.KindOf(err)), "message": err.Error()})
		return
	}

	sse.writeEvent("draft_complete", map[string]any{
		"text":               draft.Text,
		"confidence":         draft.Confidence,
		"first_token_ms":     draft.FirstTokenLatency.Milliseconds(),
		"total_ms":           draft.TotalLatency.Milliseconds(),
		"refinement_pending": draft.RefinementPending,
	})

	if handle == nil {
		sse.writeEvent("stream_complete", struct{}{})
		return
	}

	stop := make(chan struct{})
	defer close(stop)
	go s.runKeepalive(sse, stop)

	sse.writeEvent("refinement_status", map[string]string{"message": "voting specialists for a possibly-improved answer"})

	type recvResult struct {
		refinement orchestrator.Refinement
		delivered  bool
	}
	recvCh := make(chan recvResult, 1)
	go func() {
		refinement, delivered := handle.Recv()
		recvCh <- recvResult{refinement: refinement, delivered: delivered}
	}()

	select {
	case <-ctx.Done():
		handle.Cancel()
	case res := <-recvCh:
		if res.delivered {
			sse.writeEvent("refinement_complete", map[string]any{
				"text":        res.refinement.Text,
				"improved":    res.refinement.Improved,
				"specialists": res.refinement.Specialists,
				"confidence":  res.refinement.Confidence,
			})
		}
	}
	sse.writeEvent("stream_complete", struct{}{})
}

func (s *Server) runKeepalive(sse *sseWriter, stop <-chan struct{}) {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			sse.keepalive()
		}
	}
}

// handleRecall exposes MemoryStore.Query as a plain, purely diagnostic
// JSON probe.
func (s *Server) handleRecall(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	sessionID := r.URL.Query().Get("session_id")
	query := r.URL.Query().Get("query")
	if sessionID == "" || query == "" {
		http.Error(w, "session_id and query are required", http.StatusBadRequest)
		return
	}

	results, err := s.mem.Query(r.Context(), sessionID, query, 5)
	if err != nil {
		http.Error(w, "recall failed", http.StatusInternalServerError)
		return
	}

	type entry struct {
		Content string  `json:"content"`
		Score   float64 `json:"score"`
	}
	out := make([]entry, 0, len(results))
	for _, res := range results {
		out = append(out, entry{Content: res.Entry.Content, Score: res.Score})
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
}

// handleHealthz reports the named operator-facing conditions plus an
// overall status, and must respond within 100ms.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	var conditions []health.Condition
	if s.health != nil {
		conditions = s.health.Evaluate()
		for _, c := range conditions {
			switch c.Severity {
			case health.SeverityCritical:
				status = "unhealthy"
			case health.SeverityWarn:
				if status == "healthy" {
					status = "degraded"
				}
			}
		}
	}

	resp := struct {
		Status     string              `json:"status"`
		Conditions []health.Condition   `json:"conditions"`
		Budgets    *budget.Snapshot     `json:"budgets,omitempty"`
		Providers  []providerHealthInfo `json:"providers,omitempty"`
	}{Status: status, Conditions: conditions}

	if s.guard != nil {
		snap := s.guard.Snapshot()
		resp.Budgets = &snap
	}
	if s.providers != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 100*time.Millisecond)
		defer cancel()
		for _, name := range s.providers.Names() {
			resp.Providers = append(resp.Providers, providerHealthInfo{Name: name, Status: s.providers.Health(ctx, name).String()})
		}
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

type providerHealthInfo struct {
	Name   string `json:"name"`
	Status string `json:"status"`
}

// handleMetrics reports the write-behind queue depth and the budget snapshot
// as JSON rather than a Prometheus text exposition (no Prometheus client
// library is part of this stack).
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	resp := struct {
		MemoryPendingQueue int              `json:"memory_pending_queue"`
		Budgets            *budget.Snapshot `json:"budget_spent"`
	}{}
	if s.mem != nil {
		resp.MemoryPendingQueue = s.mem.PendingLen()
	}
	if s.guard != nil {
		snap := s.guard.Snapshot()
		resp.Budgets = &snap
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}
