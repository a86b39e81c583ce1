// Package ops exposes the operational HTTP surface: health, Prometheus
// metrics and read-only inspection of the backlog, open questions and the
// DLQ. It never mutates state.
package ops

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/BourguignonSimon/DevTeamAutomated/internal/backlog"
	"github.com/BourguignonSimon/DevTeamAutomated/internal/dlq"
	"github.com/BourguignonSimon/DevTeamAutomated/internal/question"
	"github.com/BourguignonSimon/DevTeamAutomated/internal/substrate"
)

// Server is the ops endpoint for one process.
type Server struct {
	store     substrate.Store
	backlog   *backlog.Store
	questions *question.Store
	dlqStream string
	gatherer  prometheus.Gatherer
	http      *http.Server
}

// NewServer wires the ops routes. backlogStore and questionStore may be nil
// for processes that do not own those surfaces (their routes 404).
func NewServer(
	addr string,
	store substrate.Store,
	backlogStore *backlog.Store,
	questionStore *question.Store,
	dlqStream string,
	gatherer prometheus.Gatherer,
) *Server {
	if dlqStream == "" {
		dlqStream = "audit:dlq"
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	s := &Server{
		store:     store,
		backlog:   backlogStore,
		questions: questionStore,
		dlqStream: dlqStream,
		gatherer:  gatherer,
	}

	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	r.HandleFunc("/dlq", s.handleDLQ).Methods(http.MethodGet)
	if backlogStore != nil {
		r.HandleFunc("/projects", s.handleProjects).Methods(http.MethodGet)
		r.HandleFunc("/projects/{project}/backlog", s.handleBacklog).Methods(http.MethodGet)
		r.HandleFunc("/projects/{project}/backlog/{item}", s.handleBacklogItem).Methods(http.MethodGet)
	}
	if questionStore != nil {
		r.HandleFunc("/projects/{project}/questions", s.handleQuestions).Methods(http.MethodGet)
	}

	s.http = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// Handler exposes the routed handler, used by tests and embedders.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// Start serves until Shutdown. It blocks.
func (s *Server) Start() error {
	slog.Info("[Ops] Listening", "addr", s.http.Addr)
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if _, err := s.store.Exists(r.Context(), "healthz"); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleDLQ(w http.ResponseWriter, r *http.Request) {
	count := queryInt(r, "count", 50)
	entries, err := s.store.StreamRange(r.Context(), s.dlqStream, int64(count))
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	type dlqEntry struct {
		ID     string      `json:"id"`
		Record *dlq.Record `json:"record,omitempty"`
		Raw    string      `json:"raw,omitempty"`
	}
	out := make([]dlqEntry, 0, len(entries))
	for _, e := range entries {
		item := dlqEntry{ID: e.ID}
		if raw, ok := e.Fields[dlq.WireField]; ok {
			var rec dlq.Record
			if err := json.Unmarshal([]byte(raw), &rec); err == nil {
				item.Record = &rec
			} else {
				item.Raw = raw
			}
		}
		out = append(out, item)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleProjects(w http.ResponseWriter, r *http.Request) {
	ids, err := s.backlog.ListProjectIDs(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, ids)
}

func (s *Server) handleBacklog(w http.ResponseWriter, r *http.Request) {
	project := mux.Vars(r)["project"]
	ids, err := s.backlog.ListItemIDs(r.Context(), project)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	items := make([]*backlog.Item, 0, len(ids))
	for _, id := range ids {
		item, err := s.backlog.GetItem(r.Context(), project, id)
		if err != nil {
			continue
		}
		items = append(items, item)
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *Server) handleBacklogItem(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	item, err := s.backlog.GetItem(r.Context(), vars["project"], vars["item"])
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (s *Server) handleQuestions(w http.ResponseWriter, r *http.Request) {
	project := mux.Vars(r)["project"]
	ids, err := s.questions.ListAll(r.Context(), project)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	out := make([]*question.Question, 0, len(ids))
	for _, id := range ids {
		q, err := s.questions.Get(r.Context(), project, id)
		if err != nil {
			continue
		}
		out = append(out, q)
	}
	writeJSON(w, http.StatusOK, out)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Warn("[Ops] Response encode failed", "error", err)
	}
}

func queryInt(r *http.Request, name string, fallback int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}
