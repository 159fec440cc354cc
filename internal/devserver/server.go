// Package devserver is an in-memory stand-in for the dispatch backend, used by
// integration tests and `fieldagent devserver`.
package devserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/msageha/fieldagent/internal/api"
	"github.com/msageha/fieldagent/internal/model"
	"github.com/msageha/fieldagent/internal/push"
)

type Options struct {
	// Session is returned by /auth/session and used as the acting responder.
	Session model.Session
	Logger  *log.Logger
	// RequestLog enables chi's per-request logging.
	RequestLog bool
	Now        func() time.Time
}

type cachedResponse struct {
	status int
	body   []byte
}

type Server struct {
	mu       sync.Mutex
	reports  map[string]*model.Report
	idem     map[string]cachedResponse
	applied  map[string]int
	failures []int

	session  model.Session
	offline  atomic.Bool
	requests atomic.Int64

	hub    *Hub
	router chi.Router
	logger *log.Logger
	now    func() time.Time
}

func DefaultSession() model.Session {
	return model.Session{
		ID:        "responder-1",
		Username:  "responder1",
		FirstName: "Field",
		LastName:  "Responder",
		Role:      "responder",
	}
}

func New(opts Options) *Server {
	if opts.Session.ID == "" {
		opts.Session = DefaultSession()
	}
	if opts.Logger == nil {
		opts.Logger = log.New(io.Discard, "", 0)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	s := &Server{
		reports: make(map[string]*model.Report),
		idem:    make(map[string]cachedResponse),
		applied: make(map[string]int),
		session: opts.Session,
		hub:     newHub(opts.Logger),
		logger:  opts.Logger,
		now:     opts.Now,
	}

	r := chi.NewRouter()
	if opts.RequestLog {
		r.Use(middleware.Logger)
	}
	r.Use(middleware.Recoverer)
	r.Use(s.countRequests)

	r.With(s.availability).Get("/ws", s.hub.serveWS)
	r.Route("/api", func(r chi.Router) {
		r.Use(s.availability)
		r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		})
		r.Get("/auth/session", s.handleSession)
		r.Get("/reports", s.handleListReports)
		r.Post("/reports", s.handleCreateReport)
		r.Post("/announcement", s.handleAnnouncement)
		r.Route("/reports/{id}", func(r chi.Router) {
			r.Patch("/ontheway", s.actionHandler(model.ActionOnTheWay))
			r.Patch("/arrived", s.actionHandler(model.ActionArrived))
			r.Patch("/respond", s.actionHandler(model.ActionResponded))
			r.Delete("/", s.actionHandler(model.ActionDeclined))
		})
	})
	s.router = r
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) Hub() *Hub { return s.hub }

// SetOffline makes every endpoint answer 503, and drops open websockets when turned on.
func (s *Server) SetOffline(offline bool) {
	s.offline.Store(offline)
	if offline {
		s.hub.CloseAll()
	}
}

// FailNextActions makes the next action requests answer with the given status codes, in order.
func (s *Server) FailNextActions(statuses ...int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = append(s.failures, statuses...)
}

func (s *Server) RequestCount() int64 { return s.requests.Load() }

// AppliedCount is how many times kind was actually applied to reportID (replays excluded).
func (s *Server) AppliedCount(reportID string, kind model.ActionKind) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.applied[appliedKey(reportID, kind)]
}

// AddReport stores r, filling ID and timestamps when missing, and announces it.
func (s *Server) AddReport(r model.Report) model.Report {
	s.mu.Lock()
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	r.Type = model.NormalizeReportType(r.Type)
	if r.Status == "" {
		r.Status = model.ReportStatusPending
	}
	now := s.now().UTC()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = now
	}
	if r.ResponderActions == nil {
		r.ResponderActions = []model.ResponderAction{}
	}
	stored := r
	s.reports[r.ID] = &stored
	snapshot := cloneReport(stored)
	s.mu.Unlock()

	s.broadcast(push.TypeReportUpdated, snapshot)
	return snapshot
}

func (s *Server) Report(id string) (model.Report, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reports[id]
	if !ok {
		return model.Report{}, false
	}
	return cloneReport(*r), true
}

// UpdateReport mutates a report as some other party would and bumps updated_at.
func (s *Server) UpdateReport(id string, fn func(r *model.Report)) (model.Report, bool) {
	s.mu.Lock()
	r, ok := s.reports[id]
	if !ok {
		s.mu.Unlock()
		return model.Report{}, false
	}
	fn(r)
	r.UpdatedAt = s.nextTimestamp(r.UpdatedAt)
	snapshot := cloneReport(*r)
	s.mu.Unlock()

	s.broadcast(push.TypeReportUpdated, snapshot)
	return snapshot, true
}

// RemoveReport deletes a report without broadcasting.
func (s *Server) RemoveReport(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.reports, id)
}

// ApplyAs applies kind to reportID on behalf of responder and broadcasts it.
func (s *Server) ApplyAs(responder model.Session, reportID string, kind model.ActionKind) (model.Report, error) {
	snapshot, err := s.apply(responder, reportID, kind)
	if err != nil {
		return model.Report{}, err
	}
	s.broadcastAction(responder, kind, snapshot)
	return snapshot, nil
}

// Announce broadcasts a public announcement.
func (s *Server) Announce(message string) int {
	return s.broadcast(push.TypePublicAnnouncement, push.Announcement{Message: message})
}

var (
	errNotFound = errors.New("report not found")
	errConflict = errors.New("report already closed")
)

func (s *Server) apply(responder model.Session, reportID string, kind model.ActionKind) (model.Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.reports[reportID]
	if !ok {
		return model.Report{}, errNotFound
	}
	target := kind.TargetStatus()
	if r.Status != target {
		if err := model.ValidateReportTransition(r.Status, target); err != nil {
			return model.Report{}, fmt.Errorf("%w: %v", errConflict, err)
		}
	}

	now := s.nextTimestamp(r.UpdatedAt)
	r.Status = target
	r.ResponderActions = append(r.ResponderActions, model.ResponderAction{
		ResponderID:   responder.ID,
		ResponderName: responder.DisplayName(),
		Action:        kind,
		Timestamp:     now,
	})
	r.UpdatedAt = now
	s.applied[appliedKey(reportID, kind)]++
	return cloneReport(*r), nil
}

// nextTimestamp keeps updated_at strictly increasing per report.
func (s *Server) nextTimestamp(prev time.Time) time.Time {
	now := s.now().UTC()
	if !now.After(prev) {
		now = prev.Add(time.Millisecond)
	}
	return now
}

func (s *Server) actionHandler(kind model.ActionKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if status, ok := s.takeFailure(); ok {
			writeJSON(w, status, map[string]string{"message": "injected failure"})
			return
		}

		key := r.Header.Get(api.IdempotencyHeader)
		if key != "" {
			s.mu.Lock()
			cached, seen := s.idem[key]
			s.mu.Unlock()
			if seen {
				w.Header().Set("Idempotent-Replayed", "true")
				writeRaw(w, cached.status, cached.body)
				return
			}
		}

		reportID := chi.URLParam(r, "id")
		snapshot, err := s.apply(s.session, reportID, kind)
		var status int
		var body any
		switch {
		case errors.Is(err, errNotFound):
			status, body = http.StatusNotFound, map[string]string{"message": "Report not found"}
		case errors.Is(err, errConflict):
			status, body = http.StatusConflict, map[string]string{"message": err.Error()}
		case err != nil:
			status, body = http.StatusInternalServerError, map[string]string{"message": err.Error()}
		default:
			status, body = http.StatusOK, snapshot
		}

		raw, _ := json.Marshal(body)
		if key != "" && status < 500 {
			s.mu.Lock()
			s.idem[key] = cachedResponse{status: status, body: raw}
			s.mu.Unlock()
		}
		writeRaw(w, status, raw)

		if err == nil {
			s.broadcastAction(s.session, kind, snapshot)
		}
	}
}

func (s *Server) takeFailure() (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.failures) == 0 {
		return 0, false
	}
	status := s.failures[0]
	s.failures = s.failures[1:]
	return status, true
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]model.Session{"user": s.session})
}

func (s *Server) handleListReports(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	out := make([]model.Report, 0, len(s.reports))
	for _, rep := range s.reports {
		out = append(out, cloneReport(*rep))
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCreateReport(w http.ResponseWriter, r *http.Request) {
	var in model.Report
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&in); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "invalid report body"})
		return
	}
	if in.FirstName == "" && in.LastName == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "reporter name is required"})
		return
	}
	in.ID = ""
	in.Status = model.ReportStatusPending
	in.ResponderActions = nil
	in.CreatedAt, in.UpdatedAt = time.Time{}, time.Time{}
	writeJSON(w, http.StatusCreated, s.AddReport(in))
}

func (s *Server) handleAnnouncement(w http.ResponseWriter, r *http.Request) {
	var in push.Announcement
	if err := json.NewDecoder(io.LimitReader(r.Body, 64<<10)).Decode(&in); err != nil || in.Message == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "message is required"})
		return
	}
	n := s.Announce(in.Message)
	writeJSON(w, http.StatusOK, map[string]int{"delivered": n})
}

func (s *Server) broadcastAction(responder model.Session, kind model.ActionKind, snapshot model.Report) {
	s.broadcast(push.ActionEventType(kind), push.ActionNotice{
		ReportID:      snapshot.ID,
		ResponderID:   responder.ID,
		ResponderName: responder.DisplayName(),
		ReportType:    snapshot.Type,
		ResidentName:  snapshot.ReporterName(),
		Report:        &snapshot,
	})
}

func (s *Server) broadcast(eventType string, data any) int {
	msg, err := push.Encode(eventType, data)
	if err != nil {
		s.logger.Printf("encode %s: %v", eventType, err)
		return 0
	}
	return s.hub.Broadcast(msg)
}

func (s *Server) availability(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.offline.Load() {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"message": "backend offline"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) countRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.requests.Add(1)
		next.ServeHTTP(w, r)
	})
}

func appliedKey(reportID string, kind model.ActionKind) string {
	return reportID + "/" + string(kind)
}

func cloneReport(r model.Report) model.Report {
	r.ResponderActions = append([]model.ResponderAction{}, r.ResponderActions...)
	if r.Age != nil {
		age := *r.Age
		r.Age = &age
	}
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	raw, err := json.Marshal(v)
	if err != nil {
		status, raw = http.StatusInternalServerError, []byte(`{"message":"encode failure"}`)
	}
	writeRaw(w, status, raw)
}

func writeRaw(w http.ResponseWriter, status int, raw []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(raw)
}
