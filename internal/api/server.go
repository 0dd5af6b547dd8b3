package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/pprof"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"
	"inspectflow/internal/domain"
	"inspectflow/internal/scheduler"
	"inspectflow/internal/store"
)

// Runner is the engine surface the API triggers.
type Runner interface {
	RunSchedule(ctx context.Context, id string) (domain.RunResult, error)
	RunAllDue(ctx context.Context, now time.Time) ([]domain.RunResult, error)
	ProcessEvents(ctx context.Context) ([]domain.RunResult, error)
	PreviewNextOccurrences(ctx context.Context, id string, horizonDays int) ([]time.Time, error)
}

type Server struct {
	r      *chi.Mux
	repo   store.Repository
	runner Runner
	now    func() time.Time
}

func NewServer(repo store.Repository, runner Runner) http.Handler {
	return NewServerWithDebug(repo, runner, false)
}

func NewServerWithDebug(repo store.Repository, runner Runner, enableDebug bool) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, requestLogger, middleware.Recoverer)

	s := &Server{r: r, repo: repo, runner: runner, now: time.Now}

	r.Get("/health", s.health)

	r.Route("/api/schedules", func(r chi.Router) {
		r.Post("/", s.createSchedule)
		r.Get("/", s.listSchedules)
		r.Get("/{id}", s.getSchedule)
		r.Put("/{id}", s.updateSchedule)
		r.Delete("/{id}", s.deleteSchedule)
		r.Post("/{id}/pause", s.setStatus(domain.StatusPaused))
		r.Post("/{id}/resume", s.setStatus(domain.StatusActive))
		r.Post("/{id}/run", s.runSchedule)
		r.Get("/{id}/preview", s.previewSchedule)
	})
	r.Post("/api/runs", s.runAllDue)

	r.Post("/api/events", s.submitEvent)
	r.Post("/api/events/process", s.processEvents)

	r.Get("/api/occurrences", s.listOccurrences)
	r.Post("/api/occurrences/{id}/complete", s.completeOccurrence)

	r.Put("/api/assets/{id}", s.upsertAsset)
	r.Post("/api/assets/{id}/meters", s.recordMeter)

	// Debug routes (pprof)
	if enableDebug {
		r.HandleFunc("/debug/pprof/", pprof.Index)
		r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		r.HandleFunc("/debug/pprof/profile", pprof.Profile)
		r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		r.HandleFunc("/debug/pprof/trace", pprof.Trace)
		r.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))
		r.Handle("/debug/pprof/heap", pprof.Handler("heap"))
	}

	return r
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		log.Debug().
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("took", time.Since(start)).
			Msg("http request")
	})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

type createResp struct {
	ID string `json:"id"`
}

func (s *Server) createSchedule(w http.ResponseWriter, r *http.Request) {
	var sch domain.Schedule
	if err := json.NewDecoder(r.Body).Decode(&sch); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	// Bookkeeping is owned by the runner.
	sch.ID, sch.LastRunAt, sch.NextRunAt, sch.LastError, sch.DeletedAt = "", nil, nil, "", nil
	if sch.Status == "" {
		sch.Status = domain.StatusActive
	}
	if err := sch.Validate(); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}

	id, err := s.repo.CreateSchedule(r.Context(), sch)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, createResp{ID: id})
}

func (s *Server) listSchedules(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	schedules, err := s.repo.ListSchedules(r.Context(), store.ScheduleFilter{
		SiteID: q.Get("site_id"),
		Status: domain.ScheduleStatus(q.Get("status")),
		Mode:   domain.Mode(q.Get("mode")),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	if schedules == nil {
		schedules = []domain.Schedule{}
	}
	writeJSON(w, 200, schedules)
}

func (s *Server) getSchedule(w http.ResponseWriter, r *http.Request) {
	schedule, err := s.repo.GetSchedule(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, 200, schedule)
}

// updateSchedule overlays the request body on the stored schedule, so
// omitted fields keep their values.
func (s *Server) updateSchedule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	schedule, err := s.repo.GetSchedule(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}

	if err := json.NewDecoder(r.Body).Decode(&schedule); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	schedule.ID = id
	if err := schedule.Validate(); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}

	if err := s.repo.UpdateSchedule(r.Context(), schedule); err != nil {
		writeError(w, err)
		return
	}
	updated, err := s.repo.GetSchedule(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, 200, updated)
}

func (s *Server) deleteSchedule(w http.ResponseWriter, r *http.Request) {
	if err := s.repo.DeleteSchedule(r.Context(), chi.URLParam(r, "id"), s.now()); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) setStatus(status domain.ScheduleStatus) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := s.repo.SetScheduleStatus(r.Context(), id, status); err != nil {
			writeError(w, err)
			return
		}
		log.Info().Str("schedule_id", id).Str("status", string(status)).Msg("schedule status changed")
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) runSchedule(w http.ResponseWriter, r *http.Request) {
	res, err := s.runner.RunSchedule(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, 200, res)
}

type previewResp struct {
	ScheduleID string      `json:"schedule_id"`
	Instants   []time.Time `json:"instants"`
}

func (s *Server) previewSchedule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	days := 0
	if v := r.URL.Query().Get("days"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 366 {
			http.Error(w, "days must be between 1 and 366", 400)
			return
		}
		days = n
	}
	instants, err := s.runner.PreviewNextOccurrences(r.Context(), id, days)
	if err != nil {
		writeError(w, err)
		return
	}
	if instants == nil {
		instants = []time.Time{}
	}
	writeJSON(w, 200, previewResp{ScheduleID: id, Instants: instants})
}

type runsResp struct {
	Results []domain.RunResult `json:"results"`
	Error   string             `json:"error,omitempty"`
}

func (s *Server) runAllDue(w http.ResponseWriter, r *http.Request) {
	results, err := s.runner.RunAllDue(r.Context(), s.now())
	resp := runsResp{Results: results}
	if resp.Results == nil {
		resp.Results = []domain.RunResult{}
	}
	if err != nil {
		resp.Error = err.Error()
	}
	writeJSON(w, 200, resp)
}

func (s *Server) submitEvent(w http.ResponseWriter, r *http.Request) {
	var ev domain.SchedulingEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if !ev.Type.Valid() {
		http.Error(w, "unknown event type "+strconv.Quote(string(ev.Type)), 400)
		return
	}
	ev.ID, ev.ProcessedAt = "", nil
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = s.now()
	}

	id, err := s.repo.CreateEvent(r.Context(), ev)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, createResp{ID: id})
}

func (s *Server) processEvents(w http.ResponseWriter, r *http.Request) {
	results, err := s.runner.ProcessEvents(r.Context())
	resp := runsResp{Results: results}
	if resp.Results == nil {
		resp.Results = []domain.RunResult{}
	}
	if err != nil {
		resp.Error = err.Error()
	}
	writeJSON(w, 200, resp)
}

func (s *Server) listOccurrences(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.OccurrenceFilter{
		ScheduleID: q.Get("schedule_id"),
		AssetID:    q.Get("asset_id"),
		Status:     domain.OccurrenceStatus(q.Get("status")),
	}
	if v := q.Get("limit"); v != "" {
		f.Limit, _ = strconv.Atoi(v)
	}
	occs, err := s.repo.ListOccurrences(r.Context(), f)
	if err != nil {
		writeError(w, err)
		return
	}
	if occs == nil {
		occs = []domain.Occurrence{}
	}
	writeJSON(w, 200, occs)
}

type completeReq struct {
	CompletedAt *time.Time `json:"completed_at"`
}

func (s *Server) completeOccurrence(w http.ResponseWriter, r *http.Request) {
	var req completeReq
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), 400)
			return
		}
	}
	at := s.now()
	if req.CompletedAt != nil {
		at = *req.CompletedAt
	}
	if err := s.repo.CompleteOccurrence(r.Context(), chi.URLParam(r, "id"), at); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) upsertAsset(w http.ResponseWriter, r *http.Request) {
	var a domain.Asset
	if err := json.NewDecoder(r.Body).Decode(&a); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	a.ID = chi.URLParam(r, "id")
	if a.SiteID == "" {
		http.Error(w, "site_id is required", 400)
		return
	}
	if a.OnboardedAt.IsZero() {
		a.OnboardedAt = s.now()
	}
	if err := s.repo.UpsertAsset(r.Context(), a); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, 200, a)
}

func (s *Server) recordMeter(w http.ResponseWriter, r *http.Request) {
	var m domain.MeterReading
	if err := json.NewDecoder(r.Body).Decode(&m); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	m.AssetID = chi.URLParam(r, "id")
	if !m.MeterType.Valid() {
		http.Error(w, "unknown meter type "+strconv.Quote(string(m.MeterType)), 400)
		return
	}
	ok, err := s.repo.AssetExists(r.Context(), m.AssetID)
	if err != nil {
		writeError(w, err)
		return
	}
	if !ok {
		http.Error(w, "not found", 404)
		return
	}
	if m.RecordedAt.IsZero() {
		m.RecordedAt = s.now()
	}
	if err := s.repo.RecordMeter(r.Context(), m); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		http.Error(w, "not found", 404)
	case errors.Is(err, scheduler.ErrSchedulePaused), errors.Is(err, scheduler.ErrEventDriven):
		http.Error(w, err.Error(), 409)
	default:
		log.Error().Err(err).Msg("request failed")
		http.Error(w, err.Error(), 500)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
