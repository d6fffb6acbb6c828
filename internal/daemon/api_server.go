package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"

	"harvest/internal/api"
	"harvest/internal/config"
	"harvest/internal/execution"
	"harvest/internal/logging"
	"harvest/internal/services"
)

const (
	maxBodyBytes    = 1 << 20
	eventPollWindow = 25 * time.Second
	defaultEvents   = 200
)

var validate = validator.New()

type apiServer struct {
	bind   string
	logger *slog.Logger
	daemon *Daemon

	mu       sync.Mutex
	listener net.Listener
	server   *http.Server
	stopped  bool
}

func newAPIServer(cfg *config.Config, d *Daemon, logger *slog.Logger) *apiServer {
	srv := &apiServer{
		bind:   strings.TrimSpace(cfg.Paths.APIBind),
		logger: logging.NewComponentLogger(logger, "api-server"),
		daemon: d,
	}
	srv.server = &http.Server{
		Handler:           srv.routes(cfg.Paths.APIToken),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return srv
}

func (s *apiServer) routes(token string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(s.requestContext)
	r.Use(middleware.Recoverer)
	r.Use(authMiddleware(token))

	r.Route("/api", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Get("/locks", s.handleLocks)

		r.Post("/batch", s.handleBatch)
		r.Post("/batch/cancel", s.handleBatchCancel)

		r.Get("/import", s.handleImport)
		r.Post("/import", s.handleImportStart)
		r.Post("/import/selection", s.handleSelection)

		r.Get("/events", s.handleEvents)
		r.Delete("/records", s.handlePurge)
		r.Post("/notifications/test", s.handleTestNotification)
		r.Post("/contexts/{id}/reply", s.handleReply)
	})
	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		s.writeError(w, http.StatusNotFound, api.ErrorResponse{Error: "not found"})
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		s.writeError(w, http.StatusMethodNotAllowed, api.ErrorResponse{Error: "method not allowed"})
	})
	return r
}

// requestContext copies chi's request id into the services context so it
// reaches component logs, and records one debug line per request.
func (s *apiServer) requestContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := services.WithRequestID(r.Context(), middleware.GetReqID(r.Context()))
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		started := time.Now()
		next.ServeHTTP(ww, r.WithContext(ctx))
		logging.WithContext(ctx, s.logger).Debug("api request",
			logging.String("method", r.Method),
			logging.String("path", r.URL.Path),
			logging.Int("status", ww.Status()),
			logging.Duration("elapsed", time.Since(started)),
		)
	})
}

func (s *apiServer) listen() error {
	listener, err := net.Listen("tcp", s.bind)
	if err != nil {
		return fmt.Errorf("api listen: %w", err)
	}
	s.mu.Lock()
	s.listener = listener
	s.stopped = false
	s.mu.Unlock()
	s.logger.Info("api server listening", logging.String("address", listener.Addr().String()))
	return nil
}

func (s *apiServer) serve() error {
	s.mu.Lock()
	listener := s.listener
	s.mu.Unlock()
	if listener == nil {
		return errors.New("api server not listening")
	}
	if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("api serve: %w", err)
	}
	return nil
}

func (s *apiServer) shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.stopped = true
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = s.server.Shutdown(shutdownCtx)
	if s.listener != nil {
		_ = s.listener.Close()
	}
}

func (s *apiServer) address() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return s.bind
	}
	return s.listener.Addr().String()
}

func (s *apiServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.daemon.Status(r.Context())
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.DaemonStatus{
		Running:       status.Running,
		PID:           status.PID,
		LockFilePath:  status.LockFilePath,
		DurableStore:  status.DurableStore,
		VolatileStore: status.VolatileStore,
		Workflow:      api.FromStatusSummary(status.Workflow),
	})
}

func (s *apiServer) handleLocks(w http.ResponseWriter, r *http.Request) {
	held, err := s.daemon.workflow.Locks().Held(r.Context())
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if held == nil {
		held = []string{}
	}
	s.writeJSON(w, http.StatusOK, api.LocksResponse{Locks: held})
}

func (s *apiServer) handleBatch(w http.ResponseWriter, r *http.Request) {
	var req api.BatchRequest
	if !s.decode(w, r, &req, false) {
		return
	}
	if req.Wait {
		summary, err := s.daemon.workflow.RunBatch(r.Context(), req.Items)
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		dto := api.FromBatchSummary(summary)
		s.writeJSON(w, http.StatusOK, api.BatchStartResponse{RunID: summary.RunID, Summary: &dto})
		return
	}
	runID, err := s.daemon.workflow.StartBatch(r.Context(), req.Items)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, api.BatchStartResponse{RunID: runID})
}

func (s *apiServer) handleBatchCancel(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, api.CancelResponse{Cancelled: s.daemon.workflow.CancelBatch()})
}

func (s *apiServer) handleImport(w http.ResponseWriter, r *http.Request) {
	state, ok, err := s.daemon.workflow.ImportState(r.Context())
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	resp := api.ImportResponse{Active: s.daemon.workflow.ImportActive()}
	if ok {
		dto := api.FromImportState(state)
		resp.State = &dto
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *apiServer) handleImportStart(w http.ResponseWriter, r *http.Request) {
	var req api.ImportStartRequest
	if !s.decode(w, r, &req, true) {
		return
	}
	state, err := s.daemon.workflow.StartImport(r.Context(), strings.TrimSpace(req.Originator))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, api.FromImportState(state))
}

func (s *apiServer) handleSelection(w http.ResponseWriter, r *http.Request) {
	var req api.SelectionRequest
	if !s.decode(w, r, &req, false) {
		return
	}
	state, err := s.daemon.workflow.SubmitSelection(r.Context(), req.Keys)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.FromImportState(state))
}

func (s *apiServer) handleEvents(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	since, _ := strconv.ParseUint(query.Get("since"), 10, 64)
	limit, _ := strconv.Atoi(query.Get("limit"))
	if limit <= 0 {
		limit = defaultEvents
	}
	wait := query.Get("wait") == "1" || strings.EqualFold(query.Get("wait"), "true")

	ctx := r.Context()
	if wait {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, eventPollWindow)
		defer cancel()
	}
	evts, latest, err := s.daemon.deps.Hub.Fetch(ctx, since, limit, wait)
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		s.writeServiceError(w, r, err)
		return
	}

	next := since
	if len(evts) > 0 {
		next = evts[len(evts)-1].Sequence
	} else if since > latest {
		// The hub restarted with the daemon; rewind to its current head.
		next = latest
	}
	s.writeJSON(w, http.StatusOK, api.EventsResponse{Events: api.FromEvents(evts), Next: next})
}

func (s *apiServer) handlePurge(w http.ResponseWriter, r *http.Request) {
	removed, err := s.daemon.workflow.PurgeRecords(r.Context())
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.PurgeResponse{Removed: removed})
}

func (s *apiServer) handleTestNotification(w http.ResponseWriter, r *http.Request) {
	if strings.TrimSpace(s.daemon.cfg.Notifications.NtfyTopic) == "" {
		s.writeJSON(w, http.StatusOK, api.NotificationResponse{Message: "ntfy topic not configured"})
		return
	}
	if err := s.daemon.workflow.TestNotification(r.Context()); err != nil {
		s.logger.Warn("test notification failed", logging.Error(err))
		s.writeJSON(w, http.StatusBadGateway, api.NotificationResponse{Message: "failed to send notification: " + err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, api.NotificationResponse{Sent: true, Message: "test notification sent"})
}

func (s *apiServer) handleReply(w http.ResponseWriter, r *http.Request) {
	var req api.ReplyRequest
	if !s.decode(w, r, &req, false) {
		return
	}
	msg := execution.Message{
		ContextID:   chi.URLParam(r, "id"),
		Success:     req.Success,
		Payload:     req.Payload,
		Error:       req.Error,
		SourceLabel: req.SourceLabel,
	}
	switch err := s.daemon.deps.Router.Deliver(msg); {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, execution.ErrUnknownContext):
		s.writeError(w, http.StatusNotFound, api.ErrorResponse{Error: err.Error()})
	case errors.Is(err, execution.ErrAlreadySettled):
		s.writeError(w, http.StatusConflict, api.ErrorResponse{Error: err.Error()})
	default:
		s.writeServiceError(w, r, err)
	}
}

// decode reads a JSON body into dst and validates it. An empty body is
// accepted when optional is set.
func (s *apiServer) decode(w http.ResponseWriter, r *http.Request, dst any, optional bool) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil && !(optional && errors.Is(err, io.EOF)) {
		s.writeError(w, http.StatusBadRequest, api.ErrorResponse{
			Error: "invalid request body: " + err.Error(),
			Kind:  string(services.KindValidation),
		})
		return false
	}
	if err := validate.Struct(dst); err != nil {
		var invalid *validator.InvalidValidationError
		if !errors.As(err, &invalid) {
			s.writeError(w, http.StatusBadRequest, api.ErrorResponse{
				Error: err.Error(),
				Kind:  string(services.KindValidation),
			})
			return false
		}
	}
	return true
}

func (s *apiServer) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	details := services.Details(err)
	status := http.StatusInternalServerError
	switch details.Kind {
	case services.KindLockHeld, services.KindProtocolViolation:
		status = http.StatusConflict
	case services.KindValidation:
		status = http.StatusBadRequest
	}
	if status >= http.StatusInternalServerError {
		logging.ErrorWithContext(logging.WithContext(r.Context(), s.logger), "api request failed", "api_request_failed",
			append(logging.ErrorAttrs(err), logging.String("path", r.URL.Path))...)
	}
	s.writeError(w, status, api.ErrorResponse{
		Error: err.Error(),
		Kind:  string(details.Kind),
		Hint:  details.Hint,
	})
}

func (s *apiServer) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("failed to encode response", logging.Error(err))
	}
}

func (s *apiServer) writeError(w http.ResponseWriter, status int, payload api.ErrorResponse) {
	s.writeJSON(w, status, payload)
}
