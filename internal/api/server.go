// Package api exposes drawing submission, task status and the delivery queue
// over HTTP.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"log/slog"
	"math"
	"mime"
	"mime/multipart"
	"net"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"drawing-mesh-pipeline/internal/models"
	"drawing-mesh-pipeline/internal/queue"
	"drawing-mesh-pipeline/internal/ratelimit"
	"drawing-mesh-pipeline/internal/store"
	"drawing-mesh-pipeline/internal/telemetry"
)

// Submitter starts a pipeline run for an image.
type Submitter interface {
	Submit(image []byte) (models.TaskRecord, error)
}

// TaskReader is the read side of the task registry.
type TaskReader interface {
	Get(id string) (models.TaskRecord, bool)
	List() []models.TaskSummary
}

type Limiter interface {
	Take(ctx context.Context, clientKey string) (ratelimit.Decision, error)
}

type AuditReader interface {
	TaskEvents(ctx context.Context, taskID string) ([]store.AuditEvent, error)
}

// Deps wires the server. Limiter and Audit are optional.
type Deps struct {
	Submitter      Submitter
	Tasks          TaskReader
	Delivery       queue.DeliveryQueue
	Limiter        Limiter
	Audit          AuditReader
	Logger         *slog.Logger
	MaxUploadBytes int64
}

// Server wires HTTP handlers for the pipeline API.
type Server struct {
	submitter Submitter
	tasks     TaskReader
	delivery  queue.DeliveryQueue
	limiter   Limiter
	audit     AuditReader
	logger    *slog.Logger
	maxUpload int64
}

// New constructs the API server.
func New(deps Deps) *Server {
	s := &Server{
		submitter: deps.Submitter,
		tasks:     deps.Tasks,
		delivery:  deps.Delivery,
		limiter:   deps.Limiter,
		audit:     deps.Audit,
		logger:    deps.Logger,
		maxUpload: deps.MaxUploadBytes,
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.maxUpload <= 0 {
		s.maxUpload = 25 * 1024 * 1024
	}
	return s
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Post("/analyze", s.handleAnalyze)
	r.Get("/status/{id}", s.handleStatus)
	r.Get("/tasks", s.handleTasks)
	r.Get("/tasks/{id}/events", s.handleEvents)

	r.Get("/queue/pull", s.handlePull)
	r.Get("/queue", s.handlePeek)
	r.Delete("/queue", s.handleClear)
	return r
}

type analyzeResponse struct {
	Status    models.TaskStatus `json:"status"`
	TaskID    string            `json:"task_id"`
	StatusURL string            `json:"status_url"`
}

func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	if s.limiter != nil {
		d, err := s.limiter.Take(r.Context(), clientKey(r))
		if err != nil {
			s.logger.ErrorContext(r.Context(), "rate limit check failed", "error", err)
			http.Error(w, "rate limit error", http.StatusInternalServerError)
			return
		}
		if !d.Allowed {
			telemetry.SubmissionRejects.WithLabelValues("rate_limited").Inc()
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(d.RetryAfter.Seconds()))))
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
	}

	data, err := s.readImage(w, r)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			telemetry.SubmissionRejects.WithLabelValues("too_large").Inc()
			http.Error(w, fmt.Sprintf("image exceeds %d bytes", s.maxUpload), http.StatusRequestEntityTooLarge)
			return
		}
		telemetry.SubmissionRejects.WithLabelValues("invalid").Inc()
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	rec, err := s.submitter.Submit(data)
	if err != nil {
		if errors.Is(err, models.ErrValidation) {
			telemetry.SubmissionRejects.WithLabelValues("invalid").Inc()
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		s.logger.ErrorContext(r.Context(), "submit failed", "error", err)
		http.Error(w, "service unavailable", http.StatusServiceUnavailable)
		return
	}

	telemetry.SubmissionCounter.Inc()
	s.logger.InfoContext(r.Context(), "drawing accepted", "task_id", rec.ID, "bytes", len(data))
	writeJSON(w, http.StatusAccepted, analyzeResponse{
		Status:    rec.Status,
		TaskID:    rec.ID,
		StatusURL: "/status/" + rec.ID,
	})
}

// readImage accepts either a multipart form with a "file" field or the raw
// image as the request body.
func (s *Server) readImage(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxUpload))
	if err != nil {
		return nil, err
	}

	data := body
	mediaType, params, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "multipart/form-data" {
		data, err = formFile(body, params["boundary"], "file")
		if err != nil {
			return nil, err
		}
	}

	if len(data) == 0 {
		return nil, errors.New("image is empty")
	}
	if _, _, err := image.DecodeConfig(bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("unsupported image: %v", err)
	}
	return data, nil
}

func formFile(body []byte, boundary, field string) ([]byte, error) {
	if boundary == "" {
		return nil, errors.New("multipart boundary missing")
	}
	mr := multipart.NewReader(bytes.NewReader(body), boundary)
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("form field %q missing", field)
		}
		if err != nil {
			return nil, fmt.Errorf("read multipart: %w", err)
		}
		if part.FormName() == field {
			return io.ReadAll(part)
		}
	}
}

type statusResponse struct {
	TaskID   string             `json:"task_id"`
	Status   models.TaskStatus  `json:"status"`
	Progress int                `json:"progress"`
	Result   *models.TaskResult `json:"result"`
	Error    *string            `json:"error"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rec, ok := s.tasks.Get(id)
	if !ok {
		writeJSON(w, http.StatusOK, statusResponse{TaskID: id, Status: models.StatusNotFound})
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{
		TaskID:   rec.ID,
		Status:   rec.Status,
		Progress: rec.Progress,
		Result:   rec.Result,
		Error:    rec.Error,
	})
}

func (s *Server) handleTasks(w http.ResponseWriter, _ *http.Request) {
	tasks := s.tasks.List()
	writeJSON(w, http.StatusOK, map[string]any{"count": len(tasks), "tasks": tasks})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		http.Error(w, "audit trail disabled", http.StatusNotFound)
		return
	}
	id := chi.URLParam(r, "id")
	events, err := s.audit.TaskEvents(r.Context(), id)
	if err != nil {
		s.logger.ErrorContext(r.Context(), "read audit trail", "task_id", id, "error", err)
		http.Error(w, "failed to read audit trail", http.StatusInternalServerError)
		return
	}
	if events == nil {
		events = []store.AuditEvent{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"task_id": id, "events": events})
}

type pullResponse struct {
	HasData bool                 `json:"has_data"`
	Data    *models.DeliveryItem `json:"data"`
}

func (s *Server) handlePull(w http.ResponseWriter, r *http.Request) {
	item, ok, err := s.delivery.PopFront(r.Context())
	if err != nil {
		s.logger.ErrorContext(r.Context(), "pop delivery item", "error", err)
		http.Error(w, "failed to read queue", http.StatusInternalServerError)
		return
	}
	s.observeDepth(r.Context())
	if !ok {
		writeJSON(w, http.StatusOK, pullResponse{})
		return
	}
	telemetry.DeliveriesPulled.Inc()
	writeJSON(w, http.StatusOK, pullResponse{HasData: true, Data: &item})
}

type queueEntry struct {
	Label     string `json:"label"`
	ChildName string `json:"child_name"`
	JobID     string `json:"job_id"`
}

func (s *Server) handlePeek(w http.ResponseWriter, r *http.Request) {
	items, err := s.delivery.Peek(r.Context())
	if err != nil {
		s.logger.ErrorContext(r.Context(), "peek delivery queue", "error", err)
		http.Error(w, "failed to read queue", http.StatusInternalServerError)
		return
	}
	entries := make([]queueEntry, 0, len(items))
	for _, it := range items {
		entries = append(entries, queueEntry{Label: it.Label, ChildName: it.ChildName, JobID: it.JobID})
	}
	writeJSON(w, http.StatusOK, map[string]any{"count": len(entries), "items": entries})
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	n, err := s.delivery.Clear(r.Context())
	if err != nil {
		s.logger.ErrorContext(r.Context(), "clear delivery queue", "error", err)
		http.Error(w, "failed to clear queue", http.StatusInternalServerError)
		return
	}
	s.logger.InfoContext(r.Context(), "delivery queue cleared", "removed", n)
	s.observeDepth(r.Context())
	writeJSON(w, http.StatusOK, map[string]int{"cleared": n})
}

func (s *Server) observeDepth(ctx context.Context) {
	if depth, err := s.delivery.Len(ctx); err == nil {
		telemetry.DeliveryDepth.Set(float64(depth))
	}
}

// clientKey identifies the submitter for rate limiting. RealIP has already
// rewritten RemoteAddr from proxy headers.
func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
