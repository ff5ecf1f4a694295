// internal/api/http/job_handler.go
package http

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/go-playground/validator/v10/non-standard/validators"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"jobmesh/internal/domain"
	"jobmesh/internal/master"
	"jobmesh/internal/metrics"
	"jobmesh/internal/usecase"
)

const submitTimeout = 10 * time.Second

// JobService is the job use case surface the handler serves.
type JobService interface {
	SubmitJob(ctx context.Context, name string) (domain.JobAccepted, error)
	ListHistory(ctx context.Context, page, pageSize int) ([]*domain.JobOutcome, error)
	GetOutcome(ctx context.Context, instance string, jobID int) (*domain.JobOutcome, error)
}

// DispatcherState reports the dispatcher hosted on this node.
type DispatcherState interface {
	Snapshot(ctx context.Context) (master.Snapshot, error)
}

// DispatcherLocator reports the last announced dispatcher.
type DispatcherLocator interface {
	Dispatcher(ctx context.Context) (domain.DispatcherHandle, error)
}

// StatsSource returns fresh node statistics.
type StatsSource interface {
	Collect(ctx context.Context) (domain.NodeStats, error)
}

// JobHandler handles the node's HTTP API.
type JobHandler struct {
	jobs     JobService
	state    DispatcherState
	locator  DispatcherLocator
	stats    StatsSource
	logger   *slog.Logger
	validate *validator.Validate
	tracer   trace.Tracer
}

// NewJobHandler creates a new JobHandler and initializes its validator.
func NewJobHandler(jobs JobService, state DispatcherState, locator DispatcherLocator, stats StatsSource, logger *slog.Logger) *JobHandler {
	validate := validator.New()
	_ = validate.RegisterValidation("notblank", validators.NotBlank)

	return &JobHandler{
		jobs:     jobs,
		state:    state,
		locator:  locator,
		stats:    stats,
		logger:   logger.With("component", "job-handler"),
		validate: validate,
		tracer:   otel.Tracer("jobmesh-api"),
	}
}

// A helper struct to capture the status code
type instrumentedResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *instrumentedResponseWriter) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

// RegisterRoutes registers the API routes to the http.ServeMux.
func (h *JobHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.Handle("POST /jobs", h.instrument("/jobs", h.handleSubmitJob))
	mux.Handle("GET /jobs/history", h.instrument("/jobs/history", h.handleListHistory))
	mux.Handle("GET /jobs/history/{instance}/{id}", h.instrument("/jobs/history/{instance}/{id}", h.handleGetOutcome))
	mux.Handle("GET /dispatcher", h.instrument("/dispatcher", h.handleGetDispatcher))
	mux.Handle("GET /stats", h.instrument("/stats", h.handleGetStats))
	mux.Handle("GET /metrics", promhttp.Handler())
}

func (h *JobHandler) instrument(path string, next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := h.tracer.Start(r.Context(), "HTTP "+r.Method+" "+path, trace.WithAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.target", r.URL.Path),
		))
		defer span.End()

		iw := &instrumentedResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next(iw, r.WithContext(ctx))

		metrics.HttpRequestsTotal.WithLabelValues(path, r.Method, strconv.Itoa(iw.statusCode)).Inc()

		span.SetAttributes(attribute.Int("http.status_code", iw.statusCode))
		if iw.statusCode >= 500 {
			span.SetStatus(codes.Error, "Server Error")
		}
	})
}

// handleSubmitJob handles POST /jobs.
func (h *JobHandler) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	span := trace.SpanFromContext(r.Context())

	var req SubmitJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		span.SetStatus(codes.Error, "Failed to decode request body")
		span.RecordError(err)
		writeError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	req.Normalize()

	if err := h.validate.Struct(req); err != nil {
		span.SetStatus(codes.Error, "Validation failed")
		span.RecordError(err)
		var details []string
		var validationErrors validator.ValidationErrors
		if errors.As(err, &validationErrors) {
			for _, fe := range validationErrors {
				details = append(details, "Field '"+fe.Field()+"' failed on the '"+fe.Tag()+"' tag.")
			}
		}
		writeError(w, http.StatusBadRequest, "Validation failed", details...)
		return
	}
	span.SetAttributes(attribute.String("job.name", req.Name))

	ctx, cancel := context.WithTimeout(r.Context(), submitTimeout)
	defer cancel()

	accepted, err := h.jobs.SubmitJob(ctx, req.Name)
	if err != nil {
		span.SetStatus(codes.Error, "Failed to submit job")
		span.RecordError(err)
		switch {
		case errors.Is(err, usecase.ErrInvalidJobName):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, domain.ErrNotDispatcher),
			errors.Is(err, domain.ErrNoDispatcher),
			errors.Is(err, domain.ErrDispatcherStopped),
			errors.Is(err, context.DeadlineExceeded):
			h.logger.Warn("no dispatcher accepted job", "job_name", req.Name, "error", err)
			writeError(w, http.StatusServiceUnavailable, "no dispatcher available, retry later")
		default:
			h.logger.Error("error submitting job", "job_name", req.Name, "error", err)
			writeError(w, http.StatusInternalServerError, "Internal server error")
		}
		return
	}

	writeJSON(w, http.StatusAccepted, newSubmitJobResponse(accepted))
}

// handleListHistory handles GET /jobs/history?page=&pageSize=.
func (h *JobHandler) handleListHistory(w http.ResponseWriter, r *http.Request) {
	span := trace.SpanFromContext(r.Context())

	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	if page < 1 {
		page = 1
	}
	pageSize, _ := strconv.Atoi(r.URL.Query().Get("pageSize"))
	if pageSize <= 0 || pageSize > 100 {
		pageSize = 20 // default and max page size
	}
	span.SetAttributes(attribute.Int("page", page), attribute.Int("page_size", pageSize))

	history, err := h.jobs.ListHistory(r.Context(), page, pageSize)
	if err != nil {
		h.logger.Error("error listing job history", "error", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	resp := make([]OutcomeResponse, 0, len(history))
	for _, o := range history {
		resp = append(resp, newOutcomeResponse(o))
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleGetOutcome handles GET /jobs/history/{instance}/{id}.
func (h *JobHandler) handleGetOutcome(w http.ResponseWriter, r *http.Request) {
	instance := r.PathValue("instance")
	jobID, err := strconv.Atoi(r.PathValue("id"))
	if err != nil || jobID <= 0 || strings.TrimSpace(instance) == "" {
		writeError(w, http.StatusBadRequest, "job id must be a positive integer")
		return
	}

	outcome, err := h.jobs.GetOutcome(r.Context(), instance, jobID)
	if err != nil {
		if errors.Is(err, domain.ErrOutcomeNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		h.logger.Error("error getting job outcome", "instance", instance, "job_id", jobID, "error", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	writeJSON(w, http.StatusOK, newOutcomeResponse(outcome))
}

// handleGetDispatcher handles GET /dispatcher.
func (h *JobHandler) handleGetDispatcher(w http.ResponseWriter, r *http.Request) {
	snapshot, err := h.state.Snapshot(r.Context())
	if err == nil {
		writeJSON(w, http.StatusOK, DispatcherResponse{Local: true, Dispatcher: snapshot.Dispatcher, State: &snapshot})
		return
	}
	if !errors.Is(err, domain.ErrNotDispatcher) && !errors.Is(err, domain.ErrDispatcherStopped) {
		h.logger.Error("error reading dispatcher state", "error", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	handle, err := h.locator.Dispatcher(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "no dispatcher available")
		return
	}
	writeJSON(w, http.StatusOK, DispatcherResponse{Dispatcher: handle})
}

// handleGetStats handles GET /stats.
func (h *JobHandler) handleGetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.stats.Collect(r.Context())
	if err != nil {
		h.logger.Error("error collecting node stats", "error", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	writeJSON(w, http.StatusOK, newStatsResponse(stats))
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string, details ...string) {
	body := map[string]any{"error": msg}
	if len(details) > 0 {
		body["details"] = details
	}
	writeJSON(w, status, body)
}
