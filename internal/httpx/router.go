package httpx

import (
	"bufio"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/carecanvas/deployd/internal/ports"
	"github.com/carecanvas/deployd/internal/registry"
	"github.com/carecanvas/deployd/internal/runner"
	"github.com/carecanvas/deployd/internal/service/deploy"
	"github.com/carecanvas/deployd/internal/service/logs"
	"github.com/carecanvas/deployd/internal/ws"
)

// Router wires HTTP endpoints to the deployment service.
type Router struct {
	mux      *http.ServeMux
	logger   *slog.Logger
	deploy   *deploy.Service
	logs     *logs.Service
	upgrader websocket.Upgrader
	limiter  RateLimiter

	metricsOnce        sync.Once
	metricsInitialized bool
	requestTotal       *prometheus.CounterVec
	requestDuration    *prometheus.HistogramVec
	deployResults      *prometheus.CounterVec
	rateLimitHits      *prometheus.CounterVec
	activeProjects     prometheus.GaugeFunc
}

const (
	rateWindowDefault  = time.Minute
	rateWindowRealtime = 30 * time.Second
	rateLimitDeploy    = 30
	rateLimitRead      = 240
	rateLimitMutate    = 120
	rateLimitWebsocket = 30
)

// NewRouter assembles routes with dependencies. The server binds to
// localhost only; the rate limiter guards against a runaway local client,
// not the open internet.
func NewRouter(logger *slog.Logger, deploySvc *deploy.Service, logSvc *logs.Service, limiter RateLimiter) *Router {
	r := &Router{
		mux:    http.NewServeMux(),
		logger: logger,
		deploy: deploySvc,
		logs:   logSvc,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		limiter: limiter,
	}
	if r.limiter == nil {
		r.limiter = NewMemoryRateLimiter()
	}
	r.initMetrics()
	r.register()
	return r
}

// ServeHTTP delegates to the underlying mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// Close releases background resources.
func (r *Router) Close() {
	if r.limiter != nil {
		r.limiter.Close()
	}
}

func (r *Router) register() {
	r.mux.HandleFunc("/metrics", promhttp.Handler().ServeHTTP)
	r.mux.HandleFunc("/healthz", r.audit(r.instrument("/healthz", r.handleHealthz)))
	r.mux.HandleFunc("/deployments", r.audit(r.instrument("/deployments", r.handleDeployments)))
	r.mux.HandleFunc("/deployments/", r.audit(r.instrument("/deployments/:id", r.handleDeploymentSubroutes)))
	r.mux.HandleFunc("/ws/logs", r.audit(r.withRateLimit("/ws/logs", rateLimitWebsocket, rateWindowRealtime, r.handleLogsWS)))
}

func (r *Router) handleDeployments(w http.ResponseWriter, req *http.Request) {
	switch req.Method {
	case http.MethodPost:
		r.withRateLimit("/deployments", rateLimitDeploy, rateWindowDefault, r.handleDeploy)(w, req)
	case http.MethodGet:
		r.withRateLimit("/deployments", rateLimitRead, rateWindowDefault, r.handleList)(w, req)
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleDeploy(w http.ResponseWriter, req *http.Request) {
	var payload struct {
		Name  string            `json:"name"`
		Files map[string]string `json:"files"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	rec, err := r.deploy.Deploy(req.Context(), payload.Name, payload.Files)
	if err != nil {
		r.recordDeployResult("failure")
		status := statusForDeployError(err)
		if rec.ID == "" {
			writeError(w, status, err.Error())
			return
		}
		writeJSON(w, status, map[string]any{
			"error":   rec.Error,
			"project": rec,
		})
		return
	}
	r.recordDeployResult("success")
	writeJSON(w, http.StatusCreated, rec)
}

func (r *Router) handleList(w http.ResponseWriter, req *http.Request) {
	writeJSON(w, http.StatusOK, r.deploy.List(req.Context()))
}

func (r *Router) handleDeploymentSubroutes(w http.ResponseWriter, req *http.Request) {
	trimmed := strings.Trim(strings.TrimPrefix(req.URL.Path, "/deployments/"), "/")
	if trimmed == "" {
		r.notFound(w)
		return
	}
	parts := strings.Split(trimmed, "/")
	id := parts[0]
	switch {
	case len(parts) == 1 && req.Method == http.MethodGet:
		r.withRateLimit("/deployments/:id", rateLimitRead, rateWindowDefault, func(w http.ResponseWriter, req *http.Request) {
			r.handleGet(w, req, id)
		})(w, req)
	case len(parts) == 1 && req.Method == http.MethodDelete:
		r.withRateLimit("/deployments/:id", rateLimitMutate, rateWindowDefault, func(w http.ResponseWriter, req *http.Request) {
			r.handleDelete(w, req, id)
		})(w, req)
	case len(parts) == 2 && parts[1] == "logs" && req.Method == http.MethodGet:
		r.withRateLimit("/deployments/:id/logs", rateLimitRead, rateWindowDefault, func(w http.ResponseWriter, req *http.Request) {
			r.handleLogs(w, req, id)
		})(w, req)
	case len(parts) == 2 && parts[1] == "stop":
		if req.Method != http.MethodPost {
			r.methodNotAllowed(w)
			return
		}
		r.withRateLimit("/deployments/:id/stop", rateLimitMutate, rateWindowDefault, func(w http.ResponseWriter, req *http.Request) {
			r.handleStop(w, req, id)
		})(w, req)
	case len(parts) == 1:
		r.methodNotAllowed(w)
	default:
		r.notFound(w)
	}
}

func (r *Router) handleGet(w http.ResponseWriter, req *http.Request, id string) {
	rec, err := r.deploy.Get(req.Context(), id)
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			r.notFound(w)
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (r *Router) handleStop(w http.ResponseWriter, req *http.Request, id string) {
	if err := r.deploy.Stop(req.Context(), id); err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			r.notFound(w)
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	rec, err := r.deploy.Get(req.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (r *Router) handleDelete(w http.ResponseWriter, req *http.Request, id string) {
	if err := r.deploy.Delete(req.Context(), id); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (r *Router) handleLogs(w http.ResponseWriter, req *http.Request, id string) {
	if _, err := r.deploy.Get(req.Context(), id); err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			r.notFound(w)
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, r.logs.Recent(id))
}

func (r *Router) handleLogsWS(w http.ResponseWriter, req *http.Request) {
	projectID := req.URL.Query().Get("project_id")
	if projectID == "" {
		writeError(w, http.StatusBadRequest, "project_id query parameter required")
		return
	}
	replay := r.logs.Recent(projectID)
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	client := ws.NewClient(conn, r.logger)
	for _, event := range replay {
		payload, err := json.Marshal(event)
		if err != nil {
			continue
		}
		if err := client.Send(payload); err != nil {
			client.Close()
			return
		}
	}
	r.logs.Hub().Subscribe(projectID, client)
	go func() {
		defer func() {
			r.logs.Hub().Unsubscribe(projectID, client)
			client.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"projects":  r.deploy.Store().Len(),
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
	})
}

// statusForDeployError maps pipeline failures onto response codes: port
// exhaustion is a capacity conflict, install and startup problems are
// faults in the submitted project, anything else is on us.
func statusForDeployError(err error) int {
	var installErr *runner.InstallError
	var exitErr *runner.ExitError
	switch {
	case errors.Is(err, ports.ErrNoPortAvailable):
		return http.StatusConflict
	case errors.As(err, &installErr), errors.As(err, &exitErr), errors.Is(err, runner.ErrStartupTimeout):
		return http.StatusUnprocessableEntity
	case errors.Is(err, registry.ErrDuplicateID):
		return http.StatusConflict
	case errors.Is(err, deploy.ErrInvalidInput):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (r *Router) audit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		reqID := strings.TrimSpace(req.Header.Get("X-Request-ID"))
		if reqID == "" {
			reqID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", reqID)

		recorder := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next(recorder, req)

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		fields := []any{
			"method", req.Method,
			"path", req.URL.Path,
			"status", status,
			"bytes", recorder.bytes,
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", reqID,
		}
		if ip := clientIP(req); ip != "" {
			fields = append(fields, "ip", ip)
		}

		switch {
		case status >= http.StatusInternalServerError:
			r.logger.Error("http_request", fields...)
		case status >= http.StatusBadRequest:
			r.logger.Warn("http_request", fields...)
		default:
			r.logger.Info("http_request", fields...)
		}
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += n
	return n, err
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack is required so the websocket upgrade works through the audit
// wrapper.
func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := sr.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, errors.New("hijacker not supported")
}

func clientIP(req *http.Request) string {
	if forwarded := strings.TrimSpace(req.Header.Get("X-Forwarded-For")); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		if len(parts) > 0 {
			ip := strings.TrimSpace(parts[0])
			if ip != "" {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(req.RemoteAddr))
	if err != nil {
		return strings.TrimSpace(req.RemoteAddr)
	}
	return host
}

func (r *Router) methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func (r *Router) notFound(w http.ResponseWriter) {
	writeError(w, http.StatusNotFound, "not found")
}
