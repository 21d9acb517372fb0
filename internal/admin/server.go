package admin

import (
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/go-logr/logr"
	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"sigs.k8s.io/controller-runtime/pkg/healthz"

	"github.com/AMDEPYC/cpufreq-interactive/internal/governor"
)

const (
	maxRequestBodyBytes = 1 << 16

	healthzPath = "/healthz"
	metricsPath = "/metrics"
)

// Governor is the part of the governor the admin API drives.
type Governor interface {
	Get(name string) (string, error)
	Set(name, value string) error
	Snapshot() map[string]string
	BoostPulse(d time.Duration)
	SetScreenOn(on bool)
	IdleStart(cpu uint)
	IdleEnd(cpu uint)
	UpdateLimits(cpu uint, minFreq, maxFreq uint) error
	CPUs() []uint
}

var _ Governor = &governor.Governor{}

// Server exposes the governor configuration surface and notifications over HTTP.
type Server struct {
	governor Governor
	log      logr.Logger
	gatherer prom.Gatherer
	checks   map[string]healthz.Checker
	limiter  *writeLimiter
}

type ServerOption func(*Server)

// WithGatherer serves metrics from gatherer on /metrics.
func WithGatherer(gatherer prom.Gatherer) ServerOption {
	return func(s *Server) { s.gatherer = gatherer }
}

// WithHealthCheck adds a named check to /healthz.
func WithHealthCheck(name string, check healthz.Checker) ServerOption {
	return func(s *Server) { s.checks[name] = check }
}

// WithWriteLimit bounds mutating requests to rps with the given burst.
func WithWriteLimit(rps float64, burst int) ServerOption {
	return func(s *Server) { s.limiter = newWriteLimiter(rps, burst) }
}

func NewServer(gov Governor, log logr.Logger, opts ...ServerOption) *Server {
	s := &Server{
		governor: gov,
		log:      log,
		checks:   map[string]healthz.Checker{"ping": healthz.Ping},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the HTTP handler for the admin API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /tunables", s.handleListTunables)
	mux.HandleFunc("GET /tunables/{name}", s.handleGetTunable)
	mux.HandleFunc("PUT /tunables/{name}", s.handleSetTunable)
	mux.HandleFunc("POST /boostpulse", s.handleBoostPulse)
	mux.HandleFunc("POST /screen/{state}", s.handleScreen)
	mux.HandleFunc("POST /idle/{cpu}/{transition}", s.handleIdle)
	mux.HandleFunc("PUT /limits/{cpu}", s.handleLimits)

	health := http.StripPrefix(healthzPath, &healthz.Handler{Checks: s.checks})
	mux.Handle(healthzPath, health)
	mux.Handle(healthzPath+"/", health)
	if s.gatherer != nil {
		mux.Handle(metricsPath, promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	var handler http.Handler = mux
	if s.limiter != nil {
		handler = s.limiter.wrap(handler, s.log)
	}
	return auditMiddleware(s.log, handler)
}

type errorResponse struct {
	Error string `json:"error"`
}

type tunableResponse struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type setTunableRequest struct {
	Value string `json:"value"`
}

type limitsRequest struct {
	Min uint `json:"min"`
	Max uint `json:"max"`
}

// writeJSON writes v as JSON with the given HTTP status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// decodeJSONBody reads and decodes a JSON request body into v.
// Returns false (and writes an error response) if decoding fails.
func decodeJSONBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func tunableStatus(err error) int {
	switch {
	case errors.Is(err, governor.ErrUnknownTunable):
		return http.StatusNotFound
	case errors.Is(err, governor.ErrReadOnly), errors.Is(err, governor.ErrWriteOnly):
		return http.StatusMethodNotAllowed
	default:
		return http.StatusBadRequest
	}
}

func (s *Server) handleListTunables(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.governor.Snapshot())
}

func (s *Server) handleGetTunable(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	value, err := s.governor.Get(name)
	if err != nil {
		writeError(w, tunableStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, tunableResponse{Name: name, Value: value})
}

func (s *Server) handleSetTunable(w http.ResponseWriter, r *http.Request) {
	var req setTunableRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}

	name := r.PathValue("name")
	if err := s.governor.Set(name, req.Value); err != nil {
		s.log.V(4).Info("tunable write rejected", "tunable", name, "value", req.Value, "error", err.Error())
		writeError(w, tunableStatus(err), err.Error())
		return
	}
	s.log.Info("tunable updated", "tunable", name, "value", req.Value)

	// write-only tunables have nothing to echo back
	value, err := s.governor.Get(name)
	if err != nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, tunableResponse{Name: name, Value: value})
}

// handleBoostPulse starts a boost pulse. The optional duration query
// parameter overrides boostpulse_duration.
func (s *Server) handleBoostPulse(w http.ResponseWriter, r *http.Request) {
	var d time.Duration
	if raw := r.URL.Query().Get("duration"); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "duration must be a positive duration")
			return
		}
		d = parsed
	}
	s.governor.BoostPulse(d)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleScreen(w http.ResponseWriter, r *http.Request) {
	switch r.PathValue("state") {
	case "on":
		s.governor.SetScreenOn(true)
	case "off":
		s.governor.SetScreenOn(false)
	default:
		writeError(w, http.StatusBadRequest, "screen state must be on or off")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// parseCPU extracts a governed CPU id from the path.
// Returns false (and writes an error response) if it is not one.
func (s *Server) parseCPU(w http.ResponseWriter, r *http.Request) (uint, bool) {
	id, err := strconv.ParseUint(r.PathValue("cpu"), 10, 32)
	if err != nil {
		writeError(w, http.StatusBadRequest, "cpu must be a number")
		return 0, false
	}
	cpu := uint(id)
	if !slices.Contains(s.governor.CPUs(), cpu) {
		writeError(w, http.StatusNotFound, "cpu is not governed")
		return 0, false
	}
	return cpu, true
}

func (s *Server) handleIdle(w http.ResponseWriter, r *http.Request) {
	cpu, ok := s.parseCPU(w, r)
	if !ok {
		return
	}
	switch r.PathValue("transition") {
	case "start":
		s.governor.IdleStart(cpu)
	case "end":
		s.governor.IdleEnd(cpu)
	default:
		writeError(w, http.StatusBadRequest, "idle transition must be start or end")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleLimits(w http.ResponseWriter, r *http.Request) {
	cpu, ok := s.parseCPU(w, r)
	if !ok {
		return
	}
	var req limitsRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}

	err := s.governor.UpdateLimits(cpu, req.Min, req.Max)
	switch {
	case err == nil:
		s.log.Info("policy limits updated", "cpu", cpu, "min", req.Min, "max", req.Max)
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, governor.ErrInvalidLimit):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, governor.ErrUnknownCPU):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		s.log.Error(err, "failed to update policy limits", "cpu", cpu)
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}
