package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mrhapile/wasi-plugin-host/fluid"
	"github.com/mrhapile/wasi-plugin-host/runtime"
)

// RunRequest represents the JSON request body for POST /run
type RunRequest struct {
	Plugin    string `json:"plugin"`    // Plugin name (e.g., "calc")
	Operation string `json:"operation"` // Export to call (e.g., "add")
	A         int32  `json:"a"`
	B         int32  `json:"b"`
}

// MathResponse is the result of a direct call.
type MathResponse struct {
	Operation string `json:"operation"`
	A         int32  `json:"a"`
	B         int32  `json:"b"`
	Result    *int32 `json:"result"` // null for division by zero
}

// ErrorResponse represents an error in JSON format
type ErrorResponse struct {
	Error  string `json:"error"`            // Human-readable error message
	Kind   string `json:"kind,omitempty"`   // Invocation failure kind
	Detail string `json:"detail,omitempty"` // Captured guest output, if any
}

// Server exposes plugins over HTTP.
type Server struct {
	invoker *runtime.Invoker
	log     logrus.FieldLogger
	started time.Time

	// MathPlugin is the command-style plugin behind /api/math/{a}/{b}.
	MathPlugin string
	// CalcPlugin is the typed-export plugin behind direct calls.
	CalcPlugin string
}

// NewServer creates a Server invoking plugins through inv.
func NewServer(inv *runtime.Invoker, log logrus.FieldLogger) *Server {
	return &Server{
		invoker:    inv,
		log:        log,
		started:    time.Now(),
		MathPlugin: "math",
		CalcPlugin: "calc",
	}
}

// Routes registers every endpoint.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleRoot)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /plugin/{name}", s.handlePlugin)
	mux.HandleFunc("GET /api/math/{a}/{b}", s.handleMath)
	mux.HandleFunc("GET /api/math/{op}/{a}/{b}", s.handleCalc)
	mux.HandleFunc("/run", s.handleRun)
	return s.logRequests(mux)
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"service": "wasi-plugin-host",
		"endpoints": []string{
			"GET /health",
			"GET /plugin/{name}?a=&b=",
			"GET /api/math/{a}/{b}",
			"GET /api/math/{op}/{a}/{b}",
			"POST /run",
		},
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "healthy",
		"uptime": time.Since(s.started).Round(time.Second).String(),
	})
}

// handlePlugin runs a command-style plugin with path /{name}/{a}/{b} and the
// request's HTTP method as verb.
func (s *Server) handlePlugin(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if !isValidPluginName(name) {
		writeError(w, http.StatusBadRequest, "invalid plugin name")
		return
	}
	a, b, ok := operands(w, r.URL.Query().Get("a"), r.URL.Query().Get("b"))
	if !ok {
		return
	}

	s.invoke(w, r, name, runtime.Request{
		Method: r.Method,
		Path:   fmt.Sprintf("/%s/%d/%d", name, a, b),
	})
}

// handleMath runs the math command plugin with path /math/{a}/{b}.
func (s *Server) handleMath(w http.ResponseWriter, r *http.Request) {
	a, b, ok := operands(w, r.PathValue("a"), r.PathValue("b"))
	if !ok {
		return
	}

	s.invoke(w, r, s.MathPlugin, runtime.Request{
		Method: r.Method,
		Path:   fmt.Sprintf("/math/%d/%d", a, b),
	})
}

// handleCalc calls one typed export of the calc plugin.
func (s *Server) handleCalc(w http.ResponseWriter, r *http.Request) {
	a, b, ok := operands(w, r.PathValue("a"), r.PathValue("b"))
	if !ok {
		return
	}

	resp, err := s.call(r, s.CalcPlugin, r.PathValue("op"), a, b)
	if err != nil {
		// absent or failed plugins read as not found on the GET surface
		writeInvocationError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleRun handles POST /run requests
//
// Request lifecycle per call:
// 1. Parse and validate JSON request
// 2. Resolve and load the plugin (cached after the first call)
// 3. Instantiate an isolated session and call the export
// 4. Close the session and return JSON response
func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	// Only accept POST requests
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req RunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}

	// Validate plugin name (basic sanitization)
	if req.Plugin == "" {
		writeError(w, http.StatusBadRequest, "plugin name is required")
		return
	}
	if !isValidPluginName(req.Plugin) {
		writeError(w, http.StatusBadRequest, "invalid plugin name")
		return
	}
	if req.Operation == "" {
		writeError(w, http.StatusBadRequest, "operation is required")
		return
	}

	resp, err := s.call(r, req.Plugin, req.Operation, req.A, req.B)
	if err != nil {
		writeInvocationError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// call performs a direct call. Division by zero is answered with a null
// result without entering the guest.
func (s *Server) call(r *http.Request, plugin, op string, a, b int32) (*MathResponse, error) {
	resp := &MathResponse{Operation: op, A: a, B: b}
	if isDivision(op) && b == 0 {
		return resp, nil
	}

	result, err := s.invoker.Call(r.Context(), plugin, op, a, b)
	if err != nil {
		return nil, err
	}
	resp.Result = &result
	return resp, nil
}

func (s *Server) invoke(w http.ResponseWriter, r *http.Request, plugin string, req runtime.Request) {
	res, err := s.invoker.Invoke(r.Context(), plugin, req)
	if err != nil {
		writeInvocationError(w, http.StatusNotFound, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Invocation-Id", res.InvocationID)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(res.Payload))
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)
		s.log.WithFields(logrus.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"status":   rec.status,
			"duration": time.Since(start),
		}).Info("request")
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func isDivision(op string) bool {
	return strings.EqualFold(op, "divide")
}

// operands parses a and b as 32-bit integers, answering 400 on failure.
func operands(w http.ResponseWriter, rawA, rawB string) (int32, int32, bool) {
	a, errA := strconv.ParseInt(rawA, 10, 32)
	b, errB := strconv.ParseInt(rawB, 10, 32)
	if errA != nil || errB != nil {
		writeError(w, http.StatusBadRequest, "operands a and b must be 32-bit integers")
		return 0, 0, false
	}
	return int32(a), int32(b), true
}

// statusFor maps an invocation failure to a POST /run status code.
func statusFor(err error) int {
	switch runtime.KindOf(err) {
	case runtime.ErrArtifactNotFound, runtime.ErrExportNotFound:
		return http.StatusNotFound
	case runtime.ErrTimeout:
		return http.StatusGatewayTimeout
	case runtime.ErrFormatMismatch, runtime.ErrImportUnsatisfied, runtime.ErrMalformedArtifact:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// isValidPluginName checks if the plugin name is safe to use in file paths
// Prevents path traversal attacks (e.g., "../etc/passwd")
func isValidPluginName(name string) bool {
	return fluid.ValidName(name)
}

// writeJSON writes a JSON response with the given status code
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response with the given status code
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, ErrorResponse{Error: message})
}

func writeInvocationError(w http.ResponseWriter, status int, err error) {
	resp := ErrorResponse{Error: err.Error()}
	if kind := runtime.KindOf(err); kind != nil {
		resp.Kind = kind.Error()
	}
	var ie *runtime.InvocationError
	if errors.As(err, &ie) {
		resp.Detail = ie.Detail
	}
	writeJSON(w, status, resp)
}
