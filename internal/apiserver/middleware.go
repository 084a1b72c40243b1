package apiserver

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/devmesh/devmesh/internal/api"
)

// requestIDHeader carries the per-request correlation id.
const requestIDHeader = "X-Request-ID"

// openPaths never require the API key: operators probe them and Prometheus
// scrapes them without credentials.
var openPaths = map[string]bool{
	"/health":  true,
	"/info":    true,
	"/metrics": true,
}

// corsMiddleware adds CORS headers to allow browser access and answers
// preflight requests.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key, X-Request-ID")
		w.Header().Set("Access-Control-Max-Age", "3600")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requestIDMiddleware assigns each request a uuid unless the client sent
// one, and echoes it back on the response.
func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
			r.Header.Set(requestIDHeader, id)
		}
		w.Header().Set(requestIDHeader, id)
		next.ServeHTTP(w, r)
	})
}

// requestLogMiddleware logs one line per request with method, path,
// status and latency.
func (s *Server) requestLogMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		s.logger.Debug("%s %s %d %s request_id=%s",
			r.Method, r.URL.Path, sw.status, time.Since(start), r.Header.Get(requestIDHeader))
	})
}

// authMiddleware enforces the shared-secret X-API-Key header on all routes
// except the open operational endpoints. An empty configured key disables
// the check entirely.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.APIKey != "" && !openPaths[r.URL.Path] {
			if r.Header.Get("X-API-Key") != s.cfg.APIKey {
				s.writeError(w, api.NewUnauthorizedError("missing or invalid API key"))
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// withMethod wraps a handler to enforce the HTTP method.
func (s *Server) withMethod(method string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != method {
			s.writeError(w, api.NewAPIError(api.ErrorCodeInvalidRequest,
				http.StatusMethodNotAllowed, "method not allowed"))
			return
		}
		handler(w, r)
	}
}

func (s *Server) writeError(w http.ResponseWriter, apiErr *api.APIError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(apiErr.StatusCode)
	_ = api.WriteJSON(w, map[string]string{
		"error":   string(apiErr.Code),
		"message": apiErr.Message,
	})
}

// statusWriter captures the response status for request logging.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
