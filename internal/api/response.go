package api

import (
	"encoding/json"
	"io"
	"net/http"
)

// WriteJSON writes a JSON response to the writer without HTML escaping.
func WriteJSON(w io.Writer, data interface{}) error {
	encoder := json.NewEncoder(w)
	encoder.SetEscapeHTML(false)
	return encoder.Encode(data)
}

// writeResponse sends a JSON response with the given status code.
func writeResponse(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = WriteJSON(w, data)
}

// writeError sends an APIError as its JSON body. Retryable 503s carry a
// Retry-After hint so well-behaved shippers back off.
func writeError(w http.ResponseWriter, apiErr *APIError) {
	w.Header().Set("Content-Type", "application/json")
	if apiErr.StatusCode == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "1")
	}
	w.WriteHeader(apiErr.StatusCode)
	_ = WriteJSON(w, map[string]string{
		"error":   string(apiErr.Code),
		"message": apiErr.Message,
	})
}
