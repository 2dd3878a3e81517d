package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/mirelk/stepflow/pkg/schema"
)

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeEngineError maps an engine error to its HTTP status and writes the
// structured error body.
func writeEngineError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch schema.ErrorCode(err) {
	case schema.ErrCodeNotFound:
		status = http.StatusNotFound
	case schema.ErrCodeValidation, schema.ErrCodeConditionFailed:
		status = http.StatusBadRequest
	case schema.ErrCodeConflict, schema.ErrCodeInvalidTransition:
		status = http.StatusConflict
	case schema.ErrCodeCapacity:
		status = http.StatusTooManyRequests
	}

	var ee *schema.EngineError
	if errors.As(err, &ee) {
		writeJSON(w, status, map[string]any{
			"error":   ee.Message,
			"code":    ee.Code,
			"details": ee.Details,
		})
		return
	}
	writeError(w, status, err.Error())
}

// decodeJSON decodes a request body into v, rejecting unknown garbage
// early with a 400.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

// queryPathInt extracts an integer path segment, 0 when malformed.
func queryPathInt(r *http.Request, key string) int {
	n, err := strconv.Atoi(r.PathValue(key))
	if err != nil {
		return 0
	}
	return n
}

// queryInt extracts an integer query param with a default value.
func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
