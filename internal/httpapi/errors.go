package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/strongboxhq/strongbox/internal/apperror"
)

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Status  int    `json:"status"`
}

// writeError maps an apperror.Error (or any error) onto an HTTP response,
// the single place the taxonomy (spec's error table) turns into status
// codes and JSON bodies.
func writeError(w http.ResponseWriter, err error) {
	status := apperror.StatusCode(err)
	body := errorBody{Error: "internal", Message: err.Error(), Status: status}
	if ae, ok := err.(*apperror.Error); ok {
		body.Error = string(ae.Code)
		body.Message = ae.Message
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeRangeUnsatisfiable writes a 416 response for a Range request against
// a file of the given total size, setting Content-Range: bytes */size as
// spec.md §4.5 requires in addition to the JSON error body.
func writeRangeUnsatisfiable(w http.ResponseWriter, err error, size int64) {
	w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", size))
	writeError(w, err)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
