package api

import (
	"encoding/json"
	"net/http"

	"fleettrack/internal/fault"
)

// Problem represents an RFC7807 problem details response body.
type Problem struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeProblem(w http.ResponseWriter, status int, title, detail, instance string) {
	writeJSON(w, status, Problem{
		Type:     "about:blank",
		Title:    title,
		Status:   status,
		Detail:   detail,
		Instance: instance,
	})
}

// writeFault maps a typed domain error onto a problem response. Errors without
// a taxonomy code become a 500 with a generic title.
func writeFault(w http.ResponseWriter, err error, instance string) {
	code := fault.CodeOf(err)
	if code == "" {
		writeProblem(w, http.StatusInternalServerError, "Internal error", err.Error(), instance)
		return
	}
	writeProblem(w, fault.HTTPStatus(code), string(code), err.Error(), instance)
}
