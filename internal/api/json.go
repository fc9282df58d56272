package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"shuttleplan/internal/solver"
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

// writeSolveProblem maps solver errors onto problem responses: malformed
// input is a 400, a proven-infeasible instance a 422, anything else a 500.
func writeSolveProblem(w http.ResponseWriter, err error, instance string) {
	var invalid *solver.InvalidInputError
	if errors.As(err, &invalid) {
		writeProblem(w, http.StatusBadRequest, "Invalid dispatch request", invalid.Detail, instance)
		return
	}
	var infeasible *solver.InfeasibleError
	if errors.As(err, &infeasible) {
		writeProblem(w, http.StatusUnprocessableEntity, "No feasible plan", infeasible.Detail, instance)
		return
	}
	writeProblem(w, http.StatusInternalServerError, "Optimization failed", err.Error(), instance)
}
