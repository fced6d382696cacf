package status

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"
)

// problem is the body of every non-2xx ops response.
type problem struct {
	Status int    `json:"status"`
	Error  string `json:"error"`
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Warn("failed to encode ops response", zap.Int("status", code), zap.Error(err))
	}
}

func writeProblem(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, problem{Status: code, Error: message})
}
