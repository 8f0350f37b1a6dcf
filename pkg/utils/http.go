package utils

import (
	"encoding/json"
	"net/http"
)

// WriteJSONResponse marshals data and writes it with the given status code.
// Marshal failures degrade to a plain 500 so a handler never half-writes a body.
func WriteJSONResponse(w http.ResponseWriter, statusCode int, data interface{}) {
	body, err := json.Marshal(data)
	if err != nil {
		http.Error(w, "internal encoding error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_, _ = w.Write(body)
}
