package watchdog

import (
	"encoding/json"
	"net/http"
)

type healthResponse struct {
	Status     string            `json:"status"`
	Components []ComponentStatus `json:"components"`
}

func writeHealthJSON(rw http.ResponseWriter, code int, status string, components []ComponentStatus) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(code)
	_ = json.NewEncoder(rw).Encode(healthResponse{Status: status, Components: components})
}
