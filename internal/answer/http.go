package answer

import (
	"encoding/json"
	"net/http"

	"github.com/grok-ai/BeER/internal/pkg/metrics"
)

// Write sends a as JSON with the status of its code.
func Write(w http.ResponseWriter, a Answer) {
	if a.Data == nil {
		a.Data = map[string]interface{}{}
	}
	metrics.AnswersTotal.WithLabelValues(a.Code.Name).Inc()
	w.Header().Set("Content-Type", "application/json")
	status := a.Code.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(a)
}
