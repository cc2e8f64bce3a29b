package handlers

import (
	"net/http"

	"github.com/stanstork/notifyd/internal/registry"
)

// TopicMonitor reports whether the bus consumer is attached to a topic.
type TopicMonitor interface {
	Running(topic string) bool
}

type HealthHandler struct {
	consumer   TopicMonitor
	topics     []string
	registries []*registry.Registry
}

func NewHealthHandler(consumer TopicMonitor, topics []string, registries ...*registry.Registry) *HealthHandler {
	return &HealthHandler{consumer: consumer, topics: topics, registries: registries}
}

// Check returns the consumer state per topic and the local connection counts.
// It answers 503 while any topic has no consumer loop.
func (h *HealthHandler) Check(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	bus := make(map[string]bool, len(h.topics))
	for _, t := range h.topics {
		running := h.consumer.Running(t)
		bus[t] = running
		if !running {
			status = http.StatusServiceUnavailable
		}
	}
	conns := make(map[string]int, len(h.registries))
	for _, reg := range h.registries {
		conns[reg.Name()] = reg.Total()
	}

	state := "ok"
	if status != http.StatusOK {
		state = "degraded"
	}
	writeJSON(w, status, map[string]interface{}{
		"status":      state,
		"bus":         bus,
		"connections": conns,
	})
}
