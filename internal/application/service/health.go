package service

import (
	"sync"

	"terminus/internal/domain"
)

// HealthRegistry tracks the coarse connection state of each exchange.
// Connection errors degrade the flag instead of crashing anything.
type HealthRegistry struct {
	mu sync.Mutex
	m  map[string]domain.Health
}

func NewHealthRegistry() *HealthRegistry {
	return &HealthRegistry{m: make(map[string]domain.Health)}
}

func (h *HealthRegistry) Set(exchange string, v domain.Health) {
	h.mu.Lock()
	h.m[exchange] = v
	h.mu.Unlock()
}

// Get returns the health of one exchange, down when never reported.
func (h *HealthRegistry) Get(exchange string) domain.Health {
	h.mu.Lock()
	defer h.mu.Unlock()
	if v, ok := h.m[exchange]; ok {
		return v
	}
	return domain.HealthDown
}

// All returns a copy of every exchange's health, for the health endpoint.
func (h *HealthRegistry) All() map[string]domain.Health {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[string]domain.Health, len(h.m))
	for k, v := range h.m {
		out[k] = v
	}
	return out
}
