package health

import (
	"sort"
	"sync"

	"repricer/internal/core"
)

// HealthManager aggregates health status from registered components.
// It implements core.IHealthMonitor.
type HealthManager struct {
	logger core.ILogger
	mu     sync.RWMutex
	checks map[string]func() error
	last   map[string]bool
}

// NewHealthManager creates a new health manager
func NewHealthManager(logger core.ILogger) *HealthManager {
	hm := &HealthManager{
		checks: make(map[string]func() error),
		last:   make(map[string]bool),
	}
	if logger != nil {
		hm.logger = logger.WithField("component", "health_manager")
	}
	return hm
}

// Register adds or replaces the health check for a component
func (hm *HealthManager) Register(component string, check func() error) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	hm.checks[component] = check
}

// Components lists the registered component names in order
func (hm *HealthManager) Components() []string {
	hm.mu.RLock()
	defer hm.mu.RUnlock()
	names := make([]string, 0, len(hm.checks))
	for name := range hm.checks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Check runs a single component check; unknown components are unhealthy
func (hm *HealthManager) Check(component string) (bool, error) {
	hm.mu.RLock()
	check, ok := hm.checks[component]
	hm.mu.RUnlock()
	if !ok {
		return false, nil
	}
	err := check()
	hm.observe(component, err)
	return err == nil, err
}

// GetStatus returns the current status of all registered components
func (hm *HealthManager) GetStatus() map[string]string {
	status := make(map[string]string)
	for _, component := range hm.Components() {
		if _, err := hm.Check(component); err != nil {
			status[component] = "Unhealthy: " + err.Error()
		} else {
			status[component] = "Healthy"
		}
	}
	return status
}

// IsHealthy returns true if every registered component is healthy
func (hm *HealthManager) IsHealthy() bool {
	healthy := true
	for _, component := range hm.Components() {
		if ok, _ := hm.Check(component); !ok {
			healthy = false
		}
	}
	return healthy
}

// observe logs transitions between healthy and unhealthy
func (hm *HealthManager) observe(component string, err error) {
	healthy := err == nil
	hm.mu.Lock()
	prev, seen := hm.last[component]
	hm.last[component] = healthy
	hm.mu.Unlock()

	if hm.logger == nil || (seen && prev == healthy) {
		return
	}
	if healthy {
		if seen {
			hm.logger.Info("Component recovered", "name", component)
		}
		return
	}
	hm.logger.Warn("Component unhealthy", "name", component, "error", err)
}
