package metrics

import (
	"context"
	"maps"
	"slices"
	"sync"
	"time"

	"grimm.is/bastion/internal/clock"
	"grimm.is/bastion/internal/logging"
)

// Collector tracks per-service connection statistics, feeds them into the
// Prometheus registry and keeps a cached copy for status output.
type Collector struct {
	registry *Registry
	logger   *logging.Logger
	clock    clock.Clock
	interval time.Duration
	started  time.Time

	mu       sync.RWMutex
	services map[string]*ServiceStats
}

// ServiceStats holds the connection counters of one service.
type ServiceStats struct {
	Name     string           `json:"name"`
	Active   int64            `json:"active"`
	Total    int64            `json:"total"`
	BytesIn  int64            `json:"bytes_in"`
	BytesOut int64            `json:"bytes_out"`
	Outcomes map[string]int64 `json:"outcomes"`
	LastSeen time.Time        `json:"last_seen"`
}

// NewCollector creates a collector writing to registry. A nil registry
// uses Get().
func NewCollector(registry *Registry, logger *logging.Logger, clk clock.Clock, interval time.Duration) *Collector {
	if registry == nil {
		registry = Get()
	}
	if logger == nil {
		logger = logging.WithComponent("metrics")
	}
	clk = clock.OrReal(clk)
	return &Collector{
		registry: registry,
		logger:   logger,
		clock:    clk,
		interval: interval,
		started:  clk.Now(),
		services: make(map[string]*ServiceStats),
	}
}

// Registry returns the Prometheus registry the collector writes to.
func (c *Collector) Registry() *Registry {
	return c.registry
}

func (c *Collector) service(name string) *ServiceStats {
	s, ok := c.services[name]
	if !ok {
		s = &ServiceStats{Name: name, Outcomes: make(map[string]int64)}
		c.services[name] = s
	}
	return s
}

// ConnectionOpened marks a connection as handed to a service.
func (c *Collector) ConnectionOpened(service string) {
	c.registry.ActiveConnections.WithLabelValues(service).Inc()

	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.service(service)
	s.Active++
	s.LastSeen = c.clock.Now()
}

// ConnectionClosed records the end of a connection opened with
// ConnectionOpened.
func (c *Collector) ConnectionClosed(service, outcome string, lifetime time.Duration, bytesIn, bytesOut int64) {
	c.registry.ActiveConnections.WithLabelValues(service).Dec()
	c.registry.Connections.WithLabelValues(service, outcome).Inc()
	c.registry.ConnectionDuration.WithLabelValues(service).Observe(lifetime.Seconds())
	c.registry.Bytes.WithLabelValues(service, "in").Add(float64(bytesIn))
	c.registry.Bytes.WithLabelValues(service, "out").Add(float64(bytesOut))

	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.service(service)
	s.Active--
	s.Total++
	s.BytesIn += bytesIn
	s.BytesOut += bytesOut
	s.Outcomes[outcome]++
	s.LastSeen = c.clock.Now()
}

// ConnectionRefused records a connection closed before any service took it.
func (c *Collector) ConnectionRefused(listener, outcome string, took time.Duration) {
	if outcome == "no_match" {
		c.registry.RecordUnmatched(listener, took)
	}
	c.registry.Connections.WithLabelValues("", outcome).Inc()
}

// RuleMatched records a dispatch decision.
func (c *Collector) RuleMatched(rule, service string, took time.Duration) {
	c.registry.RecordRuleMatch(rule, service, took)
}

// StackFailed implements protocol.Observer.
func (c *Collector) StackFailed(service string, err error) {
	c.registry.StackFailed(service, err)
}

// GetServiceStats returns a copy of the per-service counters sorted by
// name.
func (c *Collector) GetServiceStats() []ServiceStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]ServiceStats, 0, len(c.services))
	for _, name := range slices.Sorted(maps.Keys(c.services)) {
		s := *c.services[name]
		s.Outcomes = maps.Clone(s.Outcomes)
		out = append(out, s)
	}
	return out
}

// Start updates the uptime gauge and logs a summary every interval until
// ctx ends.
func (c *Collector) Start(ctx context.Context) {
	if c.interval <= 0 {
		return
	}
	c.logger.Info("Starting metrics collector", "interval", c.interval.String())

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.collect()
		case <-ctx.Done():
			c.logger.Info("Stopping metrics collector")
			return
		}
	}
}

func (c *Collector) collect() {
	c.registry.Uptime.Set(c.clock.Since(c.started).Seconds())
	for _, s := range c.GetServiceStats() {
		c.logger.Info("service stats",
			"service", s.Name, "active", s.Active, "total", s.Total,
			"bytes_in", s.BytesIn, "bytes_out", s.BytesOut)
	}
}
