package server

import (
	"sync"
	"time"
)

const (
	endpointEntities    = "entities"
	endpointServiceCall = "serviceCall"
)

type counter struct {
	count     int
	totalTime time.Duration
	errors    int
}

type EndpointSummary struct {
	Calls           int     `json:"calls"`
	AvgResponseTime float64 `json:"avgResponseTime"`
	Errors          int     `json:"errors"`
	ErrorRate       float64 `json:"errorRate"`
}

type MetricsSummary struct {
	Uptime    int64                      `json:"uptime"`
	Endpoints map[string]EndpointSummary `json:"endpoints"`
}

// metrics keeps per endpoint call counts in memory until reset.
type metrics struct {
	mu        sync.Mutex
	now       func() time.Time
	counters  map[string]*counter
	lastReset time.Time
}

func newMetrics(now func() time.Time) *metrics {
	m := &metrics{now: now}
	m.reset()
	return m
}

func (m *metrics) reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters = map[string]*counter{
		endpointEntities:    {},
		endpointServiceCall: {},
	}
	m.lastReset = m.now()
}

func (m *metrics) record(endpoint string, took time.Duration, failed bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.counters[endpoint]
	if !ok {
		c = &counter{}
		m.counters[endpoint] = c
	}
	c.count++
	c.totalTime += took
	if failed {
		c.errors++
	}
}

// summary reports times in milliseconds and error rates in percent.
func (m *metrics) summary() MetricsSummary {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := MetricsSummary{
		Uptime:    m.now().Sub(m.lastReset).Milliseconds(),
		Endpoints: make(map[string]EndpointSummary, len(m.counters)),
	}
	for name, c := range m.counters {
		sum := EndpointSummary{Calls: c.count, Errors: c.errors}
		if c.count > 0 {
			sum.AvgResponseTime = float64(c.totalTime.Microseconds()) / 1000 / float64(c.count)
			sum.ErrorRate = float64(c.errors) / float64(c.count) * 100
		}
		out.Endpoints[name] = sum
	}
	return out
}
