package metrics

import (
	"sort"
	"strings"
	"sync"
)

// Memory keeps samples in process. It backs tests and local runs
// without a scrape endpoint.
type Memory struct {
	mu           sync.Mutex
	counters     map[string]int
	observations map[string][]float64
}

// NewMemory creates an empty in-process recorder
func NewMemory() *Memory {
	return &Memory{
		counters:     make(map[string]int),
		observations: make(map[string][]float64),
	}
}

func (m *Memory) Increment(name string, tags Tags) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters[name]++
	if len(tags) > 0 {
		m.counters[seriesKey(name, tags)]++
	}
}

func (m *Memory) Observe(name string, value float64, tags Tags) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observations[name] = append(m.observations[name], value)
}

// Count returns how often name was incremented. With tags it only
// counts samples carrying exactly that tag set.
func (m *Memory) Count(name string, tags Tags) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(tags) > 0 {
		return m.counters[seriesKey(name, tags)]
	}
	return m.counters[name]
}

// Observations returns a copy of the values observed under name
func (m *Memory) Observations(name string) []float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]float64(nil), m.observations[name]...)
}

func seriesKey(name string, tags Tags) string {
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(name)
	for _, k := range keys {
		b.WriteString("|")
		b.WriteString(k)
		b.WriteString("=")
		b.WriteString(tags[k])
	}
	return b.String()
}
