package metrics

// Tags are dimension labels attached to a metric sample
type Tags map[string]string

// Recorder is the sink handlers report counters and distributions to
type Recorder interface {
	Increment(name string, tags Tags)
	Observe(name string, value float64, tags Tags)
}

// Nop discards everything
type Nop struct{}

func (Nop) Increment(string, Tags)        {}
func (Nop) Observe(string, float64, Tags) {}
