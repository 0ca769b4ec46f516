package job

// Outcome summarises what a handler did
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeNoop      Outcome = "noop"
	OutcomeSkipped   Outcome = "skipped"
)

// Result is what a handler returns on success. It is stored with the
// completed job for audit.
type Result struct {
	Outcome Outcome        `json:"outcome"`
	Reason  string         `json:"reason,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
}

// Completed builds a Result for work that was carried out
func Completed(data map[string]any) Result {
	return Result{Outcome: OutcomeCompleted, Data: data}
}

// Noop builds a Result for a run that found nothing to do
func Noop(data map[string]any) Result {
	return Result{Outcome: OutcomeNoop, Data: data}
}

// Skipped builds a Result for a precondition that did not hold. It is
// a success so the job is not retried.
func Skipped(reason string) Result {
	return Result{Outcome: OutcomeSkipped, Reason: reason}
}
