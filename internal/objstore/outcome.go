package objstore

// Outcome is the result of a transfer operation. Transfer failures are
// reported here and logged, never returned as errors.
type Outcome int

const (
	// Failed means the operation was attempted and did not complete.
	Failed Outcome = iota
	// Succeeded means the operation completed.
	Succeeded
	// Skipped means a precondition was missing and nothing was attempted.
	Skipped
)

// OK reports whether the operation completed.
func (o Outcome) OK() bool {
	return o == Succeeded
}

func (o Outcome) String() string {
	switch o {
	case Succeeded:
		return "succeeded"
	case Skipped:
		return "skipped"
	default:
		return "failed"
	}
}
