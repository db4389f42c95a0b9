package orchestrator

import "fmt"

// Reason classifies a failed worker cycle
type Reason string

const (
	ReasonStart        Reason = "start"
	ReasonTimeout      Reason = "timeout"
	ReasonCanceled     Reason = "canceled"
	ReasonExit         Reason = "exit"
	ReasonMalformed    Reason = "malformed"
	ReasonNoTerminator Reason = "no-terminator"
)

// WorkerError is a cycle whose results were discarded
type WorkerError struct {
	Reason Reason
	Err    error
}

func (e *WorkerError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("worker failed: %s", e.Reason)
	}
	return fmt.Sprintf("worker failed: %s: %v", e.Reason, e.Err)
}

func (e *WorkerError) Unwrap() error {
	return e.Err
}
