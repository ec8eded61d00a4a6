package persist

import "fmt"

// WriteError is a durable-store write that failed after its retry. It is a
// warning: in-memory state stays authoritative for the running process.
type WriteError struct {
	Op        string
	SessionID string
	Err       error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("persist %s for session %s: %v", e.Op, e.SessionID, e.Err)
}

func (e *WriteError) Unwrap() error {
	return e.Err
}
