package logging

import "fmt"

// OperationError annotates an error with the operation and request it belongs to.
type OperationError struct {
	Operation string
	RequestID string
	Err       error
}

func (e *OperationError) Error() string {
	if e == nil || e.Err == nil {
		return ""
	}
	if e.RequestID != "" {
		return fmt.Sprintf("%s (request_id=%s): %v", e.Operation, e.RequestID, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Operation, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *OperationError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Cause returns the innermost error message, skipping nested operation
// annotations. Handlers surface it to clients without internal identifiers.
func (e *OperationError) Cause() string {
	var err error = e
	for {
		op, ok := err.(*OperationError)
		if !ok || op == nil || op.Err == nil {
			break
		}
		err = op.Err
	}
	if err == nil {
		return ""
	}
	return err.Error()
}

// NewOperationError wraps err with structured context. It returns nil for a nil err.
func NewOperationError(operation, requestID string, err error) error {
	if err == nil {
		return nil
	}
	return &OperationError{Operation: operation, RequestID: requestID, Err: err}
}
