package billing

// ValidationError indicates malformed caller input. Surfaced, never retried.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return e.Reason
}

// ConflictError indicates a business-rule violation, such as creating a
// second active subscription. Surfaced, never retried.
type ConflictError struct {
	Reason string
}

func (e *ConflictError) Error() string {
	return e.Reason
}

// NotFoundError indicates the referenced entity does not exist
type NotFoundError struct {
	Reason string
}

func (e *NotFoundError) Error() string {
	return e.Reason
}
