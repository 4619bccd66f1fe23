package remote

import "fmt"

// TransportError wraps a failure to reach the remote catalog at all.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string { return fmt.Sprintf("remote %s: %v", e.Op, e.Err) }
func (e *TransportError) Unwrap() error { return e.Err }

// StatusError reports a non-2xx answer.
type StatusError struct {
	Op     string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("remote %s failed: status=%d body=%s", e.Op, e.Status, e.Body)
}

// DecodeError reports a 2xx answer whose body could not be parsed.
type DecodeError struct {
	Op  string
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("remote %s: decode response: %v", e.Op, e.Err)
}
func (e *DecodeError) Unwrap() error { return e.Err }
