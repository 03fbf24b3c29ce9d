package investigation

import "errors"

// Error codes are stable identifiers clients can switch on.
const (
	CodeEventNotFound        = "event_not_found"
	CodeInvestigatorNotFound = "investigator_not_found"
	CodeUserNotFound         = "user_not_found"
	CodeEventNotResolved     = "event_not_resolved"
	CodeInvalidStatus        = "invalid_status"
	CodeInvalidTransition    = "invalid_transition"
	CodeInvalidRequest       = "invalid_request"
)

// Result is the outcome of a workflow operation. Expected business failures
// (missing ids, bad state) come back here with Success false; storage
// failures are returned as a separate error.
type Result[T any] struct {
	Success   bool   `json:"success"`
	Data      T      `json:"data,omitempty"`
	Error     string `json:"error,omitempty"`
	ErrorCode string `json:"error_code,omitempty"`
}

func ok[T any](data T) Result[T] { return Result[T]{Success: true, Data: data} }

func fail[T any](f *Failure) Result[T] {
	return Result[T]{Error: f.Message, ErrorCode: f.Code}
}

// Failure is a business-rule rejection carried through MutateEvent.
type Failure struct {
	Code    string
	Message string
}

func (f *Failure) Error() string { return f.Message }

var (
	errEventNotFound        = &Failure{Code: CodeEventNotFound, Message: "Security event not found"}
	errInvestigatorNotFound = &Failure{Code: CodeInvestigatorNotFound, Message: "Investigator not found"}
	errUserNotFound         = &Failure{Code: CodeUserNotFound, Message: "User not found"}
	errNotResolved          = &Failure{Code: CodeEventNotResolved, Message: "Event is not resolved"}
	errInvalidStatus        = &Failure{Code: CodeInvalidStatus, Message: "Invalid status"}
)

func invalidTransition(from, to string) *Failure {
	return &Failure{Code: CodeInvalidTransition, Message: "Cannot move event from " + from + " to " + to}
}

// asFailure extracts a business failure from err, if it is one.
func asFailure(err error) (*Failure, bool) {
	var f *Failure
	if errors.As(err, &f) {
		return f, true
	}
	return nil, false
}
