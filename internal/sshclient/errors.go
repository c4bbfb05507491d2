package sshclient

import "errors"

// Error taxonomy per spec §4.3, classified from the underlying transport
// error. Callers branch on these via errors.Is/errors.As.
var (
	ErrAuth    = errors.New("AuthError")
	ErrNetwork = errors.New("NetworkError")
	ErrTimeout = errors.New("TimeoutError")
	ErrUnknown = errors.New("UnknownError")

	// ErrOutputLimitExceeded names the exec output-cap failure class. No
	// function in this package returns it.
	ErrOutputLimitExceeded = errors.New("OutputLimitExceeded")
)

// ClassifiedError wraps an underlying error with one of the taxonomy
// sentinels, preserving the original message for logging/diagnostics.
type ClassifiedError struct {
	Kind    error
	Message string
	Cause   error
}

func (e *ClassifiedError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Cause != nil {
		return e.Cause.Error()
	}
	return e.Kind.Error()
}

func (e *ClassifiedError) Unwrap() error {
	return e.Kind
}

func authError(msg string, cause error) error {
	return &ClassifiedError{Kind: ErrAuth, Message: msg, Cause: cause}
}

// ClassifyAuthError wraps an arbitrary error (e.g. "credentials required")
// as an AuthError, for callers outside this package that need to report a
// pre-connect failure in the same taxonomy (authpipeline's credential
// gathering, for instance).
func ClassifyAuthError(cause error) error {
	return authError(cause.Error(), cause)
}

func networkError(msg string, cause error) error {
	return &ClassifiedError{Kind: ErrNetwork, Message: msg, Cause: cause}
}

func timeoutError(msg string, cause error) error {
	return &ClassifiedError{Kind: ErrTimeout, Message: msg, Cause: cause}
}

func unknownError(msg string, cause error) error {
	return &ClassifiedError{Kind: ErrUnknown, Message: msg, Cause: cause}
}
