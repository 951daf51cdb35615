package cerr

import "net/http"

// Code classifies an error for transport mapping and caller dispatch.
type Code int

const (
	OK = Code(iota)
	Canceled
	Unknown
	Validation
	Parse
	NotFound
	AlreadyExists
	InvalidTransition
	SandboxProvision
	MergeConflict
	TeardownFailed
	Process
	Stream
	DeadlineExceeded
	Internal
	Unavailable
)

var codeNames = map[Code]string{
	OK:                "ok",
	Canceled:          "canceled",
	Unknown:           "unknown",
	Validation:        "validation",
	Parse:             "parse",
	NotFound:          "not_found",
	AlreadyExists:     "already_exists",
	InvalidTransition: "invalid_transition",
	SandboxProvision:  "sandbox_provision",
	MergeConflict:     "merge_conflict",
	TeardownFailed:    "teardown_failed",
	Process:           "process",
	Stream:            "stream",
	DeadlineExceeded:  "deadline_exceeded",
	Internal:          "internal",
	Unavailable:       "unavailable",
}

func (c Code) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return "unknown"
}

func (c Code) HTTPCode() int {
	switch c {
	case OK:
		return http.StatusOK
	case Canceled:
		return 499
	case Validation:
		return http.StatusBadRequest
	case Parse:
		return http.StatusUnprocessableEntity
	case NotFound:
		return http.StatusNotFound
	case AlreadyExists:
		return http.StatusConflict
	case InvalidTransition:
		return http.StatusConflict
	case MergeConflict:
		return http.StatusConflict
	case SandboxProvision, TeardownFailed, Process:
		return http.StatusInternalServerError
	case Stream, Unavailable:
		return http.StatusServiceUnavailable
	case DeadlineExceeded:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
