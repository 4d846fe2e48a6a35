package model

import "net/http"

// ErrorKind enumerates the failures that end a proxied request with an error page.
type ErrorKind int

const (
	UpstreamTimeout ErrorKind = iota
	ConnectionRefused
	ConnectionTimedOut
	OtherConnectionError
	ProcessingError
)

// String returns the metric/log label for the kind.
func (k ErrorKind) String() string {
	switch k {
	case UpstreamTimeout:
		return "upstream_timeout"
	case ConnectionRefused:
		return "connection_refused"
	case ConnectionTimedOut:
		return "connection_timed_out"
	case OtherConnectionError:
		return "connection_error"
	case ProcessingError:
		return "processing_error"
	default:
		return "unknown"
	}
}

// StatusCode returns the fixed HTTP status sent for the kind.
func (k ErrorKind) StatusCode() int {
	switch k {
	case UpstreamTimeout:
		return http.StatusGatewayTimeout
	case ProcessingError:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// ErrorOutcome is a classified failure with a human-readable detail.
type ErrorOutcome struct {
	Kind   ErrorKind
	Detail string
}
