package handler

import (
	"errors"
	"html"
	"net"
	"net/url"
	"syscall"

	"embed-proxy-go/internal/model"
	"embed-proxy-go/internal/service"
)

const logsHint = "<p>Check the application logs on the hosting platform for more details.</p>"

// classify maps a Forward error onto the outcome taxonomy.
func classify(err error) model.ErrorOutcome {
	var pe *service.ProcessingError
	switch {
	case errors.Is(err, service.ErrUpstreamTimeout):
		return model.ErrorOutcome{Kind: model.UpstreamTimeout, Detail: err.Error()}
	case errors.As(err, &pe):
		return model.ErrorOutcome{Kind: model.ProcessingError, Detail: pe.Err.Error()}
	case errors.Is(err, syscall.ECONNREFUSED):
		return model.ErrorOutcome{Kind: model.ConnectionRefused, Detail: rawMessage(err)}
	case isTimeout(err):
		return model.ErrorOutcome{Kind: model.ConnectionTimedOut, Detail: rawMessage(err)}
	default:
		return model.ErrorOutcome{Kind: model.OtherConnectionError, Detail: rawMessage(err)}
	}
}

// isTimeout reports a socket-level timeout: dial, TLS handshake or waiting
// for response headers.
func isTimeout(err error) bool {
	if errors.Is(err, syscall.ETIMEDOUT) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// rawMessage strips the request wrapping so the page shows the transport error.
func rawMessage(err error) string {
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return urlErr.Err.Error()
	}
	return err.Error()
}

// renderErrorPage returns the HTML body for an outcome. Details are escaped.
func renderErrorPage(o model.ErrorOutcome) string {
	switch o.Kind {
	case model.UpstreamTimeout:
		return "<h1>Content blocked or unavailable</h1>" +
			"<p>The target site could not be loaded through the proxy because the response timed out.</p>" +
			logsHint
	case model.ProcessingError:
		return "<h1>Internal proxy processing error</h1>" +
			"<p>The proxy hit an error while processing the target site's content.</p>" +
			"<p>Details: " + html.EscapeString(o.Detail) + "</p>" +
			logsHint
	}

	var msg string
	switch o.Kind {
	case model.ConnectionRefused:
		msg = "The connection to the target site was refused."
	case model.ConnectionTimedOut:
		msg = "The connection to the target site timed out."
	default:
		msg = html.EscapeString(o.Detail)
	}
	return "<h1>Proxy server error</h1><p>Internal proxy error. " + msg + "</p>" + logsHint
}
