package handler

import (
	"net/http"
	"sync"

	"github.com/labstack/echo/v4"
)

// responder writes at most one response for a request. Every send checks
// both its own flag and whether echo has already committed headers.
type responder struct {
	mu   sync.Mutex
	res  *echo.Response
	sent bool
}

func newResponder(res *echo.Response) *responder {
	return &responder{res: res}
}

// send writes status, header and body unless a response has already begun.
// It reports whether this call wrote the response.
func (r *responder) send(status int, header http.Header, body []byte) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sent || r.res.Committed {
		return false, nil
	}
	r.sent = true

	dst := r.res.Header()
	for key, vals := range header {
		dst[key] = append([]string(nil), vals...)
	}
	r.res.WriteHeader(status)

	if len(body) == 0 {
		return true, nil
	}
	_, err := r.res.Write(body)
	return true, err
}

// sendHTML writes a text/html page through send.
func (r *responder) sendHTML(status int, page string) (bool, error) {
	return r.send(status, http.Header{
		echo.HeaderContentType: {echo.MIMETextHTMLCharsetUTF8},
	}, []byte(page))
}
