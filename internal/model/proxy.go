// Package model defines shared types for the proxy.
package model

import (
	"context"
	"io"
	"net/http"
)

// ProxyRequest represents a client request to be forwarded upstream.
type ProxyRequest struct {
	Ctx           context.Context
	Method        string
	Path          string
	RawQuery      string
	Header        http.Header
	Body          io.ReadCloser
	ContentLength int64
}

// ProxyResponse represents the upstream response before it is buffered.
// Body is a single-pass stream owned by the caller until closed.
type ProxyResponse struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
}

// ProxyResult is the fully buffered, possibly rewritten response that is sent
// to the client.
type ProxyResult struct {
	StatusCode int
	Header     http.Header
	Body       []byte

	// Rewritten reports whether the HTML rewrite path was taken.
	Rewritten bool
	// StrippedTags counts removed CSP meta tags.
	StrippedTags int
}
