// Package rewrite strips framing restrictions from buffered HTML responses.
//
// A response is rewritten only when its Content-Type names text/html. The body
// is then scanned with a tolerant HTML tokenizer and every <meta> tag whose
// http-equiv is Content-Security-Policy is dropped; all other bytes are copied
// from the source untouched. The X-Frame-Options and Content-Security-Policy
// headers are blanked and Content-Length is recomputed. Any other response is
// returned exactly as received.
package rewrite

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"unicode/utf8"

	"golang.org/x/net/html"
)

// Decision is the rewrite path chosen for a response.
type Decision int

const (
	// Passthrough forwards body and headers verbatim.
	Passthrough Decision = iota
	// HTMLRewrite strips CSP meta tags and framing headers.
	HTMLRewrite
)

func (d Decision) String() string {
	if d == HTMLRewrite {
		return "html"
	}
	return "passthrough"
}

const (
	headerContentType   = "Content-Type"
	headerContentLength = "Content-Length"
	headerFrameOptions  = "X-Frame-Options"
	headerCSP           = "Content-Security-Policy"

	cspEquiv = "content-security-policy"
)

// Result is the response to send after rewriting.
type Result struct {
	StatusCode   int
	Header       http.Header
	Body         []byte
	Decision     Decision
	StrippedTags int
}

// Decide picks the rewrite path from the Content-Type header.
func Decide(header http.Header) Decision {
	for key, vals := range header {
		if !strings.EqualFold(key, headerContentType) {
			continue
		}
		for _, v := range vals {
			if strings.Contains(strings.ToLower(v), "text/html") {
				return HTMLRewrite
			}
		}
	}
	return Passthrough
}

// Apply produces the final status, headers and body for a fully buffered
// upstream response. The decision is made once, from the complete response.
func Apply(status int, header http.Header, body []byte) (*Result, error) {
	if Decide(header) == Passthrough {
		return &Result{
			StatusCode: status,
			Header:     header,
			Body:       body,
			Decision:   Passthrough,
		}, nil
	}

	text := body
	if !utf8.Valid(text) {
		text = bytes.ToValidUTF8(text, []byte(string(utf8.RuneError)))
	}

	stripped, n, err := StripCSPMeta(text)
	if err != nil {
		return nil, fmt.Errorf("rewrite html: %w", err)
	}

	return &Result{
		StatusCode:   status,
		Header:       rewriteHeader(header, len(stripped)),
		Body:         stripped,
		Decision:     HTMLRewrite,
		StrippedTags: n,
	}, nil
}

// rewriteHeader clones h, drops the framing headers and any Content-Length in
// any key casing, then sets the recomputed length and blank framing headers.
func rewriteHeader(h http.Header, length int) http.Header {
	out := h.Clone()
	if out == nil {
		out = make(http.Header)
	}
	for key := range out {
		if strings.EqualFold(key, headerFrameOptions) ||
			strings.EqualFold(key, headerCSP) ||
			strings.EqualFold(key, headerContentLength) {
			delete(out, key)
		}
	}
	out.Set(headerContentLength, strconv.Itoa(length))
	out.Set(headerFrameOptions, "")
	out.Set(headerCSP, "")
	return out
}

// StripCSPMeta removes every <meta http-equiv="Content-Security-Policy"> tag
// from src and reports how many were removed. Attribute order, quoting and
// the case of tag, attribute name and value do not matter. Comments, text and
// every other tag are reproduced byte for byte.
func StripCSPMeta(src []byte) ([]byte, int, error) {
	z := html.NewTokenizer(bytes.NewReader(src))
	out := bytes.NewBuffer(make([]byte, 0, len(src)))
	removed := 0

	for {
		tt := z.Next()
		if tt == html.ErrorToken {
			if err := z.Err(); !errors.Is(err, io.EOF) {
				return nil, 0, err
			}
			// A tag cut off by the end of input is still source text.
			out.Write(z.Raw())
			return out.Bytes(), removed, nil
		}

		raw := z.Raw()
		if tt == html.StartTagToken || tt == html.SelfClosingTagToken {
			// TagName and TagAttr lower-case the token in place.
			raw = append([]byte(nil), raw...)
			name, hasAttr := z.TagName()
			if tt == html.StartTagToken && markupWrappers[string(name)] {
				z.NextIsNotRawText()
			}
			if string(name) == "meta" && hasAttr && isCSPMeta(z) {
				removed++
				continue
			}
		}
		out.Write(raw)
	}
}

// markupWrappers hold content the tokenizer would otherwise read as raw text.
// Browsers parse it as markup when scripting, embeds or frames are off, so a
// CSP meta tag inside them can still apply.
var markupWrappers = map[string]bool{
	"noscript": true,
	"noembed":  true,
	"noframes": true,
}

// isCSPMeta scans the attributes of a meta start tag.
func isCSPMeta(z *html.Tokenizer) bool {
	for {
		key, val, more := z.TagAttr()
		if string(key) == "http-equiv" && strings.EqualFold(string(val), cspEquiv) {
			return true
		}
		if !more {
			return false
		}
	}
}
