// Package model defines shared types for the gateway.
package model

import (
	"io"
	"net/http"
	"net/url"
)

// RequestTarget is a validated fetch target. It is built once per request by
// the policy package and never modified afterwards.
type RequestTarget struct {
	url               url.URL
	requestedFilename string
}

// NewRequestTarget copies u so later changes to the caller's URL cannot leak in.
func NewRequestTarget(u *url.URL, requestedFilename string) RequestTarget {
	return RequestTarget{url: *u, requestedFilename: requestedFilename}
}

// URL returns a copy of the target URL.
func (t RequestTarget) URL() *url.URL {
	u := t.url
	return &u
}

// String returns the target URL in string form.
func (t RequestTarget) String() string {
	return t.url.String()
}

// RequestedFilename is the client-supplied filename override, or "".
func (t RequestTarget) RequestedFilename() string {
	return t.requestedFilename
}

// UpstreamProbe is what one upstream call tells us about the remote resource.
type UpstreamProbe struct {
	FinalURL           *url.URL
	StatusCode         int
	MIMEType           string
	ByteLength         *int64
	ContentDisposition string
	Header             http.Header
}

// ProxyResponse is the raw upstream response handed from the client to the
// service layer. The caller must close Body.
type ProxyResponse struct {
	Probe UpstreamProbe
	Body  io.ReadCloser
}

// ResolveResult is the successful outcome of a resolve operation.
type ResolveResult struct {
	OK          bool   `json:"ok"`
	URL         string `json:"url"`
	Filename    string `json:"filename"`
	ContentType string `json:"contentType"`
	Bytes       *int64 `json:"bytes"`
}

// ErrorResult is the JSON body of every failed operation. ContentType is only
// set for content-type rejections.
type ErrorResult struct {
	OK          bool    `json:"ok"`
	Error       string  `json:"error"`
	ContentType *string `json:"contentType,omitempty"`
}

// Download is an opened upstream stream ready to be relabeled and piped to
// the client. The caller must close Body.
type Download struct {
	Filename      string
	ContentType   string
	ContentLength int64 // -1 when unknown
	FinalURL      *url.URL
	Body          io.ReadCloser
}
