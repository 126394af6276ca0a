// Package service implements the resolve and download operations on top of
// the upstream client.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"ziply-proxy-go/internal/filename"
	"ziply-proxy-go/internal/metrics"
	"ziply-proxy-go/internal/model"
	"ziply-proxy-go/internal/policy"
)

// defaultContentType is sent on downloads when the upstream declares none.
const defaultContentType = "application/octet-stream"

// pipeBufferSize bounds memory per download regardless of body size.
const pipeBufferSize = 32 * 1024

// Stream sides reported by StreamError.
const (
	SideUpstream = "upstream"
	SideClient   = "client"
)

// ErrUpstream marks a failure to obtain a response from the upstream host.
var ErrUpstream = errors.New("upstream request failed")

// UnsupportedContentTypeError is returned when the upstream content type is
// outside the MIME policy. ContentType is echoed back to the caller.
type UnsupportedContentTypeError struct {
	ContentType string
}

func (e *UnsupportedContentTypeError) Error() string {
	return fmt.Sprintf("unsupported content type %q", e.ContentType)
}

// StreamError is a failure after the download response has started. Side
// tells whether the upstream read or the client write failed.
type StreamError struct {
	Side string
	Err  error
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("stream %s: %v", e.Side, e.Err)
}

func (e *StreamError) Unwrap() error {
	return e.Err
}

// Upstream is the subset of the upstream client used by FetchService.
type Upstream interface {
	Head(ctx context.Context, rawURL string) (*model.ProxyResponse, error)
	Get(ctx context.Context, rawURL string) (*model.ProxyResponse, error)
}

// FetchService resolves metadata for and opens streams to validated targets.
type FetchService struct {
	upstream Upstream
	policy   *policy.Policy
	names    *filename.Resolver
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

// NewFetchService creates a FetchService. The metrics parameter is optional.
func NewFetchService(up Upstream, pol *policy.Policy, names *filename.Resolver, logger *slog.Logger, m *metrics.Metrics) *FetchService {
	return &FetchService{
		upstream: up,
		policy:   pol,
		names:    names,
		logger:   logger.With("component", "fetch_service"),
		metrics:  m,
	}
}

// Resolve probes target with a header-only request. Upstream status codes are
// not inspected. A content type outside the MIME policy yields
// *UnsupportedContentTypeError.
func (s *FetchService) Resolve(ctx context.Context, target model.RequestTarget) (*model.ResolveResult, error) {
	resp, err := s.upstream.Head(ctx, target.String())
	if err != nil {
		return nil, fmt.Errorf("%w: resolve: %w", ErrUpstream, err)
	}
	_ = resp.Body.Close()

	probe := resp.Probe
	if !policy.AllowsContentType(probe.MIMEType) {
		return nil, &UnsupportedContentTypeError{ContentType: probe.MIMEType}
	}

	name, source := s.names.Resolve(probe.Header, probe.FinalURL)
	s.logger.Debug("resolved target",
		"status", probe.StatusCode,
		"content_type", probe.MIMEType,
		"filename_source", source.String(),
	)

	return &model.ResolveResult{
		OK:          true,
		URL:         probe.FinalURL.String(),
		Filename:    name,
		ContentType: probe.MIMEType,
		Bytes:       probe.ByteLength,
	}, nil
}

// Open starts a GET to target and returns the relabeled download. Any status,
// including error pages, is passed through. The caller must close the body.
func (s *FetchService) Open(ctx context.Context, target model.RequestTarget) (*model.Download, error) {
	resp, err := s.upstream.Get(ctx, target.String())
	if err != nil {
		return nil, fmt.Errorf("%w: download: %w", ErrUpstream, err)
	}

	probe := resp.Probe
	if s.policy != nil && s.policy.EnforceMIMEOnDownload() && !policy.AllowsContentType(probe.MIMEType) {
		_ = resp.Body.Close()
		return nil, &UnsupportedContentTypeError{ContentType: probe.MIMEType}
	}

	name := target.RequestedFilename()
	source := "override"
	if name == "" {
		var src filename.Source
		name, src = s.names.Resolve(probe.Header, probe.FinalURL)
		source = src.String()
	}

	contentType := probe.MIMEType
	if contentType == "" {
		contentType = defaultContentType
	}

	var length int64 = -1
	if probe.ByteLength != nil {
		length = *probe.ByteLength
	}

	s.logger.Debug("opened download",
		"status", probe.StatusCode,
		"content_type", contentType,
		"filename_source", source,
	)

	return &model.Download{
		Filename:      name,
		ContentType:   contentType,
		ContentLength: length,
		FinalURL:      probe.FinalURL,
		Body:          resp.Body,
	}, nil
}

// Pipe copies src to dst through a fixed buffer, flushing after every chunk
// when dst supports it. Failures are returned as *StreamError. A read failure
// after ctx is done is attributed to the client, since the upstream request
// shares ctx and is cancelled when the client goes away.
func (s *FetchService) Pipe(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	flusher, _ := dst.(http.Flusher)
	buf := make([]byte, pipeBufferSize)

	var written int64
	defer func() {
		if s.metrics != nil {
			s.metrics.StreamedBytes.Add(float64(written))
		}
	}()

	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			w, werr := dst.Write(buf[:n])
			written += int64(w)
			if werr == nil && w < n {
				werr = io.ErrShortWrite
			}
			if werr != nil {
				return written, &StreamError{Side: SideClient, Err: werr}
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if rerr == io.EOF {
			return written, nil
		}
		if rerr != nil {
			if ctx.Err() != nil {
				return written, &StreamError{Side: SideClient, Err: ctx.Err()}
			}
			return written, &StreamError{Side: SideUpstream, Err: rerr}
		}
	}
}
