package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/labstack/echo/v4"

	"ziply-proxy-go/internal/client"
	"ziply-proxy-go/internal/filename"
	"ziply-proxy-go/internal/metrics"
	"ziply-proxy-go/internal/model"
	"ziply-proxy-go/internal/policy"
	"ziply-proxy-go/internal/service"
)

const (
	opResolve  = "resolve"
	opDownload = "download"
)

// Fixed client-facing error messages. Details only go to the log.
const (
	msgInvalidURL         = "Invalid URL"
	msgSchemeNotAllowed   = "Only HTTPS is allowed"
	msgDomainNotAllowed   = "Domain not allowed"
	msgUnsupportedContent = "Unsupported content-type"
	msgResolveFailed      = "Resolve failed"
	msgDownloadFailed     = "Download proxy failed"
)

// queryPattern matches the query part of URLs embedded in error messages.
var queryPattern = regexp.MustCompile(`(https?://[^\s"?]+)\?[^\s"]*`)

// FetchHandler serves /resolve and /download.
type FetchHandler struct {
	policy  *policy.Policy
	service *service.FetchService
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewFetchHandler creates a FetchHandler. The metrics parameter is optional.
func NewFetchHandler(pol *policy.Policy, svc *service.FetchService, logger *slog.Logger, m *metrics.Metrics) *FetchHandler {
	return &FetchHandler{
		policy:  pol,
		service: svc,
		logger:  logger.With("component", "fetch_handler"),
		metrics: m,
	}
}

// Resolve reports the final URL, filename, content type and size of the
// target without transferring its body.
func (h *FetchHandler) Resolve(c echo.Context) error {
	target, err := h.policy.Target(c.QueryParam("url"), "")
	if err != nil {
		return h.mapError(c, opResolve, err)
	}

	result, err := h.service.Resolve(c.Request().Context(), target)
	if err != nil {
		return h.mapError(c, opResolve, err)
	}
	return c.JSON(http.StatusOK, result)
}

// Download streams the target body to the client as an attachment.
//
// Once the 200 status is written there is no way to report a failure in the
// body. If the upstream fails mid-transfer the connection is aborted so the
// client sees a truncated transfer instead of a clean end of stream.
func (h *FetchHandler) Download(c echo.Context) error {
	target, err := h.policy.Target(c.QueryParam("url"), c.QueryParam("filename"))
	if err != nil {
		return h.mapError(c, opDownload, err)
	}

	ctx := c.Request().Context()
	dl, err := h.service.Open(ctx, target)
	if err != nil {
		return h.mapError(c, opDownload, err)
	}
	defer func() { _ = dl.Body.Close() }()

	res := c.Response()
	res.Header().Set(echo.HeaderContentType, dl.ContentType)
	res.Header().Set(echo.HeaderContentDisposition, filename.Disposition(dl.Filename))
	if dl.ContentLength >= 0 {
		res.Header().Set(echo.HeaderContentLength, strconv.FormatInt(dl.ContentLength, 10))
	}
	res.WriteHeader(http.StatusOK)

	start := time.Now()
	n, err := h.service.Pipe(ctx, res, dl.Body)
	if err == nil {
		h.logger.Info("download complete",
			"host", dl.FinalURL.Hostname(),
			"bytes", humanize.Bytes(uint64(n)),
			"duration_ms", time.Since(start).Milliseconds(),
		)
		return nil
	}

	side := service.SideUpstream
	var streamErr *service.StreamError
	if errors.As(err, &streamErr) {
		side = streamErr.Side
	}
	if h.metrics != nil {
		h.metrics.StreamAborts.WithLabelValues(side).Inc()
	}

	if side == service.SideClient {
		h.logger.Info("client disconnected during download",
			"host", dl.FinalURL.Hostname(),
			"sent", humanize.Bytes(uint64(n)),
		)
		return nil
	}

	h.logger.Error("upstream failed mid-stream",
		"err", sanitizeError(err),
		"host", dl.FinalURL.Hostname(),
		"sent", humanize.Bytes(uint64(n)),
	)
	panic(http.ErrAbortHandler)
}

func (h *FetchHandler) mapError(c echo.Context, op string, err error) error {
	status, msg, reason := classify(op, err)

	if reason != "" {
		h.logger.Warn("request rejected",
			"operation", op,
			"reason", reason,
			"err", sanitizeError(err),
		)
		if h.metrics != nil {
			h.metrics.PolicyRejections.WithLabelValues(op, reason).Inc()
		}
	} else {
		h.logger.Error("upstream error",
			"operation", op,
			"err", sanitizeError(err),
		)
	}

	body := model.ErrorResult{OK: false, Error: msg}
	var ctErr *service.UnsupportedContentTypeError
	if errors.As(err, &ctErr) {
		ct := ctErr.ContentType
		body.ContentType = &ct
	}
	return c.JSON(status, body)
}

// classify maps an operation error to its HTTP status, client message and
// policy rejection reason. Reason is empty for upstream failures.
func classify(op string, err error) (int, string, string) {
	redirect := errors.Is(err, client.ErrRedirectRejected)
	reason := func(r string) string {
		if redirect {
			return metrics.ReasonRedirectPolicy
		}
		return r
	}

	var ctErr *service.UnsupportedContentTypeError
	switch {
	case errors.Is(err, policy.ErrInvalidURL):
		return http.StatusBadRequest, msgInvalidURL, reason(metrics.ReasonInvalidURL)
	case errors.Is(err, policy.ErrSchemeNotAllowed):
		return http.StatusBadRequest, msgSchemeNotAllowed, reason(metrics.ReasonScheme)
	case errors.Is(err, policy.ErrDomainNotAllowed):
		return http.StatusForbidden, msgDomainNotAllowed, reason(metrics.ReasonDomain)
	case errors.As(err, &ctErr):
		return http.StatusUnsupportedMediaType, msgUnsupportedContent, metrics.ReasonContentType
	}

	if op == opResolve {
		return http.StatusInternalServerError, msgResolveFailed, ""
	}
	return http.StatusInternalServerError, msgDownloadFailed, ""
}

// sanitizeError redacts query strings from URLs in error messages; signed
// download links often carry credentials there.
func sanitizeError(err error) string {
	return queryPattern.ReplaceAllString(err.Error(), "${1}?[REDACTED]")
}
