package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"ziply-proxy-go/internal/client"
	"ziply-proxy-go/internal/config"
	"ziply-proxy-go/internal/filename"
	"ziply-proxy-go/internal/metrics"
	"ziply-proxy-go/internal/policy"
	"ziply-proxy-go/internal/service"
)

// newTestFetchHandler builds the full resolve/download stack. A nil upstream
// server means the default transport is used.
func newTestFetchHandler(t *testing.T, upstream *httptest.Server, allowlist []string, strict bool) (*FetchHandler, *metrics.Metrics) {
	t.Helper()

	cfg := &config.Config{
		Upstream: config.UpstreamConfig{
			IdleConnections: 10,
			UserAgent:       "ziply-test/1.0",
		},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := metrics.New()
	pol := policy.New(allowlist, strict)

	rt := http.DefaultTransport
	if upstream != nil {
		rt = upstream.Client().Transport
	}
	uc := client.NewUpstreamClientWithTransport(cfg, pol, logger, m, rt)
	svc := service.NewFetchService(uc, pol, filename.NewResolver(nil), logger, m)
	return NewFetchHandler(pol, svc, logger, m), m
}

// countingServer is a TLS upstream that counts every request it receives.
func countingServer(t *testing.T, calls *atomic.Int32, h http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		h(w, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func serve(t *testing.T, fn echo.HandlerFunc, target string) *httptest.ResponseRecorder {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, target, http.NoBody)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	if err := fn(c); err != nil {
		t.Fatalf("handler error = %v", err)
	}
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal %q: %v", rec.Body.String(), err)
	}
	return body
}

func TestFetchHandler_RejectsBeforeUpstream(t *testing.T) {
	var calls atomic.Int32
	srv := countingServer(t, &calls, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "image/png")
	})
	plainURL := strings.Replace(srv.URL, "https://", "http://", 1)

	h, m := newTestFetchHandler(t, srv, nil, false)

	tests := []struct {
		name       string
		rawURL     string
		wantStatus int
		wantError  string
	}{
		{"empty", "", http.StatusBadRequest, "Invalid URL"},
		{"garbage", "not a url", http.StatusBadRequest, "Invalid URL"},
		{"no host", "https://", http.StatusBadRequest, "Invalid URL"},
		{"space in host", "https://exa mple.com/x", http.StatusBadRequest, "Invalid URL"},
		{"unknown scheme", "gopher://example.com/", http.StatusBadRequest, "Invalid URL"},
		{"http", plainURL + "/a.png", http.StatusBadRequest, "Only HTTPS is allowed"},
		{"ftp", "ftp://example.com/a.png", http.StatusBadRequest, "Only HTTPS is allowed"},
		{"schemeless", "example.com/a.png", http.StatusBadRequest, "Only HTTPS is allowed"},
	}

	endpoints := map[string]echo.HandlerFunc{
		"/resolve":  h.Resolve,
		"/download": h.Download,
	}

	for path, fn := range endpoints {
		for _, tt := range tests {
			t.Run(path+"/"+tt.name, func(t *testing.T) {
				rec := serve(t, fn, path+"?url="+url.QueryEscape(tt.rawURL))

				if rec.Code != tt.wantStatus {
					t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
				}
				body := decodeError(t, rec)
				if body["ok"] != false {
					t.Errorf("body.ok = %v, want false", body["ok"])
				}
				if body["error"] != tt.wantError {
					t.Errorf("body.error = %v, want %q", body["error"], tt.wantError)
				}
			})
		}
	}

	if n := calls.Load(); n != 0 {
		t.Errorf("upstream calls = %d, want 0", n)
	}
	if got := testutil.ToFloat64(m.PolicyRejections.WithLabelValues(opResolve, metrics.ReasonScheme)); got != 3 {
		t.Errorf("scheme rejections on resolve = %v, want 3", got)
	}
}

func TestFetchHandler_DomainNotAllowed(t *testing.T) {
	var calls atomic.Int32
	srv := countingServer(t, &calls, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "image/png")
	})

	h, _ := newTestFetchHandler(t, srv, []string{"example.com"}, false)

	for _, fn := range []echo.HandlerFunc{h.Resolve, h.Download} {
		rec := serve(t, fn, "/x?url="+url.QueryEscape(srv.URL+"/a.png"))

		if rec.Code != http.StatusForbidden {
			t.Errorf("status = %d, want %d", rec.Code, http.StatusForbidden)
		}
		if body := decodeError(t, rec); body["error"] != "Domain not allowed" {
			t.Errorf("body.error = %v, want %q", body["error"], "Domain not allowed")
		}
	}

	if n := calls.Load(); n != 0 {
		t.Errorf("upstream calls = %d, want 0", n)
	}
}

func TestFetchHandler_Resolve(t *testing.T) {
	var calls atomic.Int32
	srv := countingServer(t, &calls, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodHead {
			t.Errorf("method = %s, want HEAD", r.Method)
		}
		w.Header().Set("Content-Type", "video/mp4")
		w.Header().Set("Content-Length", "4096")
	})

	h, _ := newTestFetchHandler(t, srv, []string{"127.0.0.1"}, false)

	rec := serve(t, h.Resolve, "/resolve?url="+url.QueryEscape(srv.URL+"/media/clip.mp4?sig=abc"))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d; body=%s", rec.Code, http.StatusOK, rec.Body.String())
	}

	var body struct {
		OK          bool   `json:"ok"`
		URL         string `json:"url"`
		Filename    string `json:"filename"`
		ContentType string `json:"contentType"`
		Bytes       *int64 `json:"bytes"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !body.OK {
		t.Error("body.ok = false, want true")
	}
	if body.URL != srv.URL+"/media/clip.mp4?sig=abc" {
		t.Errorf("body.url = %q", body.URL)
	}
	if body.Filename != "clip.mp4" {
		t.Errorf("body.filename = %q, want %q", body.Filename, "clip.mp4")
	}
	if body.ContentType != "video/mp4" {
		t.Errorf("body.contentType = %q, want %q", body.ContentType, "video/mp4")
	}
	if body.Bytes == nil || *body.Bytes != 4096 {
		t.Errorf("body.bytes = %v, want 4096", body.Bytes)
	}
	if n := calls.Load(); n != 1 {
		t.Errorf("upstream calls = %d, want 1", n)
	}
}

func TestFetchHandler_Resolve_UnsupportedContentType(t *testing.T) {
	var calls atomic.Int32
	srv := countingServer(t, &calls, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
	})

	h, m := newTestFetchHandler(t, srv, nil, false)

	rec := serve(t, h.Resolve, "/resolve?url="+url.QueryEscape(srv.URL+"/index.html"))

	if rec.Code != http.StatusUnsupportedMediaType {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusUnsupportedMediaType)
	}
	body := decodeError(t, rec)
	if body["error"] != "Unsupported content-type" {
		t.Errorf("body.error = %v, want %q", body["error"], "Unsupported content-type")
	}
	if body["contentType"] != "text/html" {
		t.Errorf("body.contentType = %v, want %q", body["contentType"], "text/html")
	}
	if got := testutil.ToFloat64(m.PolicyRejections.WithLabelValues(opResolve, metrics.ReasonContentType)); got != 1 {
		t.Errorf("content type rejections = %v, want 1", got)
	}
}

func TestFetchHandler_Download_AnyContentType(t *testing.T) {
	const page = "<html><body>not media</body></html>"
	var calls atomic.Int32
	srv := countingServer(t, &calls, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = io.WriteString(w, page)
	})

	h, m := newTestFetchHandler(t, srv, nil, false)

	rec := serve(t, h.Download, "/download?url="+url.QueryEscape(srv.URL+"/pages/home.html"))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if rec.Body.String() != page {
		t.Errorf("body = %q, want %q", rec.Body.String(), page)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/html" {
		t.Errorf("Content-Type = %q, want %q", ct, "text/html")
	}
	if cd := rec.Header().Get("Content-Disposition"); cd != `attachment; filename="home.html"` {
		t.Errorf("Content-Disposition = %q", cd)
	}
	if cl := rec.Header().Get("Content-Length"); cl != fmt.Sprint(len(page)) {
		t.Errorf("Content-Length = %q, want %d", cl, len(page))
	}
	if got := testutil.ToFloat64(m.StreamedBytes); got != float64(len(page)) {
		t.Errorf("StreamedBytes = %v, want %d", got, len(page))
	}
}

func TestFetchHandler_Download_DefaultsAndOverride(t *testing.T) {
	var calls atomic.Int32
	srv := countingServer(t, &calls, func(w http.ResponseWriter, _ *http.Request) {
		w.Header()["Content-Type"] = nil // suppress sniffing
		w.Header().Set("Content-Disposition", `attachment; filename="server-name.bin"`)
		_, _ = w.Write([]byte{0x00, 0x01, 0x02})
	})

	h, _ := newTestFetchHandler(t, srv, nil, false)

	rec := serve(t, h.Download, "/download?url="+url.QueryEscape(srv.URL+"/blob")+"&filename="+url.QueryEscape("€ rates.pdf"))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/octet-stream" {
		t.Errorf("Content-Type = %q, want %q", ct, "application/octet-stream")
	}
	want := `attachment; filename="? rates.pdf"; filename*=UTF-8''%E2%82%AC%20rates.pdf`
	if cd := rec.Header().Get("Content-Disposition"); cd != want {
		t.Errorf("Content-Disposition = %q, want %q", cd, want)
	}
}

func TestFetchHandler_Download_StrictMIME(t *testing.T) {
	var calls atomic.Int32
	srv := countingServer(t, &calls, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/zip")
		_, _ = w.Write([]byte("PK"))
	})

	h, _ := newTestFetchHandler(t, srv, nil, true)

	rec := serve(t, h.Download, "/download?url="+url.QueryEscape(srv.URL+"/a.zip"))

	if rec.Code != http.StatusUnsupportedMediaType {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusUnsupportedMediaType)
	}
	if body := decodeError(t, rec); body["contentType"] != "application/zip" {
		t.Errorf("body.contentType = %v, want %q", body["contentType"], "application/zip")
	}
}

func TestFetchHandler_ResolveDownloadRoundTrip(t *testing.T) {
	var calls atomic.Int32
	srv := countingServer(t, &calls, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/pdf")
		_, _ = w.Write([]byte("%PDF-1.7"))
	})

	h, _ := newTestFetchHandler(t, srv, nil, false)
	target := srv.URL + "/docs/annual%20report%E2%80%942024.pdf"

	rec := serve(t, h.Resolve, "/resolve?url="+url.QueryEscape(target))
	if rec.Code != http.StatusOK {
		t.Fatalf("resolve status = %d; body=%s", rec.Code, rec.Body.String())
	}
	var resolved struct {
		Filename string `json:"filename"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resolved); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resolved.Filename != "annual report—2024.pdf" {
		t.Fatalf("resolved filename = %q", resolved.Filename)
	}

	for _, override := range []string{"", resolved.Filename} {
		path := "/download?url=" + url.QueryEscape(target)
		if override != "" {
			path += "&filename=" + url.QueryEscape(override)
		}
		rec = serve(t, h.Download, path)
		if rec.Code != http.StatusOK {
			t.Fatalf("download status = %d", rec.Code)
		}

		_, params, err := mime.ParseMediaType(rec.Header().Get("Content-Disposition"))
		if err != nil {
			t.Fatalf("ParseMediaType: %v", err)
		}
		if params["filename"] != resolved.Filename {
			t.Errorf("download filename = %q, want %q", params["filename"], resolved.Filename)
		}
	}
}

func TestFetchHandler_RedirectToDisallowedDomain(t *testing.T) {
	var calls atomic.Int32
	srv := countingServer(t, &calls, func(w http.ResponseWriter, r *http.Request) {
		_, port, _ := net.SplitHostPort(r.Host)
		http.Redirect(w, r, "https://localhost:"+port+"/elsewhere.png", http.StatusFound)
	})

	h, m := newTestFetchHandler(t, srv, []string{"127.0.0.1"}, false)

	rec := serve(t, h.Resolve, "/resolve?url="+url.QueryEscape(srv.URL+"/start.png"))

	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusForbidden)
	}
	if body := decodeError(t, rec); body["error"] != "Domain not allowed" {
		t.Errorf("body.error = %v, want %q", body["error"], "Domain not allowed")
	}
	if n := calls.Load(); n != 1 {
		t.Errorf("upstream calls = %d, want 1 (redirect target must not be contacted)", n)
	}
	if got := testutil.ToFloat64(m.PolicyRejections.WithLabelValues(opResolve, metrics.ReasonRedirectPolicy)); got != 1 {
		t.Errorf("redirect policy rejections = %v, want 1", got)
	}
}

func TestFetchHandler_UpstreamUnreachable(t *testing.T) {
	h, _ := newTestFetchHandler(t, nil, nil, false)
	target := url.QueryEscape("https://127.0.0.1:1/file.pdf")

	tests := []struct {
		name string
		fn   echo.HandlerFunc
		path string
		want string
	}{
		{"resolve", h.Resolve, "/resolve?url=" + target, "Resolve failed"},
		{"download", h.Download, "/download?url=" + target, "Download proxy failed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serve(t, tt.fn, tt.path)

			if rec.Code != http.StatusInternalServerError {
				t.Errorf("status = %d, want %d", rec.Code, http.StatusInternalServerError)
			}
			body := decodeError(t, rec)
			if body["error"] != tt.want {
				t.Errorf("body.error = %v, want %q", body["error"], tt.want)
			}
			if strings.Contains(rec.Body.String(), "127.0.0.1") {
				t.Errorf("response leaks upstream detail: %s", rec.Body.String())
			}
		})
	}
}

func TestFetchHandler_Download_MidStreamAbort(t *testing.T) {
	var calls atomic.Int32
	upstream := countingServer(t, &calls, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "video/mp4")
		w.Header().Set("Content-Length", "100000")
		_, _ = w.Write([]byte("first chunk"))
		w.(http.Flusher).Flush()
		panic(http.ErrAbortHandler)
	})

	h, m := newTestFetchHandler(t, upstream, nil, false)

	e := echo.New()
	e.Use(echomw.Recover())
	e.GET("/download", h.Download)
	proxy := httptest.NewServer(e)
	defer proxy.Close()

	resp, err := http.Get(proxy.URL + "/download?url=" + url.QueryEscape(upstream.URL+"/movie.mp4"))
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d (headers are sent before the failure)", resp.StatusCode, http.StatusOK)
	}

	_, err = io.ReadAll(resp.Body)
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("ReadAll error = %v, want io.ErrUnexpectedEOF", err)
	}
	if got := testutil.ToFloat64(m.StreamAborts.WithLabelValues(service.SideUpstream)); got != 1 {
		t.Errorf("upstream stream aborts = %v, want 1", got)
	}
}

func TestSanitizeError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{
			name: "signed url query redacted",
			err:  errors.New(`Get "https://cdn.example.com/a.mp4?X-Amz-Signature=deadbeef&exp=1": EOF`),
			want: `Get "https://cdn.example.com/a.mp4?[REDACTED]": EOF`,
		},
		{
			name: "url without query untouched",
			err:  errors.New(`Get "https://cdn.example.com/a.mp4": EOF`),
			want: `Get "https://cdn.example.com/a.mp4": EOF`,
		},
		{
			name: "no url",
			err:  errors.New("connection refused"),
			want: "connection refused",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := sanitizeError(tt.err); got != tt.want {
				t.Errorf("sanitizeError() = %q, want %q", got, tt.want)
			}
		})
	}
}
