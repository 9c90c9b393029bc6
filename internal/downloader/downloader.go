// Package downloader implements download in parallel of various URLs, with various progress report callback.
//
// It's used by the hub package to fetch model files and repository information.
package downloader

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ProgressCallback is called as download progresses.
//   - totalBytes may be set to 0 if total size is not yet known.
type ProgressCallback func(downloadedBytes, totalBytes int64)

// Manager handles downloads, reporting back progress and errors.
//
// It limits the number of simultaneous downloads with MaxParallel. It is safe for concurrent use.
type Manager struct {
	httpClient  *http.Client
	authToken   string
	maxParallel int
	userAgent   string

	initOnce  sync.Once
	semaphore chan struct{}
}

// DefaultMaxParallel is the default number of simultaneous downloads.
const DefaultMaxParallel = 4

// New creates a Manager with default settings.
//
// Configure it with the With* methods before the first download.
func New() *Manager {
	return &Manager{
		httpClient: &http.Client{
			// Model weights can be large: only the connection phase is bounded here,
			// the body download is bounded by the context.
			Transport: &http.Transport{
				Proxy:                 http.ProxyFromEnvironment,
				ResponseHeaderTimeout: 60 * time.Second,
			},
		},
		maxParallel: DefaultMaxParallel,
		userAgent:   "go-medreport",
	}
}

// MaxParallel sets the max number of parallel downloads. Values <= 0 are ignored.
func (m *Manager) MaxParallel(n int) *Manager {
	if n > 0 {
		m.maxParallel = n
	}
	return m
}

// WithAuthToken sets the authentication token used as a "Bearer" token in every request.
// An empty token means anonymous access.
func (m *Manager) WithAuthToken(authToken string) *Manager {
	m.authToken = authToken
	return m
}

// WithHTTPClient replaces the default http.Client.
func (m *Manager) WithHTTPClient(client *http.Client) *Manager {
	if client != nil {
		m.httpClient = client
	}
	return m
}

func (m *Manager) acquire(ctx context.Context) error {
	m.initOnce.Do(func() {
		m.semaphore = make(chan struct{}, m.maxParallel)
	})
	select {
	case m.semaphore <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) release() {
	<-m.semaphore
}

func (m *Manager) newRequest(ctx context.Context, url string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "creating request for %q", url)
	}
	if m.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+m.authToken)
	}
	req.Header.Set("User-Agent", m.userAgent)
	return req, nil
}

// Download url into filePath, creating or truncating it.
//
// It blocks until the download is finished, failed, or the context is cancelled. The progressCallback
// may be nil.
func (m *Manager) Download(ctx context.Context, url, filePath string, progressCallback ProgressCallback) error {
	if err := m.acquire(ctx); err != nil {
		return err
	}
	defer m.release()

	req, err := m.newRequest(ctx, url)
	if err != nil {
		return err
	}
	resp, err := m.httpClient.Do(req)
	if err != nil {
		return errors.Wrapf(err, "requesting %q", url)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("download of %q failed with status %q", url, resp.Status)
	}

	f, err := os.Create(filePath)
	if err != nil {
		return errors.Wrapf(err, "creating %q", filePath)
	}
	var writer io.Writer = f
	if progressCallback != nil {
		writer = &progressWriter{w: f, total: resp.ContentLength, callback: progressCallback}
	}
	n, copyErr := io.Copy(writer, resp.Body)
	closeErr := f.Close()
	if copyErr != nil {
		return errors.Wrapf(copyErr, "downloading %q to %q", url, filePath)
	}
	if closeErr != nil {
		return errors.Wrapf(closeErr, "closing %q", filePath)
	}
	if resp.ContentLength > 0 && n != resp.ContentLength {
		return errors.Errorf("download of %q truncated: got %d bytes, expected %d", url, n, resp.ContentLength)
	}
	klog.V(2).Infof("downloaded %q (%d bytes)", url, n)
	return nil
}

// FetchJSON issues a GET request to url and decodes the JSON response into v.
func (m *Manager) FetchJSON(ctx context.Context, url string, v any) error {
	if err := m.acquire(ctx); err != nil {
		return err
	}
	defer m.release()

	req, err := m.newRequest(ctx, url)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := m.httpClient.Do(req)
	if err != nil {
		return errors.Wrapf(err, "requesting %q", url)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("request to %q failed with status %q", url, resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return errors.Wrapf(err, "decoding JSON response from %q", url)
	}
	return nil
}

type progressWriter struct {
	w          io.Writer
	downloaded int64
	total      int64
	callback   ProgressCallback
}

func (p *progressWriter) Write(b []byte) (int, error) {
	n, err := p.w.Write(b)
	p.downloaded += int64(n)
	total := p.total
	if total < 0 {
		total = 0
	}
	p.callback(p.downloaded, total)
	return n, err
}
