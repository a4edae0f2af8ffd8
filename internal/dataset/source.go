// Package dataset fetches the raw overdose export and turns it into an
// aggregated dataset.
package dataset

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"odwatch/internal/core"
	"odwatch/internal/csvparse"
)

// Source yields the tokenized rows of the dataset, header first. A fetch is
// one-shot: failures are reported as *core.FetchError and never retried.
type Source interface {
	Name() string
	Rows(ctx context.Context) ([][]string, error)
}

// NewSource picks an HTTP source for http(s) URLs and a file source otherwise.
func NewSource(location string, timeout time.Duration) Source {
	if strings.HasPrefix(location, "http://") || strings.HasPrefix(location, "https://") {
		return NewHTTPSource(location, newHTTPClient(timeout))
	}
	return NewFileSource(location)
}

// HTTPSource downloads a CSV export.
type HTTPSource struct {
	url    string
	client *http.Client
}

func NewHTTPSource(url string, client *http.Client) *HTTPSource {
	if client == nil {
		client = newHTTPClient(0)
	}
	return &HTTPSource{url: url, client: client}
}

func (s *HTTPSource) Name() string {
	return s.url
}

func (s *HTTPSource) Rows(ctx context.Context) ([][]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, &core.FetchError{Source: s.url, Err: err}
	}
	req.Header.Set("Accept", "text/csv, text/plain;q=0.9, */*;q=0.5")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, &core.FetchError{Source: s.url, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, &core.FetchError{Source: s.url, Status: resp.Status}
	}

	rows, err := csvparse.ParseReader(resp.Body)
	if err != nil {
		return nil, &core.FetchError{Source: s.url, Status: resp.Status, Err: err}
	}
	return rows, nil
}

// FileSource reads a CSV export from disk.
type FileSource struct {
	path string
}

func NewFileSource(path string) *FileSource {
	return &FileSource{path: path}
}

func (s *FileSource) Name() string {
	return s.path
}

func (s *FileSource) Rows(ctx context.Context) ([][]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, &core.FetchError{Source: s.path, Err: err}
	}
	f, err := os.Open(s.path)
	if err != nil {
		return nil, &core.FetchError{Source: s.path, Err: err}
	}
	defer f.Close()

	rows, err := csvparse.ParseReader(f)
	if err != nil {
		return nil, &core.FetchError{Source: s.path, Err: fmt.Errorf("read: %w", err)}
	}
	return rows, nil
}

// newHTTPClient returns a client with pooled connections and bounded dial,
// handshake and header timeouts. timeout bounds the whole request when > 0.
func newHTTPClient(timeout time.Duration) *http.Client {
	dialer := &net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}

	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		MaxIdleConns:          20,
		MaxIdleConnsPerHost:   4,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 30 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ForceAttemptHTTP2:     true,
	}

	return &http.Client{Transport: transport, Timeout: timeout}
}
