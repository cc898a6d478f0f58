package gateway

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// httpFetcher is the plain GET acquisition path. No JS execution.
type httpFetcher struct {
	client   *http.Client
	ua       string
	maxBytes int64
	logger   *slog.Logger
}

func newHTTPFetcher(client *http.Client, ua string, maxBytes int64, timeout time.Duration, logger *slog.Logger) *httpFetcher {
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	return &httpFetcher{client: client, ua: ua, maxBytes: maxBytes, logger: logger}
}

// fetch GETs pageURL. Any non-2xx status is an error.
func (f *httpFetcher) fetch(ctx context.Context, pageURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("fetcher: new request: %w", err)
	}
	req.Header.Set("User-Agent", f.ua)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.5")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetcher: do: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("fetcher: HTTP %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("fetcher: read body: %w", err)
	}
	if int64(len(body)) > f.maxBytes {
		return nil, fmt.Errorf("fetcher: response exceeds %d bytes", f.maxBytes)
	}

	f.logger.Debug("fetcher: fetched", "url", pageURL, "status", resp.StatusCode, "size", len(body))
	return body, nil
}
