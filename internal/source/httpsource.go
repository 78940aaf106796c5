package source

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"

	"github.com/MrWong99/volcano/internal/track"
)

// httpInfo builds a descriptor for a plain HTTP(S) audio URL. Generic HTTP
// sources are assumed to be live-ish streams of unknown length.
func httpInfo(raw string) track.Info {
	title := raw
	if u, err := url.Parse(raw); err == nil {
		if base := path.Base(u.Path); base != "" && base != "/" && base != "." {
			title = base
		}
	}
	return track.Info{
		Identifier: raw,
		Author:     "unknown",
		IsStream:   true,
		Title:      title,
		URI:        raw,
		SourceName: track.SourceHTTP,
	}
}

// httpOpen fetches a byte stream over HTTP. Non-2xx responses are errors.
func httpOpen(ctx context.Context, client *http.Client, raw string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, raw, nil)
	if err != nil {
		return nil, fmt.Errorf("source: build request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("source: fetch %q: %w", raw, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		resp.Body.Close()
		return nil, fmt.Errorf("source: fetch %q: unexpected status %s", raw, resp.Status)
	}
	return resp.Body, nil
}
