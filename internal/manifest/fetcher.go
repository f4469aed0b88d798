// Package manifest retrieves the list of files a sync target should contain.
package manifest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/italolelis/manifest_syncer/internal/logctx"
	"github.com/italolelis/manifest_syncer/internal/transfer"
)

const (
	successCode     = 200
	maxManifestSize = 64 * 1024 * 1024
)

type envelope struct {
	Code *int            `json:"code"`
	Data json.RawMessage `json:"data"`
}

type wireEntry struct {
	FilePath string `json:"filePath"`
	URL      string `json:"url"`
	MD5      string `json:"md5"`
}

// Fetcher downloads and decodes the manifest from a single endpoint.
type Fetcher struct {
	url       string
	userAgent string
	client    *http.Client
}

var _ transfer.ManifestSource = (*Fetcher)(nil)

func NewFetcher(url, userAgent string, client *http.Client) *Fetcher {
	return &Fetcher{
		url:       url,
		userAgent: userAgent,
		client:    client,
	}
}

// FetchManifest retrieves the manifest. Entries without a checksum are kept
// with an empty ExpectedChecksum.
func (f *Fetcher) FetchManifest(ctx context.Context) ([]*transfer.Entry, error) {
	logger := logctx.LoggerFromContext(ctx).With("manifest_url", f.url)

	logger.DebugContext(ctx, "fetching manifest")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.url, nil)
	if err != nil {
		return nil, &transfer.NetworkError{Operation: "fetch_manifest", URL: f.url, Err: err}
	}

	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, &transfer.NetworkError{Operation: "fetch_manifest", URL: f.url, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxManifestSize))
	if err != nil {
		return nil, &transfer.NetworkError{Operation: "fetch_manifest", URL: f.url, Err: err}
	}

	entries, err := f.decode(resp.StatusCode, body)
	if err != nil {
		return nil, err
	}

	for _, e := range entries {
		if !e.HasChecksum() {
			logger.WarnContext(ctx, "manifest entry has no checksum, it will not be verified", "file_path", e.RelativePath)
		}
	}

	logger.InfoContext(ctx, "fetched manifest", "entry_count", len(entries))

	return entries, nil
}

func (f *Fetcher) decode(httpStatus int, body []byte) ([]*transfer.Entry, error) {
	httpOK := httpStatus >= http.StatusOK && httpStatus < http.StatusMultipleChoices

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil || env.Code == nil {
		if !httpOK {
			return nil, &transfer.NetworkError{Operation: "fetch_manifest", URL: f.url, StatusCode: httpStatus}
		}

		if err != nil {
			return nil, &transfer.FormatError{Source: f.url, Reason: "response is not a JSON envelope", Err: err}
		}

		return nil, &transfer.FormatError{Source: f.url, Reason: "response has no status code"}
	}

	if *env.Code != successCode {
		return nil, &transfer.FormatError{Source: f.url, Reason: fmt.Sprintf("unexpected status code %d", *env.Code)}
	}

	if !httpOK {
		return nil, &transfer.NetworkError{Operation: "fetch_manifest", URL: f.url, StatusCode: httpStatus}
	}

	var wire []*wireEntry
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return nil, &transfer.FormatError{Source: f.url, Reason: "response has no data"}
	}

	if err := json.Unmarshal(env.Data, &wire); err != nil {
		return nil, &transfer.FormatError{Source: f.url, Reason: "data is not a list of files", Err: err}
	}

	entries := make([]*transfer.Entry, 0, len(wire))

	for i, w := range wire {
		if w == nil || w.FilePath == "" || w.URL == "" {
			return nil, &transfer.FormatError{Source: f.url, Reason: fmt.Sprintf("entry %d is missing filePath or url", i)}
		}

		entries = append(entries, &transfer.Entry{
			RelativePath:     w.FilePath,
			DownloadURL:      w.URL,
			ExpectedChecksum: w.MD5,
		})
	}

	return entries, nil
}
