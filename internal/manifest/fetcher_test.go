package manifest

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/italolelis/manifest_syncer/internal/telemetry"
	"github.com/italolelis/manifest_syncer/internal/transfer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func serveBody(t *testing.T, status int, body string) *httptest.Server {
	t.Helper()

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		fmt.Fprint(w, body)
	}))
	t.Cleanup(ts.Close)

	return ts
}

func TestFetchManifest(t *testing.T) {
	ts := serveBody(t, http.StatusOK, `{
		"code": 200,
		"data": [
			{"filePath": "/tmp_file/a/b.txt", "url": "http://x/a/b.txt", "md5": "d41d8cd98f00b204e9800998ecf8427e"},
			{"filePath": "c.txt", "url": "http://x/c.txt"},
			{"filePath": "d.txt", "url": "http://x/d.txt", "md5": null}
		]
	}`)

	f := NewFetcher(ts.URL, "test-agent/1.0", NewHTTPClient(time.Second, ""))

	entries, err := f.FetchManifest(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 3)

	assert.Equal(t, "/tmp_file/a/b.txt", entries[0].RelativePath)
	assert.Equal(t, "http://x/a/b.txt", entries[0].DownloadURL)
	assert.Equal(t, "d41d8cd98f00b204e9800998ecf8427e", entries[0].ExpectedChecksum)

	assert.Equal(t, "", entries[1].ExpectedChecksum, "missing md5 is normalized to empty")
	assert.Equal(t, "", entries[2].ExpectedChecksum, "null md5 is normalized to empty")
}

func TestFetchManifest_EmptyList(t *testing.T) {
	ts := serveBody(t, http.StatusOK, `{"code": 200, "data": []}`)

	entries, err := NewFetcher(ts.URL, "ua", NewHTTPClient(time.Second, "")).FetchManifest(context.Background())
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestFetchManifest_FormatErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
	}{
		{"status code 500 in envelope", http.StatusOK, `{"code": 500, "data": []}`},
		{"status code 500 in envelope and http", http.StatusInternalServerError, `{"code": 500, "message": "boom"}`},
		{"not json", http.StatusOK, `<html>oops</html>`},
		{"no code", http.StatusOK, `{"data": []}`},
		{"no data", http.StatusOK, `{"code": 200}`},
		{"data is an object", http.StatusOK, `{"code": 200, "data": {"filePath": "a"}}`},
		{"entry without url", http.StatusOK, `{"code": 200, "data": [{"filePath": "a"}]}`},
		{"entry without path", http.StatusOK, `{"code": 200, "data": [{"url": "http://x/a"}]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := serveBody(t, tt.status, tt.body)

			_, err := NewFetcher(ts.URL, "ua", NewHTTPClient(time.Second, "")).FetchManifest(context.Background())
			require.Error(t, err)

			var formatErr *transfer.FormatError
			assert.True(t, errors.As(err, &formatErr), "got %T: %v", err, err)
		})
	}
}

func TestFetchManifest_HTTPErrorWithoutEnvelope(t *testing.T) {
	ts := serveBody(t, http.StatusBadGateway, `bad gateway`)

	_, err := NewFetcher(ts.URL, "ua", NewHTTPClient(time.Second, "")).FetchManifest(context.Background())
	require.Error(t, err)

	var netErr *transfer.NetworkError
	require.True(t, errors.As(err, &netErr), "got %T: %v", err, err)
	assert.Equal(t, http.StatusBadGateway, netErr.StatusCode)
}

func TestFetchManifest_Timeout(t *testing.T) {
	release := make(chan struct{})

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer ts.Close()
	defer close(release)

	_, err := NewFetcher(ts.URL, "ua", NewHTTPClient(50*time.Millisecond, "")).FetchManifest(context.Background())
	require.Error(t, err)

	var netErr *transfer.NetworkError
	assert.True(t, errors.As(err, &netErr), "got %T: %v", err, err)
}

func TestFetchManifest_ConnectionRefused(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	url := ts.URL
	ts.Close()

	_, err := NewFetcher(url, "ua", NewHTTPClient(time.Second, "")).FetchManifest(context.Background())

	var netErr *transfer.NetworkError
	require.True(t, errors.As(err, &netErr), "got %T: %v", err, err)
	assert.Contains(t, err.Error(), url)
}

func TestFetchManifest_Headers(t *testing.T) {
	var gotUA, gotAuth string

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		gotAuth = r.Header.Get("Authorization")
		fmt.Fprint(w, `{"code": 200, "data": []}`)
	}))
	defer ts.Close()

	_, err := NewFetcher(ts.URL, "TMP-Update-Tool/1.0.0", NewHTTPClient(time.Second, "secret")).FetchManifest(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "TMP-Update-Tool/1.0.0", gotUA)
	assert.Equal(t, "Bearer secret", gotAuth)
}

func TestInstrumentedSource(t *testing.T) {
	ts := serveBody(t, http.StatusOK, `{"code": 200, "data": [{"filePath": "a", "url": "http://x/a"}]}`)

	tel, err := telemetry.New(context.Background(), telemetry.Config{Enabled: false})
	require.NoError(t, err)

	src := NewInstrumentedSource(NewFetcher(ts.URL, "ua", NewHTTPClient(time.Second, "")), tel)

	entries, err := src.FetchManifest(context.Background())
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}
