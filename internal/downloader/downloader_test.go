package downloader

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/italolelis/manifest_syncer/internal/transfer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	emptyMD5 = "d41d8cd98f00b204e9800998ecf8427e"
	helloMD5 = "5d41402abc4b2a76b9719d911017c592"
)

type fileServer struct {
	*httptest.Server
	hits atomic.Int32
}

// newFileServer serves the given path -> content map. A content of "" is served
// with an explicit zero length.
func newFileServer(t *testing.T, files map[string]string) *fileServer {
	t.Helper()

	fs := &fileServer{}
	fs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fs.hits.Add(1)

		content, ok := files[r.URL.Path]
		if !ok {
			http.NotFound(w, r)

			return
		}

		w.Header().Set("Content-Length", fmt.Sprint(len(content)))
		fmt.Fprint(w, content)
	}))
	t.Cleanup(fs.Close)

	return fs
}

func newTestDownloader() *Downloader {
	return NewDownloader(NewHTTPClient("test-agent/1.0", 5*time.Second), nil)
}

// drainProgress collects the events already buffered on d.OnProgress. Download
// emits synchronously, so everything it sent is buffered once it returns.
func drainProgress(d *Downloader) []transfer.Progress {
	var events []transfer.Progress

	for {
		select {
		case p := <-d.OnProgress:
			events = append(events, p)
		default:
			return events
		}
	}
}

func assertNoStagedFiles(t *testing.T, dir string) {
	t.Helper()

	staged, err := filepath.Glob(filepath.Join(dir, transfer.PartialPattern))
	require.NoError(t, err)
	assert.Empty(t, staged)
}

func TestDownload_EmptyFileScenario(t *testing.T) {
	srv := newFileServer(t, map[string]string{"/a/b.txt": ""})
	root := t.TempDir()

	entry := &transfer.Entry{RelativePath: "a/b.txt", DownloadURL: srv.URL + "/a/b.txt", ExpectedChecksum: emptyMD5}

	outcome := newTestDownloader().Download(context.Background(), root, entry)
	require.Equal(t, transfer.OutcomeSucceeded, outcome.Status, outcome.Reason)

	content, err := os.ReadFile(filepath.Join(root, "a", "b.txt"))
	require.NoError(t, err)
	assert.Empty(t, content)

	// re-running with unchanged remote content is a skip without a request
	hits := srv.hits.Load()
	outcome = newTestDownloader().Download(context.Background(), root, entry)
	assert.Equal(t, transfer.OutcomeSkipped, outcome.Status)
	assert.Equal(t, ReasonChecksumMatched, outcome.Reason)
	assert.Equal(t, hits, srv.hits.Load())
}

func TestDownload_SkipsMatchingFileWithoutNetwork(t *testing.T) {
	srv := newFileServer(t, map[string]string{"/hello.txt": "hello"})
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "hello.txt"), []byte("hello"), 0o644))

	entry := &transfer.Entry{RelativePath: "/tmp_file/hello.txt", DownloadURL: srv.URL + "/hello.txt", ExpectedChecksum: strings.ToUpper(helloMD5)}

	outcome := newTestDownloader().Download(context.Background(), root, entry)
	assert.Equal(t, transfer.OutcomeSkipped, outcome.Status)
	assert.Zero(t, srv.hits.Load())
}

func TestDownload_ReplacesChangedFile(t *testing.T) {
	srv := newFileServer(t, map[string]string{"/hello.txt": "hello"})
	root := t.TempDir()
	dest := filepath.Join(root, "hello.txt")
	require.NoError(t, os.WriteFile(dest, []byte("stale"), 0o644))

	entry := &transfer.Entry{RelativePath: "hello.txt", DownloadURL: srv.URL + "/hello.txt", ExpectedChecksum: helloMD5}

	outcome := newTestDownloader().Download(context.Background(), root, entry)
	require.Equal(t, transfer.OutcomeSucceeded, outcome.Status, outcome.Reason)
	assert.Equal(t, int64(5), outcome.Bytes)

	content, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(content))
}

func TestDownload_NoChecksumKeepsExistingFile(t *testing.T) {
	srv := newFileServer(t, map[string]string{"/any.txt": "remote"})
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "any.txt"), []byte("whatever is here"), 0o644))

	entry := &transfer.Entry{RelativePath: "any.txt", DownloadURL: srv.URL + "/any.txt"}

	outcome := newTestDownloader().Download(context.Background(), root, entry)
	assert.Equal(t, transfer.OutcomeSkipped, outcome.Status)
	assert.Equal(t, ReasonNoChecksum, outcome.Reason)
	assert.Zero(t, srv.hits.Load())
}

func TestDownload_NoChecksumDownloadsMissingFile(t *testing.T) {
	srv := newFileServer(t, map[string]string{"/any.txt": "remote"})
	root := t.TempDir()

	entry := &transfer.Entry{RelativePath: "any.txt", DownloadURL: srv.URL + "/any.txt"}

	outcome := newTestDownloader().Download(context.Background(), root, entry)
	require.Equal(t, transfer.OutcomeSucceeded, outcome.Status, outcome.Reason)

	content, err := os.ReadFile(filepath.Join(root, "any.txt"))
	require.NoError(t, err)
	assert.Equal(t, "remote", string(content))
}

func TestDownload_ChecksumMismatch(t *testing.T) {
	srv := newFileServer(t, map[string]string{"/hello.txt": "not hello"})
	root := t.TempDir()
	dest := filepath.Join(root, "hello.txt")

	entry := &transfer.Entry{RelativePath: "hello.txt", DownloadURL: srv.URL + "/hello.txt", ExpectedChecksum: helloMD5}

	outcome := newTestDownloader().Download(context.Background(), root, entry)
	require.Equal(t, transfer.OutcomeFailed, outcome.Status)
	assert.Contains(t, outcome.Reason, "checksum mismatch")

	var mismatch *transfer.ChecksumMismatchError
	assert.True(t, errors.As(outcome.Err, &mismatch))

	assert.NoFileExists(t, dest)
	assertNoStagedFiles(t, root)
}

func TestDownload_MismatchKeepsPreviousFile(t *testing.T) {
	srv := newFileServer(t, map[string]string{"/hello.txt": "corrupt"})
	root := t.TempDir()
	dest := filepath.Join(root, "hello.txt")
	require.NoError(t, os.WriteFile(dest, []byte("old"), 0o644))

	entry := &transfer.Entry{RelativePath: "hello.txt", DownloadURL: srv.URL + "/hello.txt", ExpectedChecksum: helloMD5}

	outcome := newTestDownloader().Download(context.Background(), root, entry)
	require.Equal(t, transfer.OutcomeFailed, outcome.Status)

	content, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "old", string(content))
	assertNoStagedFiles(t, root)
}

func TestDownload_StagedFileIsUniquePerDownload(t *testing.T) {
	// the server only answers once both requests are in flight, so both
	// downloads write their staging files at the same time
	var (
		started atomic.Int32
		release = make(chan struct{})
	)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if started.Add(1) == 2 {
			close(release)
		}

		select {
		case <-release:
		case <-r.Context().Done():
			return
		}

		flusher := w.(http.Flusher)
		for _, chunk := range []string{"he", "ll", "o"} {
			fmt.Fprint(w, chunk)
			flusher.Flush()
			time.Sleep(10 * time.Millisecond)
		}
	}))
	defer srv.Close()

	root := t.TempDir()
	d := newTestDownloader()

	// both paths resolve to the same destination
	entries := []*transfer.Entry{
		{RelativePath: "a.txt", DownloadURL: srv.URL + "/a.txt", ExpectedChecksum: helloMD5},
		{RelativePath: "/tmp_file/a.txt", DownloadURL: srv.URL + "/a.txt", ExpectedChecksum: helloMD5},
	}

	outcomes := make(chan *transfer.Outcome, len(entries))
	for _, entry := range entries {
		go func() {
			outcomes <- d.Download(context.Background(), root, entry)
		}()
	}

	for range entries {
		outcome := <-outcomes
		assert.Equal(t, transfer.OutcomeSucceeded, outcome.Status, outcome.Reason)
	}

	content, err := os.ReadFile(filepath.Join(root, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(content))
	assertNoStagedFiles(t, root)
}

func TestDownload_ManifestFileNamedPartial(t *testing.T) {
	srv := newFileServer(t, map[string]string{"/mod.partial": "hello"})
	root := t.TempDir()

	entry := &transfer.Entry{RelativePath: "mod.partial", DownloadURL: srv.URL + "/mod.partial", ExpectedChecksum: helloMD5}

	outcome := newTestDownloader().Download(context.Background(), root, entry)
	require.Equal(t, transfer.OutcomeSucceeded, outcome.Status, outcome.Reason)

	info, err := os.Stat(filepath.Join(root, "mod.partial"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o644), info.Mode().Perm()&0o644)

	outcome = newTestDownloader().Download(context.Background(), root, entry)
	assert.Equal(t, transfer.OutcomeSkipped, outcome.Status)
	assert.Equal(t, int32(1), srv.hits.Load())
}

func TestDownload_HTTPError(t *testing.T) {
	srv := newFileServer(t, map[string]string{})
	root := t.TempDir()

	entry := &transfer.Entry{RelativePath: "missing.bin", DownloadURL: srv.URL + "/missing.bin", ExpectedChecksum: helloMD5}

	outcome := newTestDownloader().Download(context.Background(), root, entry)
	require.Equal(t, transfer.OutcomeFailed, outcome.Status)
	assert.Contains(t, outcome.Reason, entry.DownloadURL)

	var netErr *transfer.NetworkError
	require.True(t, errors.As(outcome.Err, &netErr))
	assert.Equal(t, http.StatusNotFound, netErr.StatusCode)
	assertNoStagedFiles(t, root)
}

func TestDownload_RejectsEscapingPath(t *testing.T) {
	srv := newFileServer(t, map[string]string{"/x": "x"})
	root := t.TempDir()

	entry := &transfer.Entry{RelativePath: "../escape.txt", DownloadURL: srv.URL + "/x"}

	outcome := newTestDownloader().Download(context.Background(), root, entry)
	require.Equal(t, transfer.OutcomeFailed, outcome.Status)
	assert.Zero(t, srv.hits.Load())
}

func TestDownload_ResponseTimeout(t *testing.T) {
	release := make(chan struct{})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	d := NewDownloader(NewHTTPClient("ua", 50*time.Millisecond), nil)
	entry := &transfer.Entry{RelativePath: "slow.bin", DownloadURL: srv.URL + "/slow.bin"}

	outcome := d.Download(context.Background(), t.TempDir(), entry)
	require.Equal(t, transfer.OutcomeFailed, outcome.Status)
	assert.ErrorIs(t, outcome.Err, errResponseTimeout)
}

func TestDownload_ProgressEvents(t *testing.T) {
	content := strings.Repeat("x", 100*1024)
	srv := newFileServer(t, map[string]string{"/big.bin": content})

	d := newTestDownloader()
	entry := &transfer.Entry{RelativePath: "big.bin", DownloadURL: srv.URL + "/big.bin"}

	outcome := d.Download(context.Background(), t.TempDir(), entry)
	require.Equal(t, transfer.OutcomeSucceeded, outcome.Status, outcome.Reason)

	events := drainProgress(d)
	require.NotEmpty(t, events)

	last := events[len(events)-1]
	assert.Equal(t, "big.bin", last.RelativePath)
	assert.Equal(t, int64(len(content)), last.DownloadedBytes)
	assert.Equal(t, int64(len(content)), last.TotalBytes)

	percent, known := last.Percent()
	assert.True(t, known)
	assert.Equal(t, 100, percent)

	for i := 1; i < len(events); i++ {
		assert.Greater(t, events[i].DownloadedBytes, events[i-1].DownloadedBytes)
	}
}

func TestDownload_UnknownLength(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		fmt.Fprint(w, "hel")
		flusher.Flush()
		fmt.Fprint(w, "lo")
	}))
	defer srv.Close()

	d := newTestDownloader()
	entry := &transfer.Entry{RelativePath: "chunked.txt", DownloadURL: srv.URL, ExpectedChecksum: helloMD5}

	outcome := d.Download(context.Background(), t.TempDir(), entry)
	require.Equal(t, transfer.OutcomeSucceeded, outcome.Status, outcome.Reason)

	for _, p := range drainProgress(d) {
		assert.Zero(t, p.TotalBytes)

		_, known := p.Percent()
		assert.False(t, known)
	}
}

func TestDownload_DropsProgressWhenNobodyListens(t *testing.T) {
	content := strings.Repeat("y", 4*1024*1024)
	srv := newFileServer(t, map[string]string{"/f": content})

	d := newTestDownloader()
	d.OnProgress = make(chan transfer.Progress) // unbuffered and never read

	done := make(chan *transfer.Outcome, 1)
	go func() {
		done <- d.Download(context.Background(), t.TempDir(), &transfer.Entry{RelativePath: "f", DownloadURL: srv.URL + "/f"})
	}()

	select {
	case outcome := <-done:
		assert.Equal(t, transfer.OutcomeSucceeded, outcome.Status, outcome.Reason)
	case <-time.After(10 * time.Second):
		t.Fatal("download blocked on an unread progress channel")
	}
}

func TestNeedsUpdate(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "hello.txt"), []byte("hello"), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(root, "dir"), 0o755))

	tests := []struct {
		name  string
		entry *transfer.Entry
		want  bool
	}{
		{"absent", &transfer.Entry{RelativePath: "nope.txt", ExpectedChecksum: helloMD5}, true},
		{"absent without checksum", &transfer.Entry{RelativePath: "nope.txt"}, true},
		{"matching", &transfer.Entry{RelativePath: "hello.txt", ExpectedChecksum: helloMD5}, false},
		{"matching upper case", &transfer.Entry{RelativePath: "/hello.txt", ExpectedChecksum: strings.ToUpper(helloMD5)}, false},
		{"mismatching", &transfer.Entry{RelativePath: "hello.txt", ExpectedChecksum: emptyMD5}, true},
		{"present without checksum", &transfer.Entry{RelativePath: "hello.txt"}, false},
		{"directory in the way", &transfer.Entry{RelativePath: "dir", ExpectedChecksum: emptyMD5}, true},
		{"escaping path", &transfer.Entry{RelativePath: "../hello.txt"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NeedsUpdate(context.Background(), root, tt.entry))
		})
	}
}
