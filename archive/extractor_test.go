package archive

import (
	"archive/zip"
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"sam3web/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var pngHeader = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01\x00\x00\x00\x01\x08\x06\x00\x00\x00")

func buildZip(t *testing.T, files map[string][]byte, order []string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, name := range order {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write(files[name])
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func serveBytes(t *testing.T, body []byte) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/out.zip" {
			http.NotFound(w, r)
			return
		}
		w.Write(body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testExtractor(t *testing.T) *Extractor {
	t.Helper()
	cfg := &config.Config{
		ZipDir:         filepath.Join(t.TempDir(), "zip"),
		MaxArchiveSize: 1 << 20,
	}
	e, err := NewExtractor(cfg)
	require.NoError(t, err)
	return e
}

func TestExtract(t *testing.T) {
	order := []string{"masks/mask_0001.png", "masks/mask_0002.JPG", "output.mp4", "second.mp4", "notes.txt", "frame_raw"}
	files := map[string][]byte{
		"masks/mask_0001.png": pngHeader,
		"masks/mask_0002.JPG": []byte("jpeg"),
		"output.mp4":          []byte("video"),
		"second.mp4":          []byte("video"),
		"notes.txt":           []byte("hello"),
		"frame_raw":           pngHeader,
	}
	srv := serveBytes(t, buildZip(t, files, order))
	e := testExtractor(t)

	report, err := e.Extract(context.Background(), srv.URL+"/out.zip")
	require.NoError(t, err)

	assert.Equal(t, 6, report.FileCount)
	assert.Equal(t, 3, report.ImageCount, "two by extension, one sniffed")
	assert.Regexp(t, `^/zip/extract_[^/]+/output\.mp4$`, report.VideoPath)
	assert.FileExists(t, report.ZipPath)
	assert.FileExists(t, filepath.Join(report.ExtractPath, "masks", "mask_0001.png"))
	assert.False(t, report.Timestamp.IsZero())
}

func TestExtract_Errors(t *testing.T) {
	t.Run("rejects entries escaping the extract dir", func(t *testing.T) {
		srv := serveBytes(t, buildZip(t, map[string][]byte{"../evil.txt": []byte("x")}, []string{"../evil.txt"}))
		e := testExtractor(t)

		_, err := e.Extract(context.Background(), srv.URL+"/out.zip")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "illegal entry path")

		entries, _ := os.ReadDir(e.Dir())
		for _, entry := range entries {
			assert.False(t, entry.IsDir(), "partial extraction should be removed")
		}
	})

	t.Run("fails on non-200 download", func(t *testing.T) {
		srv := serveBytes(t, nil)
		e := testExtractor(t)

		_, err := e.Extract(context.Background(), srv.URL+"/missing.zip")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "404")
	})

	t.Run("enforces the size limit", func(t *testing.T) {
		body := buildZip(t, map[string][]byte{"a.mp4": bytes.Repeat([]byte("v"), 4096)}, []string{"a.mp4"})
		srv := serveBytes(t, body)
		e := testExtractor(t)
		e.cfg.MaxArchiveSize = 100

		_, err := e.Extract(context.Background(), srv.URL+"/out.zip")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "exceeds limit")
	})

	t.Run("rejects non-http locators", func(t *testing.T) {
		e := testExtractor(t)
		_, err := e.Extract(context.Background(), "/etc/passwd")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unsupported archive locator")
	})

	t.Run("gives up on a stalled download", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-r.Context().Done():
			case <-time.After(5 * time.Second):
			}
		}))
		t.Cleanup(srv.Close)

		cfg := &config.Config{
			ZipDir:         filepath.Join(t.TempDir(), "zip"),
			MaxArchiveSize: 1 << 20,
			ArchiveTimeout: 50 * time.Millisecond,
		}
		e, err := NewExtractor(cfg)
		require.NoError(t, err)

		start := time.Now()
		_, err = e.Extract(context.Background(), srv.URL+"/out.zip")
		require.Error(t, err)
		assert.Less(t, time.Since(start), 2*time.Second)
	})

	t.Run("fails on a corrupt archive", func(t *testing.T) {
		srv := serveBytes(t, []byte("not a zip"))
		e := testExtractor(t)

		_, err := e.Extract(context.Background(), srv.URL+"/out.zip")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to open archive")
	})
}

func TestSafeJoin(t *testing.T) {
	root := filepath.Join(string(os.PathSeparator), "data", "extract_x")

	p, err := safeJoin(root, "a/b.png")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "a", "b.png"), p)

	_, err = safeJoin(root, "../../etc/passwd")
	assert.Error(t, err)

	_, err = safeJoin(root, "../extract_xy/b.png")
	assert.Error(t, err)
}
