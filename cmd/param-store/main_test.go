package main

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"k8s.io/examples/AI/modelexport/pkg/blobs"
)

type fakeBlobReader struct {
	objects map[string]string
	calls   int
}

func (f *fakeBlobReader) Download(ctx context.Context, info blobs.BlobInfo, destPath string) error {
	f.calls++
	data, ok := f.objects[info.Key]
	if !ok {
		return os.ErrNotExist
	}
	return os.WriteFile(destPath, []byte(data), 0644)
}

func get(t *testing.T, server *httptest.Server, path string) (int, string) {
	t.Helper()
	resp, err := http.Get(server.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}

func TestServeParameters(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "c1_W.dat"), []byte("weights"), 0644))

	reader := &fakeBlobReader{objects: map[string]string{"c1_b.dat": "bias"}}
	server := httptest.NewServer(&httpServer{cache: &paramCache{BaseDir: dir, blobstore: reader}})
	defer server.Close()

	code, body := get(t, server, "/c1_W.dat")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "weights", body)

	code, body = get(t, server, "/c1_b.dat")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "bias", body)
	assert.FileExists(t, filepath.Join(dir, "c1_b.dat"))

	// Served from disk the second time.
	get(t, server, "/c1_b.dat")
	assert.Equal(t, 1, reader.calls)

	code, _ = get(t, server, "/missing.dat")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestServeParametersWithoutBackfill(t *testing.T) {
	server := httptest.NewServer(&httpServer{cache: &paramCache{BaseDir: t.TempDir()}})
	defer server.Close()

	code, _ := get(t, server, "/c1_W.dat")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestServeRejectsBadKeys(t *testing.T) {
	server := httptest.NewServer(&httpServer{cache: &paramCache{BaseDir: t.TempDir()}})
	defer server.Close()

	for _, path := range []string{"/", "/.hidden", "/r1/c1_W.dat", "/..%2Fetc"} {
		code, _ := get(t, server, path)
		assert.Equal(t, http.StatusBadRequest, code, "path %q", path)
	}

	resp, err := http.Post(server.URL+"/c1_W.dat", "application/octet-stream", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}
