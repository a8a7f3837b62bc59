package blobs

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLocation(t *testing.T) {
	grid := []struct {
		in     string
		scheme string
		bucket string
		key    string
		base   string
	}{
		{in: "gs://models/styles/udnie.npz", scheme: "gs", bucket: "models", key: "styles/udnie.npz", base: "udnie.npz"},
		{in: "gs://models/out/", scheme: "gs", bucket: "models", key: "out", base: "out"},
		{in: "https://example.com/m/candy.npz", scheme: "https", base: "candy.npz"},
		{in: "testdata/model.npz", key: "testdata/model.npz", base: "model.npz"},
	}
	for _, g := range grid {
		t.Run(g.in, func(t *testing.T) {
			loc, err := ParseLocation(g.in)
			require.NoError(t, err)
			assert.Equal(t, g.scheme, loc.Scheme)
			assert.Equal(t, g.bucket, loc.Bucket)
			if g.scheme != "https" {
				assert.Equal(t, g.key, loc.Key)
			}
			assert.Equal(t, g.base, loc.Base())
		})
	}

	for _, bad := range []string{"", "gs://", "s3://bucket/key"} {
		_, err := ParseLocation(bad)
		assert.Error(t, err, "location %q", bad)
	}
}

func TestModelServerDownload(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/models/udnie.npz" {
			http.NotFound(w, r)
			return
		}
		fmt.Fprint(w, "model-bytes")
	}))
	defer server.Close()

	base, err := url.Parse(server.URL + "/models")
	require.NoError(t, err)
	ms := &ModelServer{BlobserverURL: base}

	dest := filepath.Join(t.TempDir(), "udnie.npz")
	require.NoError(t, ms.Download(context.Background(), BlobInfo{Key: "udnie.npz"}, dest))

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "model-bytes", string(got))

	err = ms.Download(context.Background(), BlobInfo{Key: "missing.npz"}, dest)
	assert.True(t, errors.Is(err, os.ErrNotExist), "got %v", err)
}

func TestWriteFile(t *testing.T) {
	dir := t.TempDir()
	dest := filepath.Join(dir, "c1_W.dat")

	n, err := WriteFile(context.Background(), strings.NewReader("abcd"), dest)
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1, "temp file should have been renamed")
	assert.Equal(t, "c1_W.dat", entries[0].Name())

	_, err = WriteFile(context.Background(), strings.NewReader("x"), filepath.Join(dir, "missing", "f.dat"))
	assert.Error(t, err)
}

type flakyReader struct {
	failures int
	calls    int
	err      error
}

func (r *flakyReader) Download(ctx context.Context, info BlobInfo, destPath string) error {
	r.calls++
	if r.calls <= r.failures {
		return r.err
	}
	return os.WriteFile(destPath, []byte(info.Key), 0644)
}

func TestFetcherRetries(t *testing.T) {
	reader := &flakyReader{failures: 2, err: errors.New("connection reset")}
	f := &Fetcher{
		CacheDir:    t.TempDir(),
		MaxAttempts: 5,
		readerFor: func(Location) (BlobReader, BlobInfo, error) {
			return reader, BlobInfo{Key: "styles/udnie.npz"}, nil
		},
	}

	loc, err := ParseLocation("gs://models/styles/udnie.npz")
	require.NoError(t, err)

	p, err := f.Fetch(context.Background(), loc)
	require.NoError(t, err)
	assert.Equal(t, 3, reader.calls)
	assert.Equal(t, filepath.Join(f.CacheDir, "udnie.npz"), p)
}

func TestFetcherGivesUp(t *testing.T) {
	reader := &flakyReader{failures: 10, err: errors.New("unavailable")}
	f := &Fetcher{
		CacheDir:    t.TempDir(),
		MaxAttempts: 3,
		readerFor: func(Location) (BlobReader, BlobInfo, error) {
			return reader, BlobInfo{Key: "m.npz"}, nil
		},
	}
	loc, _ := ParseLocation("gs://models/m.npz")
	_, err := f.Fetch(context.Background(), loc)
	assert.Error(t, err)
	assert.Equal(t, 3, reader.calls)
}

func TestFetcherDoesNotRetryMissing(t *testing.T) {
	reader := &flakyReader{failures: 10, err: fmt.Errorf("object: %w", os.ErrNotExist)}
	f := &Fetcher{
		CacheDir:    t.TempDir(),
		MaxAttempts: 5,
		readerFor: func(Location) (BlobReader, BlobInfo, error) {
			return reader, BlobInfo{Key: "m.npz"}, nil
		},
	}
	loc, _ := ParseLocation("gs://models/m.npz")
	_, err := f.Fetch(context.Background(), loc)
	assert.True(t, errors.Is(err, os.ErrNotExist))
	assert.Equal(t, 1, reader.calls)
}

func TestFetcherLocal(t *testing.T) {
	p := filepath.Join(t.TempDir(), "m.npz")
	require.NoError(t, os.WriteFile(p, []byte("x"), 0644))

	f := NewFetcher(t.TempDir())
	got, err := f.Fetch(context.Background(), Location{Key: p})
	require.NoError(t, err)
	assert.Equal(t, p, got)

	_, err = f.Fetch(context.Background(), Location{Key: p + ".missing"})
	assert.True(t, errors.Is(err, os.ErrNotExist))
}
