package blobs

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"k8s.io/klog/v2"
)

// Location is a parsed model or output address.
type Location struct {
	// Scheme is "gs", "http", "https" or "" for a local path.
	Scheme string
	// Bucket is set for gs:// locations.
	Bucket string
	// Key is the object name within the bucket, or the local path.
	Key string
	// URL is set for http(s) locations.
	URL *url.URL
}

func (l Location) IsLocal() bool {
	return l.Scheme == ""
}

func (l Location) String() string {
	switch l.Scheme {
	case "gs":
		return "gs://" + l.Bucket + "/" + l.Key
	case "http", "https":
		return l.URL.String()
	default:
		return l.Key
	}
}

// Base returns the final path element of the location.
func (l Location) Base() string {
	switch l.Scheme {
	case "http", "https":
		return path.Base(l.URL.Path)
	case "gs":
		return path.Base(l.Key)
	default:
		return filepath.Base(l.Key)
	}
}

func ParseLocation(s string) (Location, error) {
	switch {
	case strings.HasPrefix(s, "gs://"):
		bucket, key, _ := strings.Cut(strings.TrimPrefix(s, "gs://"), "/")
		if bucket == "" {
			return Location{}, fmt.Errorf("location %q has no bucket", s)
		}
		return Location{Scheme: "gs", Bucket: bucket, Key: strings.Trim(key, "/")}, nil

	case strings.HasPrefix(s, "http://"), strings.HasPrefix(s, "https://"):
		u, err := url.Parse(s)
		if err != nil {
			return Location{}, fmt.Errorf("parsing url %q: %w", s, err)
		}
		return Location{Scheme: u.Scheme, URL: u}, nil

	case strings.Contains(s, "://"):
		return Location{}, fmt.Errorf("unsupported location %q (expected gs://, http(s):// or a local path)", s)
	}

	if s == "" {
		return Location{}, fmt.Errorf("empty location")
	}
	return Location{Key: s}, nil
}

// Fetcher resolves a model location to a local file, downloading remote models into CacheDir.
type Fetcher struct {
	CacheDir string

	// MaxAttempts is the number of times to attempt a download before failing.
	MaxAttempts int
	// RetryDelay is the pause between attempts.
	RetryDelay time.Duration

	// readerFor is overridden in tests.
	readerFor func(Location) (BlobReader, BlobInfo, error)
}

func NewFetcher(cacheDir string) *Fetcher {
	return &Fetcher{
		CacheDir:    cacheDir,
		MaxAttempts: 5,
		RetryDelay:  5 * time.Second,
	}
}

// Fetch returns a local path for loc. Local paths are returned as-is after checking they exist.
func (f *Fetcher) Fetch(ctx context.Context, loc Location) (string, error) {
	log := klog.FromContext(ctx)

	if loc.IsLocal() {
		if _, err := os.Stat(loc.Key); err != nil {
			return "", fmt.Errorf("checking model %q: %w", loc.Key, err)
		}
		return loc.Key, nil
	}

	readerFor := f.readerFor
	if readerFor == nil {
		readerFor = defaultReaderFor
	}
	reader, info, err := readerFor(loc)
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(f.CacheDir, 0755); err != nil {
		return "", fmt.Errorf("creating cache directory %q: %w", f.CacheDir, err)
	}
	localPath := filepath.Join(f.CacheDir, loc.Base())

	if err := f.downloadToFile(ctx, reader, info, localPath); err != nil {
		return "", fmt.Errorf("downloading model %q: %w", loc, err)
	}
	log.Info("model downloaded", "source", loc.String(), "path", localPath)
	return localPath, nil
}

func defaultReaderFor(loc Location) (BlobReader, BlobInfo, error) {
	switch loc.Scheme {
	case "gs":
		return &GCSBlobstore{Bucket: loc.Bucket}, BlobInfo{Key: loc.Key}, nil
	case "http", "https":
		dir := *loc.URL
		dir.Path = path.Dir(loc.URL.Path)
		dir.RawPath = ""
		return &ModelServer{BlobserverURL: &dir}, BlobInfo{Key: path.Base(loc.URL.Path)}, nil
	}
	return nil, BlobInfo{}, fmt.Errorf("no reader for location %q", loc)
}

func (f *Fetcher) downloadToFile(ctx context.Context, reader BlobReader, info BlobInfo, destPath string) error {
	log := klog.FromContext(ctx)

	maxAttempts := f.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	attempt := 0
	for {
		attempt++

		err := reader.Download(ctx, info, destPath)
		if err == nil {
			return nil
		}

		if attempt >= maxAttempts || errors.Is(err, os.ErrNotExist) {
			return err
		}

		log.Error(err, "downloading blob, will retry", "info", info, "attempt", attempt)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(f.RetryDelay):
		}
	}
}
