package blobs

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	"k8s.io/klog/v2"
)

// ModelServer reads blobs over HTTP, from a param-store or any static file server.
type ModelServer struct {
	// BlobserverURL is the base URL, typically http://param-store
	BlobserverURL *url.URL

	// Client defaults to http.DefaultClient.
	Client *http.Client
}

var _ BlobReader = &ModelServer{}

func (l *ModelServer) Download(ctx context.Context, info BlobInfo, destPath string) error {
	url := l.BlobserverURL.JoinPath(info.Key)

	body, err := l.open(ctx, url.String())
	if err != nil {
		return err
	}
	defer body.Close()

	if _, err := WriteFile(ctx, body, destPath); err != nil {
		return fmt.Errorf("downloading from %q: %w", url, err)
	}
	return nil
}

func (l *ModelServer) open(ctx context.Context, url string) (io.ReadCloser, error) {
	log := klog.FromContext(ctx)

	log.Info("downloading from url", "url", url)

	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	startedAt := time.Now()

	httpClient := l.Client
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("doing request: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		if resp.StatusCode == http.StatusNotFound {
			return nil, fmt.Errorf("blob %q not found: %w", url, os.ErrNotExist)
		}
		return nil, fmt.Errorf("unexpected status downloading from upstream source: %v", resp.Status)
	}

	log.V(2).Info("connected to blob server", "url", url, "duration", time.Since(startedAt))

	return resp.Body, nil
}
