// Copyright 2025 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"k8s.io/klog/v2"

	"k8s.io/examples/AI/modelexport/pkg/blobs"
)

func main() {
	if err := run(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	log := klog.FromContext(ctx)

	klog.InitFlags(nil)

	listen := ":8080"
	exportDir := os.Getenv("EXPORT_DIR")
	if exportDir == "" {
		// We expect EXPORT_DIR to be set when running on kubernetes, but default sensibly for local dev
		exportDir = "~/.cache/modelexport/params"
	}
	flag.StringVar(&listen, "listen", listen, "listen address")
	flag.StringVar(&exportDir, "dir", exportDir, "directory holding exported parameter files")
	flag.Parse()

	if strings.HasPrefix(exportDir, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("getting home directory: %w", err)
		}
		exportDir = filepath.Join(homeDir, strings.TrimPrefix(exportDir, "~/"))
	}

	if err := os.MkdirAll(exportDir, 0755); err != nil {
		return fmt.Errorf("creating export directory %q: %w", exportDir, err)
	}

	cache := &paramCache{
		BaseDir: exportDir,
	}

	if exportBucket := os.Getenv("EXPORT_BUCKET"); exportBucket != "" {
		loc, err := blobs.ParseLocation(exportBucket)
		if err != nil || loc.Scheme != "gs" {
			return fmt.Errorf("EXPORT_BUCKET must be a GCS bucket URL (gs://<bucketName>[/prefix])")
		}
		log.Info("backfilling from GCS", "bucket", loc.Bucket, "prefix", loc.Key)

		cache.blobstore = &blobs.GCSBlobstore{
			Bucket: loc.Bucket,
			Prefix: loc.Key,
		}
	}

	s := &httpServer{
		cache: cache,
	}

	log.Info("serving parameters", "listen", listen, "dir", exportDir)
	if err := http.ListenAndServe(listen, s); err != nil {
		return fmt.Errorf("serving on %q: %w", listen, err)
	}

	return nil
}

type httpServer struct {
	cache *paramCache
}

func (s *httpServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != "GET" && r.Method != "HEAD" {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.serveGETParam(w, r, strings.TrimPrefix(r.URL.Path, "/"))
}

func (s *httpServer) serveGETParam(w http.ResponseWriter, r *http.Request, key string) {
	ctx := r.Context()

	log := klog.FromContext(ctx)

	if err := validateKey(key); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	f, err := s.cache.Get(ctx, key)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		log.Error(err, "error getting parameter file", "key", key)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		log.Error(err, "error getting parameter file info", "key", key)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	log.V(2).Info("serving parameter file", "path", f.Name())
	w.Header().Set("Content-Type", "application/octet-stream")
	http.ServeContent(w, r, key, stat.ModTime(), f)
}

func validateKey(key string) error {
	switch {
	case key == "":
		return fmt.Errorf("missing file name")
	case strings.HasPrefix(key, "."):
		return fmt.Errorf("invalid file name %q", key)
	case strings.ContainsAny(key, `/\`):
		return fmt.Errorf("invalid file name %q", key)
	}
	return nil
}

// paramCache serves files from BaseDir, downloading missing ones from blobstore when set.
type paramCache struct {
	BaseDir   string
	blobstore blobs.BlobReader
}

func (c *paramCache) Get(ctx context.Context, key string) (*os.File, error) {
	localPath := filepath.Join(c.BaseDir, key)
	f, err := os.Open(localPath)
	if err == nil {
		return f, nil
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("opening parameter file %q: %w", key, err)
	}

	if c.blobstore == nil {
		return nil, fmt.Errorf("parameter file %q: %w", key, os.ErrNotExist)
	}

	if err := c.blobstore.Download(ctx, blobs.BlobInfo{Key: key}, localPath); err != nil {
		return nil, fmt.Errorf("backfilling parameter file %q: %w", key, err)
	}
	return os.Open(localPath)
}
