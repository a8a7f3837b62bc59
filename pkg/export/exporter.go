// Package export writes the parameters of a fused model tree as raw float32
// files and builds the declaration manifest for them.
package export

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"runtime"
	"time"

	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"

	"k8s.io/examples/AI/modelexport/pkg/blobs"
	"k8s.io/examples/AI/modelexport/pkg/model"
)

// ManifestFileName is written beside the .dat files when WriteManifestJSON is set.
const ManifestFileName = "manifest.json"

// Exporter writes a tree's parameters to a local directory or a GCS prefix.
type Exporter struct {
	// Workers bounds concurrent file writes and uploads; defaults to runtime.NumCPU().
	Workers int

	WriteManifestJSON bool

	// Uploader receives the files for gs:// destinations. Defaults to a GCSBlobstore
	// for the destination bucket.
	Uploader blobs.Blobstore
}

func (x *Exporter) workers() int {
	if x.Workers > 0 {
		return x.Workers
	}
	return runtime.NumCPU()
}

// Export plans the entries of tree, then writes one file per entry under dest,
// which is a local directory or gs://bucket/prefix. The manifest is returned
// only when every file was written.
func (x *Exporter) Export(ctx context.Context, tree *model.Tree, dest string) (*Manifest, error) {
	log := klog.FromContext(ctx)

	loc, err := blobs.ParseLocation(dest)
	if err != nil {
		return nil, fmt.Errorf("parsing destination: %w: %w", ErrIO, err)
	}
	if loc.Scheme != "" && loc.Scheme != "gs" {
		return nil, fmt.Errorf("destination %q: %w: only local directories and gs:// are writable", dest, ErrIO)
	}

	entries, err := Plan(tree)
	if err != nil {
		return nil, err
	}
	manifest := &Manifest{Entries: entries}

	startedAt := time.Now()
	if loc.IsLocal() {
		if err := x.writeLocal(ctx, manifest, loc.Key); err != nil {
			return nil, err
		}
	} else {
		if err := x.writeGCS(ctx, manifest, loc); err != nil {
			return nil, err
		}
	}
	log.Info("exported parameters", "destination", dest, "entries", len(entries), "duration", time.Since(startedAt))

	return manifest, nil
}

func (x *Exporter) writeLocal(ctx context.Context, manifest *Manifest, dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating output directory %q: %w: %w", dir, ErrIO, err)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(x.workers())
	for _, e := range manifest.Entries {
		g.Go(func() error {
			return writeEntry(ctx, e, dir)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	if x.WriteManifestJSON {
		b, err := manifest.MarshalJSON()
		if err != nil {
			return fmt.Errorf("encoding manifest: %w", err)
		}
		if _, err := blobs.WriteFile(ctx, bytes.NewReader(b), filepath.Join(dir, ManifestFileName)); err != nil {
			return fmt.Errorf("writing manifest: %w: %w", ErrIO, err)
		}
	}
	return nil
}

func writeEntry(ctx context.Context, e *Entry, dir string) error {
	log := klog.FromContext(ctx)

	p := filepath.Join(dir, e.FileName())
	n, err := blobs.WriteFile(ctx, bytes.NewReader(e.Tensor.MarshalRaw()), p)
	if err != nil {
		return &model.LayerError{Layer: e.Name, Op: "write", Details: err.Error(), Err: ErrIO}
	}
	log.V(2).Info("wrote parameter", "name", e.Name, "path", p, "bytes", n, "shape", e.Tensor.Shape())
	return nil
}

// writeGCS stages the files in a temp directory and uploads them under loc.
func (x *Exporter) writeGCS(ctx context.Context, manifest *Manifest, loc blobs.Location) error {
	log := klog.FromContext(ctx)

	staging, err := os.MkdirTemp("", "modelexport")
	if err != nil {
		return fmt.Errorf("creating staging directory: %w: %w", ErrIO, err)
	}
	defer func() {
		if err := os.RemoveAll(staging); err != nil {
			log.Error(err, "removing staging directory", "path", staging)
		}
	}()

	if err := x.writeLocal(ctx, manifest, staging); err != nil {
		return err
	}

	uploader := x.Uploader
	if uploader == nil {
		uploader = &blobs.GCSBlobstore{Bucket: loc.Bucket}
	}

	files := make([]string, 0, len(manifest.Entries)+1)
	for _, e := range manifest.Entries {
		files = append(files, e.FileName())
	}
	if x.WriteManifestJSON {
		files = append(files, ManifestFileName)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(x.workers())
	for _, file := range files {
		g.Go(func() error {
			info := blobs.BlobInfo{Key: path.Join(loc.Key, file)}
			if err := uploader.Upload(ctx, filepath.Join(staging, file), info); err != nil {
				return fmt.Errorf("uploading %q: %w: %w", file, ErrIO, err)
			}
			return nil
		})
	}
	return g.Wait()
}
