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
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"k8s.io/klog/v2"

	"k8s.io/examples/AI/modelexport/pkg/blobs"
	"k8s.io/examples/AI/modelexport/pkg/engine/fusioncheck"
	"k8s.io/examples/AI/modelexport/pkg/export"
	"k8s.io/examples/AI/modelexport/pkg/graph"
	"k8s.io/examples/AI/modelexport/pkg/model"
	"k8s.io/examples/AI/modelexport/pkg/store"
)

func main() {
	if err := run(context.Background(), os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

type options struct {
	ArchPath      string
	PairingPath   string
	Epsilon       float64
	Fuse          bool
	Verify        bool
	Workers       int
	NamePrefix    string
	WriteManifest bool
	CacheDir      string
}

func run(ctx context.Context, args []string, stdout io.Writer) error {
	opt := options{
		Epsilon:  model.DefaultEpsilon,
		Fuse:     true,
		Workers:  runtime.NumCPU(),
		CacheDir: os.Getenv("CACHE_DIR"),
	}
	if opt.CacheDir == "" {
		opt.CacheDir = "~/.cache/modelexport"
	}

	fs := flag.NewFlagSet("export", flag.ContinueOnError)
	klog.InitFlags(fs)
	fs.StringVar(&opt.ArchPath, "arch", opt.ArchPath, "YAML architecture file (default: built-in FastStyleNet)")
	fs.StringVar(&opt.PairingPath, "pairing", opt.PairingPath, "YAML convolution to batch-normalization pairing table (default: built-in)")
	fs.Float64Var(&opt.Epsilon, "epsilon", opt.Epsilon, "batch-normalization epsilon used when folding")
	fs.BoolVar(&opt.Fuse, "fuse", opt.Fuse, "fold batch normalizations into their convolutions")
	fs.BoolVar(&opt.Verify, "verify", opt.Verify, "check each folded layer numerically before writing")
	fs.IntVar(&opt.Workers, "workers", opt.Workers, "concurrent file writes")
	fs.StringVar(&opt.NamePrefix, "name-prefix", opt.NamePrefix, "prefix for every exported parameter name")
	fs.BoolVar(&opt.WriteManifest, "write-manifest", opt.WriteManifest, "also write manifest.json beside the parameter files")
	fs.StringVar(&opt.CacheDir, "cache-dir", opt.CacheDir, "directory for downloaded models")
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "usage: export [flags] <model-path> <output-folder>\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 2 {
		fs.Usage()
		return fmt.Errorf("expected <model-path> <output-folder>, got %d arguments", fs.NArg())
	}
	modelPath, outputFolder := fs.Arg(0), fs.Arg(1)

	cacheDir, err := expandHome(opt.CacheDir)
	if err != nil {
		return err
	}
	opt.CacheDir = cacheDir

	manifest, err := exportModel(ctx, opt, modelPath, outputFolder)
	if err != nil {
		return err
	}

	if _, err := io.WriteString(stdout, manifest.Text()); err != nil {
		return fmt.Errorf("writing manifest: %w", err)
	}
	return nil
}

func exportModel(ctx context.Context, opt options, modelPath, outputFolder string) (*export.Manifest, error) {
	log := klog.FromContext(ctx)

	arch := graph.FastStyleNet()
	if opt.ArchPath != "" {
		a, err := graph.LoadArchitecture(opt.ArchPath)
		if err != nil {
			return nil, err
		}
		arch = a
	}

	pairing := model.DefaultPairing()
	if opt.PairingPath != "" {
		p, err := model.LoadPairing(opt.PairingPath)
		if err != nil {
			return nil, err
		}
		pairing = p
	}

	loc, err := blobs.ParseLocation(modelPath)
	if err != nil {
		return nil, fmt.Errorf("model path: %w: %w", export.ErrIO, err)
	}
	localPath, err := blobs.NewFetcher(opt.CacheDir).Fetch(ctx, loc)
	if err != nil {
		return nil, fmt.Errorf("fetching model: %w: %w", export.ErrIO, err)
	}

	s, err := store.Open(localPath)
	if err != nil {
		return nil, fmt.Errorf("reading model: %w: %w", export.ErrIO, err)
	}
	defer s.Close()

	src, err := graph.Build(ctx, arch, s)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("reading model %q: %w: %w", modelPath, export.ErrIO, err)
		}
		return nil, fmt.Errorf("building graph: %w", err)
	}

	tree, err := model.NewTree(src, opt.NamePrefix, pairing)
	if err != nil {
		return nil, err
	}
	tree.Epsilon = opt.Epsilon

	if opt.Fuse {
		fusions, err := tree.MergeBatchNorm(ctx)
		if err != nil {
			return nil, err
		}
		log.Info("folded batch normalizations", "count", len(fusions))

		if opt.Verify {
			if err := fusioncheck.Verify(ctx, fusions, fusioncheck.Options{Epsilon: opt.Epsilon}); err != nil {
				return nil, err
			}
		}
	} else if opt.Verify {
		log.Info("ignoring -verify because -fuse=false")
	}

	exporter := &export.Exporter{
		Workers:           opt.Workers,
		WriteManifestJSON: opt.WriteManifest,
	}
	return exporter.Export(ctx, tree, outputFolder)
}

func expandHome(p string) (string, error) {
	if !strings.HasPrefix(p, "~/") {
		return p, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("getting home directory: %w", err)
	}
	return filepath.Join(homeDir, strings.TrimPrefix(p, "~/")), nil
}
