package main

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"k8s.io/examples/AI/modelexport/pkg/export"
	"k8s.io/examples/AI/modelexport/pkg/model"
	"k8s.io/examples/AI/modelexport/pkg/tensor"
)

const testArch = `
name: tiny
layers:
  - name: c1
    type: Convolution2D
    params: [W]
  - name: b1
    type: BatchNormalization
`

func npy(t *testing.T, shape []int, values []float32) []byte {
	t.Helper()

	dims := make([]string, len(shape))
	for i, d := range shape {
		dims[i] = fmt.Sprint(d)
	}
	shapeStr := strings.Join(dims, ", ")
	if len(shape) == 1 {
		shapeStr += ","
	}
	header := fmt.Sprintf("{'descr': '<f4', 'fortran_order': False, 'shape': (%s), }", shapeStr)
	for (10+len(header)+1)%64 != 0 {
		header += " "
	}
	header += "\n"

	var buf bytes.Buffer
	buf.WriteString("\x93NUMPY")
	buf.Write([]byte{1, 0})
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, uint16(len(header))))
	buf.WriteString(header)
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, values))
	return buf.Bytes()
}

func writeModel(t *testing.T, dir string) (modelPath, archPath string) {
	t.Helper()
	return writeModelEntries(t, dir, map[string][]byte{
		"c1/W":        npy(t, []int{2, 1, 1, 1}, []float32{1, 2}),
		"c1/b":        npy(t, []int{2}, []float32{0, 0}),
		"b1/gamma":    npy(t, []int{2}, []float32{2, 1}),
		"b1/beta":     npy(t, []int{2}, []float32{0, 1}),
		"b1/avg_mean": npy(t, []int{2}, []float32{1, 1}),
		"b1/avg_var":  npy(t, []int{2}, []float32{3.999, 0.999}),
	})
}

func writeModelEntries(t *testing.T, dir string, entries map[string][]byte) (modelPath, archPath string) {
	t.Helper()

	modelPath = filepath.Join(dir, "tiny.npz")
	f, err := os.Create(modelPath)
	require.NoError(t, err)
	zw := zip.NewWriter(f)
	for name, data := range entries {
		w, err := zw.Create(name + ".npy")
		require.NoError(t, err)
		_, err = w.Write(data)
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())

	archPath = filepath.Join(dir, "arch.yaml")
	require.NoError(t, os.WriteFile(archPath, []byte(testArch), 0644))
	return modelPath, archPath
}

func readDat(t *testing.T, path string, n int) []float32 {
	t.Helper()
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	out, err := tensor.FromRaw(tensor.Shape{n}, b)
	require.NoError(t, err)
	return out.Data()
}

func TestExportCommand(t *testing.T) {
	dir := t.TempDir()
	modelPath, archPath := writeModel(t, dir)
	outDir := filepath.Join(dir, "out")

	var stdout bytes.Buffer
	err := run(context.Background(), []string{"-arch", archPath, "-verify", "-write-manifest", modelPath, outDir}, &stdout)
	require.NoError(t, err)

	assert.Equal(t,
		"  modelParams[\"c1_W\"] = FileParameterBuffer(modelName: modelName, rawFileName: \"c1_W\")\n"+
			"  //c1_W shape = (2, 1, 1, 1)\n"+
			"  modelParams[\"c1_b\"] = FileParameterBuffer(modelName: modelName, rawFileName: \"c1_b\")\n"+
			"  //c1_b shape = (2,)\n",
		stdout.String())

	// var+eps is 4 and 1, so scale is gamma/2 and gamma.
	w := readDat(t, filepath.Join(outDir, "c1_W.dat"), 2)
	assert.InDelta(t, 1.0, w[0], 1e-5)
	assert.InDelta(t, 2.0, w[1], 1e-5)
	b := readDat(t, filepath.Join(outDir, "c1_b.dat"), 2)
	assert.InDelta(t, -1.0, b[0], 1e-5)
	assert.InDelta(t, 0.0, b[1], 1e-5)

	assert.FileExists(t, filepath.Join(outDir, export.ManifestFileName))
	assert.NoFileExists(t, filepath.Join(outDir, "b1_gamma.dat"))
}

func TestExportCommandUnfused(t *testing.T) {
	dir := t.TempDir()
	modelPath, archPath := writeModel(t, dir)
	outDir := filepath.Join(dir, "out")

	var stdout bytes.Buffer
	err := run(context.Background(), []string{"-arch", archPath, "-fuse=false", "-name-prefix", "tiny", modelPath, outDir}, &stdout)
	require.NoError(t, err)

	for _, name := range []string{"tiny_c1_W", "tiny_c1_b", "tiny_b1_gamma", "tiny_b1_beta", "tiny_b1_mean", "tiny_b1_stddev"} {
		assert.Contains(t, stdout.String(), fmt.Sprintf("modelParams[%q]", name))
		assert.FileExists(t, filepath.Join(outDir, name+".dat"))
	}
	assert.Equal(t, []float32{1, 2}, readDat(t, filepath.Join(outDir, "tiny_c1_W.dat"), 2))
}

func TestExportCommandMissingModel(t *testing.T) {
	dir := t.TempDir()
	var stdout bytes.Buffer
	err := run(context.Background(), []string{filepath.Join(dir, "missing.npz"), filepath.Join(dir, "out")}, &stdout)
	require.Error(t, err)
	assert.True(t, errors.Is(err, export.ErrIO), "got %v", err)
	assert.Empty(t, stdout.String())
}

func TestExportCommandMissingStatistics(t *testing.T) {
	dir := t.TempDir()
	modelPath, archPath := writeModelEntries(t, dir, map[string][]byte{
		"c1/W":     npy(t, []int{2, 1, 1, 1}, []float32{1, 2}),
		"b1/gamma": npy(t, []int{2}, []float32{2, 1}),
		"b1/beta":  npy(t, []int{2}, []float32{0, 1}),
	})

	var stdout bytes.Buffer
	err := run(context.Background(), []string{"-arch", archPath, modelPath, filepath.Join(dir, "out")}, &stdout)
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrMissingStatistics), "got %v", err)
	assert.False(t, errors.Is(err, export.ErrIO), "got %v", err)
	assert.Empty(t, stdout.String())
}

func TestExportCommandMissingParameters(t *testing.T) {
	dir := t.TempDir()
	modelPath, _ := writeModel(t, dir)

	// The built-in architecture needs c2, c3, residual blocks and so on.
	var stdout bytes.Buffer
	err := run(context.Background(), []string{modelPath, filepath.Join(dir, "out")}, &stdout)
	require.Error(t, err)
	assert.True(t, errors.Is(err, os.ErrNotExist), "got %v", err)
	assert.Empty(t, stdout.String())
}

func TestExportCommandUsage(t *testing.T) {
	var stdout bytes.Buffer
	err := run(context.Background(), []string{"only-one-arg"}, &stdout)
	assert.Error(t, err)
}
