package dataset

import (
	"compress/gzip"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"strings"

	"gorgonia.org/tensor"
)

// IDX magic numbers for uint8 image and label files.
const (
	magicImages = 0x00000803
	magicLabels = 0x00000801
)

// ReadImages decodes an IDX image file into a (N,1,rows,cols) tensor with
// pixels scaled to [0,1].
func ReadImages(r io.Reader) (*tensor.Dense, error) {
	var header [4]uint32
	if err := binary.Read(r, binary.BigEndian, &header); err != nil {
		return nil, fmt.Errorf("read idx header: %w", err)
	}
	if header[0] != magicImages {
		return nil, fmt.Errorf("bad image magic 0x%08x", header[0])
	}
	n, rows, cols := int(header[1]), int(header[2]), int(header[3])
	if n <= 0 || rows <= 0 || cols <= 0 {
		return nil, fmt.Errorf("bad image dimensions %dx%dx%d", n, rows, cols)
	}
	raw := make([]byte, n*rows*cols)
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, fmt.Errorf("read pixels: %w", err)
	}
	backing := make([]float64, len(raw))
	for i, p := range raw {
		backing[i] = float64(p) / 255.0
	}
	return tensor.New(tensor.WithShape(n, 1, rows, cols), tensor.WithBacking(backing)), nil
}

// ReadLabels decodes an IDX label file.
func ReadLabels(r io.Reader) ([]int, error) {
	var header [2]uint32
	if err := binary.Read(r, binary.BigEndian, &header); err != nil {
		return nil, fmt.Errorf("read idx header: %w", err)
	}
	if header[0] != magicLabels {
		return nil, fmt.Errorf("bad label magic 0x%08x", header[0])
	}
	n := int(header[1])
	if n <= 0 {
		return nil, fmt.Errorf("bad label count %d", n)
	}
	raw := make([]byte, n)
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, fmt.Errorf("read labels: %w", err)
	}
	labels := make([]int, n)
	for i, b := range raw {
		labels[i] = int(b)
	}
	return labels, nil
}

// LoadImagesFile reads an image file from disk, transparently handling gzip.
func LoadImagesFile(path string) (*tensor.Dense, error) {
	r, err := openMaybeGzip(path)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	imgs, err := ReadImages(r)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return imgs, nil
}

// LoadLabelsFile reads a label file from disk, transparently handling gzip.
func LoadLabelsFile(path string) ([]int, error) {
	r, err := openMaybeGzip(path)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	labels, err := ReadLabels(r)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return labels, nil
}

func openMaybeGzip(path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open dataset file: %w", err)
	}
	if !strings.HasSuffix(path, ".gz") {
		return f, nil
	}
	gz, err := gzip.NewReader(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("gzip %s: %w", path, err)
	}
	return &gzipFile{gz: gz, f: f}, nil
}

type gzipFile struct {
	gz *gzip.Reader
	f  *os.File
}

func (g *gzipFile) Read(p []byte) (int, error) { return g.gz.Read(p) }

func (g *gzipFile) Close() error {
	gerr := g.gz.Close()
	ferr := g.f.Close()
	if gerr != nil {
		return gerr
	}
	return ferr
}
