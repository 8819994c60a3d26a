package dataset

import (
	"fmt"
	"io/fs"
	"path/filepath"
	"regexp"
)

var idxRegexp = regexp.MustCompile(`^(train|t10k)-(images-idx3|labels-idx1)-ubyte(\.gz)?$`)

// Files holds the four MNIST-format dataset files discovered under a root.
type Files struct {
	TrainImages string
	TrainLabels string
	TestImages  string
	TestLabels  string
}

// Discover walks root looking for MNIST-format IDX files, plain or gzipped.
// An uncompressed file wins over its gzipped twin.
func Discover(root string) (Files, error) {
	var files Files
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		m := idxRegexp.FindStringSubmatch(d.Name())
		if m == nil {
			return nil
		}
		gz := m[3] != ""
		slot := slotFor(&files, m[1], m[2])
		if *slot == "" || (filepath.Ext(*slot) == ".gz" && !gz) {
			*slot = path
		}
		return nil
	})
	if err != nil {
		return files, fmt.Errorf("discover dataset files: %w", err)
	}
	for _, pair := range []struct {
		name string
		path string
	}{
		{"train images", files.TrainImages},
		{"train labels", files.TrainLabels},
		{"test images", files.TestImages},
		{"test labels", files.TestLabels},
	} {
		if pair.path == "" {
			return files, fmt.Errorf("no %s file found under %s", pair.name, root)
		}
	}
	return files, nil
}

func slotFor(f *Files, split, kind string) *string {
	switch {
	case split == "train" && kind == "images-idx3":
		return &f.TrainImages
	case split == "train" && kind == "labels-idx1":
		return &f.TrainLabels
	case split == "t10k" && kind == "images-idx3":
		return &f.TestImages
	default:
		return &f.TestLabels
	}
}
