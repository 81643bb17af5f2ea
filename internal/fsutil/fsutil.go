package fsutil

import (
	"os"
	"path/filepath"
	"strings"
)

// RecordsExt is the suffix of gzip-compressed JSON-lines patch files.
const RecordsExt = ".jsonl.gz"

var imageExts = map[string]struct{}{
	".png":  {},
	".tif":  {},
	".tiff": {},
	".jpg":  {},
	".jpeg": {},
}

// IsImageFile checks if a file is a raster image ImageMagick can read as a patch.
func IsImageFile(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	_, isImage := imageExts[ext]
	return isImage
}

// IsRecordsFile checks if a file holds exported patch records.
func IsRecordsFile(path string) bool {
	return strings.HasSuffix(strings.ToLower(path), RecordsExt)
}

// IsPatchFile reports whether path is an input the predict job understands.
func IsPatchFile(path string) bool {
	return IsRecordsFile(path) || IsImageFile(path)
}

// Stem strips the directory and every known patch extension from path.
func Stem(path string) string {
	base := filepath.Base(path)
	for _, ext := range []string{".gz", ".jsonl", ".json"} {
		base = strings.TrimSuffix(base, ext)
	}
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// ListRecords returns all patch record files under root in lexical order.
func ListRecords(root string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if IsRecordsFile(d.Name()) {
			files = append(files, path)
		}
		return nil
	})
	return files, err
}

// ExpandRecords replaces each directory in paths with the record files it
// contains. Plain files are kept as given.
func ExpandRecords(paths []string) ([]string, error) {
	var out []string
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			out = append(out, p)
			continue
		}
		files, err := ListRecords(p)
		if err != nil {
			return nil, err
		}
		out = append(out, files...)
	}
	return out, nil
}
