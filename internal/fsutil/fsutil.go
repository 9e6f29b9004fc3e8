package fsutil

import (
	"os"
	"path/filepath"
	"strings"
)

var imageExts = map[string]struct{}{
	".png":  {},
	".tif":  {},
	".tiff": {},
}

// ListImages returns all decodable microscopy images under root.
func ListImages(root string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != root && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if IsImageFile(d.Name()) {
			files = append(files, path)
		}
		return nil
	})
	return files, err
}

// FirstExisting returns the first path that exists.
func FirstExisting(paths ...string) string {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// IsImageFile checks if a file has a supported image extension.
func IsImageFile(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	_, isImage := imageExts[ext]
	return isImage
}
