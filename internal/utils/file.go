// Package utils holds small filesystem and naming helpers shared by the binaries
// and the artifact store.
package utils

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

var imageExts = map[string]bool{"jpg": true, "jpeg": true, "png": true, "webp": true}

var unsafeName = strings.NewReplacer(
	"..", "_", "/", "_", "\\", "_", ":", "_", "*", "_",
	"?", "_", "\"", "_", "<", "_", ">", "_", "|", "_",
)

// EnsureDir creates dir and its parents
func EnsureDir(dir string) error {
	return os.MkdirAll(dir, 0755)
}

// GetFileExtension returns the lower-cased extension without the dot
func GetFileExtension(filename string) string {
	return strings.ToLower(strings.TrimPrefix(filepath.Ext(filename), "."))
}

func IsImageFile(filename string) bool {
	return imageExts[GetFileExtension(filename)]
}

// ArtifactName builds the stored file name for a variant output, e.g. BM_01.png
func ArtifactName(variant string, index int, format string) string {
	prefix := "B" + strings.ToUpper(variant[:min(1, len(variant))])
	if format == "" {
		format = "png"
	}
	return fmt.Sprintf("%s_%02d.%s", prefix, index+1, strings.ToLower(format))
}

// ListImageFiles walks dir and returns the image files in lexical order
func ListImageFiles(dir string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		switch {
		case err != nil:
			return err
		case d.Type().IsRegular() && IsImageFile(d.Name()):
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", dir, err)
	}
	return files, nil
}

// FileExists reports whether filename is a regular file
func FileExists(filename string) bool {
	info, err := os.Stat(filename)
	return err == nil && info.Mode().IsRegular()
}

// SanitizeFilename makes name safe to use as a single path element
func SanitizeFilename(name string) string {
	return strings.Trim(unsafeName.Replace(name), " .")
}

// FormatFileSize renders size with binary units, e.g. 1.5 KB
func FormatFileSize(size int64) string {
	if size < 1024 {
		return fmt.Sprintf("%d B", size)
	}
	v := float64(size) / 1024
	units := "KMGTPE"
	i := 0
	for v >= 1024 && i < len(units)-1 {
		v /= 1024
		i++
	}
	return fmt.Sprintf("%.1f %cB", v, units[i])
}
