// Package registry lists the model directories in the local model cache.
package registry

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/tidwall/gjson"

	"medlens/internal/common/fsutil"
	"medlens/pkg/types"
)

// ManifestFile is written next to saved artifacts.
const ManifestFile = "medlens.json"

// stagingMarker appears in the names of half-written cache directories.
const stagingMarker = ".partial-"

// CacheScanner reads cached model directories.
type CacheScanner struct{}

// NewCacheScanner returns a scanner.
func NewCacheScanner() *CacheScanner { return &CacheScanner{} }

// Scan lists the model directories directly under dir, sorted by name.
// A missing dir is an empty cache. Staging directories are skipped.
func (s *CacheScanner) Scan(dir string) ([]types.CachedModel, error) {
	base, err := fsutil.ExpandHome(dir)
	if err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(base)
	if err != nil {
		return nil, fmt.Errorf("abs path: %w", err)
	}
	entries, err := os.ReadDir(abs)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read dir: %w", err)
	}
	var out []types.CachedModel
	for _, e := range entries {
		if !e.IsDir() || strings.Contains(e.Name(), stagingMarker) {
			continue
		}
		m, err := Describe(filepath.Join(abs, e.Name()))
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Describe summarizes one cache directory.
func Describe(path string) (types.CachedModel, error) {
	m := types.CachedModel{Name: filepath.Base(path), Path: path}
	entries, err := os.ReadDir(path)
	if err != nil {
		return m, fmt.Errorf("read dir: %w", err)
	}
	var ggufs []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		fi, err := e.Info()
		if err != nil {
			continue
		}
		m.SizeBytes += fi.Size()
		if t := fi.ModTime().Unix(); t > m.ModifiedUnix {
			m.ModifiedUnix = t
		}
		if strings.HasSuffix(strings.ToLower(e.Name()), ".gguf") {
			ggufs = append(ggufs, e.Name())
		}
	}
	if b, err := os.ReadFile(filepath.Join(path, ManifestFile)); err == nil && gjson.ValidBytes(b) {
		m.HasManifest = true
		m.Weights = gjson.GetBytes(b, "model.weights").String()
		m.Projector = gjson.GetBytes(b, "model.mmproj").String()
		m.Precision = gjson.GetBytes(b, "model.precision").String()
	}
	for _, g := range ggufs {
		isProj := strings.HasPrefix(strings.ToLower(g), "mmproj")
		if isProj && m.Projector == "" {
			m.Projector = g
		}
		if !isProj && m.Weights == "" {
			m.Weights = g
		}
	}
	return m, nil
}
