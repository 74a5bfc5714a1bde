// Package discovery finds plugin manifest files on disk and watches them for
// changes.
package discovery

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/GoCodeAlone/upi/manifest"
)

// ManifestFilenames are the file names recognised as plugin manifests.
var ManifestFilenames = []string{"plugin.yaml", "plugin.yml", "upi-plugin.yaml"}

// DefaultDirs are the plugin directories scanned below a repository root.
var DefaultDirs = []string{"plugins", filepath.Join("packages", "plugins")}

// IsManifestFile reports whether name is a manifest file name.
func IsManifestFile(name string) bool {
	return slices.Contains(ManifestFilenames, filepath.Base(name))
}

// Problem is a manifest file that could not be read or decoded.
type Problem struct {
	Path string `json:"path"`
	Err  error  `json:"-"`
}

func (p Problem) Error() string { return fmt.Sprintf("%s: %v", p.Path, p.Err) }

// Result is the outcome of a filesystem scan.
type Result struct {
	Records  []manifest.Record
	Problems []Problem
	// Dirs lists the plugin directories that existed and were walked.
	Dirs []string
}

// ScanFS walks each directory below root for manifest files. Missing
// directories are skipped; unreadable or undecodable files are reported as
// problems. Records are returned in lexical path order.
func ScanFS(root string, dirs []string) (*Result, error) {
	if len(dirs) == 0 {
		dirs = DefaultDirs
	}
	if _, err := os.Stat(root); err != nil {
		return nil, fmt.Errorf("discovery: scan root: %w", err)
	}
	res := &Result{}
	for _, dir := range resolveDirs(root, dirs) {
		info, err := os.Stat(dir)
		if err != nil || !info.IsDir() {
			continue
		}
		res.Dirs = append(res.Dirs, dir)
		err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				res.Problems = append(res.Problems, Problem{Path: path, Err: err})
				if d != nil && d.IsDir() {
					return fs.SkipDir
				}
				return nil
			}
			if d.IsDir() || !IsManifestFile(d.Name()) {
				return nil
			}
			recs, err := ReadManifestFile(path)
			if err != nil {
				res.Problems = append(res.Problems, Problem{Path: path, Err: err})
				return nil
			}
			res.Records = append(res.Records, recs...)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("discovery: walk %s: %w", dir, err)
		}
	}
	return res, nil
}

func resolveDirs(root string, dirs []string) []string {
	out := make([]string, 0, len(dirs))
	for _, d := range dirs {
		if !filepath.IsAbs(d) {
			d = filepath.Join(root, d)
		}
		out = append(out, filepath.Clean(d))
	}
	return out
}

// ReadManifestFile decodes a manifest file. A file holds either one record
// mapping or a list of them.
func ReadManifestFile(path string) ([]manifest.Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	switch v := doc.(type) {
	case map[string]any:
		return []manifest.Record{{Source: path, Fields: v}}, nil
	case []any:
		recs := make([]manifest.Record, 0, len(v))
		for i, item := range v {
			m, ok := item.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("manifest list item %d is not a mapping", i)
			}
			recs = append(recs, manifest.Record{Source: fmt.Sprintf("%s#%d", path, i), Fields: m})
		}
		return recs, nil
	case nil:
		return nil, errors.New("manifest file is empty")
	default:
		return nil, fmt.Errorf("manifest must be a mapping or a list, got %T", doc)
	}
}

// Fingerprint hashes the paths and contents of every manifest file and the
// enablelist file below root, so callers can tell whether a rescan would
// produce a different registry.
func Fingerprint(root string, dirs []string) (string, error) {
	if len(dirs) == 0 {
		dirs = DefaultDirs
	}
	var files []string
	for _, name := range manifest.EnablelistFilenames {
		p := filepath.Join(root, name)
		if _, err := os.Stat(p); err == nil {
			files = append(files, p)
		}
	}
	for _, dir := range resolveDirs(root, dirs) {
		_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
			if err == nil && !d.IsDir() && IsManifestFile(d.Name()) {
				files = append(files, path)
			}
			return nil
		})
	}
	sort.Strings(files)

	h := sha256.New()
	for _, f := range files {
		data, err := os.ReadFile(f)
		if err != nil {
			return "", fmt.Errorf("discovery: fingerprint %s: %w", f, err)
		}
		fmt.Fprintf(h, "%s\x00%d\x00", f, len(data))
		h.Write(data)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
