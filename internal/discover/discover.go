// Package discover walks a search root and returns the set of absolute
// paths eligible for indexing.
//
// Symlink policy: symlinked directories are not followed, to avoid link
// cycles; symlinked regular files are indexed like any other file. This is
// checked once per entry and applied consistently for the whole run.
package discover

import (
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/smartcoding/smartcoding/internal/exclude"
)

// Discoverer walks a root directory, filtering by extension and exclusion.
type Discoverer struct {
	extensions map[string]bool
	matcher    *exclude.Matcher
	blocklist  map[string]bool
	log        *zap.Logger
}

// CacheDirName is the default cache directory name. New always adds the
// cache directory name to the blocklist (the caller's, or CacheDirName when
// the caller passes ""), regardless of whether the caller's exclude patterns
// happen to name it, so the index's own on-disk store is never walked into.
const CacheDirName = ".smart-coding-cache"

// New builds a Discoverer. extensions should include the leading dot
// (".go", ".py", ...).
func New(extensions []string, matcher *exclude.Matcher, excludePatterns []string, cacheDirName string, log *zap.Logger) *Discoverer {
	extSet := make(map[string]bool, len(extensions))
	for _, e := range extensions {
		extSet[strings.ToLower(e)] = true
	}

	blocklist := exclude.DirBlocklist(excludePatterns)
	if cacheDirName == "" {
		cacheDirName = CacheDirName
	}
	blocklist[cacheDirName] = true

	if log == nil {
		log = zap.NewNop()
	}

	return &Discoverer{extensions: extSet, matcher: matcher, blocklist: blocklist, log: log}
}

// Discover walks root and returns absolute paths of eligible files. A file
// is included iff its extension is allowed and it is not excluded. Errors
// reading a subtree are logged and the walk continues.
func (d *Discoverer) Discover(root string) ([]string, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(absRoot); err != nil {
		return nil, err
	}

	var paths []string
	d.walk(absRoot, absRoot, &paths)
	return paths, nil
}

func (d *Discoverer) walk(root, dir string, out *[]string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		d.log.Warn("discover: unreadable subtree, skipping", zap.String("dir", dir), zap.Error(err))
		return
	}

	for _, entry := range entries {
		full := filepath.Join(dir, entry.Name())

		info, err := entry.Info()
		if err != nil {
			d.log.Warn("discover: stat failed, skipping entry", zap.String("path", full), zap.Error(err))
			continue
		}

		isDir := info.IsDir()
		if info.Mode()&os.ModeSymlink != 0 {
			target, statErr := os.Stat(full)
			if statErr != nil {
				// Broken symlink: skip silently, consistent within the run.
				continue
			}
			if target.IsDir() {
				// Do not follow symlinked directories (cycle avoidance).
				continue
			}
			isDir = false
		}

		if isDir {
			if d.blocklist[entry.Name()] {
				continue
			}
			d.walk(root, full, out)
			continue
		}

		if d.eligible(full) {
			*out = append(*out, full)
		}
	}
}

func (d *Discoverer) eligible(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	if !d.extensions[ext] {
		return false
	}
	if d.matcher != nil && d.matcher.IsExcluded(path) {
		return false
	}
	return true
}
