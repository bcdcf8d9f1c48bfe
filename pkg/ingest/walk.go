package ingest

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/afero"
)

// defaultWalkExtensions are the file types a path walk picks up.
var defaultWalkExtensions = map[string]bool{
	".pdf": true, ".txt": true, ".md": true, ".markdown": true,
	".csv": true, ".tsv": true,
	".docx": true, ".xlsx": true, ".pptx": true,
	".html": true, ".json": true,
}

// WalkOptions tune CollectFiles.
type WalkOptions struct {
	// Extensions overrides the default ingestible extension set. Entries
	// are matched case-insensitively and must include the dot.
	Extensions []string

	// Recursive descends into subdirectories. A non-recursive walk reads
	// only the root's direct children.
	Recursive bool
}

// CollectFiles walks root and returns the ingestible file paths in sorted
// order. The result feeds an upload job, one item per path. Hidden files
// and directories are skipped.
func CollectFiles(fs afero.Fs, root string, opts WalkOptions) ([]string, error) {
	allowed := defaultWalkExtensions
	if len(opts.Extensions) > 0 {
		allowed = make(map[string]bool, len(opts.Extensions))
		for _, ext := range opts.Extensions {
			allowed[strings.ToLower(ext)] = true
		}
	}

	var paths []string
	err := afero.Walk(fs, root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		name := info.Name()
		if info.IsDir() {
			if path != root && strings.HasPrefix(name, ".") {
				return filepath.SkipDir
			}
			if path != root && !opts.Recursive {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasPrefix(name, ".") {
			return nil
		}
		if allowed[strings.ToLower(filepath.Ext(name))] {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)
	return paths, nil
}
