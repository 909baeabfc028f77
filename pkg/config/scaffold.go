package config

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

//go:embed scaffold/*.yaml
var scaffoldFS embed.FS

// ScaffoldFiles are the documents Scaffold writes, relative to its directory.
var ScaffoldFiles = []string{"constitution.yaml", "flow.yaml"}

// ScaffoldResult lists what Scaffold wrote and what it left alone.
type ScaffoldResult struct {
	Created []string
	Skipped []string
}

// Scaffold writes a starter constitution and graph into dir, creating it if
// needed. Existing files are kept unless overwrite is set.
func Scaffold(dir string, overwrite bool) (ScaffoldResult, error) {
	var res ScaffoldResult
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return res, fmt.Errorf("create %s: %w", dir, err)
	}
	for _, name := range ScaffoldFiles {
		path := filepath.Join(dir, name)
		if !overwrite {
			_, err := os.Stat(path)
			if err == nil {
				res.Skipped = append(res.Skipped, path)
				continue
			}
			if !errors.Is(err, fs.ErrNotExist) {
				return res, fmt.Errorf("stat %s: %w", path, err)
			}
		}
		data, err := scaffoldFS.ReadFile("scaffold/" + name)
		if err != nil {
			return res, err
		}
		if err := os.WriteFile(path, data, 0o600); err != nil {
			return res, fmt.Errorf("write %s: %w", path, err)
		}
		res.Created = append(res.Created, path)
	}
	return res, nil
}
