package process

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"slices"
)

var (
	ErrRelativePath = errors.New("plugin directory must be an absolute path")
	ErrNotExist     = errors.New("plugin directory does not exist")
	ErrNotDirectory = errors.New("plugin directory is not a directory")
)

// Discover lists the plugin executables under dir. Each plugin lives in
// its own subdirectory, so only regular files exactly two levels down
// (dir/<plugin>/<binary>) are considered. On Windows executables must end
// in .exe; elsewhere they must have no extension and an execute bit.
// Unreadable subdirectories are skipped. The result is sorted.
func Discover(dir string) ([]string, error) {
	if !filepath.IsAbs(dir) {
		return nil, fmt.Errorf("%w: %s", ErrRelativePath, dir)
	}
	info, err := os.Stat(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotExist, dir)
		}
		return nil, fmt.Errorf("failed to stat plugin directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrNotDirectory, dir)
	}

	plugins, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read plugin directory: %w", err)
	}

	var found []string
	for _, plugin := range plugins {
		if !plugin.IsDir() {
			continue
		}
		pluginDir := filepath.Join(dir, plugin.Name())
		entries, err := os.ReadDir(pluginDir)
		if err != nil {
			continue
		}
		for _, entry := range entries {
			if executable(entry) {
				found = append(found, filepath.Join(pluginDir, entry.Name()))
			}
		}
	}
	slices.Sort(found)
	return found, nil
}

func executable(entry fs.DirEntry) bool {
	if !entry.Type().IsRegular() {
		return false
	}
	ext := filepath.Ext(entry.Name())
	if runtime.GOOS == "windows" {
		return ext == ".exe"
	}
	if ext != "" {
		return false
	}
	info, err := entry.Info()
	return err == nil && info.Mode().Perm()&0o111 != 0
}
