// Package discovery walks the filesystem for ambient project context files
// (AGENTS.md, APPS.md) the way the CLI surface does before starting a run.
package discovery

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// maxTraversalDepth bounds how many parent directories are searched.
const maxTraversalDepth = 5

// FileInfo describes a discovered context file.
type FileInfo struct {
	Content string
	Path    string
}

// DiscoverAgentsMd walks from startDir upward through up to 5 parent
// directories looking for AGENTS.md (case-sensitive) or agents.md
// (lowercase), in that order at each level. The nearest match wins.
func DiscoverAgentsMd(startDir string) (*FileInfo, error) {
	return walkUp(startDir, []string{"AGENTS.md", "agents.md"})
}

// DiscoverAppsMd walks from startDir upward through up to 5 parent
// directories looking for APPS.md or apps.md, falling back to the global
// ~/.stakpak/APPS.md if nothing is found on the way up.
func DiscoverAppsMd(startDir string) (*FileInfo, error) {
	info, err := walkUp(startDir, []string{"APPS.md", "apps.md"})
	if err != nil {
		return nil, err
	}
	if info != nil {
		return info, nil
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return nil, nil
	}
	return readIfExists(filepath.Join(home, ".stakpak", "APPS.md"))
}

func walkUp(startDir string, names []string) (*FileInfo, error) {
	current := startDir
	for i := 0; i <= maxTraversalDepth; i++ {
		for _, name := range names {
			info, err := readIfExists(filepath.Join(current, name))
			if err != nil {
				return nil, err
			}
			if info != nil {
				return info, nil
			}
		}
		parent := filepath.Dir(current)
		if parent == current {
			break
		}
		current = parent
	}
	return nil, nil
}

func readIfExists(path string) (*FileInfo, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	resolved := path
	if abs, err := filepath.Abs(path); err == nil {
		resolved = abs
	}
	return &FileInfo{Content: string(content), Path: resolved}, nil
}

// FormatForContext renders a discovered file for prompt injection, e.g.
// "# AGENTS.md (from /project/AGENTS.md)\n\n<content>".
func FormatForContext(label string, info *FileInfo) string {
	if info == nil {
		return ""
	}
	return fmt.Sprintf("# %s (from %s)\n\n%s", label, info.Path, strings.TrimSpace(info.Content))
}
