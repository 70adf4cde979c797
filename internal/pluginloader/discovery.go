// Package pluginloader discovers plugin manifests, orders plugins by their
// service dependencies, and loads each one either in-process (via Go's
// native plugin.Open) or into a sandboxed worker process, registering its
// hooks into the shared registries.
package pluginloader

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/openstarry/core/pkg/pluginsdk"
)

// ErrPathTraversal indicates a plugin path escapes its intended root after
// cleaning.
var ErrPathTraversal = fmt.Errorf("path traversal detected")

// ValidatePluginPath cleans path and rejects any remaining ".." segment,
// returning the absolute, validated path.
func ValidatePluginPath(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("plugin path is empty")
	}
	cleaned := filepath.Clean(path)
	if containsTraversalSegment(cleaned) {
		return "", fmt.Errorf("%w: %s", ErrPathTraversal, path)
	}
	abs, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path: %w", err)
	}
	if containsTraversalSegment(abs) {
		return "", fmt.Errorf("%w: %s", ErrPathTraversal, abs)
	}
	return abs, nil
}

func containsTraversalSegment(path string) bool {
	for _, seg := range strings.FieldsFunc(path, func(r rune) bool { return r == '/' || r == '\\' }) {
		if seg == ".." {
			return true
		}
	}
	return false
}

// ManifestInfo pairs a decoded manifest with the path it was loaded from.
type ManifestInfo struct {
	Manifest *pluginsdk.Manifest
	Path     string
}

// DiscoverManifests scans each of paths (a file or a directory) for plugin
// manifests, returning them keyed by manifest name. A path counts as a
// directory when os.Stat (which follows symlinks) reports one; it is then
// walked recursively with filepath.WalkDir, which does not follow symlinks
// found inside it.
func DiscoverManifests(paths []string) (map[string]ManifestInfo, error) {
	manifests := make(map[string]ManifestInfo)
	for _, root := range paths {
		root = strings.TrimSpace(root)
		if root == "" {
			continue
		}
		validated, err := ValidatePluginPath(root)
		if err != nil {
			continue
		}
		info, err := os.Stat(validated)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("stat plugin path: %w", err)
		}
		if !info.IsDir() {
			entry, err := loadManifestFile(validated)
			if err != nil {
				return nil, err
			}
			if err := registerManifest(manifests, entry); err != nil {
				return nil, err
			}
			continue
		}
		if err := filepath.WalkDir(validated, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return nil
			}
			if d.Name() != pluginsdk.ManifestFilename {
				return nil
			}
			entry, err := loadManifestFile(path)
			if err != nil {
				return err
			}
			return registerManifest(manifests, entry)
		}); err != nil {
			return nil, fmt.Errorf("walk plugin path %s: %w", validated, err)
		}
	}
	return manifests, nil
}

func loadManifestFile(path string) (ManifestInfo, error) {
	manifest, err := pluginsdk.DecodeManifestFile(path)
	if err != nil {
		return ManifestInfo{}, fmt.Errorf("load manifest %s: %w", path, err)
	}
	return ManifestInfo{Manifest: manifest, Path: path}, nil
}

func registerManifest(manifests map[string]ManifestInfo, entry ManifestInfo) error {
	if err := entry.Manifest.Validate(); err != nil {
		return fmt.Errorf("manifest at %s: %w", entry.Path, err)
	}
	if existing, ok := manifests[entry.Manifest.Name]; ok {
		return fmt.Errorf("duplicate plugin name %q (%s, %s)", entry.Manifest.Name, existing.Path, entry.Path)
	}
	manifests[entry.Manifest.Name] = entry
	return nil
}

// sortedNames returns manifests' keys in a stable order, for deterministic
// iteration ahead of the dependency sort.
func sortedNames(manifests map[string]ManifestInfo) []string {
	names := make([]string, 0, len(manifests))
	for name := range manifests {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
