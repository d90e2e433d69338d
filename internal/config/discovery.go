package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// DiscoverConfigPath finds the config file by checking standard locations.
// Priority order: $PATCHBAY_CONFIG, ./patchbay.yaml, ~/.config/patchbay/config.yaml,
// /etc/patchbay/config.yaml.
func DiscoverConfigPath() (string, error) {
	if path := os.Getenv("PATCHBAY_CONFIG"); path != "" {
		if fileExists(path) {
			return path, nil
		}
		return "", fmt.Errorf("$PATCHBAY_CONFIG points at %s but it does not exist", path)
	}

	if fileExists("./patchbay.yaml") {
		return "./patchbay.yaml", nil
	}

	if homeDir, err := os.UserHomeDir(); err == nil {
		userConfig := filepath.Join(homeDir, ".config", "patchbay", "config.yaml")
		if fileExists(userConfig) {
			return userConfig, nil
		}
	}

	systemConfig := "/etc/patchbay/config.yaml"
	if fileExists(systemConfig) {
		return systemConfig, nil
	}

	return "", fmt.Errorf("no config found (checked: $PATCHBAY_CONFIG, ./patchbay.yaml, ~/.config/patchbay/config.yaml, /etc/patchbay/config.yaml)")
}

// DropInFiles returns sorted absolute paths of conf.d/*.yaml drop-ins next to
// the root config file. Returns nil (not error) if conf.d does not exist.
func DropInFiles(configPath string) ([]string, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}
	return walkDirWithExt(filepath.Join(filepath.Dir(absPath), "conf.d"), ".yaml")
}

// AllConfigFiles returns absolute paths to every file the loader would read:
// the root config, conf.d drop-ins, and the include tree. Used by config
// lock/check so the manifest covers exactly the loaded set.
func AllConfigFiles(configPath string) ([]string, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return nil, fmt.Errorf("config file not found: %s\nHint: Check the path or run with --config flag", absPath)
	}
	if info.IsDir() {
		absPath = filepath.Join(absPath, "config.yaml")
		if _, err := os.Stat(absPath); err != nil {
			return nil, fmt.Errorf("directory provided but config.yaml not found: %s", absPath)
		}
	}

	visited := map[string]bool{absPath: true}

	dropIns, err := DropInFiles(absPath)
	if err != nil {
		return nil, err
	}
	for _, path := range dropIns {
		visited[path] = true
	}

	cfg, err := loadConfigFile(absPath)
	if err != nil {
		return nil, err
	}
	if len(cfg.Include) > 0 {
		if err := collectIncludes(cfg.Include, filepath.Dir(absPath), visited); err != nil {
			return nil, err
		}
	}

	files := make([]string, 0, len(visited))
	for f := range visited {
		files = append(files, f)
	}
	sort.Strings(files)
	return files, nil
}

func collectIncludes(includes []string, baseDir string, visited map[string]bool) error {
	for i, includePath := range includes {
		includePath = interpolateEnv(includePath)
		var resolvedPath string
		if filepath.IsAbs(includePath) {
			resolvedPath = includePath
		} else {
			resolvedPath = filepath.Join(baseDir, includePath)
		}

		absPath, err := filepath.Abs(resolvedPath)
		if err != nil {
			return fmt.Errorf("include[%d]: failed to resolve path %q: %w", i, includePath, err)
		}

		if visited[absPath] {
			continue
		}

		if _, err := os.Stat(absPath); err != nil {
			return fmt.Errorf("include[%d]: file not found: %s\n"+
				"Referenced from: %s\n"+
				"Hint: Check the path is correct and the file exists", i, absPath, baseDir)
		}

		visited[absPath] = true

		partial, err := loadConfigFile(absPath)
		if err != nil {
			return fmt.Errorf("include[%d] (%s): %w", i, includePath, err)
		}

		if len(partial.Include) > 0 {
			if err := collectIncludes(partial.Include, filepath.Dir(absPath), visited); err != nil {
				return err
			}
		}
	}
	return nil
}

// manifestKey converts an absolute config file path to its .checksums key,
// relative to the config directory where possible.
func manifestKey(configDir, path string) string {
	rel, err := filepath.Rel(configDir, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return path
	}
	return rel
}

func walkDirWithExt(dir, ext string) ([]string, error) {
	if !dirExists(dir) {
		return nil, nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var files []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if strings.HasSuffix(entry.Name(), ext) {
			files = append(files, filepath.Join(dir, entry.Name()))
		}
	}
	sort.Strings(files)
	return files, nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
