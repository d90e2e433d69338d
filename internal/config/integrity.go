package config

import (
	"fmt"
	"path/filepath"
)

// IntegrityResult collects the outcome of a manifest verification pass.
type IntegrityResult struct {
	Passed   bool
	Warnings []string
	Errors   []string
}

// VerifyIntegrity checks the given config files against the .checksums
// manifest in configDir. A missing manifest is a warning (integrity not yet
// enabled); any mismatch, unlisted file, or listed-but-missing file is an
// error that fails the result.
func VerifyIntegrity(configDir string, files []string) (*IntegrityResult, error) {
	result := &IntegrityResult{Passed: true}

	checksumPath := filepath.Join(configDir, ".checksums")
	manifest, err := LoadChecksums(configDir)
	if err != nil {
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("no .checksums manifest found at %s; run 'patchbay config lock' to enable integrity verification", checksumPath))
		return result, nil
	}

	seen := make(map[string]bool, len(files))
	for _, path := range files {
		key := manifestKey(configDir, path)
		seen[key] = true

		expectedHash, inManifest := manifest.Hashes[key]
		if !inManifest {
			result.Passed = false
			result.Errors = append(result.Errors,
				fmt.Sprintf("file %s not in .checksums manifest", key))
			continue
		}

		actualHash, err := ComputeBlake3Hash(path)
		if err != nil {
			result.Passed = false
			result.Errors = append(result.Errors,
				fmt.Sprintf("failed to hash %s: %v", key, err))
			continue
		}

		if actualHash != expectedHash {
			result.Passed = false
			result.Errors = append(result.Errors,
				fmt.Sprintf("hash mismatch for %s (expected %s, got %s)", key, expectedHash, actualHash))
		}
	}

	for key := range manifest.Hashes {
		if !seen[key] {
			result.Passed = false
			result.Errors = append(result.Errors,
				fmt.Sprintf("file %s is in .checksums but no longer loaded", key))
		}
	}

	return result, nil
}
