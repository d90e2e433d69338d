package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func setupIntegrityDir(t *testing.T, dir string) []string {
	t.Helper()
	writeTestFile(t, filepath.Join(dir, "config.yaml"), "service:\n  name: test\n")
	confD := filepath.Join(dir, "conf.d")
	if err := os.MkdirAll(confD, 0755); err != nil {
		t.Fatal(err)
	}
	writeTestFile(t, filepath.Join(confD, "10-policy.yaml"), "policy:\n  parent_param: parentId\n")
	return []string{
		filepath.Join(dir, "config.yaml"),
		filepath.Join(confD, "10-policy.yaml"),
	}
}

func writeTestFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestVerifyIntegrityAllValid(t *testing.T) {
	tmpDir := t.TempDir()
	files := setupIntegrityDir(t, tmpDir)

	if err := GenerateChecksums(tmpDir, files); err != nil {
		t.Fatal(err)
	}

	result, err := VerifyIntegrity(tmpDir, files)
	if err != nil {
		t.Fatal(err)
	}

	if !result.Passed {
		t.Errorf("expected Passed=true, got errors: %v", result.Errors)
	}
	if len(result.Warnings) > 0 {
		t.Errorf("unexpected warnings: %v", result.Warnings)
	}
}

func TestVerifyIntegrityMismatch(t *testing.T) {
	tmpDir := t.TempDir()
	files := setupIntegrityDir(t, tmpDir)

	if err := GenerateChecksums(tmpDir, files); err != nil {
		t.Fatal(err)
	}

	writeTestFile(t, filepath.Join(tmpDir, "config.yaml"), "service:\n  name: tampered\n")

	result, err := VerifyIntegrity(tmpDir, files)
	if err != nil {
		t.Fatal(err)
	}

	if result.Passed {
		t.Fatal("expected Passed=false for tampered file")
	}
	if len(result.Errors) == 0 {
		t.Fatal("expected errors for tampered file")
	}
	if !strings.Contains(result.Errors[0], "hash mismatch") {
		t.Errorf("error should mention hash mismatch, got: %s", result.Errors[0])
	}
}

func TestVerifyIntegrityUnlistedFile(t *testing.T) {
	tmpDir := t.TempDir()
	files := setupIntegrityDir(t, tmpDir)

	if err := GenerateChecksums(tmpDir, files[:1]); err != nil {
		t.Fatal(err)
	}

	result, err := VerifyIntegrity(tmpDir, files)
	if err != nil {
		t.Fatal(err)
	}

	if result.Passed {
		t.Fatal("expected Passed=false when a loaded file is not in the manifest")
	}
	found := false
	for _, e := range result.Errors {
		if strings.Contains(e, "not in .checksums manifest") {
			found = true
		}
	}
	if !found {
		t.Errorf("expected unlisted-file error, got: %v", result.Errors)
	}
}

func TestVerifyIntegrityRemovedFile(t *testing.T) {
	tmpDir := t.TempDir()
	files := setupIntegrityDir(t, tmpDir)

	if err := GenerateChecksums(tmpDir, files); err != nil {
		t.Fatal(err)
	}

	// Verify only the root; the drop-in drops out of the loaded set.
	result, err := VerifyIntegrity(tmpDir, files[:1])
	if err != nil {
		t.Fatal(err)
	}

	if result.Passed {
		t.Fatal("expected Passed=false when a manifest entry is no longer loaded")
	}
}

func TestVerifyIntegrityNoManifest(t *testing.T) {
	tmpDir := t.TempDir()
	files := setupIntegrityDir(t, tmpDir)

	result, err := VerifyIntegrity(tmpDir, files)
	if err != nil {
		t.Fatal(err)
	}

	if !result.Passed {
		t.Fatal("missing manifest should pass with a warning")
	}
	if len(result.Warnings) == 0 {
		t.Fatal("expected warning about missing manifest")
	}
}
