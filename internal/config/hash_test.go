package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestGenerateChecksumsWithReportDryRun(t *testing.T) {
	tmpDir := t.TempDir()

	if err := os.WriteFile(filepath.Join(tmpDir, "config.yaml"), []byte("service:\n  name: test\n"), 0600); err != nil {
		t.Fatal(err)
	}

	files := []string{
		filepath.Join(tmpDir, "config.yaml"),
		filepath.Join(tmpDir, "conf.d", "10-policy.yaml"),
	}
	report, err := GenerateChecksumsWithReport(tmpDir, files, true)
	if err != nil {
		t.Fatalf("GenerateChecksumsWithReport() failed: %v", err)
	}

	if report.Written {
		t.Fatal("report.Written = true, want false in dry-run")
	}

	if len(report.Files) != 2 {
		t.Fatalf("len(report.Files) = %d, want 2", len(report.Files))
	}

	if !report.Files[0].Exists || report.Files[0].Hash == "" {
		t.Fatal("config.yaml should exist with computed hash")
	}
	if report.Files[1].Exists || report.Files[1].Hash != "" {
		t.Fatal("missing drop-in should be reported without hash")
	}

	if _, err := os.Stat(filepath.Join(tmpDir, ".checksums")); !os.IsNotExist(err) {
		t.Fatal(".checksums should not be written in dry-run mode")
	}
}

func TestGenerateChecksumsWithReportWritesChecksums(t *testing.T) {
	tmpDir := t.TempDir()

	if err := os.WriteFile(filepath.Join(tmpDir, "config.yaml"), []byte("service:\n  name: test\n"), 0600); err != nil {
		t.Fatal(err)
	}
	confD := filepath.Join(tmpDir, "conf.d")
	if err := os.MkdirAll(confD, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(confD, "10-policy.yaml"), []byte("policy:\n  parent_param: parentId\n"), 0600); err != nil {
		t.Fatal(err)
	}

	files := []string{
		filepath.Join(tmpDir, "config.yaml"),
		filepath.Join(confD, "10-policy.yaml"),
	}
	report, err := GenerateChecksumsWithReport(tmpDir, files, false)
	if err != nil {
		t.Fatalf("GenerateChecksumsWithReport() failed: %v", err)
	}

	if !report.Written {
		t.Fatal("report.Written = false, want true")
	}

	manifest, err := LoadChecksums(tmpDir)
	if err != nil {
		t.Fatalf("LoadChecksums() failed: %v", err)
	}
	if len(manifest.Hashes) != 2 {
		t.Fatalf("len(manifest.Hashes) = %d, want 2", len(manifest.Hashes))
	}
	if _, ok := manifest.Hashes["config.yaml"]; !ok {
		t.Error("config.yaml keyed by relative path missing from manifest")
	}
	if _, ok := manifest.Hashes[filepath.Join("conf.d", "10-policy.yaml")]; !ok {
		t.Error("drop-in keyed by relative path missing from manifest")
	}
}

func TestVerifyFileHash(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(path, []byte("service:\n  name: test\n"), 0600); err != nil {
		t.Fatal(err)
	}

	hash, err := ComputeBlake3Hash(path)
	if err != nil {
		t.Fatalf("ComputeBlake3Hash() failed: %v", err)
	}

	if err := VerifyFileHash(path, hash); err != nil {
		t.Errorf("VerifyFileHash() with matching hash failed: %v", err)
	}

	if err := VerifyFileHash(path, "deadbeef"); err == nil {
		t.Error("VerifyFileHash() with wrong hash should fail")
	}
}

func TestLoadRejectsTamperedConfig(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(configPath, []byte("service:\n  name: locked\n"), 0644); err != nil {
		t.Fatal(err)
	}

	files, err := AllConfigFiles(configPath)
	if err != nil {
		t.Fatal(err)
	}
	if err := GenerateChecksums(tmpDir, files); err != nil {
		t.Fatal(err)
	}

	// Locked config loads fine.
	if _, err := Load(configPath); err != nil {
		t.Fatalf("Load() on locked config failed: %v", err)
	}

	// Tampering is rejected.
	if err := os.WriteFile(configPath, []byte("service:\n  name: tampered\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(configPath); err == nil {
		t.Fatal("Load() should reject tampered config")
	}
}
