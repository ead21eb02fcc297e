package convsync

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestStaticSecrets(t *testing.T) {
	source := NewStaticSecrets("top-secret", "verify-me")
	t.Cleanup(func() { _ = source.Close() })

	got := source.Current()
	if got.AppSecret != "top-secret" || got.VerifyToken != "verify-me" {
		t.Fatalf("unexpected secrets %+v", got)
	}
}

func TestFileSecretsLoadsInitialValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secrets.json")
	writeSecretsFile(t, path, `{"app_secret": "s1", "verify_token": "v1"}`)

	source, err := NewFileSecrets(path, nil)
	if err != nil {
		t.Fatalf("new file secrets: %v", err)
	}
	t.Cleanup(func() { _ = source.Close() })

	got := source.Current()
	if got.AppSecret != "s1" || got.VerifyToken != "v1" {
		t.Fatalf("unexpected secrets %+v", got)
	}
}

func TestFileSecretsReloadsOnChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secrets.json")
	writeSecretsFile(t, path, `{"app_secret": "s1", "verify_token": "v1"}`)

	source, err := NewFileSecrets(path, nil)
	if err != nil {
		t.Fatalf("new file secrets: %v", err)
	}
	t.Cleanup(func() { _ = source.Close() })

	writeSecretsFile(t, path, `{"app_secret": "s2", "verify_token": "v2"}`)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if source.Current().AppSecret == "s2" {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("secrets were not reloaded, still %+v", source.Current())
}

func TestFileSecretsKeepsLastGoodOnBadReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secrets.json")
	writeSecretsFile(t, path, `{"app_secret": "s1", "verify_token": "v1"}`)

	source, err := NewFileSecrets(path, nil)
	if err != nil {
		t.Fatalf("new file secrets: %v", err)
	}
	t.Cleanup(func() { _ = source.Close() })

	writeSecretsFile(t, path, `{"verify_token": "v2"}`)

	// The rotated file is invalid; give the watcher a moment, then check
	// the last good values survived.
	time.Sleep(200 * time.Millisecond)
	if got := source.Current(); got.AppSecret != "s1" {
		t.Fatalf("expected last good secrets to survive, got %+v", got)
	}
}

func TestFileSecretsRejectsInvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secrets.json")
	writeSecretsFile(t, path, `{"verify_token": "only"}`)

	if _, err := NewFileSecrets(path, nil); err == nil {
		t.Fatal("expected error for secrets file without app_secret")
	}
	if _, err := NewFileSecrets(filepath.Join(t.TempDir(), "missing.json"), nil); err == nil {
		t.Fatal("expected error for missing secrets file")
	}
	if _, err := NewFileSecrets("", nil); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func writeSecretsFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write secrets file: %v", err)
	}
}
