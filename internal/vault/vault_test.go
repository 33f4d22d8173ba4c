package vault

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/zalando/go-keyring"
)

func TestResolve_Env(t *testing.T) {
	t.Setenv("TEST_SWITCHYARD_VAULT_KEY", "sk-test-1234")

	got, err := New().Resolve("env:TEST_SWITCHYARD_VAULT_KEY")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got != "sk-test-1234" {
		t.Errorf("got %q", got)
	}
}

func TestResolve_EnvUnset(t *testing.T) {
	os.Unsetenv("NONEXISTENT_KEY_VAR")
	_, err := New().Resolve("env:NONEXISTENT_KEY_VAR")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	if _, err := New().Resolve("env:"); err == nil {
		t.Error("empty env name should fail")
	}
}

func TestResolve_EmptyAndLiteral(t *testing.T) {
	v := New()
	if got, err := v.Resolve(""); got != "" || err != nil {
		t.Errorf("Resolve(\"\") = %q, %v", got, err)
	}
	if got, err := v.Resolve("plain-secret"); got != "plain-secret" || err != nil {
		t.Errorf("literal = %q, %v", got, err)
	}
}

func TestResolve_File(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "key")
	if err := os.WriteFile(path, []byte("  file-secret\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	got, err := New().Resolve("file://" + path)
	if err != nil || got != "file-secret" {
		t.Errorf("Resolve(file) = %q, %v", got, err)
	}

	if _, err := New().Resolve("file://" + filepath.Join(dir, "missing")); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing file err = %v", err)
	}

	empty := filepath.Join(dir, "empty")
	os.WriteFile(empty, []byte("\n"), 0o600)
	if _, err := New().Resolve("file://" + empty); !errors.Is(err, ErrNotFound) {
		t.Errorf("empty file err = %v", err)
	}
}

func TestKeyring(t *testing.T) {
	keyring.MockInit()
	v := New()

	if err := v.Set("weatherapi", "wk-123"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, err := v.Resolve(Ref("weatherapi"))
	if err != nil || got != "wk-123" {
		t.Errorf("Resolve(keyring) = %q, %v", got, err)
	}
	if !v.Has("weatherapi") {
		t.Error("Has = false after Set")
	}

	if err := v.Delete("weatherapi"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := v.Get("weatherapi"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get after delete: %v", err)
	}
	if err := v.Delete("weatherapi"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second Delete: %v", err)
	}
}

func TestKeyring_BadReferences(t *testing.T) {
	keyring.MockInit()
	for _, ref := range []string{"keyring://badformat", "keyring://other/x", "keyring://switchyard/"} {
		if _, err := New().Resolve(ref); err == nil {
			t.Errorf("Resolve(%q) should fail", ref)
		}
	}
}

func TestSet_Rejects(t *testing.T) {
	keyring.MockInit()
	if err := New().Set("", "k"); err == nil {
		t.Error("empty name accepted")
	}
	if err := New().Set("x", "  "); err == nil {
		t.Error("blank key accepted")
	}
}

func TestGet_EnvFallback(t *testing.T) {
	keyring.MockInit()
	t.Setenv("SWITCHYARD_KEY_OPEN_WEATHER", "from-env")
	got, err := New().Get("open-weather")
	if err != nil || got != "from-env" {
		t.Errorf("Get = %q, %v", got, err)
	}
}

func TestEnvName(t *testing.T) {
	if got := EnvName("rates/exchange.rate"); got != "SWITCHYARD_KEY_RATES_EXCHANGE_RATE" {
		t.Errorf("EnvName = %q", got)
	}
}

func TestDescribe(t *testing.T) {
	tests := map[string]string{
		"":                        "(none)",
		"env:X":                   "env:X",
		"keyring://switchyard/a":  "keyring://switchyard/a",
		"sk-live-very-secret-key": "(literal)",
	}
	for in, want := range tests {
		if got := Describe(in); got != want {
			t.Errorf("Describe(%q) = %q, want %q", in, got, want)
		}
	}
}
