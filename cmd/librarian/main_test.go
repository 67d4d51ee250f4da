package main

import (
	"errors"
	"net"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
)

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env")
	content := "# comment line\n\nFOO_FROM_DOTENV=hello\nALREADY_SET=dotenv-value\nMALFORMED LINE\n=no-key\n"
	if err := os.WriteFile(envPath, []byte(content), 0o644); err != nil {
		t.Fatalf("write .env: %v", err)
	}

	t.Setenv("ALREADY_SET", "env-value")
	t.Setenv("FOO_FROM_DOTENV", "")
	os.Unsetenv("FOO_FROM_DOTENV")

	loadDotEnv(envPath)

	if got := os.Getenv("FOO_FROM_DOTENV"); got != "hello" {
		t.Errorf("FOO_FROM_DOTENV = %q, want %q", got, "hello")
	}
	// Existing environment wins over the file.
	if got := os.Getenv("ALREADY_SET"); got != "env-value" {
		t.Errorf("ALREADY_SET = %q, want %q", got, "env-value")
	}
}

func TestLoadDotEnv_MissingFile(t *testing.T) {
	// Must be a no-op, not a failure.
	loadDotEnv(filepath.Join(t.TempDir(), "does-not-exist.env"))
}

func TestLoadAuthToken_EnvOverride(t *testing.T) {
	t.Setenv("LIBRARIAN_AUTH_TOKEN", "from-env")
	tok, err := loadAuthToken(t.TempDir())
	if err != nil {
		t.Fatalf("loadAuthToken: %v", err)
	}
	if tok != "from-env" {
		t.Fatalf("token = %q, want env override", tok)
	}
}

func TestLoadAuthToken_GeneratesAndReuses(t *testing.T) {
	t.Setenv("LIBRARIAN_AUTH_TOKEN", "")
	os.Unsetenv("LIBRARIAN_AUTH_TOKEN")
	home := t.TempDir()

	first, err := loadAuthToken(home)
	if err != nil {
		t.Fatalf("first loadAuthToken: %v", err)
	}
	if first == "" {
		t.Fatal("generated token is empty")
	}

	info, err := os.Stat(filepath.Join(home, "auth.token"))
	if err != nil {
		t.Fatalf("stat auth.token: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("auth.token mode = %o, want 600", perm)
	}

	second, err := loadAuthToken(home)
	if err != nil {
		t.Fatalf("second loadAuthToken: %v", err)
	}
	if second != first {
		t.Errorf("token not stable across calls: %q vs %q", first, second)
	}
}

func TestIsAddrInUse(t *testing.T) {
	inUse := &net.OpError{
		Op:  "listen",
		Err: os.NewSyscallError("bind", syscall.EADDRINUSE),
	}
	if !isAddrInUse(inUse) {
		t.Error("EADDRINUSE must be recognized")
	}
	if isAddrInUse(errors.New("connection refused")) {
		t.Error("unrelated error must not read as address-in-use")
	}
}

func TestPortOccupantHint_BadAddr(t *testing.T) {
	hint := portOccupantHint("not-an-addr")
	if !strings.Contains(hint, "not-an-addr") {
		t.Errorf("hint must name the offending addr: %q", hint)
	}
}
