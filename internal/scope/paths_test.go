package scope

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stitchline/convsync/internal/config"
)

func TestDir(t *testing.T) {
	t.Setenv(HomeEnv, "")
	home, _ := os.UserHomeDir()
	got := Dir("main")
	want := filepath.Join(home, ".convsync", "scopes", "main")
	if got != want {
		t.Errorf("Dir(main) = %q, want %q", got, want)
	}
}

func TestHomeOverride(t *testing.T) {
	base := t.TempDir()
	t.Setenv(HomeEnv, base)
	if got := Dir("x"); got != filepath.Join(base, "scopes", "x") {
		t.Errorf("Dir(x) = %q", got)
	}
	if got := ConfigPath(); got != filepath.Join(base, "config.toml") {
		t.Errorf("ConfigPath() = %q", got)
	}
}

func TestSocketAndLockPath(t *testing.T) {
	if got := SocketPath("test"); !strings.HasSuffix(got, filepath.Join("scopes", "test", "daemon.sock")) {
		t.Errorf("SocketPath(test) = %q, want suffix scopes/test/daemon.sock", got)
	}
	if got := LockPath("test"); !strings.HasSuffix(got, filepath.Join("scopes", "test", "LOCK")) {
		t.Errorf("LockPath(test) = %q, want suffix scopes/test/LOCK", got)
	}
	if got := WhatsAppDBPath("test"); filepath.Dir(got) != Dir("test") || filepath.Base(got) != "whatsapp.db" {
		t.Errorf("WhatsAppDBPath(test) = %q", got)
	}
}

func TestEnsureDir(t *testing.T) {
	t.Setenv(HomeEnv, t.TempDir())
	if err := EnsureDir("test"); err != nil {
		t.Fatal(err)
	}
	for _, d := range []string{Dir("test"), LogDir("test")} {
		info, err := os.Stat(d)
		if err != nil {
			t.Fatalf("%s not created: %v", d, err)
		}
		if !info.IsDir() {
			t.Errorf("%s is not a directory", d)
		}
		if perm := info.Mode().Perm(); perm != 0700 {
			t.Errorf("%s permission = %o, want 0700", d, perm)
		}
	}
}

func TestResolve(t *testing.T) {
	t.Setenv(HomeEnv, t.TempDir())
	if got := Resolve(""); got != DefaultName {
		t.Errorf("Resolve() without config = %q, want %q", got, DefaultName)
	}

	cfg := config.Defaults()
	cfg.DefaultScope = "support"
	if err := config.Save(ConfigPath(), cfg); err != nil {
		t.Fatal(err)
	}
	if got := Resolve(""); got != "support" {
		t.Errorf("Resolve() = %q, want support", got)
	}
	if got := Resolve("sales"); got != "sales" {
		t.Errorf("Resolve(sales) = %q, want flag value", got)
	}
}
