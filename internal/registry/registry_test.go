package registry

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/rallylabs/rally-core/internal/config"
	"github.com/rallylabs/rally-core/internal/nlu"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newNormalizer() *nlu.Normalizer {
	return nlu.NewNormalizer(config.NLUConfig{}, newLogger())
}

func builtinRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := Load(config.ProgramsConfig{}, newNormalizer(), newLogger())
	if err != nil {
		t.Fatalf("load builtin registry: %v", err)
	}
	return r
}

func loadFromYAML(t *testing.T, body string) *Registry {
	t.Helper()
	path := filepath.Join(t.TempDir(), "programs.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write programs: %v", err)
	}
	r, err := Load(config.ProgramsConfig{Path: path}, newNormalizer(), newLogger())
	if err != nil {
		t.Fatalf("load registry: %v", err)
	}
	return r
}

func TestBuiltinLookupExact(t *testing.T) {
	snap := builtinRegistry(t).Snapshot()
	norm := newNormalizer()

	p := snap.LookupExact(norm.Normalize("平抽球"))
	if p == nil || p.ID != "flat_drive" {
		t.Fatalf("expected flat_drive, got %+v", p)
	}
	// All alias forms of the same program land on the same canonical key.
	for _, form := range []string{"平抽", "平抽擊"} {
		if got := snap.LookupExact(norm.Normalize(form)); got == nil || got.ID != "flat_drive" {
			t.Fatalf("LookupExact(%q) = %+v, want flat_drive", form, got)
		}
	}
}

func TestShotDescriptionsBecomeSingleShotEntries(t *testing.T) {
	snap := builtinRegistry(t).Snapshot()
	norm := newNormalizer()

	p := snap.LookupExact(norm.Normalize("正手平抽球"))
	if p == nil {
		t.Fatal("expected single-shot entry for 正手平抽球")
	}
	if p.Category != "individual_shot" {
		t.Fatalf("expected individual_shot category, got %q", p.Category)
	}
	if len(p.Shots) != 1 {
		t.Fatalf("expected exactly one shot, got %d", len(p.Shots))
	}
}

func TestCourseProgramsExcludedFromMatching(t *testing.T) {
	r := loadFromYAML(t, `
programs:
  - id: level1
    name: 第1級課程
    shots:
      - area: sec1
  - id: drill
    name: drill
    shots:
      - area: sec2
`)
	snap := r.Snapshot()
	if snap.LookupExact("第1級課程") != nil {
		t.Fatal("course program must not be matchable by name")
	}
	if len(snap.All()) != 2 {
		t.Fatalf("courses still listed, got %d programs", len(snap.All()))
	}
}

func TestLoadMalformedIsConfigError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "programs.yaml")
	if err := os.WriteFile(path, []byte("programs:\n  - id: [broken"), 0o644); err != nil {
		t.Fatalf("write programs: %v", err)
	}
	_, err := Load(config.ProgramsConfig{Path: path}, newNormalizer(), newLogger())
	var cfgErr *config.Error
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected config error, got %v", err)
	}
}

func TestLoadMissingFileFallsBack(t *testing.T) {
	r, err := Load(config.ProgramsConfig{Path: filepath.Join(t.TempDir(), "absent.yaml")}, newNormalizer(), newLogger())
	if err != nil {
		t.Fatalf("missing file must not fail load: %v", err)
	}
	if len(r.Snapshot().All()) == 0 {
		t.Fatal("expected builtin fallback programs")
	}
}

func TestReloadSwapsSnapshotAtomically(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "programs.yaml")
	if err := os.WriteFile(path, []byte("programs:\n  - id: one\n    name: one\n    shots:\n      - area: sec1\n"), 0o644); err != nil {
		t.Fatalf("write programs: %v", err)
	}
	r, err := Load(config.ProgramsConfig{Path: path}, newNormalizer(), newLogger())
	if err != nil {
		t.Fatalf("load registry: %v", err)
	}
	old := r.Snapshot()

	if err := os.WriteFile(path, []byte("programs:\n  - id: two\n    name: two\n    shots:\n      - area: sec2\n"), 0o644); err != nil {
		t.Fatalf("rewrite programs: %v", err)
	}
	if err := r.Reload(); err != nil {
		t.Fatalf("reload: %v", err)
	}

	if old.LookupExact("one") == nil {
		t.Fatal("held snapshot must keep serving the old table")
	}
	if r.Snapshot().LookupExact("two") == nil {
		t.Fatal("new snapshot must serve the new table")
	}
	if r.Snapshot().LookupExact("one") != nil {
		t.Fatal("new snapshot must not leak old entries")
	}
}
