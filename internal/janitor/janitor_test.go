package janitor

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

type liveSet map[string]bool

func (l liveSet) IsLive(path string) bool { return l[path] }

func mkdirAged(t *testing.T, root, name string, age time.Duration) string {
	t.Helper()
	p := filepath.Join(root, name)
	if err := os.Mkdir(p, 0700); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(p, "main.c"), []byte("int main(){}"), 0600); err != nil {
		t.Fatal(err)
	}
	mtime := time.Now().Add(-age)
	if err := os.Chtimes(p, mtime, mtime); err != nil {
		t.Fatal(err)
	}
	return p
}

func exists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}

func TestSweep(t *testing.T) {
	root := t.TempDir()
	stale := mkdirAged(t, root, "coderun_1_1_aa", 2*time.Hour)
	fresh := mkdirAged(t, root, "coderun_2_2_bb", time.Minute)
	live := mkdirAged(t, root, "coderun_3_3_cc", 2*time.Hour)
	foreign := mkdirAged(t, root, "other_dir", 2*time.Hour)
	file := filepath.Join(root, "coderun_file")
	if err := os.WriteFile(file, nil, 0600); err != nil {
		t.Fatal(err)
	}

	j := New(Config{Root: root, Prefix: "coderun_", MaxAge: time.Hour}, liveSet{live: true}, nil)
	res, err := j.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}

	if len(res.Removed) != 1 || res.Removed[0] != stale {
		t.Errorf("Removed = %v, want [%s]", res.Removed, stale)
	}
	if res.Scanned != 3 {
		t.Errorf("Scanned = %d, want 3", res.Scanned)
	}
	if exists(stale) {
		t.Error("stale workspace still on disk")
	}
	for _, keep := range []string{fresh, live, foreign, file} {
		if !exists(keep) {
			t.Errorf("%s was removed", keep)
		}
	}
}

func TestSweep_SkipsSymlinks(t *testing.T) {
	root := t.TempDir()
	target := mkdirAged(t, t.TempDir(), "precious", 2*time.Hour)
	link := filepath.Join(root, "coderun_link")
	if err := os.Symlink(target, link); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}

	j := New(Config{Root: root, Prefix: "coderun_", MaxAge: time.Nanosecond}, nil, nil)
	if _, err := j.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if !exists(filepath.Join(target, "main.c")) {
		t.Error("sweep followed a symlink")
	}
}

func TestSweep_RequiresPrefix(t *testing.T) {
	j := New(Config{Root: t.TempDir()}, nil, nil)
	if _, err := j.Sweep(context.Background()); err == nil {
		t.Error("expected error without prefix")
	}
}

func TestSweep_MissingRoot(t *testing.T) {
	j := New(Config{Root: filepath.Join(t.TempDir(), "missing"), Prefix: "coderun_"}, nil, nil)
	if _, err := j.Sweep(context.Background()); err == nil {
		t.Error("expected error for missing root")
	}
}

func TestSweep_Canceled(t *testing.T) {
	root := t.TempDir()
	stale := mkdirAged(t, root, "coderun_1_1_aa", 2*time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	j := New(Config{Root: root, Prefix: "coderun_", MaxAge: time.Hour}, nil, nil)
	if _, err := j.Sweep(ctx); err == nil {
		t.Error("expected context error")
	}
	if !exists(stale) {
		t.Error("canceled sweep removed a workspace")
	}
}
