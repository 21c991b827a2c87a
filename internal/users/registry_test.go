package users

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := NewRegistry(t.TempDir())
	if err != nil {
		t.Fatalf("NewRegistry failed: %v", err)
	}
	return r
}

func TestAddCreatesSkeleton(t *testing.T) {
	r := newTestRegistry(t)

	u, err := r.Add("alice")
	if err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	info, err := os.Stat(u.DataDir())
	if err != nil {
		t.Fatalf("data dir missing: %v", err)
	}
	if !info.IsDir() {
		t.Error("data path is not a directory")
	}
	if perm := info.Mode().Perm(); perm != 0700 {
		t.Errorf("expected data dir mode 0700, got %o", perm)
	}
}

func TestAddDuplicateFails(t *testing.T) {
	r := newTestRegistry(t)
	if _, err := r.Add("alice"); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if _, err := r.Add("alice"); !errors.Is(err, ErrExists) {
		t.Errorf("expected ErrExists, got %v", err)
	}
}

func TestNameValidation(t *testing.T) {
	r := newTestRegistry(t)

	for _, name := range []string{"", "bad name", "bad/name", "../evil", "x%y"} {
		if _, err := r.Add(name); !errors.Is(err, ErrInvalidName) {
			t.Errorf("Add(%q): expected ErrInvalidName, got %v", name, err)
		}
	}
	for _, name := range []string{"alice", "bob.smith", "under_score", "dash-ed", "X9"} {
		if _, err := r.Add(name); err != nil {
			t.Errorf("Add(%q): unexpected error %v", name, err)
		}
	}
}

func TestGetUnknownUser(t *testing.T) {
	r := newTestRegistry(t)
	if _, err := r.Get("nobody"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestListSorted(t *testing.T) {
	r := newTestRegistry(t)
	for _, name := range []string{"carol", "alice", "bob"} {
		if _, err := r.Add(name); err != nil {
			t.Fatalf("Add(%q) failed: %v", name, err)
		}
	}
	names, err := r.List()
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	want := []string{"alice", "bob", "carol"}
	if len(names) != len(want) {
		t.Fatalf("expected %d users, got %d", len(want), len(names))
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("expected names[%d]=%q, got %q", i, want[i], names[i])
		}
	}
}

func TestResetWipesDataKeepsUser(t *testing.T) {
	r := newTestRegistry(t)
	u, _ := r.Add("alice")
	file := filepath.Join(u.DataDir(), "mail.db")
	if err := os.WriteFile(file, []byte("x"), 0600); err != nil {
		t.Fatalf("seed file: %v", err)
	}

	if err := r.Reset("alice"); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}
	if _, err := os.Stat(file); !os.IsNotExist(err) {
		t.Error("expected data file to be removed")
	}
	if _, err := r.Get("alice"); err != nil {
		t.Errorf("user should survive reset: %v", err)
	}

	// Idempotent: a second reset of the now-empty user also succeeds.
	if err := r.Reset("alice"); err != nil {
		t.Errorf("second Reset failed: %v", err)
	}
}

func TestRemoveDeletesDirectories(t *testing.T) {
	r := newTestRegistry(t)
	u, _ := r.Add("alice")

	if err := r.Remove("alice"); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if _, err := os.Stat(u.DataDir()); !os.IsNotExist(err) {
		t.Error("expected data dir to be gone")
	}
	if _, err := r.Get("alice"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after Remove, got %v", err)
	}
}

func TestRemoveUnknownUser(t *testing.T) {
	r := newTestRegistry(t)
	if err := r.Remove("nobody"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
