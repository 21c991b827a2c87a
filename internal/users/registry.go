// Package users persists per-user metadata as a directory tree below the
// dispatcher root: <root>/<name>/data/ holds the agent-private state.
package users

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"
)

var (
	// ErrNotFound is returned for operations on unknown users.
	ErrNotFound = errors.New("user not found")
	// ErrExists is returned when adding a user that is already registered.
	ErrExists = errors.New("user already exists")
	// ErrInvalidName is returned when a login name fails validation.
	ErrInvalidName = errors.New("invalid user name")
)

var nameRe = regexp.MustCompile(`^[A-Za-z0-9_.-]{1,64}$`)

// ValidName reports whether name is an acceptable login name.
func ValidName(name string) bool {
	return nameRe.MatchString(name)
}

// UserConfig describes a registered user.
type UserConfig struct {
	Name string
	Path string
}

// DataDir returns the agent-private data directory of the user.
func (u UserConfig) DataDir() string {
	return filepath.Join(u.Path, "data")
}

// Registry is the filesystem-backed user registry. A user exists iff its
// directory below root exists.
type Registry struct {
	root string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewRegistry creates a registry rooted at root. The root directory must
// already exist.
func NewRegistry(root string) (*Registry, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("registry root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("registry root %s is not a directory", root)
	}
	return &Registry{root: root, locks: make(map[string]*sync.Mutex)}, nil
}

// Root returns the registry root path.
func (r *Registry) Root() string {
	return r.root
}

// userLock returns the mutex serializing filesystem mutations for one user.
func (r *Registry) userLock(name string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.locks[name]
	if !ok {
		l = &sync.Mutex{}
		r.locks[name] = l
	}
	return l
}

// Add registers a new user and creates its directory skeleton with
// restrictive permissions.
func (r *Registry) Add(name string) (UserConfig, error) {
	if !ValidName(name) {
		return UserConfig{}, fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	lock := r.userLock(name)
	lock.Lock()
	defer lock.Unlock()

	u := UserConfig{Name: name, Path: filepath.Join(r.root, name)}
	if _, err := os.Stat(u.Path); err == nil {
		return UserConfig{}, fmt.Errorf("%w: %s", ErrExists, name)
	}
	if err := os.MkdirAll(u.DataDir(), 0700); err != nil {
		return UserConfig{}, fmt.Errorf("create user dirs: %w", err)
	}
	return u, nil
}

// Get returns the config of a registered user.
func (r *Registry) Get(name string) (UserConfig, error) {
	if !ValidName(name) {
		return UserConfig{}, fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	u := UserConfig{Name: name, Path: filepath.Join(r.root, name)}
	info, err := os.Stat(u.Path)
	if err != nil || !info.IsDir() {
		return UserConfig{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return u, nil
}

// List returns the names of all registered users, sorted.
func (r *Registry) List() ([]string, error) {
	entries, err := os.ReadDir(r.root)
	if err != nil {
		return nil, fmt.Errorf("read registry root: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() && ValidName(e.Name()) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// Reset wipes the user's data directory contents, recreating an empty data/
// afterwards. Resetting an already-empty user succeeds.
func (r *Registry) Reset(name string) error {
	u, err := r.Get(name)
	if err != nil {
		return err
	}
	lock := r.userLock(name)
	lock.Lock()
	defer lock.Unlock()

	if err := os.RemoveAll(u.DataDir()); err != nil {
		return fmt.Errorf("reset data: %w", err)
	}
	if err := os.MkdirAll(u.DataDir(), 0700); err != nil {
		return fmt.Errorf("recreate data dir: %w", err)
	}
	return nil
}

// Remove deletes the user's data directory and then the user directory
// itself.
func (r *Registry) Remove(name string) error {
	u, err := r.Get(name)
	if err != nil {
		return err
	}
	lock := r.userLock(name)
	lock.Lock()
	defer lock.Unlock()

	if err := os.RemoveAll(u.DataDir()); err != nil {
		return fmt.Errorf("remove data: %w", err)
	}
	if err := os.RemoveAll(u.Path); err != nil {
		return fmt.Errorf("remove user dir: %w", err)
	}
	return nil
}
