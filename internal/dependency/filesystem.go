package dependency

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/dyluth/guild/internal/config"
)

// FilesystemResolverName selects a directory sandbox per scope key.
const FilesystemResolverName = "filesystem"

// FilesystemConfig is the typed properties of the filesystem resolver.
type FilesystemConfig struct {
	BasePath string `yaml:"base_path"`
}

func filesystemFactory(props map[string]any) (Resolver, error) {
	var cfg FilesystemConfig
	if err := config.DecodeStrict(props, &cfg); err != nil {
		return nil, err
	}
	if cfg.BasePath == "" {
		return nil, fmt.Errorf("base_path is required")
	}
	return ResolverFunc(func(_ context.Context, req Request) (any, error) {
		return NewSandbox(filepath.Join(cfg.BasePath, filepath.FromSlash(req.ScopeKey)))
	}), nil
}

// Sandbox confines file access to one directory.
type Sandbox struct {
	root string
}

// NewSandbox creates root if needed and returns a sandbox over it.
func NewSandbox(root string) (*Sandbox, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve sandbox path: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create sandbox directory: %w", err)
	}
	return &Sandbox{root: abs}, nil
}

// Root returns the absolute sandbox directory.
func (s *Sandbox) Root() string { return s.root }

// Path maps name into the sandbox. Names that would escape it are rejected.
func (s *Sandbox) Path(name string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("file name cannot be empty")
	}
	p := filepath.Join(s.root, filepath.Clean(string(filepath.Separator)+name))
	if p != s.root && !strings.HasPrefix(p, s.root+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes the sandbox", name)
	}
	return p, nil
}

// ReadFile reads name from the sandbox.
func (s *Sandbox) ReadFile(name string) ([]byte, error) {
	p, err := s.Path(name)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(p)
}

// WriteFile writes data to name, creating parent directories.
func (s *Sandbox) WriteFile(name string, data []byte) error {
	p, err := s.Path(name)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", name, err)
	}
	return os.WriteFile(p, data, 0o644)
}

// Remove deletes name. A missing file is not an error.
func (s *Sandbox) Remove(name string) error {
	p, err := s.Path(name)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// List returns the sandbox-relative names of every regular file, sorted.
func (s *Sandbox) List() ([]string, error) {
	var names []string
	err := filepath.WalkDir(s.root, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			rel, err := filepath.Rel(s.root, p)
			if err != nil {
				return err
			}
			names = append(names, filepath.ToSlash(rel))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list sandbox: %w", err)
	}
	sort.Strings(names)
	return names, nil
}
