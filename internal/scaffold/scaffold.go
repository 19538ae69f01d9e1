// Package scaffold writes the starter files created by `guild init`.
package scaffold

import (
	"embed"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dyluth/guild/internal/config"
)

//go:embed templates/*
var templatesFS embed.FS

// Paths created by Initialize, relative to the target directory.
const (
	ConfigFile = "guild.yml"
	SpecDir    = "guilds"
)

// FileInfo is one file to write.
type FileInfo struct {
	Path        string
	Template    string
	Permissions os.FileMode
}

var files = []FileInfo{
	{Path: ConfigFile, Template: "templates/guild.yml.tmpl", Permissions: 0o644},
	{Path: filepath.Join(SpecDir, "echo.yaml"), Template: "templates/echo.yaml.tmpl", Permissions: 0o644},
}

// CheckExisting returns an error naming guild.yml and guilds/ when either already
// exists in dir.
func CheckExisting(dir string) error {
	var existing []string
	if _, err := os.Stat(filepath.Join(dir, ConfigFile)); err == nil {
		existing = append(existing, ConfigFile)
	}
	if info, err := os.Stat(filepath.Join(dir, SpecDir)); err == nil && info.IsDir() {
		existing = append(existing, SpecDir+"/")
	}

	switch len(existing) {
	case 0:
		return nil
	case 1:
		return fmt.Errorf("project already initialized: found existing %s", existing[0])
	default:
		return fmt.Errorf("project already initialized: found existing %s and %s", existing[0], existing[1])
	}
}

// Initialize writes guild.yml and an example guild spec into dir and returns the
// created paths. With force, existing files are replaced. The written files are
// loaded back so a broken template fails here rather than in guildd.
func Initialize(dir string, force bool) ([]string, error) {
	if !force {
		if err := CheckExisting(dir); err != nil {
			return nil, err
		}
	} else if err := os.RemoveAll(filepath.Join(dir, SpecDir)); err != nil {
		return nil, fmt.Errorf("failed to remove %s: %w", SpecDir, err)
	}

	if err := os.MkdirAll(filepath.Join(dir, SpecDir), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create directory %s: %w", SpecDir, err)
	}

	created := make([]string, 0, len(files))
	for _, f := range files {
		content, err := templatesFS.ReadFile(f.Template)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s template: %w", f.Path, err)
		}
		if err := os.WriteFile(filepath.Join(dir, f.Path), content, f.Permissions); err != nil {
			return nil, fmt.Errorf("failed to write %s: %w", f.Path, err)
		}
		created = append(created, f.Path)
	}

	if err := validate(dir); err != nil {
		return nil, err
	}
	return created, nil
}

func validate(dir string) error {
	if _, err := config.Load(filepath.Join(dir, ConfigFile)); err != nil {
		return fmt.Errorf("created %s is invalid: %w", ConfigFile, err)
	}
	matches, err := filepath.Glob(filepath.Join(dir, SpecDir, "*"))
	if err != nil {
		return err
	}
	for _, m := range matches {
		if _, err := config.LoadGuildSpec(m); err != nil {
			return fmt.Errorf("created %s is invalid: %w", m, err)
		}
	}
	return nil
}
