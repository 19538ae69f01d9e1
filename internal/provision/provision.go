// Package provision keeps guilds in step with a directory of guild spec files.
//
// A file whose guild id is unknown creates the guild. A file for a known guild only
// moves its status, since persisted specs are immutable; a file without a status asks
// for active. Removing a file stops its guild. Files that fail to load are logged and
// skipped.
package provision

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/dyluth/guild/internal/config"
	"github.com/dyluth/guild/internal/observability"
	"github.com/dyluth/guild/pkg/guild"
)

const defaultSettle = 100 * time.Millisecond

// Guilds is the part of the runtime manager the provisioner drives.
type Guilds interface {
	Create(ctx context.Context, spec guild.GuildSpec) (*guild.GuildSpec, error)
	Get(ctx context.Context, id string) (*guild.GuildSpec, error)
	UpdateStatus(ctx context.Context, id, status string) (*guild.GuildSpec, error)
}

// Options configures a Provisioner.
type Options struct {
	Logger zerolog.Logger
	// Settle is how long a file must stay quiet after a write before it is loaded.
	Settle time.Duration
}

// Provisioner loads and watches one spec directory.
type Provisioner struct {
	dir    string
	guilds Guilds
	logger zerolog.Logger
	settle time.Duration

	mu    sync.Mutex
	files map[string]string // path -> guild id
}

// New creates a provisioner for dir.
func New(dir string, guilds Guilds, opts Options) *Provisioner {
	if opts.Settle <= 0 {
		opts.Settle = defaultSettle
	}
	return &Provisioner{
		dir:    dir,
		guilds: guilds,
		logger: opts.Logger.With().Str("spec_dir", dir).Logger(),
		settle: opts.Settle,
		files:  make(map[string]string),
	}
}

// StableID derives the guild id of a spec file that does not name one, so the same file
// maps to the same guild across restarts.
func StableID(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("file://"+abs)).String()
}

// LoadAll applies every spec file in the directory and returns how many were applied.
func (p *Provisioner) LoadAll(ctx context.Context) (int, error) {
	entries, err := os.ReadDir(p.dir)
	if err != nil {
		return 0, fmt.Errorf("failed to read spec directory: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && config.IsGuildSpecFile(e.Name()) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	applied := 0
	for _, name := range names {
		if p.Apply(ctx, filepath.Join(p.dir, name)) {
			applied++
		}
	}
	return applied, nil
}

// Apply loads one spec file and creates or updates its guild. It reports whether the
// file was applied.
func (p *Provisioner) Apply(ctx context.Context, path string) bool {
	spec, err := config.LoadGuildSpec(path)
	if err != nil {
		p.skip(path, err)
		return false
	}
	if spec.ID == "" {
		spec.ID = StableID(path)
	}
	desired := spec.Status
	if desired == "" {
		desired = guild.StatusActive
	}

	existing, err := p.guilds.Get(ctx, spec.ID)
	switch {
	case guild.IsNotFound(err):
		created, err := p.guilds.Create(ctx, *spec)
		if err != nil {
			p.skip(path, err)
			return false
		}
		observability.Event(p.logger.Info(), "spec_file_created").
			Str("file", filepath.Base(path)).
			Str("guild_id", created.ID).
			Msg("created guild from spec file")
		if desired != created.Status {
			if _, err := p.guilds.UpdateStatus(ctx, created.ID, string(desired)); err != nil {
				p.skip(path, err)
			}
		}
	case err != nil:
		p.skip(path, err)
		return false
	default:
		if desired != existing.Status {
			if _, err := p.guilds.UpdateStatus(ctx, existing.ID, string(desired)); err != nil {
				p.skip(path, err)
				return false
			}
			observability.Event(p.logger.Info(), "spec_file_status").
				Str("file", filepath.Base(path)).
				Str("guild_id", existing.ID).
				Str("status", string(desired)).
				Msg("guild status set from spec file")
		}
	}

	p.mu.Lock()
	p.files[path] = spec.ID
	p.mu.Unlock()
	return true
}

// Remove stops the guild a removed file provisioned. Files never applied are ignored.
func (p *Provisioner) Remove(ctx context.Context, path string) {
	p.mu.Lock()
	id, ok := p.files[path]
	delete(p.files, path)
	p.mu.Unlock()
	if !ok {
		return
	}

	if _, err := p.guilds.UpdateStatus(ctx, id, string(guild.StatusStopped)); err != nil {
		observability.Event(p.logger.Warn(), "spec_file_remove_failed").
			Str("file", filepath.Base(path)).
			Str("guild_id", id).
			Err(err).
			Msg("failed to stop guild of removed spec file")
		return
	}
	observability.Event(p.logger.Info(), "spec_file_removed").
		Str("file", filepath.Base(path)).
		Str("guild_id", id).
		Msg("stopped guild of removed spec file")
}

// Files returns the guild id provisioned from each applied file.
func (p *Provisioner) Files() map[string]string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]string, len(p.files))
	for k, v := range p.files {
		out[k] = v
	}
	return out
}

func (p *Provisioner) skip(path string, err error) {
	observability.Event(p.logger.Warn(), "spec_file_skipped").
		Str("file", filepath.Base(path)).
		Err(err).
		Msg("skipping spec file")
}

// Watch applies changes to the directory until ctx is cancelled. Writes are applied once
// the file has been quiet for the settle period.
func (p *Provisioner) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(p.dir); err != nil {
		return fmt.Errorf("watch %s: %w", p.dir, err)
	}

	ready := make(chan string)
	pending := make(map[string]*time.Timer)
	defer func() {
		for _, t := range pending {
			t.Stop()
		}
	}()

	schedule := func(path string) {
		if t, ok := pending[path]; ok {
			t.Stop()
		}
		pending[path] = time.AfterFunc(p.settle, func() {
			select {
			case ready <- path:
			case <-ctx.Done():
			}
		})
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !config.IsGuildSpecFile(event.Name) {
				continue
			}
			switch {
			case event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename):
				if t, ok := pending[event.Name]; ok {
					t.Stop()
					delete(pending, event.Name)
				}
				p.Remove(ctx, event.Name)
			case event.Has(fsnotify.Write) || event.Has(fsnotify.Create):
				schedule(event.Name)
			}
		case path := <-ready:
			delete(pending, path)
			if _, err := os.Stat(path); err != nil {
				continue
			}
			p.Apply(ctx, path)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			observability.Event(p.logger.Error(), "spec_watch_error").Err(err).Msg("fsnotify error")
		}
	}
}
