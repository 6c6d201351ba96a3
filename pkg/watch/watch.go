// Package watch rebuilds tasks when their source files change.
package watch

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"

	"github.com/ngld/sitebuild/pkg/stream"
)

// Rule maps a set of glob patterns (absolute paths) to a build
type Rule struct {
	Name     string
	Patterns []string
	Run      func(context.Context) error
}

// Options configures a Watcher
type Options struct {
	Debounce time.Duration
	Logger   zerolog.Logger
	// Ready, if set, is closed once all directories are being watched
	Ready chan<- struct{}
}

// Watch observes the directories below each rule's patterns and triggers the rule's queue on
// matching changes until ctx is canceled.
func Watch(ctx context.Context, opts Options, rules ...Rule) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return eris.Wrap(err, "failed to create file watcher")
	}
	defer watcher.Close()

	logger := opts.Logger
	queues := make([]*Queue, len(rules))
	for idx, rule := range rules {
		rule := rule
		queues[idx] = NewQueue(ctx, opts.Debounce, func(ctx context.Context) error {
			logger.Info().Str("task", rule.Name).Msg("Change detected, rebuilding")
			return rule.Run(ctx)
		}, func(err error) {
			logger.Error().Str("task", rule.Name).Err(err).Msg("Rebuild failed")
		})
	}
	defer func() {
		for _, q := range queues {
			q.Stop()
		}
	}()

	watched := make(map[string]bool)
	for _, rule := range rules {
		for _, pattern := range rule.Patterns {
			base := stream.GlobBase(pattern)
			if err = addRecursive(watcher, base, watched); err != nil {
				return err
			}
		}
	}

	logger.Debug().Int("dirs", len(watched)).Msg("Watching for changes")
	if opts.Ready != nil {
		close(opts.Ready)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn().Err(err).Msg("File watcher reported an error")
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}

			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err = addRecursive(watcher, event.Name, watched); err != nil {
						logger.Warn().Err(err).Msgf("Failed to watch %s", event.Name)
					}
					// files may have been created before the watch was in place
					triggerDir(event.Name, rules, queues)
					continue
				}
			}

			if event.Has(fsnotify.Chmod) && !event.Has(fsnotify.Write) {
				continue
			}

			for idx, rule := range rules {
				if Matches(rule.Patterns, event.Name) {
					queues[idx].Trigger()
				}
			}
		}
	}
}

// Matches reports whether path matches any of the patterns
func Matches(patterns []string, path string) bool {
	for _, pattern := range patterns {
		ok, err := doublestar.PathMatch(filepath.Clean(pattern), filepath.Clean(path))
		if err == nil && ok {
			return true
		}
	}
	return false
}

func triggerDir(dir string, rules []Rule, queues []*Queue) {
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}

		for idx, rule := range rules {
			if Matches(rule.Patterns, path) {
				queues[idx].Trigger()
			}
		}
		return nil
	})
}

func addRecursive(watcher *fsnotify.Watcher, root string, watched map[string]bool) error {
	info, err := os.Stat(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return eris.Wrapf(err, "failed to access %s", root)
	}
	if !info.IsDir() {
		root = filepath.Dir(root)
	}

	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return eris.Wrapf(err, "failed to scan %s", path)
		}
		if !d.IsDir() || watched[path] {
			return nil
		}

		if err := watcher.Add(path); err != nil {
			return eris.Wrapf(err, "failed to watch %s", path)
		}
		watched[path] = true
		return nil
	})
}
