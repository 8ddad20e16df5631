package config

import (
	"context"
	"fmt"
	"log"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads path whenever it is written or replaced and calls onChange
// with each config that loads cleanly. Invalid edits are logged and skipped.
//
// The parent directory is watched rather than the file itself so editors that
// save through rename-and-replace keep triggering reloads. Watch blocks until
// ctx is done.
func Watch(ctx context.Context, path string, onChange func(Config)) error {
	if ctx == nil {
		return fmt.Errorf("ctx is nil")
	}
	if onChange == nil {
		return fmt.Errorf("onChange is nil")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("config path: %w", err)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config watch: %w", err)
	}
	defer func() { _ = w.Close() }()
	if err := w.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("config watch %s: %w", filepath.Dir(abs), err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			cfg, err := Load(abs)
			if err != nil {
				log.Printf("config reload failed path=%s: %v", abs, err)
				continue
			}
			log.Printf("config reloaded path=%s", abs)
			onChange(cfg)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			log.Printf("config watch error: %v", err)
		}
	}
}
