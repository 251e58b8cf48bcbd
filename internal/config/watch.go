package config

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watch calls onChange with the reloaded config whenever path is written,
// created or replaced, until ctx is done. The directory is watched so that
// editors which rename over the file are seen. Reload errors go to onErr.
func Watch(ctx context.Context, path string, onChange func(Config), onErr func(error)) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("config path: %w", err)
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	dir := filepath.Dir(abs)
	if err := w.Add(dir); err != nil {
		w.Close()
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	if onErr == nil {
		onErr = func(error) {}
	}
	go func() {
		defer w.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				// k8s configmaps swap a ..data symlink
				configMap := ev.Name == filepath.Join(dir, "..data") && ev.Has(fsnotify.Create)
				if !configMap && (ev.Name != abs || !(ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create))) {
					continue
				}
				cfg, err := Load(abs)
				if err != nil {
					onErr(err)
					continue
				}
				onChange(cfg)
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				onErr(err)
			}
		}
	}()
	return nil
}
