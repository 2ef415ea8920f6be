package cliauth

import (
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// authFiles are the base names that carry login state. Events on
// anything else in the watched directories are ignored.
var authFiles = map[string]bool{
	".claude.json":      true,
	".credentials.json": true,
	"auth.json":         true,
	"oauth_creds.json":  true,
}

type authWatcher struct {
	fs      *fsnotify.Watcher
	changed chan string
	done    chan struct{}
}

func newAuthWatcher(logger *slog.Logger, dirs []string) (*authWatcher, error) {
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	for _, dir := range dirs {
		// Directories appear once the user installs the CLI; missing
		// ones are skipped rather than fatal.
		if err := fs.Add(dir); err != nil {
			logger.Debug("not watching", "dir", dir, "error", err)
		}
	}

	w := &authWatcher{
		fs:      fs,
		changed: make(chan string, 4),
		done:    make(chan struct{}),
	}
	go w.loop()
	return w, nil
}

// Changed yields the path of each auth file event. The channel closes
// when the watcher is closed.
func (w *authWatcher) Changed() <-chan string {
	return w.changed
}

func (w *authWatcher) Close() error {
	err := w.fs.Close()
	<-w.done
	return err
}

func (w *authWatcher) loop() {
	defer close(w.done)
	defer close(w.changed)
	for {
		select {
		case event, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if !authFiles[filepath.Base(event.Name)] {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			select {
			case w.changed <- event.Name:
			default: // a queued event already pending is enough to invalidate
			}
		case _, ok := <-w.fs.Errors:
			if !ok {
				return
			}
		}
	}
}
