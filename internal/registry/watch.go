package registry

import (
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// WatchNamespaceDir watches dir for changes to companion *.imgql export
// files and reloads the named namespace's ExportedSource whenever one
// changes, so a `repl` session picks up edits without restarting.
// It runs until stop is closed and is best-effort: watch errors are
// logged, never returned, since a broken watcher must not take down a REPL.
func WatchNamespaceDir(reg *Registry, namespace, dir string, log *slog.Logger, stop <-chan struct{}) {
	if log == nil {
		log = slog.Default()
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		log.Warn("registry: failed to start namespace watcher", "namespace", namespace, "error", err)
		return
	}
	if err := w.Add(dir); err != nil {
		log.Warn("registry: failed to watch namespace dir", "namespace", namespace, "dir", dir, "error", err)
		w.Close()
		return
	}

	go func() {
		defer w.Close()
		for {
			select {
			case <-stop:
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if !strings.HasSuffix(ev.Name, ".imgql") {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
					continue
				}
				if err := reg.ReloadNamespaceExports(namespace, dir); err != nil {
					log.Warn("registry: failed to reload namespace exports", "namespace", namespace, "file", ev.Name, "error", err)
					continue
				}
				log.Debug("registry: reloaded namespace exports", "namespace", namespace, "file", filepath.Base(ev.Name))
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				log.Warn("registry: namespace watcher error", "namespace", namespace, "error", err)
			}
		}
	}()
}
