package code

import (
	"context"
	"io/fs"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/Maxime-Gagne/secondmind/internal/logging"
)

// debounceWindow batches bursts of write events into one rebuild.
const debounceWindow = 2 * time.Second

// Watcher triggers a subsystem rebuild when source files change.
type Watcher struct {
	sub     *Subsystem
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewWatcher registers every non-blacklisted directory under the subsystem's
// roots.
func NewWatcher(sub *Subsystem) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{sub: sub, watcher: fsw, done: make(chan struct{})}

	for _, root := range sub.roots {
		filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil || !d.IsDir() {
				return nil
			}
			if _, skip := dirBlacklist[d.Name()]; skip {
				return filepath.SkipDir
			}
			if err := fsw.Add(path); err != nil {
				logging.Get(logging.CategoryCode).Debugw("watch add failed", "path", path, "err", err)
			}
			return nil
		})
	}
	return w, nil
}

// Run consumes events until ctx is cancelled. Rebuilds run inline on the
// watcher goroutine after the debounce window closes.
func (w *Watcher) Run(ctx context.Context) {
	defer close(w.done)
	log := logging.Get(logging.CategoryCode)

	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !relevantEvent(ev) {
				continue
			}
			log.Debugw("source change", "path", ev.Name, "op", ev.Op.String())
			if timer == nil {
				timer = time.NewTimer(debounceWindow)
				timerC = timer.C
			} else {
				timer.Reset(debounceWindow)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Warnw("watch error", "err", err)
		case <-timerC:
			timer = nil
			timerC = nil
			if err := w.sub.Rebuild(ctx); err != nil {
				log.Errorw("watch-triggered rebuild failed", "err", err)
			}
		}
	}
}

// Close stops the watcher and waits for Run to exit.
func (w *Watcher) Close() error {
	err := w.watcher.Close()
	<-w.done
	return err
}

func relevantEvent(ev fsnotify.Event) bool {
	if !ev.Op.Has(fsnotify.Write) && !ev.Op.Has(fsnotify.Create) && !ev.Op.Has(fsnotify.Rename) {
		return false
	}
	name := ev.Name
	if !strings.HasSuffix(name, ".go") || strings.HasSuffix(name, "_test.go") {
		return false
	}
	return !blacklistedPath(name)
}
