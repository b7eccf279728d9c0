package config

import (
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/ghettovoice/gosip/log"
)

// Watcher arms a callback whenever the configuration file is rewritten.
// Editors replace the file rather than writing in place, so the watch is on
// the parent directory and events are filtered by name.
type Watcher struct {
	fw   *fsnotify.Watcher
	done chan struct{}
}

func Watch(path string, onChange func(), logger log.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(filepath.Dir(path)); err != nil {
		fw.Close()
		return nil, err
	}

	w := &Watcher{fw: fw, done: make(chan struct{})}
	target := filepath.Base(path)
	lg := logger.WithPrefix("ConfigWatch")

	go func() {
		for {
			select {
			case ev, ok := <-fw.Events:
				if !ok {
					return
				}
				if filepath.Base(ev.Name) != target {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				lg.Infof("%s changed, scheduling reload", path)
				onChange()
			case err, ok := <-fw.Errors:
				if !ok {
					return
				}
				lg.Warnf("watch error: %v", err)
			case <-w.done:
				return
			}
		}
	}()
	return w, nil
}

func (w *Watcher) Close() error {
	close(w.done)
	return w.fw.Close()
}
