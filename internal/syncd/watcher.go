package syncd

import (
	"log/slog"

	"github.com/rjeczalik/notify"
)

// events are buffered because notify drops events when the receiver lags
const eventBufferSize = 64

// Watcher surfaces filesystem change events for the watched mount roots
// over one shared channel.
type Watcher struct {
	events chan notify.EventInfo
}

func NewWatcher() *Watcher {
	return &Watcher{
		events: make(chan notify.EventInfo, eventBufferSize),
	}
}

// Watch adds a directory tree to the watch set. Watched trees stay watched
// until Stop; a removed mount's events are simply ignored downstream.
func (w *Watcher) Watch(dir string) error {
	slog.Info("watcher add", "dir", dir)

	recursivePath := dir + "/..."
	return notify.Watch(recursivePath, w.events, notify.Write, notify.Create, notify.Remove, notify.Rename)
}

func (w *Watcher) Stop() {
	notify.Stop(w.events)
	close(w.events)
	slog.Info("watcher stop")
}

func (w *Watcher) Events() <-chan notify.EventInfo {
	return w.events
}
