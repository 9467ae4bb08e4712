package events

import (
	"context"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/masc-dev/masc/internal/common/logger"
	"github.com/masc-dev/masc/internal/events/bus"
)

// Watcher observes the room's .masc directory for out-of-band file changes
// (another process, a human editing state) and publishes room.updated
// events, debounced so a burst of writes yields one event.
type Watcher struct {
	base     string
	cluster  string
	bus      bus.EventBus
	log      *logger.Logger
	debounce time.Duration
}

// NewWatcher creates a watcher over the .masc directory under base.
func NewWatcher(base, cluster string, b bus.EventBus, log *logger.Logger) *Watcher {
	if log == nil {
		log = logger.Default()
	}
	return &Watcher{
		base:     base,
		cluster:  cluster,
		bus:      b,
		log:      log.WithFields(zap.String("component", "room_watcher")),
		debounce: 250 * time.Millisecond,
	}
}

// Run watches until ctx is done. When fsnotify cannot be set up (some
// network filesystems), it degrades to a silent no-op; the room still
// works, only out-of-band change events are lost.
func (w *Watcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		w.log.Warn("fsnotify unavailable, room watcher disabled", zap.Error(err))
		<-ctx.Done()
		return nil
	}
	defer watcher.Close()

	dir := filepath.Join(w.base, ".masc")
	if err := watcher.Add(dir); err != nil {
		w.log.Warn("cannot watch room dir, room watcher disabled", zap.Error(err))
		<-ctx.Done()
		return nil
	}
	w.log.Info("room watcher started", zap.String("dir", dir))

	var pending []string
	var timer *time.Timer
	var fire <-chan time.Time

	flush := func() {
		if len(pending) == 0 {
			return
		}
		event := bus.NewEvent(RoomUpdated, "watcher", map[string]any{
			"files": pending,
		})
		if err := w.bus.Publish(ctx, Subject(w.cluster, "room.updated"), event); err != nil {
			w.log.Warn("room.updated publish failed", zap.Error(err))
		}
		pending = nil
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			name := filepath.Base(ev.Name)
			// Temp files and lock records churn constantly; skip them.
			if strings.HasPrefix(name, ".masc-tmp-") || strings.HasSuffix(name, ".lock") {
				continue
			}
			pending = append(pending, name)
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C
		case <-fire:
			fire = nil
			flush()
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("room watcher error", zap.Error(err))
		}
	}
}
