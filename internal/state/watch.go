package state

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// debounceWindow coalesces the burst of events a single atomic record
// replacement produces into one notification.
const debounceWindow = 200 * time.Millisecond

// Watch monitors the state directory and calls onChange with the name
// of each record another process replaced. It blocks until the context
// is cancelled. Temporary files from in-flight writes are ignored, so
// onChange only ever fires for committed records.
func (r *Records) Watch(ctx context.Context, onChange func(name string)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating fsnotify watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(r.dir); err != nil {
		return fmt.Errorf("watching state directory: %w", err)
	}

	pending := make(map[string]struct{})

	timer := time.NewTimer(debounceWindow)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("fsnotify events channel closed")
			}

			name, ok := recordName(event)
			if !ok {
				continue
			}

			if len(pending) == 0 {
				timer.Reset(debounceWindow)
			}
			pending[name] = struct{}{}

		case <-timer.C:
			for name := range pending {
				onChange(name)
			}
			clear(pending)

		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("fsnotify errors channel closed")
			}
			// Watch errors are non-fatal; the next committed write
			// will still be picked up if the watch survives.
			_ = err
		}
	}
}

// recordName maps a filesystem event to a record name, filtering out
// temporary files and unrelated entries.
func recordName(event fsnotify.Event) (string, bool) {
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) && !event.Has(fsnotify.Rename) {
		return "", false
	}

	base := filepath.Base(event.Name)
	if strings.HasSuffix(base, tmpSuffix) {
		return "", false
	}

	name, ok := strings.CutSuffix(base, recordExt)
	if !ok || name == "" {
		return "", false
	}

	return name, true
}
