package signal

import (
	"context"
	"os"

	"github.com/fsnotify/fsnotify"
)

// Watch delivers a wake-up whenever the signal directory changes. It returns
// a nil channel when watching is unavailable, leaving callers on their poll
// ticker alone. The channel is closed when ctx ends.
func (p *Protocol) Watch(ctx context.Context) <-chan struct{} {
	dir := p.SignalsDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		p.logger.Debug("signal watch unavailable", "err", err)
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		p.logger.Debug("signal watch unavailable", "err", err)
		return nil
	}
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		p.logger.Debug("signal watch unavailable", "dir", dir, "err", err)
		return nil
	}
	wake := make(chan struct{}, 1)
	go func() {
		defer close(wake)
		defer func() { _ = watcher.Close() }()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Rename) {
					continue
				}
				select {
				case wake <- struct{}{}:
				default:
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				p.logger.Debug("signal watcher error", "err", err)
			}
		}
	}()
	return wake
}
