package catalog

import (
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/ThatsRight-ItsTJ/your-pal-moe/internal/utils"
)

// debounce window for editors that write the file in several operations
const reloadDebounce = 500 * time.Millisecond

// Watch starts watching the providers file and reloads the catalog on
// change. Returns a stop function. Watching the parent directory covers
// editors and deploy tools that replace the file via rename.
func (c *Catalog) Watch() (func(), error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	dir := filepath.Dir(c.source)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, err
	}

	done := make(chan struct{})
	go func() {
		var timer *time.Timer
		target := filepath.Clean(c.source)

		for {
			select {
			case <-done:
				if timer != nil {
					timer.Stop()
				}
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
					continue
				}
				if timer != nil {
					timer.Stop()
				}
				timer = time.AfterFunc(reloadDebounce, func() {
					if err := c.Reload(); err != nil {
						utils.Error("[Catalog] Reload after file change failed: %v", err)
					}
				})
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				utils.Warn("[Catalog] Watcher error: %v", err)
			}
		}
	}()

	utils.Info("[Catalog] Watching %s for changes", c.source)
	return func() {
		close(done)
		watcher.Close()
	}, nil
}
