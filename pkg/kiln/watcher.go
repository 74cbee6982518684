package kiln

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/karrick/godirwalk"
	log "github.com/sirupsen/logrus"
)

// WatchSources watches the given source roots until the context is done.
// Every changed file path is sent on the returned channel; .git internals are
// ignored. Newly created directories are picked up as they appear.
func WatchSources(ctx context.Context, roots []string) (changed <-chan string, errs <-chan error) {
	var (
		chng    = make(chan string)
		errchan = make(chan error, 1)
	)
	changed = chng
	errs = errchan

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		errchan <- err
		return
	}

	for _, root := range roots {
		err := godirwalk.Walk(root, &godirwalk.Options{
			Callback: func(path string, de *godirwalk.Dirent) error {
				if !de.IsDir() {
					return nil
				}
				if filepath.Base(path) == ".git" {
					return filepath.SkipDir
				}
				log.WithField("path", path).Debug("adding watcher")
				return watcher.Add(path)
			},
			Unsorted: true,
		})
		if err != nil {
			_ = watcher.Close()
			errchan <- err
			return
		}
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case evt := <-watcher.Events:
				if strings.Contains(evt.Name, string(filepath.Separator)+".git"+string(filepath.Separator)) {
					continue
				}
				if evt.Op&fsnotify.Create != 0 {
					if stat, err := os.Stat(evt.Name); err == nil && stat.IsDir() {
						_ = watcher.Add(evt.Name)
						log.WithField("path", evt.Name).Debug("added new source folder")
					}
				}
				log.WithField("path", evt.Name).Debug("source file changed")
				select {
				case chng <- evt.Name:
				case <-ctx.Done():
					return
				}
			case err := <-watcher.Errors:
				select {
				case errchan <- err:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	return
}
