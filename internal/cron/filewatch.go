package cron

import (
	"context"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// fileWatchDebounce is how long after the last filesystem event a watch
// trigger waits before firing, so editors that write-then-rename don't
// fire the trigger twice.
const fileWatchDebounce = 2 * time.Second

// StartFileWatchers fires watch jobs that declare watch_paths whenever one
// of their paths changes. Returns immediately; watching stops when ctx is
// cancelled. Jobs without watch paths are untouched.
func (s *Scheduler) StartFileWatchers(ctx context.Context) error {
	s.mu.Lock()
	type watchTarget struct {
		jobName string
		paths   []string
	}
	var targets []watchTarget
	for _, job := range s.jobs {
		if job.Type != JobTypeWatch || job.Watch == nil || len(job.Watch.WatchPaths) == 0 {
			continue
		}
		targets = append(targets, watchTarget{jobName: job.Name, paths: job.Watch.WatchPaths})
	}
	s.mu.Unlock()

	if len(targets) == 0 {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	pathToJobs := make(map[string][]string)
	for _, target := range targets {
		for _, path := range target.paths {
			if err := watcher.Add(path); err != nil {
				s.logger.Warn("watch path unavailable", "job", target.jobName, "path", path, "error", err)
				continue
			}
			pathToJobs[path] = append(pathToJobs[path], target.jobName)
		}
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer watcher.Close()

		var mu sync.Mutex
		pending := make(map[string]*time.Timer)

		fire := func(jobName string) {
			mu.Lock()
			delete(pending, jobName)
			mu.Unlock()
			if _, _, err := s.FireTrigger(ctx, jobName, false); err != nil {
				s.logger.Warn("file-watch trigger failed", "job", jobName, "error", err)
			}
		}

		schedule := func(jobName string) {
			mu.Lock()
			defer mu.Unlock()
			if timer, ok := pending[jobName]; ok {
				timer.Reset(fileWatchDebounce)
				return
			}
			pending[jobName] = time.AfterFunc(fileWatchDebounce, func() { fire(jobName) })
		}

		for {
			select {
			case <-ctx.Done():
				mu.Lock()
				for _, timer := range pending {
					timer.Stop()
				}
				mu.Unlock()
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
					continue
				}
				for path, jobNames := range pathToJobs {
					if !eventMatchesPath(event.Name, path) {
						continue
					}
					for _, jobName := range jobNames {
						schedule(jobName)
					}
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				s.logger.Warn("file watcher error", "error", err)
			}
		}
	}()
	return nil
}

// eventMatchesPath reports whether an fsnotify event path belongs to a
// registered watch path: the path itself, or any path beneath it when the
// registered path is a directory.
func eventMatchesPath(eventPath, watchPath string) bool {
	if eventPath == watchPath {
		return true
	}
	prefix := watchPath
	if prefix == "" {
		return false
	}
	if prefix[len(prefix)-1] != '/' {
		prefix += "/"
	}
	return len(eventPath) > len(prefix) && eventPath[:len(prefix)] == prefix
}
