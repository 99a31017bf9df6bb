package validator

import (
	"encoding/json"
	"log/slog"
	"os"

	"github.com/fsnotify/fsnotify"
)

// PatternFile is the on-disk JSON shape accepted by LoadPatternFile and
// watched by WatchPatternFile, mirroring the rule-file wrapper format the
// signature engine's FileRuleLoader reads.
type PatternFile struct {
	Patterns []*Pattern `json:"patterns"`
}

// LoadPatternFile reads and parses a JSON pattern table from disk.
func LoadPatternFile(path string) ([]*Pattern, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var f PatternFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	return f.Patterns, nil
}

// WatchPatternFile watches path for writes and reloads v's pattern table on
// each change, returning a stop function. A malformed file on disk is
// logged and otherwise ignored, leaving the validator's current table in
// place until a valid file appears.
func WatchPatternFile(v *Validator, path string, log *slog.Logger) (stop func(), err error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return nil, err
	}

	done := make(chan struct{})
	go func() {
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				patterns, err := LoadPatternFile(path)
				if err != nil {
					log.Warn("validator pattern reload failed", "path", path, "error", err)
					continue
				}
				v.Reload(patterns)
				log.Info("validator pattern table reloaded", "path", path, "count", len(patterns))
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warn("validator pattern watcher error", "error", err)
			case <-done:
				return
			}
		}
	}()

	return func() {
		close(done)
		watcher.Close()
	}, nil
}
