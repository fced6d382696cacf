package dispatch

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// DefaultHelp is sent when no help file is configured or it cannot be read.
var DefaultHelp = []string{
	".ai <message> or <botnick>: <message> to talk to me.",
	".x <user> <message> to talk to another user's history for collaboration.",
	".persona <personality> to change my personality. I can be any personality type, character, inanimate object, place, concept.",
	".custom <prompt> to use a custom system prompt instead of a persona.",
	".stock to set to stock settings, i.e. no system prompt.",
	".reset to reset to default personality.",
}

// AdminHelp is appended for admins.
var AdminHelp = []string{
	"Admin: .model [name] to list or change models, .default <persona> to change the default persona,",
	"Admin: .join <#channel>, .part [#channel] [reason], .nick <name>.",
}

// Help holds the help text, optionally backed by a file that is reloaded when
// it changes on disk.
type Help struct {
	path   string
	logger *zap.Logger

	mu    sync.RWMutex
	lines []string
}

// NewHelp loads path, falling back to DefaultHelp. An empty path means the
// built-in text only.
func NewHelp(path string, logger *zap.Logger) *Help {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Help{lines: DefaultHelp, logger: logger}
	if path != "" {
		h.path = filepath.Clean(path)
		if err := h.Reload(); err != nil {
			logger.Warn("help file unavailable, using built-in help", zap.String("path", h.path), zap.Error(err))
		}
	}
	return h
}

// Lines returns the current help text.
func (h *Help) Lines() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.lines
}

// Reload re-reads the help file. The previous text stays on error.
func (h *Help) Reload() error {
	if h.path == "" {
		return nil
	}
	raw, err := os.ReadFile(h.path)
	if err != nil {
		return fmt.Errorf("read help file: %w", err)
	}

	var lines []string
	scanner := bufio.NewScanner(bytes.NewReader(raw))
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			lines = append(lines, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("scan help file: %w", err)
	}
	if len(lines) == 0 {
		return fmt.Errorf("help file %s is empty", h.path)
	}

	h.mu.Lock()
	h.lines = lines
	h.mu.Unlock()
	return nil
}

// Watch reloads the help file whenever it changes until ctx is done. The
// parent directory is watched so editors that replace the file are seen.
func (h *Help) Watch(ctx context.Context) error {
	if h.path == "" {
		<-ctx.Done()
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create help watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(h.path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(h.path), err)
	}

	// Debounce rapid saves into one reload.
	debounce := time.NewTimer(time.Hour)
	debounce.Stop()
	defer debounce.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != h.path {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			debounce.Reset(100 * time.Millisecond)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			h.logger.Warn("help watcher error", zap.Error(err))

		case <-debounce.C:
			if err := h.Reload(); err != nil {
				h.logger.Warn("help reload failed", zap.Error(err))
				continue
			}
			h.logger.Info("help file reloaded", zap.String("path", h.path), zap.Int("lines", len(h.Lines())))
		}
	}
}
