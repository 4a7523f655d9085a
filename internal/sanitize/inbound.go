// Package sanitize guards the prompt boundary in both directions: user text
// is escaped before it is embedded into a generated prompt, and model output
// is validated and repaired before anything downstream trusts it.
package sanitize

import (
	"bufio"
	"os"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"smartquery/internal/logging"
)

// Prompt section delimiters. User text must never be able to terminate the
// data section early, so these sequences are neutralized on the way in.
const (
	DataOpen  = "<<<DATA>>>"
	DataClose = "<<<END_DATA>>>"
)

// defaultMarkers are the built-in instructions-to-the-model phrases stripped
// from user text. A patterns file extends this set at runtime.
var defaultMarkers = []string{
	"ignore previous instructions",
	"ignore all previous instructions",
	"disregard the above",
	"disregard all previous",
	"forget your instructions",
	"you are now",
	"new instructions:",
	"system prompt",
	"begin new session",
}

// Sanitizer escapes inbound user text. The injection-marker set can be
// extended by a newline-separated patterns file which is hot-reloaded on
// change, so the denylist can be updated without a restart.
type Sanitizer struct {
	mu       sync.RWMutex
	markers  []string
	watcher  *fsnotify.Watcher
	filePath string
}

// New returns a sanitizer with the built-in marker set.
func New() *Sanitizer {
	return &Sanitizer{markers: append([]string(nil), defaultMarkers...)}
}

// NewFromFile returns a sanitizer whose marker set is the built-in set plus
// the patterns in path (one per line, # comments). The file is watched and
// reloaded on change.
func NewFromFile(path string) (*Sanitizer, error) {
	s := New()
	s.filePath = path

	if err := s.reload(); err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return nil, err
	}
	s.watcher = watcher

	go s.watch()
	return s, nil
}

func (s *Sanitizer) watch() {
	for {
		select {
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				if err := s.reload(); err != nil {
					logging.Get(logging.CategorySanitize).Error("pattern reload failed: %v", err)
				} else {
					logging.Sanitize("injection patterns reloaded from %s", s.filePath)
				}
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			logging.Get(logging.CategorySanitize).Warn("pattern watcher: %v", err)
		}
	}
}

func (s *Sanitizer) reload() error {
	f, err := os.Open(s.filePath)
	if err != nil {
		return err
	}
	defer f.Close()

	markers := append([]string(nil), defaultMarkers...)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		markers = append(markers, strings.ToLower(line))
	}
	if err := scanner.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	s.markers = markers
	s.mu.Unlock()
	return nil
}

// Close stops the pattern watcher.
func (s *Sanitizer) Close() error {
	if s.watcher != nil {
		return s.watcher.Close()
	}
	return nil
}

// EscapeUserText neutralizes prompt delimiters and strips injection markers
// so the returned string is safe to embed between DataOpen and DataClose.
// Pure given the current marker snapshot.
func (s *Sanitizer) EscapeUserText(text string) string {
	// Break delimiter sequences so user text cannot close the data section.
	out := strings.ReplaceAll(text, "<<<", "< < <")
	out = strings.ReplaceAll(out, ">>>", "> > >")
	out = strings.ReplaceAll(out, "```", "` ` `")

	s.mu.RLock()
	markers := s.markers
	s.mu.RUnlock()

	lower := strings.ToLower(out)
	for _, marker := range markers {
		for {
			idx := strings.Index(lower, marker)
			if idx < 0 {
				break
			}
			logging.SanitizeDebug("stripped injection marker %q", marker)
			out = out[:idx] + "[filtered]" + out[idx+len(marker):]
			lower = strings.ToLower(out)
		}
	}
	return out
}

// WrapData surrounds escaped user text with the data delimiters.
func (s *Sanitizer) WrapData(text string) string {
	return DataOpen + "\n" + s.EscapeUserText(text) + "\n" + DataClose
}
