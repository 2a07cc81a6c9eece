package notify

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/zjrosen/foreman/internal/log"
)

// imageExtensions are the file types forwarded to the chat.
var imageExtensions = map[string]bool{
	".png":  true,
	".jpg":  true,
	".jpeg": true,
	".gif":  true,
	".webp": true,
	".bmp":  true,
}

// ImageSweeper tracks image files appearing in a workspace directory.
// Images present when the sweeper starts are considered already sent;
// only files that appear afterwards are reported. A filesystem watcher
// feeds new paths between sweeps, and Sweep rescans the directory so a
// missed event never loses an image.
type ImageSweeper struct {
	dir     string
	watcher *fsnotify.Watcher

	mu      sync.Mutex
	sent    map[string]bool
	pending map[string]bool
	closed  bool
}

// NewImageSweeper starts watching the directory. The directory must
// exist.
func NewImageSweeper(dir string) (*ImageSweeper, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return nil, err
	}

	s := &ImageSweeper{
		dir:     dir,
		watcher: watcher,
		sent:    make(map[string]bool),
		pending: make(map[string]bool),
	}

	// Whatever is already there predates this worker run.
	for _, path := range s.scan() {
		s.sent[path] = true
	}

	go s.watch()
	return s, nil
}

func (s *ImageSweeper) watch() {
	for {
		select {
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if !event.Op.Has(fsnotify.Create) && !event.Op.Has(fsnotify.Write) {
				continue
			}
			if !isImage(event.Name) {
				continue
			}
			s.mu.Lock()
			if !s.sent[event.Name] {
				s.pending[event.Name] = true
			}
			s.mu.Unlock()
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			log.Warn(log.CatNotify, "workspace watcher error", "dir", s.dir, "error", err)
		}
	}
}

// Sweep returns the unsent images, sorted, combining watcher events
// with a fresh directory scan.
func (s *ImageSweeper) Sweep() []string {
	fresh := s.scan()

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, path := range fresh {
		if !s.sent[path] {
			s.pending[path] = true
		}
	}

	out := make([]string, 0, len(s.pending))
	for path := range s.pending {
		out = append(out, path)
	}
	sort.Strings(out)
	return out
}

// MarkSent records a successful delivery so the image is not resent.
func (s *ImageSweeper) MarkSent(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent[path] = true
	delete(s.pending, path)
}

// Close stops the watcher.
func (s *ImageSweeper) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	return s.watcher.Close()
}

// scan lists image files at the top level of the workspace.
func (s *ImageSweeper) scan() []string {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		log.Warn(log.CatNotify, "workspace scan failed", "dir", s.dir, "error", err)
		return nil
	}
	var paths []string
	for _, entry := range entries {
		if entry.IsDir() || !isImage(entry.Name()) {
			continue
		}
		paths = append(paths, filepath.Join(s.dir, entry.Name()))
	}
	return paths
}

func isImage(path string) bool {
	return imageExtensions[strings.ToLower(filepath.Ext(path))]
}
