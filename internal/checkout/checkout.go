// Package checkout streams working-directory diff state to subscribers.
// One filesystem watcher per checkout is shared by every subscription on it;
// updates are debounced and computed by shelling out to git.
package checkout

import (
	"bytes"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/paseo-dev/paseo/internal/common/errs"
	"github.com/paseo-dev/paseo/internal/common/logger"
	"github.com/paseo-dev/paseo/pkg/protocol"
)

const (
	debounceWindow = 250 * time.Millisecond
	maxWatchedDirs = 2048
)

// Service owns the per-checkout watchers.
type Service struct {
	logger *logger.Logger

	mu       sync.Mutex
	watchers map[string]*watcher
}

// NewService creates the checkout diff service.
func NewService(log *logger.Logger) *Service {
	return &Service{
		logger:   log.WithFields(zap.String("component", "checkout")),
		watchers: make(map[string]*watcher),
	}
}

// Subscribe registers fn for diff updates on cwd. The initial snapshot is
// delivered asynchronously before any change-driven update. The returned
// cancel is idempotent.
func (s *Service) Subscribe(cwd string, fn func(protocol.CheckoutDiffUpdate)) (func(), error) {
	abs, err := filepath.Abs(cwd)
	if err != nil {
		return nil, errs.Wrap(errs.CodeBadCwd, "cannot resolve checkout path", err)
	}
	info, err := os.Stat(abs)
	if err != nil || !info.IsDir() {
		return nil, errs.Newf(errs.CodeBadCwd, "checkout path %q is not a directory", cwd)
	}

	s.mu.Lock()
	w, ok := s.watchers[abs]
	if !ok {
		w, err = newWatcher(abs, s.logger, func() {
			s.mu.Lock()
			delete(s.watchers, abs)
			s.mu.Unlock()
		})
		if err != nil {
			s.mu.Unlock()
			return nil, err
		}
		s.watchers[abs] = w
	}
	id := w.addSubscriber(fn)
	s.mu.Unlock()

	// Initial snapshot off the caller's goroutine.
	go w.deliver(id)

	var once sync.Once
	return func() {
		once.Do(func() { w.removeSubscriber(id) })
	}, nil
}

// Close tears down every watcher.
func (s *Service) Close() {
	s.mu.Lock()
	watchers := make([]*watcher, 0, len(s.watchers))
	for _, w := range s.watchers {
		watchers = append(watchers, w)
	}
	s.watchers = make(map[string]*watcher)
	s.mu.Unlock()

	for _, w := range watchers {
		w.stop()
	}
}

// watcher debounces filesystem events for one checkout and fans snapshots
// out to its subscribers.
type watcher struct {
	cwd      string
	logger   *logger.Logger
	fsw      *fsnotify.Watcher
	onEmpty  func()
	done     chan struct{}
	stopOnce sync.Once

	mu      sync.Mutex
	subs    map[int]func(protocol.CheckoutDiffUpdate)
	nextSub int
}

func newWatcher(cwd string, log *logger.Logger, onEmpty func()) (*watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errs.Wrap(errs.CodeInternal, "cannot create filesystem watcher", err)
	}

	w := &watcher{
		cwd:     cwd,
		logger:  log.WithFields(zap.String("cwd", cwd)),
		fsw:     fsw,
		onEmpty: onEmpty,
		done:    make(chan struct{}),
		subs:    make(map[int]func(protocol.CheckoutDiffUpdate)),
	}
	w.addWatchTree()
	go w.loop()
	return w, nil
}

// addWatchTree watches the checkout's directories. Contents of .git are
// skipped except the top, which covers index and HEAD changes.
func (w *watcher) addWatchTree() {
	count := 0
	_ = filepath.WalkDir(w.cwd, func(path string, d os.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return nil
		}
		if d.Name() == ".git" && path != w.cwd {
			if err := w.fsw.Add(path); err == nil {
				count++
			}
			return filepath.SkipDir
		}
		if count >= maxWatchedDirs {
			return filepath.SkipAll
		}
		if err := w.fsw.Add(path); err == nil {
			count++
		}
		return nil
	})
}

func (w *watcher) addSubscriber(fn func(protocol.CheckoutDiffUpdate)) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.nextSub++
	id := w.nextSub
	w.subs[id] = fn
	return id
}

func (w *watcher) removeSubscriber(id int) {
	w.mu.Lock()
	delete(w.subs, id)
	empty := len(w.subs) == 0
	w.mu.Unlock()
	if empty {
		w.stop()
		w.onEmpty()
	}
}

func (w *watcher) stop() {
	w.stopOnce.Do(func() {
		close(w.done)
		_ = w.fsw.Close()
	})
}

func (w *watcher) loop() {
	var timer *time.Timer
	var fire <-chan time.Time

	for {
		select {
		case <-w.done:
			return
		case _, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if timer == nil {
				timer = time.NewTimer(debounceWindow)
			} else {
				timer.Reset(debounceWindow)
			}
			fire = timer.C
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watcher error", zap.Error(err))
		case <-fire:
			fire = nil
			w.broadcast()
		}
	}
}

func (w *watcher) broadcast() {
	update := Snapshot(w.cwd)

	w.mu.Lock()
	fns := make([]func(protocol.CheckoutDiffUpdate), 0, len(w.subs))
	for _, fn := range w.subs {
		fns = append(fns, fn)
	}
	w.mu.Unlock()

	for _, fn := range fns {
		fn(update)
	}
}

// deliver sends the current snapshot to a single subscriber.
func (w *watcher) deliver(id int) {
	update := Snapshot(w.cwd)
	w.mu.Lock()
	fn := w.subs[id]
	w.mu.Unlock()
	if fn != nil {
		fn(update)
	}
}

// Snapshot computes the current diff state of a checkout. A directory that
// is not a git repository yields an empty update.
func Snapshot(cwd string) protocol.CheckoutDiffUpdate {
	update := protocol.CheckoutDiffUpdate{
		Cwd:     cwd,
		Files:   []protocol.CheckoutFileStat{},
		Updated: time.Now().UTC(),
	}

	if out, err := gitOutput(cwd, "status", "--porcelain"); err == nil {
		update.Files = parsePorcelain(out)
	}
	if out, err := gitOutput(cwd, "diff"); err == nil {
		update.Diff = string(out)
	}
	return update
}

func gitOutput(cwd string, args ...string) ([]byte, error) {
	cmd := exec.Command("git", append([]string{"-C", cwd}, args...)...)
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = nil
	if err := cmd.Run(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// parsePorcelain splits `git status --porcelain` output into file rows.
func parsePorcelain(out []byte) []protocol.CheckoutFileStat {
	files := []protocol.CheckoutFileStat{}
	for _, line := range strings.Split(string(out), "\n") {
		if len(line) < 4 {
			continue
		}
		files = append(files, protocol.CheckoutFileStat{
			Status: strings.TrimSpace(line[:2]),
			Path:   strings.TrimSpace(line[3:]),
		})
	}
	return files
}
