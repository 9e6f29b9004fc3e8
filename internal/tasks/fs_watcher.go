package tasks

import (
	"log/slog"
	"os"
	"regexp"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultSettle is how long a site must go without file changes before it
// is reported.
const DefaultSettle = 5 * time.Second

// SiteReady is emitted once every expected cycle of a site has an image in
// the watched channel and no file of the site has changed for the settle
// period.
type SiteReady struct {
	Plate        string
	Site         int
	Acquisitions []Acquisition
}

type siteKey struct {
	plate string
	site  int
}

type watchedFile struct {
	acq  Acquisition
	size int64
}

type siteState struct {
	files   map[string]*watchedFile
	cycles  map[int]bool
	changed time.Time
	// emitted is the file count of the last report. A site is reported
	// again when more files arrive after it.
	emitted int
}

// Watcher monitors acquisition directories and reports complete sites.
type Watcher struct {
	watcher   *fsnotify.Watcher
	Ready     chan SiteReady
	watchDirs []string
	re        *regexp.Regexp
	channel   string
	expected  int
	settle    time.Duration
	log       *slog.Logger
	done      chan struct{}
	stopOnce  sync.Once

	mu    sync.Mutex
	sites map[siteKey]*siteState
}

// NewWatcher creates a watcher for the given directories. A site is ready
// when expectedCycles distinct cycles have an image in channel, every file
// of the site is non-empty, and nothing changed for settle. A settle of 0
// selects DefaultSettle.
func NewWatcher(watchPaths []string, pattern, channel string, expectedCycles int, settle time.Duration, logger *slog.Logger) (*Watcher, error) {
	re, err := CompilePattern(pattern)
	if err != nil {
		return nil, err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	if settle <= 0 {
		settle = DefaultSettle
	}
	return &Watcher{
		watcher:   watcher,
		Ready:     make(chan SiteReady, 100),
		watchDirs: watchPaths,
		re:        re,
		channel:   channel,
		expected:  max(expectedCycles, 1),
		settle:    settle,
		log:       logger,
		done:      make(chan struct{}),
		sites:     map[siteKey]*siteState{},
	}, nil
}

// Start begins monitoring the configured directories
func (w *Watcher) Start() error {
	for _, dir := range w.watchDirs {
		if err := w.watcher.Add(dir); err != nil {
			return err
		}
		w.log.Info("watching directory", "path", dir)
	}
	go w.processEvents()
	return nil
}

// Stop stops the watcher and closes Ready.
func (w *Watcher) Stop() error {
	var err error
	w.stopOnce.Do(func() {
		close(w.done)
		err = w.watcher.Close()
	})
	return err
}

func (w *Watcher) processEvents() {
	defer close(w.Ready)

	// Check pending sites several times per settle period
	ticker := time.NewTicker(max(w.settle/4, 10*time.Millisecond))
	defer ticker.Stop()

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			w.observe(event.Name, time.Now())

		case now := <-ticker.C:
			for _, ready := range w.flush(now) {
				select {
				case w.Ready <- ready:
				default:
					w.log.Warn("ready buffer full, dropping site", "plate", ready.Plate, "site", ready.Site)
				}
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Error("filesystem watcher error", "error", err)

		case <-w.done:
			return
		}
	}
}

// observe records a created or written file and restarts its site's settle
// period. Files that do not match the pattern are ignored.
func (w *Watcher) observe(path string, now time.Time) bool {
	a, ok := Parse(w.re, path)
	if !ok {
		return false
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	k := siteKey{a.Plate, a.Site}
	st := w.sites[k]
	if st == nil {
		st = &siteState{files: map[string]*watchedFile{}, cycles: map[int]bool{}}
		w.sites[k] = st
	}
	f := st.files[a.Path]
	if f == nil {
		f = &watchedFile{acq: a, size: -1}
		st.files[a.Path] = f
	}
	if info, err := os.Stat(a.Path); err == nil {
		f.size = info.Size()
	}
	if a.Channel == w.channel {
		st.cycles[a.Cycle] = true
	}
	st.changed = now
	return true
}

// flush reports the sites that are complete and settled at now. A site is
// held back while any of its files is missing, empty or still growing, and
// is reported again when files arrive after an earlier report.
func (w *Watcher) flush(now time.Time) []SiteReady {
	w.mu.Lock()
	defer w.mu.Unlock()

	var ready []SiteReady
	for k, st := range w.sites {
		if len(st.cycles) < w.expected || len(st.files) <= st.emitted {
			continue
		}
		if now.Sub(st.changed) < w.settle {
			continue
		}
		if !w.stable(st, now) {
			continue
		}
		st.emitted = len(st.files)

		acqs := make([]Acquisition, 0, len(st.files))
		for _, f := range st.files {
			acqs = append(acqs, f.acq)
		}
		ready = append(ready, SiteReady{Plate: k.plate, Site: k.site, Acquisitions: NewLayout(acqs).Acquisitions("")})
	}
	return ready
}

// stable re-reads every file size of st. A changed or empty file restarts
// the settle period. Files that disappeared are forgotten.
func (w *Watcher) stable(st *siteState, now time.Time) bool {
	ok := true
	for path, f := range st.files {
		info, err := os.Stat(path)
		if err != nil {
			w.log.Debug("watched file unavailable", "path", path, "error", err)
			delete(st.files, path)
			ok = false
			continue
		}
		if info.Size() != f.size || info.Size() == 0 {
			f.size = info.Size()
			ok = false
		}
	}
	if ok {
		return true
	}
	st.changed = now
	clear(st.cycles)
	for _, f := range st.files {
		if f.acq.Channel == w.channel {
			st.cycles[f.acq.Cycle] = true
		}
	}
	return false
}
