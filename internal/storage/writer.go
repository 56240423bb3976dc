// Package storage persists received entries as daily JSON Lines files.
package storage

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/coffersTech/logsink/internal/model"
	"github.com/sirupsen/logrus"
)

const (
	// DateLayout is the date embedded in file names.
	DateLayout = "2006-01-02"

	DefaultQueueSize    = 65536
	DefaultIdleInterval = time.Second

	filePrefix = "log"
	fileSuffix = ".jsonl"
)

// ErrWriterClosed is returned by Enqueue once the writer has stopped.
var ErrWriterClosed = errors.New("storage: writer closed")

// FileName returns the name of the file holding entries of date.
func FileName(date string) string {
	return filePrefix + date + fileSuffix
}

// Observer is notified of the outcome of each write.
type Observer interface {
	EntryPersisted()
	EntryFailed()
}

type nopObserver struct{}

func (nopObserver) EntryPersisted() {}
func (nopObserver) EntryFailed()    {}

type Option func(*Writer)

func WithQueueSize(n int) Option {
	return func(w *Writer) {
		if n > 0 {
			w.queueSize = n
		}
	}
}

// WithClock replaces time.Now when choosing the file of an entry.
func WithClock(now func() time.Time) Option {
	return func(w *Writer) { w.clock = now }
}

// WithIdleInterval sets how often an idle writer checks for a date change.
func WithIdleInterval(d time.Duration) Option {
	return func(w *Writer) {
		if d > 0 {
			w.idle = d
		}
	}
}

// WithCompression compresses files with zstd once they are rotated out.
func WithCompression(enabled bool) Option {
	return func(w *Writer) { w.compress = enabled }
}

func WithObserver(o Observer) Option {
	return func(w *Writer) {
		if o != nil {
			w.observer = o
		}
	}
}

// Writer appends entries to <dir>/log<date>.jsonl from a single goroutine.
// Enqueue may be called from any goroutine.
type Writer struct {
	dir       string
	log       *logrus.Logger
	queueSize int
	clock     func() time.Time
	idle      time.Duration
	compress  bool
	observer  Observer

	queue    chan model.PersistedEntry
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}

	mu     sync.RWMutex
	closed bool

	// owned by run
	file        *os.File
	date        string
	buf         bytes.Buffer
	compressing sync.WaitGroup
}

// NewWriter creates dir if needed and starts the writer goroutine.
func NewWriter(dir string, log *logrus.Logger, opts ...Option) (*Writer, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create storage directory %s: %w", dir, err)
	}

	w := &Writer{
		dir:       dir,
		log:       log,
		queueSize: DefaultQueueSize,
		clock:     time.Now,
		idle:      DefaultIdleInterval,
		observer:  nopObserver{},
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.queue = make(chan model.PersistedEntry, w.queueSize)

	go w.run()
	return w, nil
}

// Dir returns the storage directory.
func (w *Writer) Dir() string { return w.dir }

// Enqueue hands e to the writer. It blocks while the queue is full.
func (w *Writer) Enqueue(e model.PersistedEntry) error {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return ErrWriterClosed
	}

	select {
	case w.queue <- e:
		return nil
	case <-w.stop:
		select {
		case w.queue <- e:
			return nil
		default:
			return ErrWriterClosed
		}
	}
}

// Close stops the writer after every queued entry has been written.
func (w *Writer) Close() error {
	w.stopOnce.Do(func() { close(w.stop) })
	<-w.done
	return nil
}

func (w *Writer) run() {
	defer close(w.done)

	ticker := time.NewTicker(w.idle)
	defer ticker.Stop()

	for {
		select {
		case e := <-w.queue:
			w.persist(e)
		case <-ticker.C:
			if w.file != nil && w.clock().Format(DateLayout) != w.date {
				w.rotate()
			}
		case <-w.stop:
			w.shutdown()
			return
		}
	}
}

func (w *Writer) shutdown() {
	// Wait for in-flight Enqueue calls; they return once stop is closed.
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()

	for {
		select {
		case e := <-w.queue:
			w.persist(e)
		default:
			w.closeFile()
			w.compressing.Wait()
			return
		}
	}
}

func (w *Writer) persist(e model.PersistedEntry) {
	if err := w.ensureFile(w.clock()); err != nil {
		w.log.WithError(err).Error("Error writing log entry")
		w.observer.EntryFailed()
		return
	}

	w.buf.Reset()
	enc := json.NewEncoder(&w.buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(e); err != nil {
		w.log.WithError(err).WithField("addr", e.Address).Error("Error encoding log entry")
		w.observer.EntryFailed()
		return
	}

	if _, err := w.file.Write(w.buf.Bytes()); err != nil {
		w.log.WithError(err).WithField("file", w.file.Name()).Error("Error writing log entry")
		w.closeFile()
		w.observer.EntryFailed()
		return
	}
	if err := w.file.Sync(); err != nil {
		w.log.WithError(err).WithField("file", w.file.Name()).Warn("Error syncing log file")
	}
	w.observer.EntryPersisted()
}

func (w *Writer) ensureFile(now time.Time) error {
	date := now.Format(DateLayout)
	if w.file != nil {
		if date == w.date {
			return nil
		}
		w.rotate()
	}

	path := filepath.Join(w.dir, FileName(date))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	w.file = f
	w.date = date
	return nil
}

// rotate closes the current file because its date has passed.
func (w *Writer) rotate() {
	path := w.file.Name()
	w.closeFile()
	w.log.WithField("file", filepath.Base(path)).Debug("Log file rotated")

	if !w.compress {
		return
	}
	w.compressing.Add(1)
	go func() {
		defer w.compressing.Done()
		if err := CompressFile(path); err != nil {
			w.log.WithError(err).WithField("file", path).Error("Error compressing log file")
			return
		}
		w.log.WithField("file", filepath.Base(path)+compressedSuffix).Info("Log file compressed")
	}()
}

func (w *Writer) closeFile() {
	if w.file == nil {
		return
	}
	if err := w.file.Close(); err != nil {
		w.log.WithError(err).WithField("file", w.file.Name()).Warn("Error closing log file")
	}
	w.file = nil
	w.date = ""
}
