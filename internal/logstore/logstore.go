package logstore

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Rotation defaults, matching the usual retention for child output.
const (
	DefaultMaxEntries = 1000
	DefaultMaxSizeMB  = 10
	DefaultMaxBackups = 3
	DefaultMaxAgeDays = 7
)

const timeLayout = "2006-01-02 15:04:05.000"

// Config describes per-device log retention. MaxEntries bounds the
// in-memory buffer served to readers; the lumberjack parameters bound the
// durable copy on disk.
type Config struct {
	Dir        string
	MaxEntries int
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// Store is an append-only per-device log buffer. Appends preserve emission
// order for a device (one capture task per execution feeds it), are
// mirrored to a rotating file under Dir, and fan out to live subscribers.
type Store struct {
	mu  sync.Mutex
	cfg Config
	dev map[string]*deviceLog
}

type deviceLog struct {
	entries []string
	writer  *lj.Logger
	subs    map[chan string]struct{}
}

func New(cfg Config) (*Store, error) {
	if cfg.Dir == "" {
		return nil, errors.New("empty log directory")
	}
	if err := os.MkdirAll(cfg.Dir, 0o750); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = DefaultMaxEntries
	}
	if cfg.MaxSizeMB <= 0 {
		cfg.MaxSizeMB = DefaultMaxSizeMB
	}
	if cfg.MaxBackups <= 0 {
		cfg.MaxBackups = DefaultMaxBackups
	}
	if cfg.MaxAgeDays <= 0 {
		cfg.MaxAgeDays = DefaultMaxAgeDays
	}
	return &Store{cfg: cfg, dev: make(map[string]*deviceLog)}, nil
}

// Append records one line for the device with a capture-time timestamp.
func (s *Store) Append(serial, message string) {
	line := time.Now().Format(timeLayout) + " " + message

	s.mu.Lock()
	dl := s.ensureLocked(serial)
	dl.entries = append(dl.entries, line)
	if over := len(dl.entries) - s.cfg.MaxEntries; over > 0 {
		dl.entries = append(dl.entries[:0], dl.entries[over:]...)
	}
	w := s.writerLocked(dl, serial)
	subs := make([]chan string, 0, len(dl.subs))
	for ch := range dl.subs {
		subs = append(subs, ch)
	}
	s.mu.Unlock()

	if w != nil {
		_, _ = w.Write([]byte(line + "\n"))
	}
	for _, ch := range subs {
		select {
		case ch <- line:
		default:
			// slow subscriber drops lines rather than stalling capture
		}
	}
}

// Read returns up to limit lines for the device in chronological order,
// keeping the most recent lines when truncating. limit <= 0 means all
// retained lines.
func (s *Store) Read(serial string, limit int) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	dl := s.ensureLocked(serial)
	entries := dl.entries
	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	out := make([]string, len(entries))
	copy(out, entries)
	return out
}

// Clear empties the in-memory buffer and truncates the durable copy so a
// new execution never sees a prior run's output.
func (s *Store) Clear(serial string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dl := s.ensureLocked(serial)
	dl.entries = nil
	if dl.writer != nil {
		_ = dl.writer.Close()
		dl.writer = nil
	}
	path := s.filePath(serial)
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("truncate device log: %w", err)
	}
	return nil
}

// Subscribe registers a live tail for the device. The returned cancel
// function must be called when the consumer goes away.
func (s *Store) Subscribe(serial string) (<-chan string, func()) {
	ch := make(chan string, 64)

	s.mu.Lock()
	dl := s.ensureLocked(serial)
	dl.subs[ch] = struct{}{}
	s.mu.Unlock()

	cancel := func() {
		s.mu.Lock()
		delete(dl.subs, ch)
		s.mu.Unlock()
	}
	return ch, cancel
}

// ensureLocked lazily creates the device buffer, loading the tail of any
// existing durable file so logs survive a coordinator restart.
func (s *Store) ensureLocked(serial string) *deviceLog {
	dl, ok := s.dev[serial]
	if ok {
		return dl
	}
	dl = &deviceLog{subs: make(map[chan string]struct{})}
	dl.entries = s.loadTail(serial)
	s.dev[serial] = dl
	return dl
}

func (s *Store) writerLocked(dl *deviceLog, serial string) *lj.Logger {
	if dl.writer == nil {
		dl.writer = &lj.Logger{
			Filename:   s.filePath(serial),
			MaxSize:    s.cfg.MaxSizeMB,
			MaxBackups: s.cfg.MaxBackups,
			MaxAge:     s.cfg.MaxAgeDays,
			Compress:   s.cfg.Compress,
		}
	}
	return dl.writer
}

func (s *Store) filePath(serial string) string {
	return filepath.Join(s.cfg.Dir, serial+".log")
}

func (s *Store) loadTail(serial string) []string {
	f, err := os.Open(s.filePath(serial))
	if err != nil {
		return nil
	}
	defer func() { _ = f.Close() }()

	var lines []string
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		lines = append(lines, sc.Text())
		if over := len(lines) - s.cfg.MaxEntries; over > 0 {
			lines = append(lines[:0], lines[over:]...)
		}
	}
	return lines
}
