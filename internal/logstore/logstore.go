// Package logstore persists the stdout and stderr of the latest build of each
// project as a pair of files. Starting a build truncates the pair, so the
// files only ever hold the output of the most recently started build.
package logstore

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// ErrNotFound is returned when reading a log that doesn't exist.
var ErrNotFound = errors.New("log not found")

// Stream identifies one of the two logs of a build.
type Stream string

const (
	StreamOut Stream = "out"
	StreamErr Stream = "err"
)

// Streams lists every Stream.
var Streams = []Stream{StreamOut, StreamErr}

// ParseStream returns the Stream named s.
func ParseStream(s string) (Stream, error) {
	switch Stream(s) {
	case StreamOut, StreamErr:
		return Stream(s), nil
	default:
		return "", fmt.Errorf("unknown stream %q", s)
	}
}

// Store keeps build logs under a root directory, using the layout
// <root>/build-<identity>-<stream>.log. Callers are expected to pass
// validated identities.
type Store struct {
	root string
	now  func() time.Time

	// One mutex per log file so that writes to a file are never interleaved.
	mu    sync.Mutex
	files map[string]*sync.Mutex
}

// New creates a Store rooted at root, creating the directory if needed.
func New(root string) (*Store, error) {
	if root == "" {
		return nil, errors.New("log root cannot be empty")
	}

	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("create log root: %w", err)
	}

	return &Store{
		root:  root,
		now:   time.Now,
		files: make(map[string]*sync.Mutex),
	}, nil
}

// Root returns the directory logs are stored in.
func (s *Store) Root() string {
	return s.root
}

// Path returns the file path of the log for identity and stream.
func (s *Store) Path(identity string, stream Stream) string {
	return filepath.Join(s.root, fmt.Sprintf("build-%s-%s.log", identity, stream))
}

// Reset truncates both logs of identity, creating them if needed.
func (s *Store) Reset(identity string) error {
	var errs []error

	for _, stream := range Streams {
		path := s.Path(identity, stream)

		mu := s.fileLock(path)
		mu.Lock()
		err := os.WriteFile(path, nil, 0644)
		mu.Unlock()

		if err != nil {
			errs = append(errs, fmt.Errorf("truncate %s: %w", path, err))
		}
	}

	return errors.Join(errs...)
}

// Append appends p to the log of identity and stream. Appends to the same log
// are applied in call order.
func (s *Store) Append(identity string, stream Stream, p []byte) error {
	return s.append(identity, stream, p, false)
}

// Finalize appends a footer line with the current time and status, and syncs
// the log to disk.
func (s *Store) Finalize(identity string, stream Stream, status string) error {
	footer := Footer(s.now(), status)

	return s.append(identity, stream, []byte(footer), true)
}

// Footer returns the terminal marker appended by Finalize.
func Footer(at time.Time, status string) string {
	return fmt.Sprintf("[FINISHED] %s %s\n", at.UTC().Format(time.RFC3339), status)
}

// Read returns the content of the log of identity and stream, or ErrNotFound.
func (s *Store) Read(identity string, stream Stream) ([]byte, error) {
	path := s.Path(identity, stream)

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}

		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	return data, nil
}

func (s *Store) append(identity string, stream Stream, p []byte, durable bool) error {
	path := s.Path(identity, stream)

	mu := s.fileLock(path)
	mu.Lock()
	defer mu.Unlock()

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0644)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}

	if _, err := f.Write(p); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}

	if durable {
		if err := f.Sync(); err != nil {
			f.Close()
			return fmt.Errorf("sync %s: %w", path, err)
		}
	}

	return f.Close()
}

func (s *Store) fileLock(path string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()

	mu, ok := s.files[path]
	if !ok {
		mu = &sync.Mutex{}
		s.files[path] = mu
	}

	return mu
}
