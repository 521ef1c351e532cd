package logx

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

const (
	timeFormat      = "2006-01-02T15:04:05.000Z07:00"
	defaultFilePath = "./wsched.log"
)

var stdout io.Writer = os.Stdout

func init() {
	zerolog.ErrorFieldName = "err"
	zerolog.TimeFieldFormat = timeFormat
}

type Config struct {
	Level   string
	Console bool
	// JSON writes console output as JSON lines instead of the pretty format.
	JSON bool
	File FileConfig
	// Output replaces stdout for the console sink. Mostly for tests.
	Output io.Writer
}

type FileConfig struct {
	Enabled bool
	Path    string
}

// Service owns the sinks and swaps them on Apply. Loggers derived from it
// pick up the change on their next line.
type Service struct {
	mu   sync.Mutex
	cfg  Config
	file *os.File

	root atomic.Pointer[zerolog.Logger]
}

// New builds the service from cfg. A file sink that cannot be opened is
// reported on stderr and skipped; console output is used as the fallback.
func New(cfg Config) (*Service, Logger) {
	s := &Service{}
	if err := s.Apply(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "logx: %v\n", err)
	}
	return s, Logger{svc: s}
}

func (s *Service) Logger() Logger { return Logger{svc: s} }

func (s *Service) Config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Apply switches level and sinks. If the new log file cannot be opened the
// previous sinks stay in place and the error is returned.
func (s *Service) Apply(cfg Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		sinks []io.Writer
		file  *os.File
	)
	if cfg.File.Enabled {
		f, err := openLogFile(cfg.File.Path)
		if err != nil {
			if s.root.Load() == nil {
				zl := build(cfg.Level, consoleWriter(consoleOut(cfg)))
				s.root.Store(&zl)
			}
			return err
		}
		file = f
		sinks = append(sinks, zerolog.SyncWriter(f))
	}
	if cfg.Console || len(sinks) == 0 {
		out := consoleOut(cfg)
		if cfg.JSON {
			sinks = append(sinks, zerolog.SyncWriter(out))
		} else {
			sinks = append(sinks, consoleWriter(out))
		}
	}

	var w io.Writer = sinks[0]
	if len(sinks) > 1 {
		w = zerolog.MultiLevelWriter(sinks...)
	}
	zl := build(cfg.Level, w)
	s.root.Store(&zl)

	if s.file != nil {
		_ = s.file.Close()
	}
	s.file = file
	s.cfg = cfg
	return nil
}

func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	// Keep logging usable after Close.
	zl := build(s.cfg.Level, consoleWriter(consoleOut(s.cfg)))
	s.root.Store(&zl)
	err := s.file.Close()
	s.file = nil
	return err
}

func openLogFile(path string) (*os.File, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		path = defaultFilePath
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("log file %q: %w", path, err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("log file %q: %w", path, err)
	}
	return f, nil
}

func consoleOut(cfg Config) io.Writer {
	if cfg.Output != nil {
		return cfg.Output
	}
	return stdout
}

func consoleWriter(w io.Writer) io.Writer {
	return zerolog.ConsoleWriter{Out: w, TimeFormat: timeFormat}
}

func build(level string, w io.Writer) zerolog.Logger {
	return zerolog.New(w).Level(ParseLevel(level)).With().Timestamp().Logger()
}

// ParseLevel maps a config string to a level. Unknown strings give info.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return LevelTrace
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	}
	return LevelInfo
}

// ValidLevel reports whether s names a known level. Empty is accepted.
func ValidLevel(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "trace", "debug", "info", "warn", "warning", "error":
		return true
	}
	return false
}
