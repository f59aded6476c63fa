package logx

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

type Config struct {
	Level   string
	Console bool
	File    FileConfig
	Alert   AlertConfig
}

type FileConfig struct {
	Enabled bool
	Path    string
}

const defaultLogFile = "./relaybot.log"

// Service owns the sinks. Apply rebuilds them; Loggers handed out earlier
// pick up the new root on their next call.
type Service struct {
	mu    sync.Mutex
	cfg   Config
	file  *os.File
	alert *alertSink

	root atomic.Pointer[zerolog.Logger]
}

// New applies cfg and returns the service with its root logger. A nil
// sender disables the alert sink whatever cfg says.
func New(cfg Config, sender AlertSender) (*Service, Logger) {
	s := &Service{}
	if sender != nil {
		s.alert = newAlertSink(sender)
	}
	boot := zerolog.New(consoleWriter(Stdout())).Level(parseLevel(cfg.Level, LevelInfo)).With().Timestamp().Logger()
	s.root.Store(&boot)
	s.Apply(cfg)
	return s, Logger{svc: s}
}

func (s *Service) current() zerolog.Logger {
	if zl := s.root.Load(); zl != nil {
		return *zl
	}
	return zerolog.Nop()
}

func (s *Service) Logger() Logger { return Logger{svc: s} }

// AlertsDropped counts alerts lost to a full queue.
func (s *Service) AlertsDropped() uint64 {
	if s.alert == nil {
		return 0
	}
	return s.alert.dropped.Load()
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg

	if s.file != nil {
		_ = s.file.Close()
		s.file = nil
	}

	var sinks []io.Writer
	if cfg.Console {
		sinks = append(sinks, consoleWriter(Stdout()))
	}
	if cfg.File.Enabled {
		path := strings.TrimSpace(cfg.File.Path)
		if path == "" {
			path = defaultLogFile
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "logx: open %s: %v\n", path, err)
		} else {
			s.file = f
			sinks = append(sinks, zerolog.SyncWriter(f))
		}
	}
	if s.alert != nil {
		s.alert.configure(cfg.Alert)
		if cfg.Alert.Enabled {
			sinks = append(sinks, s.alert)
		}
	}
	if len(sinks) == 0 {
		sinks = append(sinks, io.Discard)
	}

	zl := zerolog.New(zerolog.MultiLevelWriter(sinks...)).Level(parseLevel(cfg.Level, LevelInfo)).With().Timestamp().Logger()
	s.root.Store(&zl)
}

// SetLevel changes the level and keeps the sinks.
func (s *Service) SetLevel(level string) {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()
	cfg.Level = level
	s.Apply(cfg)
}

// Close stops the alert worker and closes the log file. Loggers keep
// working afterwards but only reach the console.
func (s *Service) Close() error {
	s.mu.Lock()
	f := s.file
	s.file = nil
	alert := s.alert
	s.mu.Unlock()

	if alert != nil {
		alert.stop()
	}
	boot := zerolog.New(consoleWriter(Stdout())).Level(s.current().GetLevel()).With().Timestamp().Logger()
	s.root.Store(&boot)
	if f != nil {
		return f.Close()
	}
	return nil
}

// Stdout is the console sink.
func Stdout() io.Writer { return os.Stdout }
