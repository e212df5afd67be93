package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

const (
	timeFormat    = "2006-01-02 15:04:05"
	fileDateFmt   = "2006-01-02"
	fileRetention = 7 * 24 * time.Hour
)

// Logger is a charmbracelet logger that also copies error records into the
// daily error file when one is configured.
type Logger struct {
	*log.Logger
	errs *log.Logger
}

func (l *Logger) Error(msg interface{}, keyvals ...interface{}) {
	l.Logger.Error(msg, keyvals...)
	if l.errs != nil {
		l.errs.Error(msg, keyvals...)
	}
}

func (l *Logger) Errorf(format string, args ...interface{}) {
	l.Logger.Errorf(format, args...)
	if l.errs != nil {
		l.errs.Errorf(format, args...)
	}
}

func (l *Logger) With(keyvals ...interface{}) *Logger {
	out := &Logger{Logger: l.Logger.With(keyvals...)}
	if l.errs != nil {
		out.errs = l.errs.With(keyvals...)
	}
	return out
}

func (l *Logger) WithPrefix(prefix string) *Logger {
	out := &Logger{Logger: l.Logger.WithPrefix(prefix)}
	if l.errs != nil {
		out.errs = l.errs.WithPrefix(prefix)
	}
	return out
}

type Options struct {
	Level  string
	Dir    string
	Stdout io.Writer
}

var (
	mu      sync.RWMutex
	root    = &Logger{Logger: newLogger(os.Stderr, log.InfoLevel)}
	errFile *os.File
)

func newLogger(w io.Writer, level log.Level) *log.Logger {
	return log.NewWithOptions(w, log.Options{
		ReportTimestamp: true,
		TimeFormat:      timeFormat,
		Level:           level,
	})
}

// Setup replaces the process logger. Records go to opts.Stdout (os.Stdout
// when nil); when opts.Dir is set, errors are also appended to
// Dir/app_YYYY-MM-DD.log and files older than a week are pruned.
func Setup(opts Options) (func() error, error) {
	level := log.InfoLevel
	if opts.Level != "" {
		lvl, err := log.ParseLevel(strings.ToLower(opts.Level))
		if err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", opts.Level, err)
		}
		level = lvl
	}

	out := opts.Stdout
	if out == nil {
		out = os.Stdout
	}

	l := &Logger{Logger: newLogger(out, level)}

	var f *os.File
	if opts.Dir != "" {
		if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
			return nil, fmt.Errorf("create log dir: %w", err)
		}
		pruneOld(opts.Dir, time.Now())

		name := filepath.Join(opts.Dir, "app_"+time.Now().Format(fileDateFmt)+".log")
		var err error
		f, err = os.OpenFile(name, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		l.errs = newLogger(f, log.ErrorLevel)
	}

	mu.Lock()
	root = l
	errFile = f
	mu.Unlock()

	log.SetDefault(l.Logger)

	cleanup := func() error {
		mu.Lock()
		defer mu.Unlock()
		if errFile == nil {
			return nil
		}
		err := errFile.Close()
		errFile = nil
		root = &Logger{Logger: root.Logger}
		return err
	}

	return cleanup, nil
}

// For returns the process logger prefixed with a component name.
func For(name string) *Logger {
	mu.RLock()
	defer mu.RUnlock()
	return root.WithPrefix(name)
}

func pruneOld(dir string, now time.Time) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, "app_") || !strings.HasSuffix(name, ".log") {
			continue
		}
		day, err := time.ParseInLocation(fileDateFmt, strings.TrimSuffix(strings.TrimPrefix(name, "app_"), ".log"), now.Location())
		if err != nil {
			continue
		}
		if now.Sub(day) > fileRetention {
			_ = os.Remove(filepath.Join(dir, name))
		}
	}
}
