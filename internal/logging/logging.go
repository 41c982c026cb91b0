// Package logging wires zerolog into the agent's log directory layout.
//
// Every component gets a named logger that fans out to combined.log, its own
// <component>.log, error.log (warn and above), and — when attached to a
// terminal — a console writer. All sinks sit behind a sanitizing writer that
// redacts anything that looks like a private key.
package logging

import (
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

const redactionToken = "[REDACTED]"

// 64 hex chars with an optional 0x prefix. Matches raw secp256k1 private keys
// wherever they leak into a log line.
var privateKeyPattern = regexp.MustCompile(`(0x)?[0-9a-fA-F]{64}`)

// Options controls the shared logging setup.
type Options struct {
	Dir     string // log directory, created if missing
	Level   string // trace|debug|info|warn|error
	Console bool   // also write human-readable output to stderr
	MaxSize int    // megabytes per file before rotation
	MaxAge  int    // days to retain rotated files
}

// Setup initializes the root logger and returns a factory for component
// loggers. Call Close on the returned Factory during shutdown.
func Setup(opts Options) (*Factory, error) {
	if opts.Dir == "" {
		opts.Dir = "."
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, err
	}
	if opts.MaxSize == 0 {
		opts.MaxSize = 50
	}
	if opts.MaxAge == 0 {
		opts.MaxAge = 14
	}

	level, err := zerolog.ParseLevel(strings.ToLower(opts.Level))
	if err != nil || opts.Level == "" {
		level = zerolog.InfoLevel
	}
	zerolog.TimeFieldFormat = time.RFC3339Nano

	f := &Factory{
		opts:  opts,
		level: level,
		combined: &lumberjack.Logger{
			Filename: filepath.Join(opts.Dir, "combined.log"),
			MaxSize:  opts.MaxSize,
			MaxAge:   opts.MaxAge,
			Compress: true,
		},
		errors: &lumberjack.Logger{
			Filename: filepath.Join(opts.Dir, "error.log"),
			MaxSize:  opts.MaxSize,
			MaxAge:   opts.MaxAge,
			Compress: true,
		},
		components: make(map[string]*lumberjack.Logger),
	}
	return f, nil
}

// Factory hands out component loggers sharing the same sinks.
type Factory struct {
	opts       Options
	level      zerolog.Level
	combined   *lumberjack.Logger
	errors     *lumberjack.Logger
	components map[string]*lumberjack.Logger
}

// Component returns a logger tagged with the component name, writing to the
// shared sinks plus $LOGS/<component>.log.
func (f *Factory) Component(name string) zerolog.Logger {
	perComponent, ok := f.components[name]
	if !ok {
		perComponent = &lumberjack.Logger{
			Filename: filepath.Join(f.opts.Dir, name+".log"),
			MaxSize:  f.opts.MaxSize,
			MaxAge:   f.opts.MaxAge,
			Compress: true,
		}
		f.components[name] = perComponent
	}

	writers := []io.Writer{
		Sanitize(f.combined),
		Sanitize(perComponent),
		&levelFilter{w: Sanitize(f.errors), min: zerolog.WarnLevel},
	}
	if f.opts.Console {
		console := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}
		writers = append(writers, Sanitize(console))
	}

	return zerolog.New(zerolog.MultiLevelWriter(writers...)).
		Level(f.level).
		With().Timestamp().Str("component", name).
		Logger()
}

// Close flushes and closes all file sinks.
func (f *Factory) Close() error {
	f.combined.Close()
	f.errors.Close()
	for _, l := range f.components {
		l.Close()
	}
	return nil
}

// Sanitize wraps w so that private key material never reaches it.
func Sanitize(w io.Writer) io.Writer {
	return &sanitizingWriter{w: w}
}

// Redact replaces private-key-shaped substrings in s.
func Redact(s string) string {
	return privateKeyPattern.ReplaceAllString(s, redactionToken)
}

type sanitizingWriter struct {
	w io.Writer
}

func (s *sanitizingWriter) Write(p []byte) (int, error) {
	clean := privateKeyPattern.ReplaceAll(p, []byte(redactionToken))
	if _, err := s.w.Write(clean); err != nil {
		return 0, err
	}
	// Report the original length so zerolog does not treat the rewrite as a
	// short write.
	return len(p), nil
}

type levelFilter struct {
	w   io.Writer
	min zerolog.Level
}

func (l *levelFilter) Write(p []byte) (int, error) {
	return len(p), nil
}

// WriteLevel drops events below the minimum level.
func (l *levelFilter) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	if level < l.min {
		return len(p), nil
	}
	return l.w.Write(p)
}
