package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/term"
)

const defaultTimeFmt = time.RFC3339

// Config controls logger initialization.
type Config struct {
	Format    string // "json", "console", or "auto"
	Level     string // "debug", "info", "warn", "error"
	Component string // optional component name
	FilePath  string // optional log file path
}

var (
	mu         sync.Mutex
	fileCloser io.Closer
)

func init() {
	log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
}

// Init configures zerolog globals and establishes the package baseline logger.
func Init(cfg Config) zerolog.Logger {
	mu.Lock()
	defer mu.Unlock()

	previousFileCloser := fileCloser
	fileCloser = nil

	zerolog.TimeFieldFormat = defaultTimeFmt
	zerolog.SetGlobalLevel(parseLevel(cfg.Level))

	writer := selectWriter(cfg.Format)

	if cfg.FilePath != "" {
		if file, err := openLogFile(cfg.FilePath); err != nil {
			fmt.Fprintf(os.Stderr, "logging: unable to configure file output: %v\n", err)
		} else {
			writer = io.MultiWriter(writer, file)
			fileCloser = file
		}
	}

	contextBuilder := zerolog.New(writer).With().Timestamp()
	if component := strings.TrimSpace(cfg.Component); component != "" {
		contextBuilder = contextBuilder.Str("component", component)
	}

	log.Logger = contextBuilder.Logger()

	if previousFileCloser != nil {
		if err := previousFileCloser.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "logging: unable to close previous log file writer: %v\n", err)
		}
	}

	return log.Logger
}

// Shutdown closes logging resources that outlive a single request lifecycle.
func Shutdown() {
	mu.Lock()
	defer mu.Unlock()

	if fileCloser != nil {
		if err := fileCloser.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "logging: unable to close log file writer: %v\n", err)
		}
		fileCloser = nil
	}
}

func openLogFile(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	return os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
}

func parseLevel(level string) zerolog.Level {
	normalized := strings.ToLower(strings.TrimSpace(level))
	switch normalized {
	case "", "info":
		return zerolog.InfoLevel
	case "debug":
		return zerolog.DebugLevel
	case "trace":
		return zerolog.TraceLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "fatal":
		return zerolog.FatalLevel
	case "disabled":
		return zerolog.Disabled
	default:
		fmt.Fprintf(os.Stderr, "logging: invalid level %q; using %q\n", normalized, "info")
		return zerolog.InfoLevel
	}
}

func selectWriter(format string) io.Writer {
	format = strings.ToLower(strings.TrimSpace(format))
	switch format {
	case "console":
		return newConsoleWriter(os.Stderr)
	case "json":
		return os.Stderr
	case "auto", "":
		if isTerminal(os.Stderr) {
			return newConsoleWriter(os.Stderr)
		}
		return os.Stderr
	default:
		fmt.Fprintf(os.Stderr, "logging: invalid format %q; using %q\n", format, "json")
		return os.Stderr
	}
}

func newConsoleWriter(out io.Writer) io.Writer {
	return zerolog.ConsoleWriter{
		Out:        out,
		TimeFormat: defaultTimeFmt,
	}
}

func isTerminal(file *os.File) bool {
	if file == nil {
		return false
	}
	return term.IsTerminal(int(file.Fd()))
}
