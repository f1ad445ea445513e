// Package logging configures the shared logrus logger for the tunequiz CLI.
package logging

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Formatter renders one entry per line:
//
//	[2026-03-01 12:00:00] [info ] [manager.go:120] signed in user=u1
type Formatter struct{}

// sensitiveFields are dropped from output. Callers should not log these at
// all; this is the last line.
var sensitiveFields = map[string]bool{
	"access_token":  true,
	"refresh_token": true,
	"code":          true,
	"code_verifier": true,
	"authorization": true,
}

func (f *Formatter) Format(entry *log.Entry) ([]byte, error) {
	buf := entry.Buffer
	if buf == nil {
		buf = &bytes.Buffer{}
	}

	level := entry.Level.String()
	if level == "warning" {
		level = "warn"
	}
	fmt.Fprintf(buf, "[%s] [%-5s] ", entry.Time.Format("2006-01-02 15:04:05"), level)
	if entry.Caller != nil {
		fmt.Fprintf(buf, "[%s:%d] ", filepath.Base(entry.Caller.File), entry.Caller.Line)
	}
	buf.WriteString(strings.TrimRight(entry.Message, "\r\n"))

	keys := make([]string, 0, len(entry.Data))
	for k := range entry.Data {
		if !sensitiveFields[strings.ToLower(k)] {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(buf, " %s=%v", k, entry.Data[k])
	}
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}

// Options configures Setup.
type Options struct {
	Level string
	// File, when set, receives the log instead of Stderr and is rotated.
	File       string
	MaxSizeMB  int
	MaxBackups int
	// ReportCaller adds file:line to each entry.
	ReportCaller bool
}

var (
	mu     sync.Mutex
	writer *lumberjack.Logger
)

// Setup configures logger (the standard logger if nil) and returns it.
func Setup(logger *log.Logger, opts Options) (*log.Logger, error) {
	if logger == nil {
		logger = log.StandardLogger()
	}
	level := log.InfoLevel
	if opts.Level != "" {
		l, err := log.ParseLevel(opts.Level)
		if err != nil {
			return nil, fmt.Errorf("logging: %w", err)
		}
		level = l
	}
	logger.SetLevel(level)
	logger.SetFormatter(&Formatter{})
	logger.SetReportCaller(opts.ReportCaller)

	mu.Lock()
	defer mu.Unlock()
	if writer != nil {
		_ = writer.Close()
		writer = nil
	}
	if opts.File == "" {
		logger.SetOutput(os.Stderr)
		return logger, nil
	}
	if err := os.MkdirAll(filepath.Dir(opts.File), 0o700); err != nil {
		return nil, fmt.Errorf("logging: failed to create log directory: %w", err)
	}
	maxSize := opts.MaxSizeMB
	if maxSize <= 0 {
		maxSize = 10
	}
	writer = &lumberjack.Logger{
		Filename:   opts.File,
		MaxSize:    maxSize,
		MaxBackups: opts.MaxBackups,
	}
	logger.SetOutput(writer)
	return logger, nil
}

// Close flushes and closes the log file, if any.
func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if writer == nil {
		return nil
	}
	err := writer.Close()
	writer = nil
	return err
}

// Discard returns a logger that writes nowhere.
func Discard() *log.Logger {
	l := log.New()
	l.SetOutput(io.Discard)
	return l
}
