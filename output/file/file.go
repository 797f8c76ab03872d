// Package file appends egress events to a local file.
//
// Output is an events.Sink. Format "jsonl" writes one event envelope per line; "raw"
// writes only the event payload per line. The file is synced after every batch.
package file

import (
	"bufio"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/c360/pointflow/errors"
	"github.com/c360/pointflow/events"
)

// Config holds configuration for the file sink
type Config struct {
	Directory  string `json:"directory"`
	FilePrefix string `json:"file_prefix"`
	Format     string `json:"format"`
	Append     bool   `json:"append"`
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if c.Directory == "" {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate", "directory is required")
	}
	if c.Format != "jsonl" && c.Format != "raw" {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"format must be one of: jsonl, raw")
	}
	return nil
}

// DefaultConfig returns default configuration for the file sink
func DefaultConfig() Config {
	return Config{
		Directory:  "/var/lib/pointflow",
		FilePrefix: "events",
		Format:     "jsonl",
		Append:     true,
	}
}

// Output writes event batches to one file
type Output struct {
	path   string
	format string
	logger *slog.Logger

	fileMu sync.Mutex
	file   *os.File
	closed bool

	eventsWritten atomic.Int64
}

var _ events.Sink = (*Output)(nil)

// New creates the directory if needed and opens the file
func New(cfg Config) (*Output, error) {
	def := DefaultConfig()
	if cfg.Format == "" {
		cfg.Format = def.Format
	}
	if cfg.FilePrefix == "" {
		cfg.FilePrefix = def.FilePrefix
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(cfg.Directory, 0o755); err != nil {
		return nil, errors.WrapFatal(err, "FileOutput", "New", "create directory")
	}
	path := filepath.Join(cfg.Directory, cfg.FilePrefix+"."+cfg.Format)

	flags := os.O_CREATE | os.O_WRONLY
	if cfg.Append {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return nil, errors.WrapFatal(err, "FileOutput", "New", "open "+path)
	}

	return &Output{
		path:   path,
		format: cfg.Format,
		file:   f,
		logger: slog.Default().With("component", "file-output", "path", path),
	}, nil
}

// Name implements events.Sink
func (f *Output) Name() string { return "file" }

// Path returns the file being written
func (f *Output) Path() string { return f.path }

// Deliver implements events.Sink
func (f *Output) Deliver(_ context.Context, batch []events.Event) error {
	f.fileMu.Lock()
	defer f.fileMu.Unlock()
	if f.closed {
		return errors.WrapFatal(errors.ErrShuttingDown, "FileOutput", "Deliver", "check state")
	}

	w := bufio.NewWriter(f.file)
	for _, ev := range batch {
		line := []byte(ev.Data)
		if f.format == "jsonl" {
			var err error
			if line, err = json.Marshal(ev); err != nil {
				f.logger.Error("Failed to encode event", "id", ev.ID, "error", err)
				continue
			}
		}
		if _, err := w.Write(append(line, '\n')); err != nil {
			return errors.WrapTransient(err, "FileOutput", "Deliver", "write event")
		}
	}
	if err := w.Flush(); err != nil {
		return errors.WrapTransient(err, "FileOutput", "Deliver", "flush")
	}
	if err := f.file.Sync(); err != nil {
		return errors.WrapTransient(err, "FileOutput", "Deliver", "sync")
	}
	f.eventsWritten.Add(int64(len(batch)))
	return nil
}

// Written returns the number of events written
func (f *Output) Written() int64 { return f.eventsWritten.Load() }

// Close closes the file. Later deliveries fail.
func (f *Output) Close() error {
	f.fileMu.Lock()
	defer f.fileMu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	if err := f.file.Close(); err != nil {
		return errors.Wrap(err, "FileOutput", "Close", "close file")
	}
	return nil
}
