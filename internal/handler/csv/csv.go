// Package csv implements the reference CSV-row handler: one row per
// event, written to "<output_dir>/<event.fq_id>.csv", with a header row
// of the event's field names written once per file. Supports file
// rotation (rename chain .csv -> _1.csv -> _2.csv ... on first write per
// process run) and optional cached file handles for high event rates.
package csv

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/dagainz/correlator/internal/event"
	"github.com/dagainz/correlator/internal/handler"
)

// Config is one CSV handler instance's bound options.
type Config struct {
	OutputDirectory  string
	RotateFiles      int64
	CacheFilehandles bool
	Enabled          bool
}

// Handler writes one row per event to a per-event-class CSV file.
type Handler struct {
	handler.Base
	cfg Config

	mu      sync.Mutex
	rotated map[string]bool
	cached  map[string]*os.File
	writers map[string]*csv.Writer
}

// New constructs a CSV handler.
func New(name string, cfg Config) *Handler {
	return &Handler{
		Base:    handler.NewBase(name, nil),
		cfg:     cfg,
		rotated: make(map[string]bool),
		cached:  make(map[string]*os.File),
		writers: make(map[string]*csv.Writer),
	}
}

func (h *Handler) Initialize() error {
	if !h.cfg.Enabled {
		return nil
	}
	return os.MkdirAll(h.cfg.OutputDirectory, 0755)
}

func (h *Handler) GetCreds(_ context.Context, _ string) ([]byte, error) { return nil, nil }

// ProcessEvent appends one row for evt, rotating evt's file the first
// time this process writes to it and writing the header whenever the
// file is missing or empty.
func (h *Handler) ProcessEvent(evt *event.Event) error {
	if !h.cfg.Enabled {
		return nil
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	path := filepath.Join(h.cfg.OutputDirectory, evt.FQID()+".csv")
	if !h.rotated[path] {
		if err := h.rotate(path); err != nil {
			return fmt.Errorf("csv handler %s: rotate %s: %w", h.HandlerName(), path, err)
		}
		h.rotated[path] = true
	}

	// The header goes in only when the file is empty, so appending to a
	// file left by a prior run never writes a second header row.
	needHeader := false
	if fi, statErr := os.Stat(path); os.IsNotExist(statErr) || (statErr == nil && fi.Size() == 0) {
		needHeader = true
	}

	w, f, err := h.writerFor(path)
	if err != nil {
		return fmt.Errorf("csv handler %s: open %s: %w", h.HandlerName(), path, err)
	}
	if !h.cfg.CacheFilehandles {
		defer f.Close()
	}

	fields := evt.FieldNames()
	if needHeader {
		if err := w.Write(fields); err != nil {
			return fmt.Errorf("csv handler %s: write header: %w", h.HandlerName(), err)
		}
	}

	payload := evt.Payload()
	row := make([]string, len(fields))
	for i, f := range fields {
		row[i] = fmt.Sprintf("%v", payload[f])
	}
	if err := w.Write(row); err != nil {
		return fmt.Errorf("csv handler %s: write row: %w", h.HandlerName(), err)
	}
	w.Flush()
	return w.Error()
}

// rotate renames an existing file chain before the first write of a
// process run: path -> path_1, path_1 -> path_2, ..., dropping anything
// beyond RotateFiles generations. A RotateFiles of 0 disables rotation
// (the existing file is simply appended to by writerFor).
func (h *Handler) rotate(path string) error {
	if h.cfg.RotateFiles <= 0 {
		return nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}

	ext := filepath.Ext(path)
	base := path[:len(path)-len(ext)]

	oldest := fmt.Sprintf("%s_%d%s", base, h.cfg.RotateFiles, ext)
	_ = os.Remove(oldest)

	for n := h.cfg.RotateFiles - 1; n >= 1; n-- {
		src := fmt.Sprintf("%s_%d%s", base, n, ext)
		dst := fmt.Sprintf("%s_%d%s", base, n+1, ext)
		if _, err := os.Stat(src); err == nil {
			if err := os.Rename(src, dst); err != nil {
				return err
			}
		}
	}
	return os.Rename(path, base+"_1"+ext)
}

func (h *Handler) writerFor(path string) (*csv.Writer, *os.File, error) {
	if h.cfg.CacheFilehandles {
		if f, ok := h.cached[path]; ok {
			return h.writers[path], f, nil
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, nil, err
		}
		w := csv.NewWriter(f)
		h.cached[path] = f
		h.writers[path] = w
		return w, f, nil
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, nil, err
	}
	return csv.NewWriter(f), f, nil
}

// Close closes every cached file handle. The handles are owned by this
// handler and never shared across goroutines.
func (h *Handler) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	var firstErr error
	for path, f := range h.cached {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(h.cached, path)
		delete(h.writers, path)
	}
	return firstErr
}
