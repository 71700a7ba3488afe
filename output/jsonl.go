package output

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/dhcgn/imap-extract/model"
)

// JSONLWriter writes one JSON object per result and line.
type JSONLWriter struct {
	buf    *bufio.Writer
	enc    *json.Encoder
	closer io.Closer
}

// NewJSONLFile appends to path, or writes to stdout when path is "-".
func NewJSONLFile(path string) (*JSONLWriter, error) {
	if path == "-" {
		return NewJSONLWriter(os.Stdout, nil), nil
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create output directory: %w", err)
		}
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open output file: %w", err)
	}
	return NewJSONLWriter(file, file), nil
}

// NewJSONLWriter writes to w. closer, if not nil, is closed by Close.
func NewJSONLWriter(w io.Writer, closer io.Closer) *JSONLWriter {
	buf := bufio.NewWriter(w)
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	return &JSONLWriter{buf: buf, enc: enc, closer: closer}
}

func (j *JSONLWriter) Write(_ context.Context, result model.Result) error {
	if result.Links == nil {
		result.Links = []string{}
	}
	if err := j.enc.Encode(result); err != nil {
		return fmt.Errorf("encode result %s: %w", result.Key, err)
	}
	return nil
}

// Flush writes buffered lines to the underlying writer.
func (j *JSONLWriter) Flush() error {
	if err := j.buf.Flush(); err != nil {
		return fmt.Errorf("flush output: %w", err)
	}
	return nil
}

func (j *JSONLWriter) Close() error {
	err := j.Flush()
	if j.closer != nil {
		if cerr := j.closer.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close output: %w", cerr)
		}
	}
	return err
}
