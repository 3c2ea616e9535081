// Package sse frames records as text/event-stream blocks and reads them back.
package sse

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
)

const defaultBufferSize = 16 * 1024

// maxRecordSize bounds a single data payload accepted by Reader.
const maxRecordSize = 8 * 1024 * 1024

var ErrRecordTooLarge = errors.New("sse: record exceeds size limit")

// Record is one parsed event block.
type Record struct {
	Event string
	Data  []byte
}

// SetHeaders prepares an HTTP response for streaming.
func SetHeaders(h http.Header) {
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
}

// Writer emits records as
//
//	event: <name>
//	data: <payload>
//	<blank line>
type Writer struct {
	mu     sync.Mutex
	buf    *bufio.Writer
	target io.Writer
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{buf: bufio.NewWriterSize(w, defaultBufferSize), target: w}
}

// WriteRecord buffers one record. Multi-line payloads are split over several
// data lines so the blank-line terminator stays unambiguous.
func (w *Writer) WriteRecord(event string, data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if event != "" {
		if _, err := w.buf.WriteString("event: " + event + "\n"); err != nil {
			return err
		}
	}
	for _, line := range bytes.Split(data, []byte("\n")) {
		if _, err := w.buf.WriteString("data: "); err != nil {
			return err
		}
		if _, err := w.buf.Write(line); err != nil {
			return err
		}
		if err := w.buf.WriteByte('\n'); err != nil {
			return err
		}
	}
	return w.buf.WriteByte('\n')
}

// Flush pushes buffered bytes to the target and, for HTTP responses, to the
// client.
func (w *Writer) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.buf.Flush(); err != nil {
		return err
	}
	if f, ok := w.target.(http.Flusher); ok {
		f.Flush()
	}
	return nil
}

// Reader parses records incrementally from a byte stream.
type Reader struct {
	src *bufio.Reader
}

func NewReader(r io.Reader) *Reader {
	return &Reader{src: bufio.NewReaderSize(r, defaultBufferSize)}
}

// Next returns the next record. Comment lines and blocks without data are
// skipped. It returns io.EOF at a clean end of stream and
// io.ErrUnexpectedEOF when the stream stops inside a record.
func (r *Reader) Next() (Record, error) {
	var (
		rec     Record
		data    bytes.Buffer
		hasData bool
		pending bool
	)
	for {
		line, err := r.src.ReadString('\n')
		if err != nil && !(errors.Is(err, io.EOF) && line != "") {
			if errors.Is(err, io.EOF) {
				if pending {
					return Record{}, io.ErrUnexpectedEOF
				}
				return Record{}, io.EOF
			}
			return Record{}, err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			if hasData {
				rec.Data = data.Bytes()
				return rec, nil
			}
			rec = Record{}
			pending = false
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		name, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		pending = true
		switch name {
		case "event":
			rec.Event = value
		case "data":
			if hasData {
				data.WriteByte('\n')
			}
			data.WriteString(value)
			hasData = true
			if data.Len() > maxRecordSize {
				return Record{}, ErrRecordTooLarge
			}
		}
	}
}
