package accesslog

import (
	"bufio"
	"fmt"
	"io"
	"os"
)

// CursorStore persists named byte offsets between reads. Each log-reading
// purpose uses its own cursor name and never sees another purpose's offset.
type CursorStore interface {
	Offset(name string) (int64, error)
	SetOffset(name string, offset int64) error
}

// Reader yields parsed records from a stored byte offset to end of file.
// When the file is exhausted the new offset is persisted under the cursor
// name, so a later Reader with the same name resumes exactly where this one
// stopped. Abandoning a Reader early (Close before exhaustion) leaves the
// stored cursor untouched.
type Reader struct {
	f       *os.File
	br      *bufio.Reader
	cursors CursorStore
	name    string
	offset  int64
	size    int64
	done    bool
	closed  bool
}

// Open opens the log file at path positioned at the cursor's stored offset.
// An empty cursor name starts at offset 0 and never persists.
func Open(path string, cursors CursorStore, cursorName string) (*Reader, error) {
	var offset int64
	if cursorName != "" {
		var err error
		offset, err = cursors.Offset(cursorName)
		if err != nil {
			return nil, fmt.Errorf("accesslog: cursor %q: %w", cursorName, err)
		}
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("accesslog: open %q: %w", path, err)
	}

	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("accesslog: stat %q: %w", path, err)
	}

	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		f.Close()
		return nil, fmt.Errorf("accesslog: seek %q to %d: %w", path, offset, err)
	}

	return &Reader{
		f:       f,
		br:      bufio.NewReader(f),
		cursors: cursors,
		name:    cursorName,
		offset:  offset,
		size:    fi.Size(),
	}, nil
}

// Next returns the next parsable record. ok is false once the file is
// exhausted; at that point the cursor has been persisted. Lines without a
// parsable trailing user token are skipped silently.
func (r *Reader) Next() (Record, bool, error) {
	if r.done {
		return Record{}, false, nil
	}

	for {
		lineStart := r.offset
		line, err := r.br.ReadString('\n')
		if err == io.EOF {
			// An unterminated tail is a line still being written; leave it
			// for the next run rather than consuming half a record.
			return Record{}, false, r.finish()
		}
		if err != nil {
			return Record{}, false, fmt.Errorf("accesslog: read: %w", err)
		}
		r.offset += int64(len(line))

		rec, ok := ParseLine(line)
		if !ok {
			continue
		}
		rec.Offset = lineStart
		return rec, true, nil
	}
}

func (r *Reader) finish() error {
	r.done = true
	if r.name == "" {
		return nil
	}
	if err := r.cursors.SetOffset(r.name, r.offset); err != nil {
		return fmt.Errorf("accesslog: persist cursor %q: %w", r.name, err)
	}
	return nil
}

// Offset returns the byte position after the last consumed line.
func (r *Reader) Offset() int64 {
	return r.offset
}

// Size returns the size of the log file when the Reader was opened.
func (r *Reader) Size() int64 {
	return r.size
}

// Close releases the underlying file. It is safe to call more than once.
func (r *Reader) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	return r.f.Close()
}
