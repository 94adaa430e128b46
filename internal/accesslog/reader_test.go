package accesslog

import (
	"os"
	"path/filepath"
	"testing"
)

type memCursors map[string]int64

func (m memCursors) Offset(name string) (int64, error)      { return m[name], nil }
func (m memCursors) SetOffset(name string, off int64) error { m[name] = off; return nil }

func line(user string) string {
	return "2024/03/05 10:20:30 192.0.2.10:51234 accepted tcp:example.com:443 [direct] email: " + user + "\n"
}

func writeLog(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
}

func drain(t *testing.T, path string, cursors CursorStore, name string) []Record {
	t.Helper()
	r, err := Open(path, cursors, name)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	var records []Record
	for {
		rec, ok, err := r.Next()
		if err != nil {
			t.Fatal(err)
		}
		if !ok {
			return records
		}
		records = append(records, rec)
	}
}

func TestReaderResumesFromCursor(t *testing.T) {
	path := filepath.Join(t.TempDir(), "access.log")
	writeLog(t, path, line("alice")+line("bob"))
	cursors := memCursors{}

	first := drain(t, path, cursors, "test")
	if len(first) != 2 {
		t.Fatalf("first read got %d records, want 2", len(first))
	}

	// Append three more lines; only those should come back.
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		t.Fatal(err)
	}
	for _, u := range []string{"carol", "dave", "erin"} {
		if _, err := f.WriteString(line(u)); err != nil {
			t.Fatal(err)
		}
	}
	f.Close()

	second := drain(t, path, cursors, "test")
	if len(second) != 3 {
		t.Fatalf("second read got %d records, want 3", len(second))
	}
	if second[0].User != "carol" || second[2].User != "erin" {
		t.Errorf("second read = %q..%q, want carol..erin", second[0].User, second[2].User)
	}

	// Nothing new: a third read is empty.
	if third := drain(t, path, cursors, "test"); len(third) != 0 {
		t.Errorf("third read got %d records, want 0", len(third))
	}
}

func TestReaderLeavesUnterminatedTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "access.log")
	partial := "2024/03/05 10:20:31 192.0.2.11:1234 accepted tcp:example.com:443 [direct] email: frank"
	writeLog(t, path, line("alice")+partial)
	cursors := memCursors{}

	first := drain(t, path, cursors, "test")
	if len(first) != 1 || first[0].User != "alice" {
		t.Fatalf("first read = %v, want just alice", first)
	}

	// Complete the tail line; it is consumed on the next pass.
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.WriteString("\n"); err != nil {
		t.Fatal(err)
	}
	f.Close()

	second := drain(t, path, cursors, "test")
	if len(second) != 1 || second[0].User != "frank" {
		t.Fatalf("second read = %v, want just frank", second)
	}
}

func TestReaderIndependentCursors(t *testing.T) {
	path := filepath.Join(t.TempDir(), "access.log")
	writeLog(t, path, line("alice")+line("bob"))
	cursors := memCursors{}

	if got := drain(t, path, cursors, "one"); len(got) != 2 {
		t.Fatalf("cursor one got %d records, want 2", len(got))
	}
	// A different cursor still sees everything.
	if got := drain(t, path, cursors, "two"); len(got) != 2 {
		t.Fatalf("cursor two got %d records, want 2", len(got))
	}
}

func TestReaderSkipsUnparsableLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "access.log")
	writeLog(t, path, "garbage\n"+line("alice")+"\n")
	cursors := memCursors{}

	got := drain(t, path, cursors, "test")
	if len(got) != 1 || got[0].User != "alice" {
		t.Fatalf("got %v, want just alice", got)
	}
}

func TestReaderRecordOffsets(t *testing.T) {
	path := filepath.Join(t.TempDir(), "access.log")
	l1, l2 := line("alice"), line("bob")
	writeLog(t, path, l1+l2)

	got := drain(t, path, memCursors{}, "test")
	if len(got) != 2 {
		t.Fatalf("got %d records, want 2", len(got))
	}
	if got[0].Offset != 0 {
		t.Errorf("first offset = %d, want 0", got[0].Offset)
	}
	if got[1].Offset != int64(len(l1)) {
		t.Errorf("second offset = %d, want %d", got[1].Offset, len(l1))
	}
}
