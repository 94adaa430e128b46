package accesslog

import (
	"net"
	"strings"
	"time"
)

// StatusAccepted is the status token for connections the engine let through.
const StatusAccepted = "accepted"

const timeLayout = "2006/01/02 15:04:05"

// Record is one parsed access-log line. Records are transient; only the
// ledgers derived from them are persisted.
type Record struct {
	Date          string
	Time          string
	ClientAddress string
	Status        string
	Destination   string
	Route         string
	User          string

	// DateTime is the parsed local timestamp; zero when unparsable.
	DateTime time.Time

	// Offset is the byte offset of the start of the line within the log
	// file, for later range queries.
	Offset int64
}

// ParseLine parses one whitespace-delimited access-log line:
//
//	date time clientAddress status destination route email user
//
// ok is false for lines without a parsable trailing user token; such lines
// are skipped silently by callers.
func ParseLine(line string) (Record, bool) {
	fields := strings.Fields(line)
	if len(fields) < 8 {
		return Record{}, false
	}

	rec := Record{
		Date:          fields[0],
		Time:          fields[1],
		ClientAddress: fields[2],
		Status:        fields[3],
		Destination:   fields[4],
		Route:         fields[5],
		User:          fields[len(fields)-1],
	}
	if rec.User == "" {
		return Record{}, false
	}

	if dt, err := time.ParseInLocation(timeLayout, rec.Date+" "+rec.Time, time.Local); err == nil {
		rec.DateTime = dt
	}

	return rec, true
}

// ClientIP returns the address portion of ClientAddress with the port
// stripped.
func (r Record) ClientIP() string {
	if host, _, err := net.SplitHostPort(r.ClientAddress); err == nil {
		return host
	}
	return r.ClientAddress
}

// OutboundTag returns the routing tag with the bracket wrapper removed,
// e.g. "[direct]" -> "direct".
func (r Record) OutboundTag() string {
	return strings.Trim(r.Route, "[]")
}
