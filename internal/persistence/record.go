package persistence

import (
	"encoding/base64"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

// Op is the kind of journaled mutation.
type Op string

const (
	OpStore     Op = "STORE"
	OpRemove    Op = "REMOVE"
	OpTouch     Op = "TOUCH"
	OpDefensive Op = "DEFENSIVE"
)

// Record is one journal line. Seq is assigned by the Engine.
type Record struct {
	Seq       uint64
	Timestamp time.Time
	Op        Op

	// STORE and REMOVE
	ID         uint64
	Importance float64
	CreatedAt  time.Time
	Payload    []byte

	// TOUCH
	IDs []uint64

	// DEFENSIVE
	Active bool
	Rule   string
}

// StoreRecord journals a newly placed entry.
func StoreRecord(id uint64, importance float64, createdAt time.Time, payload []byte) Record {
	return Record{Op: OpStore, ID: id, Importance: importance, CreatedAt: createdAt, Payload: payload}
}

// RemoveRecord journals an explicit removal.
func RemoveRecord(id uint64) Record {
	return Record{Op: OpRemove, ID: id}
}

// TouchRecord journals the ids returned by one retrieve.
func TouchRecord(ids []uint64) Record {
	return Record{Op: OpTouch, IDs: ids}
}

// DefensiveRecord journals a defensive mode transition.
func DefensiveRecord(active bool, rule string) Record {
	return Record{Op: OpDefensive, Active: active, Rule: rule}
}

// Line format: SEQ|UNIX_NANO|OP|fields...
//
//	STORE      id|importance|created_unix_nano|base64(payload)
//	REMOVE     id
//	TOUCH      id,id,...
//	DEFENSIVE  0|1|rule
func (r Record) encode() string {
	var b strings.Builder
	b.WriteString(strconv.FormatUint(r.Seq, 10))
	b.WriteByte('|')
	b.WriteString(strconv.FormatInt(r.Timestamp.UnixNano(), 10))
	b.WriteByte('|')
	b.WriteString(string(r.Op))
	b.WriteByte('|')

	switch r.Op {
	case OpStore:
		b.WriteString(strconv.FormatUint(r.ID, 10))
		b.WriteByte('|')
		b.WriteString(strconv.FormatFloat(r.Importance, 'g', -1, 64))
		b.WriteByte('|')
		b.WriteString(strconv.FormatInt(r.CreatedAt.UnixNano(), 10))
		b.WriteByte('|')
		b.WriteString(base64.StdEncoding.EncodeToString(r.Payload))
	case OpRemove:
		b.WriteString(strconv.FormatUint(r.ID, 10))
	case OpTouch:
		for i, id := range r.IDs {
			if i > 0 {
				b.WriteByte(',')
			}
			b.WriteString(strconv.FormatUint(id, 10))
		}
	case OpDefensive:
		if r.Active {
			b.WriteByte('1')
		} else {
			b.WriteByte('0')
		}
		b.WriteByte('|')
		b.WriteString(r.Rule)
	}
	b.WriteByte('\n')
	return b.String()
}

func parseRecord(line string) (Record, error) {
	parts := strings.Split(line, "|")
	if len(parts) < 4 {
		return Record{}, errors.Newf("expected at least 4 fields, got %d", len(parts))
	}

	var r Record
	var err error
	if r.Seq, err = strconv.ParseUint(parts[0], 10, 64); err != nil {
		return Record{}, errors.Wrap(err, "invalid sequence")
	}
	ts, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return Record{}, errors.Wrap(err, "invalid timestamp")
	}
	r.Timestamp = time.Unix(0, ts)
	r.Op = Op(parts[2])
	fields := parts[3:]

	switch r.Op {
	case OpStore:
		if len(fields) != 4 {
			return Record{}, errors.Newf("STORE needs 4 fields, got %d", len(fields))
		}
		if r.ID, err = strconv.ParseUint(fields[0], 10, 64); err != nil {
			return Record{}, errors.Wrap(err, "invalid id")
		}
		if r.Importance, err = strconv.ParseFloat(fields[1], 64); err != nil {
			return Record{}, errors.Wrap(err, "invalid importance")
		}
		created, err := strconv.ParseInt(fields[2], 10, 64)
		if err != nil {
			return Record{}, errors.Wrap(err, "invalid created_at")
		}
		r.CreatedAt = time.Unix(0, created)
		if r.Payload, err = base64.StdEncoding.DecodeString(fields[3]); err != nil {
			return Record{}, errors.Wrap(err, "invalid payload")
		}
	case OpRemove:
		if r.ID, err = strconv.ParseUint(fields[0], 10, 64); err != nil {
			return Record{}, errors.Wrap(err, "invalid id")
		}
	case OpTouch:
		if fields[0] == "" {
			break
		}
		for _, s := range strings.Split(fields[0], ",") {
			id, err := strconv.ParseUint(s, 10, 64)
			if err != nil {
				return Record{}, errors.Wrap(err, "invalid touched id")
			}
			r.IDs = append(r.IDs, id)
		}
	case OpDefensive:
		if len(fields) < 2 {
			return Record{}, errors.Newf("DEFENSIVE needs 2 fields, got %d", len(fields))
		}
		r.Active = fields[0] == "1"
		r.Rule = strings.Join(fields[1:], "|")
	default:
		return Record{}, errors.Newf("unsupported operation %q", r.Op)
	}
	return r, nil
}
