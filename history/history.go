// Package history persists transcription sessions and their lines in a
// badger key-value store.
//
// Keys:
//
//	session/<id>            JSON Session
//	line/<id>/<seq:020d>    JSON transcript.Line
//
// Line sequence numbers come from a single badger sequence, so lines of a
// session iterate in append order.
package history

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"go.aimuz.me/livescribe/transcript"
)

// ErrNotFound is returned for an unknown session id.
var ErrNotFound = errors.New("history: session not found")

const (
	sessionPrefix = "session/"
	linePrefix    = "line/"
	lineSeqKey    = "seq/line"

	seqBandwidth = 128
)

// Session is the stored header of one transcription session.
type Session struct {
	ID      string    `json:"id"`
	Label   string    `json:"label"`
	Started time.Time `json:"started"`
	Ended   time.Time `json:"ended,omitzero"`
	Lines   int       `json:"lines"`
}

// Store is a badger-backed session history.
type Store struct {
	db  *badger.DB
	seq *badger.Sequence
	log *slog.Logger
}

// Open opens the store in dir, creating it if needed. An empty dir opens an
// in-memory store. A nil logger falls back to slog.Default.
func Open(dir string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "history")

	opts := badger.DefaultOptions(dir).WithLogger(badgerLogger{logger})
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open history %q: %w", dir, err)
	}
	seq, err := db.GetSequence([]byte(lineSeqKey), seqBandwidth)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("open line sequence: %w", err)
	}

	logger.Debug("history opened", "dir", dir, "in_memory", dir == "")
	return &Store{db: db, seq: seq, log: logger}, nil
}

// Close releases the sequence lease and closes the database.
func (s *Store) Close() error {
	return errors.Join(s.seq.Release(), s.db.Close())
}

// BeginSession stores a new session header and returns it.
func (s *Store) BeginSession(label string) (Session, error) {
	return s.BeginSessionWithID(uuid.NewString(), label)
}

// BeginSessionWithID is BeginSession with a caller-chosen id, so the stored
// session can share the id of the live pipeline session.
func (s *Store) BeginSessionWithID(id, label string) (Session, error) {
	sess := Session{ID: id, Label: label, Started: time.Now()}
	err := s.db.Update(func(txn *badger.Txn) error {
		return putJSON(txn, sessionKey(id), sess)
	})
	if err != nil {
		return Session{}, fmt.Errorf("begin session: %w", err)
	}
	s.log.Info("session recorded", "session", id, "label", label)
	return sess, nil
}

// AppendLine stores line under the session and bumps its line count.
func (s *Store) AppendLine(id string, line transcript.Line) error {
	n, err := s.seq.Next()
	if err != nil {
		return fmt.Errorf("next line sequence: %w", err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		sess, err := getSession(txn, id)
		if err != nil {
			return err
		}
		sess.Lines++
		if err := putJSON(txn, sessionKey(id), sess); err != nil {
			return err
		}
		return putJSON(txn, lineKey(id, n), line)
	})
	if err != nil {
		return fmt.Errorf("append line to %s: %w", id, err)
	}
	return nil
}

// EndSession records the end time of a session.
func (s *Store) EndSession(id string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		sess, err := getSession(txn, id)
		if err != nil {
			return err
		}
		sess.Ended = time.Now()
		return putJSON(txn, sessionKey(id), sess)
	})
	if err != nil {
		return fmt.Errorf("end session %s: %w", id, err)
	}
	return nil
}

// Session returns one session header.
func (s *Store) Session(id string) (Session, error) {
	var sess Session
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		sess, err = getSession(txn, id)
		return err
	})
	return sess, err
}

// Sessions returns every stored session, newest first.
func (s *Store) Sessions() ([]Session, error) {
	var out []Session
	err := s.db.View(func(txn *badger.Txn) error {
		return scan(txn, []byte(sessionPrefix), func(val []byte) error {
			var sess Session
			if err := json.Unmarshal(val, &sess); err != nil {
				return err
			}
			out = append(out, sess)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	slices.SortFunc(out, func(a, b Session) int { return b.Started.Compare(a.Started) })
	return out, nil
}

// Lines returns the lines of a session in append order.
func (s *Store) Lines(id string) ([]transcript.Line, error) {
	var out []transcript.Line
	err := s.db.View(func(txn *badger.Txn) error {
		if _, err := getSession(txn, id); err != nil {
			return err
		}
		return scan(txn, []byte(linePrefix+id+"/"), func(val []byte) error {
			var l transcript.Line
			if err := json.Unmarshal(val, &l); err != nil {
				return err
			}
			out = append(out, l)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("lines of %s: %w", id, err)
	}
	return out, nil
}

// Delete removes a session and its lines.
func (s *Store) Delete(id string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		if _, err := getSession(txn, id); err != nil {
			return err
		}
		var keys [][]byte
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		prefix := []byte(linePrefix + id + "/")
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		it.Close()

		for _, k := range keys {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
		return txn.Delete(sessionKey(id))
	})
}

func sessionKey(id string) []byte { return []byte(sessionPrefix + id) }

func lineKey(id string, n uint64) []byte {
	return fmt.Appendf(nil, "%s%s/%020d", linePrefix, id, n)
}

func getSession(txn *badger.Txn, id string) (Session, error) {
	item, err := txn.Get(sessionKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return Session{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return Session{}, err
	}
	var sess Session
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &sess)
	})
	return sess, err
}

func putJSON(txn *badger.Txn, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return txn.Set(key, data)
}

// scan calls fn with the value of every key under prefix, in key order.
func scan(txn *badger.Txn, prefix []byte, fn func(val []byte) error) error {
	it := txn.NewIterator(badger.DefaultIteratorOptions)
	defer it.Close()
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		if err := it.Item().Value(fn); err != nil {
			return err
		}
	}
	return nil
}

// badgerLogger routes badger's internal logging to slog. Info and debug
// chatter is demoted to debug.
type badgerLogger struct{ log *slog.Logger }

func (l badgerLogger) Errorf(format string, args ...any) {
	l.log.Error(fmt.Sprintf(format, args...))
}

func (l badgerLogger) Warningf(format string, args ...any) {
	l.log.Warn(fmt.Sprintf(format, args...))
}

func (l badgerLogger) Infof(format string, args ...any) {
	l.log.Debug(fmt.Sprintf(format, args...))
}

func (l badgerLogger) Debugf(format string, args ...any) {
	l.log.Debug(fmt.Sprintf(format, args...))
}
