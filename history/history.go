// Package history provides an optional durable message log on pebble.
//
// The engine treats persistence as a pluggable collaborator: when a data
// directory is configured, every inserted message and status change is
// mirrored here and replayed into the in-memory store on startup. Keys are
// timestamp-prefixed per conversation so iteration yields messages in
// insertion order, with a secondary id index for status updates.
package history

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/cockroachdb/pebble"
	"github.com/sirupsen/logrus"

	"github.com/swarn/chatcore/message"
)

const (
	convPrefix  = "conv:"
	indexPrefix = "msg:"
)

// Log is a durable message log. A nil *Log is a valid no-op collaborator,
// so call sites need no persistence branching.
type Log struct {
	db  *pebble.DB
	seq uint64
}

// Open opens (or creates) the log at dir.
func Open(dir string) (*Log, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("opening history db: %w", err)
	}
	logrus.WithFields(logrus.Fields{
		"function": "Open",
		"dir":      dir,
	}).Info("History log opened")
	return &Log{db: db}, nil
}

// primaryKey builds the conversation-scoped key. The sequence suffix keeps
// keys unique when messages share a millisecond timestamp.
func (l *Log) primaryKey(msg message.Message) []byte {
	s := atomic.AddUint64(&l.seq, 1)
	return []byte(fmt.Sprintf("%s%s:msg:%020d-%06d", convPrefix, msg.ConversationID, msg.CreatedAt, s))
}

func indexKey(id string) []byte {
	return []byte(indexPrefix + id)
}

// Append persists a message and indexes it by id.
func (l *Log) Append(msg message.Message) error {
	if l == nil {
		return nil
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshaling message: %w", err)
	}
	key := l.primaryKey(msg)
	if err := l.db.Set(key, data, pebble.Sync); err != nil {
		return fmt.Errorf("writing message: %w", err)
	}
	if err := l.db.Set(indexKey(msg.ID), key, pebble.Sync); err != nil {
		return fmt.Errorf("writing message index: %w", err)
	}
	return nil
}

// SetStatus records the latest status for a message id. Unknown ids are
// tolerated as no-ops, mirroring the in-memory store.
func (l *Log) SetStatus(id string, status message.Status) error {
	return l.mutate(id, func(msg *message.Message) { msg.Status = status })
}

// SetRead marks a message read.
func (l *Log) SetRead(id string) error {
	return l.mutate(id, func(msg *message.Message) { msg.Read = true })
}

func (l *Log) mutate(id string, apply func(*message.Message)) error {
	if l == nil {
		return nil
	}
	key, closer, err := l.db.Get(indexKey(id))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("looking up message %s: %w", id, err)
	}
	primary := append([]byte(nil), key...)
	if err := closer.Close(); err != nil {
		return fmt.Errorf("closing index read: %w", err)
	}

	data, closer, err := l.db.Get(primary)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading message %s: %w", id, err)
	}
	var msg message.Message
	uerr := json.Unmarshal(data, &msg)
	if err := closer.Close(); err != nil {
		return fmt.Errorf("closing message read: %w", err)
	}
	if uerr != nil {
		return fmt.Errorf("decoding message %s: %w", id, uerr)
	}

	apply(&msg)
	updated, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshaling message %s: %w", id, err)
	}
	if err := l.db.Set(primary, updated, pebble.Sync); err != nil {
		return fmt.Errorf("rewriting message %s: %w", id, err)
	}
	return nil
}

// LoadAll returns every stored message grouped in key order, which is
// per-conversation ascending insertion order. Used to rehydrate the
// in-memory store at engine start.
func (l *Log) LoadAll() ([]message.Message, error) {
	if l == nil {
		return nil, nil
	}
	iter, err := l.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(convPrefix),
		UpperBound: []byte(convPrefix + "\xff"),
	})
	if err != nil {
		return nil, fmt.Errorf("creating history iterator: %w", err)
	}
	defer iter.Close()

	var msgs []message.Message
	for iter.First(); iter.Valid(); iter.Next() {
		var msg message.Message
		if err := json.Unmarshal(iter.Value(), &msg); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "LoadAll",
				"key":      string(iter.Key()),
				"error":    err,
			}).Warn("Skipping undecodable history entry")
			continue
		}
		msgs = append(msgs, msg)
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("iterating history: %w", err)
	}
	return msgs, nil
}

// Clear removes every stored message and index entry.
func (l *Log) Clear() error {
	if l == nil {
		return nil
	}
	if err := l.db.DeleteRange([]byte(convPrefix), []byte(convPrefix+"\xff"), pebble.Sync); err != nil {
		return fmt.Errorf("clearing messages: %w", err)
	}
	if err := l.db.DeleteRange([]byte(indexPrefix), []byte(indexPrefix+"\xff"), pebble.Sync); err != nil {
		return fmt.Errorf("clearing message index: %w", err)
	}
	logrus.WithFields(logrus.Fields{
		"function": "Clear",
	}).Info("History log cleared")
	return nil
}

// Close closes the underlying database.
func (l *Log) Close() error {
	if l == nil {
		return nil
	}
	return l.db.Close()
}
