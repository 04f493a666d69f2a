package persistence

import (
	"errors"
	"fmt"

	"martingale-bot-go/internal/events"

	"github.com/dgraph-io/badger/v3"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	eventPrefix = "events/"
	seqKey      = "meta/event_seq"
)

// badgerJournal is the BadgerDB implementation of the Journal.
type badgerJournal struct {
	db  *badger.DB
	seq *badger.Sequence
}

// NewBadgerJournal opens (or creates) a journal at dbPath.
func NewBadgerJournal(dbPath string) (Journal, error) {
	return openBadgerJournal(badger.DefaultOptions(dbPath))
}

// NewInMemoryJournal opens a journal that lives only as long as the process.
func NewInMemoryJournal() (Journal, error) {
	return openBadgerJournal(badger.DefaultOptions("").WithInMemory(true))
}

func openBadgerJournal(opts badger.Options) (*badgerJournal, error) {
	// Badger's own logging would interleave with ours; errors still surface from DB operations.
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	seq, err := db.GetSequence([]byte(seqKey), 128)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("open journal sequence: %w", err)
	}
	return &badgerJournal{db: db, seq: seq}, nil
}

func botPrefix(botID uuid.UUID) []byte {
	return []byte(eventPrefix + botID.String() + "/")
}

// Append marshals the event into JSON and saves it under a key that sorts
// after every earlier event of the same bot.
func (j *badgerJournal) Append(e events.Event) error {
	n, err := j.seq.Next()
	if err != nil {
		return fmt.Errorf("next journal sequence: %w", err)
	}
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", e.Type, err)
	}
	data, err := json.Marshal(Record{
		Seq:       n,
		BotID:     e.BotID,
		UserID:    e.UserID,
		Type:      e.Type,
		Payload:   payload,
		Timestamp: e.Timestamp,
	})
	if err != nil {
		return err
	}

	key := append(botPrefix(e.BotID), []byte(fmt.Sprintf("%020d", n))...)
	return j.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, data)
	})
}

// Events iterates the bot's key range in order.
func (j *badgerJournal) Events(botID uuid.UUID) ([]Record, error) {
	records := []Record{}
	prefix := botPrefix(botID)

	err := j.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				if len(val) == 0 {
					return errors.New("journal value is empty in database")
				}
				var r Record
				if err := json.Unmarshal(val, &r); err != nil {
					return err
				}
				records = append(records, r)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read journal of %s: %w", botID, err)
	}
	return records, nil
}

// Close releases the sequence lease and closes the database.
func (j *badgerJournal) Close() error {
	return errors.Join(j.seq.Release(), j.db.Close())
}

// JournalHandler appends every dispatched event to j.
func JournalHandler(j Journal, logger *zap.Logger) events.Handler {
	return events.HandlerFunc(func(e events.Event) {
		if err := j.Append(e); err != nil {
			logger.Error("CRITICAL: failed to journal event",
				zap.String("bot_id", e.BotID.String()),
				zap.String("type", string(e.Type)),
				zap.Error(err))
		}
	})
}
