package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"
)

// BadgerDetailsStore keeps details in an embedded Badger database, usually
// next to the cached bytes so both survive restarts together.
type BadgerDetailsStore struct {
	db  *badgerdb.DB
	ttl time.Duration
}

type BadgerConfig struct {
	// Dir is the database directory. Empty opens an in-memory database.
	Dir string
	TTL time.Duration
}

// NewBadgerDetailsStore opens (or creates) the database at cfg.Dir.
func NewBadgerDetailsStore(cfg BadgerConfig, logger *zap.Logger) (*BadgerDetailsStore, error) {
	opts := badgerdb.DefaultOptions(cfg.Dir)
	if cfg.Dir == "" {
		opts = opts.WithInMemory(true)
	}
	if logger != nil {
		opts = opts.WithLogger(badgerLogger{logger.Named("badger").Sugar()})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badgerdb.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger details store: %w", err)
	}

	return &BadgerDetailsStore{db: db, ttl: cfg.TTL}, nil
}

func detailsKey(uri string) []byte {
	return []byte("details:" + uri)
}

func (s *BadgerDetailsStore) Get(ctx context.Context, uri string) (Details, bool, error) {
	if err := ctx.Err(); err != nil {
		return Details{}, false, err
	}

	var (
		d     Details
		found bool
	)
	err := s.db.View(func(txn *badgerdb.Txn) error {
		item, err := txn.Get(detailsKey(uri))
		if errors.Is(err, badgerdb.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}

		return item.Value(func(val []byte) error {
			decoded, err := decodeDetails(val)
			if err != nil {
				return err
			}
			d = decoded
			found = true
			return nil
		})
	})
	if err != nil {
		return Details{}, false, fmt.Errorf("failed to get details: %w", err)
	}

	return d, found, nil
}

func (s *BadgerDetailsStore) Set(ctx context.Context, uri string, d Details) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	value, err := encodeDetails(d)
	if err != nil {
		return err
	}

	return s.db.Update(func(txn *badgerdb.Txn) error {
		entry := badgerdb.NewEntry(detailsKey(uri), value)
		if s.ttl > 0 {
			entry = entry.WithTTL(s.ttl)
		}
		if err := txn.SetEntry(entry); err != nil {
			return fmt.Errorf("failed to store details: %w", err)
		}
		return nil
	})
}

func (s *BadgerDetailsStore) Delete(ctx context.Context, uri string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(txn *badgerdb.Txn) error {
		return txn.Delete(detailsKey(uri))
	})
}

func (s *BadgerDetailsStore) Close() error {
	return s.db.Close()
}

// badgerLogger routes badger's internal logging through zap.
type badgerLogger struct {
	s *zap.SugaredLogger
}

func (l badgerLogger) Errorf(f string, v ...interface{})   { l.s.Errorf(f, v...) }
func (l badgerLogger) Warningf(f string, v ...interface{}) { l.s.Warnf(f, v...) }
func (l badgerLogger) Infof(f string, v ...interface{})    { l.s.Debugf(f, v...) }
func (l badgerLogger) Debugf(f string, v ...interface{})   { l.s.Debugf(f, v...) }
