// Package nonce tracks consumed statement nonces in badger with native TTLs.
package nonce

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"

	"milestonepay/internal/siws"
)

const keyPrefix = "nonce/"

type Store struct {
	db     *badger.DB
	logger *slog.Logger
}

// Open opens a store under dir, or an in-memory store when dir is empty.
func Open(dir string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	opts := badger.DefaultOptions(dir).
		WithLogger(badgerLogger{logger}).
		WithLoggingLevel(badger.WARNING)
	if dir == "" {
		opts = opts.WithInMemory(true)
	} else if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create nonce dir: %w", err)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open nonce store: %w", err)
	}
	return &Store{db: db, logger: logger}, nil
}

// Consume records (address, nonce) for ttl. It returns siws.ErrNonceUsed when
// the pair is still live from an earlier call.
func (s *Store) Consume(ctx context.Context, address, nonce string, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	key := []byte(keyPrefix + address + "/" + nonce)
	err := s.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(key)
		if err == nil {
			return siws.ErrNonceUsed
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		entry := badger.NewEntry(key, []byte(time.Now().UTC().Format(time.RFC3339)))
		if ttl > 0 {
			entry = entry.WithTTL(ttl)
		}
		return txn.SetEntry(entry)
	})
	if errors.Is(err, badger.ErrConflict) {
		// a concurrent request committed the same key first
		return siws.ErrNonceUsed
	}
	return err
}

// Used reports whether the pair is currently recorded.
func (s *Store) Used(address, nonce string) (bool, error) {
	key := []byte(keyPrefix + address + "/" + nonce)
	var used bool
	err := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(key)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		used = true
		return nil
	})
	return used, err
}

func (s *Store) Close() error {
	return s.db.Close()
}

type badgerLogger struct {
	logger *slog.Logger
}

func (l badgerLogger) Errorf(format string, args ...any) {
	l.logger.Error(fmt.Sprintf(format, args...), "component", "badger")
}

func (l badgerLogger) Warningf(format string, args ...any) {
	l.logger.Warn(fmt.Sprintf(format, args...), "component", "badger")
}

func (l badgerLogger) Infof(format string, args ...any) {
	l.logger.Info(fmt.Sprintf(format, args...), "component", "badger")
}

func (l badgerLogger) Debugf(format string, args ...any) {
	l.logger.Debug(fmt.Sprintf(format, args...), "component", "badger")
}
