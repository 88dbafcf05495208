package storage

import (
	"context"
	"encoding/json"
	"path/filepath"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"

	"github.com/devghori1264/quarterpatch/internal/errors"
	"github.com/devghori1264/quarterpatch/internal/models"
)

// Gateway is the inventory store. Records are keyed by server name.
type Gateway interface {
	ReadAll(ctx context.Context) ([]*models.ServerRecord, error)
	Get(ctx context.Context, name string) (*models.ServerRecord, error)
	Write(ctx context.Context, rec *models.ServerRecord) error
	Delete(ctx context.Context, name string) error
	Close() error
}

// Options configures BadgerStore.
type Options struct {
	Path     string
	InMemory bool
	Logger   *zap.SugaredLogger
}

// BadgerStore implements Gateway with Badger DB.
type BadgerStore struct {
	db  *badger.DB
	now func() time.Time
}

const keyPrefix = "server:"

// NewBadgerStore opens (or creates) the store.
func NewBadgerStore(o Options) (*BadgerStore, error) {
	var opts badger.Options
	if o.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if o.Path == "" {
			return nil, errors.WithHint(errors.New("storage path is empty"), "set storage.path or storage.in_memory")
		}
		opts = badger.DefaultOptions(filepath.Clean(o.Path))
		opts = opts.WithValueLogFileSize(64 << 20)
	}
	if o.Logger != nil {
		opts.Logger = badgerLogger{o.Logger.Named("badger")}
	} else {
		opts.Logger = nil
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Infrastructure(err, "open inventory store")
	}
	return &BadgerStore{db: db, now: time.Now}, nil
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}

func serverKey(name string) []byte {
	return []byte(keyPrefix + name)
}

// Write stores rec, bumping its Version and timestamps.
func (s *BadgerStore) Write(ctx context.Context, rec *models.ServerRecord) error {
	if rec == nil || rec.Name == "" {
		return errors.Mark(errors.New("server record has no name"), errors.ErrValidationFailed)
	}
	if err := ctx.Err(); err != nil {
		return errors.Wrapf(err, "write %s", rec.Name)
	}
	now := s.now().UTC()
	prevVersion, prevUpdated, prevCreated := rec.Version, rec.UpdatedAt, rec.CreatedAt
	rec.Version++
	rec.UpdatedAt = now
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return txn.Set(serverKey(rec.Name), data)
	})
	if err != nil {
		rec.Version, rec.UpdatedAt, rec.CreatedAt = prevVersion, prevUpdated, prevCreated
		return errors.Infrastructure(err, "write "+rec.Name)
	}
	return nil
}

func (s *BadgerStore) Get(ctx context.Context, name string) (*models.ServerRecord, error) {
	var out models.ServerRecord
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(serverKey(name))
		if err != nil {
			return err
		}
		return item.Value(func(v []byte) error {
			return json.Unmarshal(v, &out)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, errors.Wrapf(errors.ErrNotFound, "server %s", name)
	}
	if err != nil {
		return nil, errors.Infrastructure(err, "read "+name)
	}
	return &out, nil
}

// ReadAll returns every record sorted by name.
func (s *BadgerStore) ReadAll(ctx context.Context) ([]*models.ServerRecord, error) {
	var out []*models.ServerRecord
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(keyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := it.Item()
			var rec models.ServerRecord
			if err := item.Value(func(v []byte) error {
				return json.Unmarshal(v, &rec)
			}); err != nil {
				return errors.Wrapf(err, "decode %s", item.Key())
			}
			out = append(out, &rec)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Infrastructure(err, "read inventory")
	}
	models.SortByName(out)
	return out, nil
}

// Delete removes a record. Deleting a missing record is not an error.
func (s *BadgerStore) Delete(ctx context.Context, name string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(serverKey(name))
	})
	if err != nil {
		return errors.Infrastructure(err, "delete "+name)
	}
	return nil
}

// badgerLogger routes badger's logs through zap.
type badgerLogger struct {
	*zap.SugaredLogger
}

func (l badgerLogger) Warningf(format string, args ...interface{}) {
	l.Warnf(format, args...)
}
