// Package badger is a persistent storage.Store backed by BadgerDB.
//
// Key layout:
//
//	tpl/<templateID>             JSON template
//	inst/<instanceID>            JSON instance
//	idx/<templateID>/<instID>    empty; lists a template's instances
//
// Standalone instances are indexed under an empty template id.
package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/cyp0633/libseries/storage"
	"github.com/dgraph-io/badger/v4"
)

// Config holds configuration for a BadgerDB-backed store.
type Config struct {
	// Path is the directory for BadgerDB files. Ignored when InMemory is true.
	Path string

	// InMemory enables in-memory mode (no disk persistence). Useful for testing.
	InMemory bool

	// SyncWrites enables synchronous writes for durability.
	SyncWrites bool

	// Logger receives BadgerDB's internal logs. If nil they are discarded.
	Logger *slog.Logger
}

// DefaultConfig returns production defaults for a store at path.
func DefaultConfig(path string) Config {
	return Config{Path: path, SyncWrites: true}
}

// InMemoryConfig returns configuration for tests.
func InMemoryConfig() Config {
	return Config{InMemory: true}
}

// badgerLogger adapts slog.Logger to BadgerDB's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// Store implements storage.Store on top of a *badger.DB
type Store struct {
	db    *badger.DB
	locks *storage.LockTable
	now   func() time.Time
}

// Open opens (or creates) the database described by cfg.
// The caller must Close the returned store.
func Open(cfg Config) (*Store, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent database")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create database directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}
	return New(db), nil
}

// New wraps an already opened database
func New(db *badger.DB) *Store {
	return &Store{
		db:    db,
		locks: storage.NewLockTable(),
		now:   time.Now,
	}
}

func (s *Store) Close() error {
	return s.db.Close()
}

// CollectGarbage runs value log GC until there is nothing left to rewrite
func (s *Store) CollectGarbage(discardRatio float64) error {
	for {
		err := s.db.RunValueLogGC(discardRatio)
		switch {
		case err == nil:
			continue
		case errors.Is(err, badger.ErrNoRewrite), errors.Is(err, badger.ErrGCInMemoryMode):
			return nil
		default:
			return fmt.Errorf("value log gc: %w", err)
		}
	}
}

func templateKey(id string) []byte {
	return []byte("tpl/" + id)
}

func instanceKey(id string) []byte {
	return []byte("inst/" + id)
}

func indexPrefix(templateID string) []byte {
	return []byte("idx/" + templateID + "/")
}

func indexKey(templateID, instanceID string) []byte {
	return append(indexPrefix(templateID), instanceID...)
}

func unavailable(msg string, err error) error {
	return &storage.Error{Type: storage.ErrUnavailable, Message: msg, Err: err}
}

// getJSON decodes the value at key into v. It returns false when the key is
// missing.
func getJSON(txn *badger.Txn, key []byte, v any) (bool, error) {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, unavailable("read "+string(key), err)
	}
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, v)
	})
	if err != nil {
		return false, unavailable("decode "+string(key), err)
	}
	return true, nil
}

func setJSON(txn *badger.Txn, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return &storage.Error{Type: storage.ErrInvalidInput, Message: "encode " + string(key), Err: err}
	}
	if err := txn.Set(key, data); err != nil {
		return unavailable("write "+string(key), err)
	}
	return nil
}

func (s *Store) GetTemplate(ctx context.Context, id string) (*storage.Template, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var tpl storage.Template
	err := s.db.View(func(txn *badger.Txn) error {
		found, err := getJSON(txn, templateKey(id), &tpl)
		if err != nil {
			return err
		}
		if !found {
			return &storage.Error{Type: storage.ErrNotFound, Message: "template not found"}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &tpl, nil
}

func (s *Store) ListTemplates(ctx context.Context) ([]*storage.Template, error) {
	var out []*storage.Template
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte("tpl/")
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var tpl storage.Template
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &tpl)
			})
			if err != nil {
				return unavailable("decode template", err)
			}
			out = append(out, &tpl)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) GetInstance(ctx context.Context, id string) (*storage.Instance, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var inst storage.Instance
	err := s.db.View(func(txn *badger.Txn) error {
		found, err := getJSON(txn, instanceKey(id), &inst)
		if err != nil {
			return err
		}
		if !found {
			return &storage.Error{Type: storage.ErrNotFound, Message: "instance not found"}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &inst, nil
}

func (s *Store) ListInstances(ctx context.Context, templateID string, window storage.Window) ([]*storage.Instance, error) {
	var out []*storage.Instance
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := indexPrefix(templateID)
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			id := string(it.Item().Key()[len(prefix):])
			var inst storage.Instance
			found, err := getJSON(txn, instanceKey(id), &inst)
			if err != nil {
				return err
			}
			if !found {
				return unavailable("dangling index entry for instance "+id, nil)
			}
			if inst.InWindow(window) {
				out = append(out, &inst)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	storage.SortInstances(out)
	return out, nil
}

// ApplyChangeSet commits cs in a single read-write transaction
func (s *Store) ApplyChangeSet(ctx context.Context, cs *storage.ChangeSet) error {
	if err := cs.Validate(); err != nil {
		return err
	}
	now := s.now()

	return s.db.Update(func(txn *badger.Txn) error {
		for _, id := range cs.DeleteInstances {
			if err := ctx.Err(); err != nil {
				return err
			}
			var old storage.Instance
			found, err := getJSON(txn, instanceKey(id), &old)
			if err != nil {
				return err
			}
			if !found {
				return &storage.Error{Type: storage.ErrNotFound, Message: "instance " + id + " not found"}
			}
			if err := txn.Delete(instanceKey(id)); err != nil {
				return unavailable("delete instance "+id, err)
			}
			if err := txn.Delete(indexKey(old.TemplateID, id)); err != nil {
				return unavailable("delete index for "+id, err)
			}
		}

		for _, inst := range cs.UpdateInstances {
			if err := ctx.Err(); err != nil {
				return err
			}
			var old storage.Instance
			found, err := getJSON(txn, instanceKey(inst.ID), &old)
			if err != nil {
				return err
			}
			if !found {
				return &storage.Error{Type: storage.ErrNotFound, Message: "instance " + inst.ID + " not found"}
			}
			row := inst.Clone()
			row.Created = old.Created
			row.Modified = now
			if err := setJSON(txn, instanceKey(row.ID), row); err != nil {
				return err
			}
			if old.TemplateID != row.TemplateID {
				if err := txn.Delete(indexKey(old.TemplateID, row.ID)); err != nil {
					return unavailable("move index for "+row.ID, err)
				}
				if err := txn.Set(indexKey(row.TemplateID, row.ID), nil); err != nil {
					return unavailable("move index for "+row.ID, err)
				}
			}
		}

		for _, inst := range cs.CreateInstances {
			if err := ctx.Err(); err != nil {
				return err
			}
			if _, err := txn.Get(instanceKey(inst.ID)); err == nil {
				return &storage.Error{Type: storage.ErrAlreadyExists, Message: "instance " + inst.ID + " already exists"}
			} else if !errors.Is(err, badger.ErrKeyNotFound) {
				return unavailable("read instance "+inst.ID, err)
			}
			row := inst.Clone()
			row.Created = now
			row.Modified = now
			if err := setJSON(txn, instanceKey(row.ID), row); err != nil {
				return err
			}
			if err := txn.Set(indexKey(row.TemplateID, row.ID), nil); err != nil {
				return unavailable("write index for "+row.ID, err)
			}
		}

		for _, tpl := range cs.PutTemplates {
			var old storage.Template
			found, err := getJSON(txn, templateKey(tpl.ID), &old)
			if err != nil {
				return err
			}
			row := tpl.Clone()
			row.Created = now
			if found {
				row.Created = old.Created
			}
			row.Modified = now
			if err := setJSON(txn, templateKey(row.ID), row); err != nil {
				return err
			}
		}

		for _, id := range cs.DeleteTemplates {
			if _, err := txn.Get(templateKey(id)); errors.Is(err, badger.ErrKeyNotFound) {
				return &storage.Error{Type: storage.ErrNotFound, Message: "template " + id + " not found"}
			} else if err != nil {
				return unavailable("read template "+id, err)
			}
			if err := txn.Delete(templateKey(id)); err != nil {
				return unavailable("delete template "+id, err)
			}
		}
		return nil
	})
}

func (s *Store) AcquireSeriesLock(ctx context.Context, templateID string) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.locks.TryAcquire(templateID)
}
