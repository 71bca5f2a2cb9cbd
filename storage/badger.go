package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"

	"task-api/domain"
)

const (
	badgerTaskPrefix  = "task/"
	badgerTokenPrefix = "token/"
)

// BadgerOptions configures the embedded Badger driver. An empty Path keeps
// the database in memory.
type BadgerOptions struct {
	Path string
}

// Badger stores tasks in an embedded key-value database.
type Badger struct {
	db *badger.DB
}

func NewBadger(opts BadgerOptions) (*Badger, error) {
	var badgerOpts badger.Options
	if opts.Path == "" {
		badgerOpts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		badgerOpts = badger.DefaultOptions(opts.Path)
	}
	badgerOpts = badgerOpts.WithLoggingLevel(badger.ERROR)

	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("badger: open: %w", err)
	}
	return &Badger{db: db}, nil
}

func (b *Badger) EnsureSchema(context.Context) error {
	return nil
}

// ListTasks walks the task prefix; ids are time ordered so key order is
// insertion order.
func (b *Badger) ListTasks(context.Context) ([]domain.Task, error) {
	tasks := []domain.Task{}
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchSize = 100
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(badgerTaskPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				t, err := decodeRecord(val)
				if err != nil {
					return err
				}
				if t.Live() {
					tasks = append(tasks, t)
				}
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("badger: list tasks: %w", err)
	}
	return tasks, nil
}

func (b *Badger) InsertTask(ctx context.Context, name, description string) (domain.Task, error) {
	return insertWithToken(ctx, func(ctx context.Context, token string) (domain.Task, error) {
		task := newTask(newID(), name, description, token)
		payload, err := encodeRecord(task)
		if err != nil {
			return domain.Task{}, err
		}
		err = b.update(func(txn *badger.Txn) error {
			_, err := txn.Get([]byte(badgerTokenPrefix + token))
			if err == nil {
				return domain.ErrDuplicateToken
			}
			if !errors.Is(err, badger.ErrKeyNotFound) {
				return err
			}
			if err := txn.Set([]byte(badgerTokenPrefix+token), []byte(task.ID)); err != nil {
				return err
			}
			return txn.Set([]byte(badgerTaskPrefix+task.ID), payload)
		})
		if err != nil {
			if errors.Is(err, domain.ErrDuplicateToken) {
				return domain.Task{}, err
			}
			return domain.Task{}, fmt.Errorf("badger: insert task: %w", err)
		}
		return task, nil
	})
}

func (b *Badger) FindTask(_ context.Context, id string) (domain.Task, error) {
	var task domain.Task
	err := b.db.View(func(txn *badger.Txn) error {
		var err error
		task, err = getLiveTask(txn, id)
		return err
	})
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.Task{}, err
		}
		return domain.Task{}, fmt.Errorf("badger: get task: %w", err)
	}
	return task, nil
}

func (b *Badger) FindTaskWithToken(ctx context.Context, id, token string) (domain.Task, error) {
	task, err := b.FindTask(ctx, id)
	if err != nil {
		return domain.Task{}, err
	}
	if !tokensMatch(task.SecureToken, token) {
		return domain.Task{}, domain.ErrNotFound
	}
	return task, nil
}

func (b *Badger) UpdateTask(_ context.Context, task domain.Task, name, description string) (domain.Task, error) {
	return b.modify(task.ID, rename(name, description))
}

func (b *Badger) SoftDeleteTask(_ context.Context, task domain.Task) error {
	_, err := b.modify(task.ID, markDeleted)
	return err
}

func (b *Badger) modify(id string, change func(*domain.Task)) (domain.Task, error) {
	var updated domain.Task
	err := b.update(func(txn *badger.Txn) error {
		task, err := getLiveTask(txn, id)
		if err != nil {
			return err
		}
		change(&task)
		payload, err := encodeRecord(task)
		if err != nil {
			return err
		}
		if err := txn.Set([]byte(badgerTaskPrefix+id), payload); err != nil {
			return err
		}
		updated = task
		return nil
	})
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.Task{}, err
		}
		return domain.Task{}, fmt.Errorf("badger: update task: %w", err)
	}
	return updated, nil
}

// update runs fn in a read-write transaction, retrying on write conflicts.
func (b *Badger) update(fn func(txn *badger.Txn) error) error {
	var err error
	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		err = b.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return err
}

func getLiveTask(txn *badger.Txn, id string) (domain.Task, error) {
	item, err := txn.Get([]byte(badgerTaskPrefix + id))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return domain.Task{}, domain.ErrNotFound
		}
		return domain.Task{}, err
	}
	data, err := item.ValueCopy(nil)
	if err != nil {
		return domain.Task{}, err
	}
	task, err := decodeRecord(data)
	if err != nil {
		return domain.Task{}, err
	}
	if !task.Live() {
		return domain.Task{}, domain.ErrNotFound
	}
	return task, nil
}

func (b *Badger) Ping(context.Context) error {
	if b.db.IsClosed() {
		return errors.New("badger: database closed")
	}
	return nil
}

func (b *Badger) Close(context.Context) error {
	return b.db.Close()
}
