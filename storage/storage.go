package storage

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"task-api/domain"
)

// Drivers accepted by Open.
const (
	DriverMongo  = "mongodb"
	DriverTables = "tables"
	DriverRedis  = "redis"
	DriverBadger = "badger"
)

// maxTokenAttempts bounds how many fresh tokens InsertTask tries before
// giving up on a collision.
const maxTokenAttempts = 3

// Store is the persistence contract shared by every driver.
type Store interface {
	ListTasks(ctx context.Context) ([]domain.Task, error)
	InsertTask(ctx context.Context, name, description string) (domain.Task, error)
	FindTask(ctx context.Context, id string) (domain.Task, error)
	FindTaskWithToken(ctx context.Context, id, token string) (domain.Task, error)
	UpdateTask(ctx context.Context, task domain.Task, name, description string) (domain.Task, error)
	SoftDeleteTask(ctx context.Context, task domain.Task) error
	Ping(ctx context.Context) error
	EnsureSchema(ctx context.Context) error
	Close(ctx context.Context) error
}

// Options selects and configures a driver.
type Options struct {
	Driver string
	Mongo  MongoOptions
	Tables TablesOptions
	Redis  RedisOptions
	Badger BadgerOptions
}

// Open connects to the store selected by opts.Driver.
func Open(ctx context.Context, opts Options, logger *log.Logger) (Store, error) {
	if logger == nil {
		logger = log.StandardLogger()
	}
	switch opts.Driver {
	case DriverMongo, "":
		return NewMongo(ctx, opts.Mongo, logger)
	case DriverTables:
		return NewTables(opts.Tables)
	case DriverRedis:
		return NewRedis(ctx, opts.Redis)
	case DriverBadger:
		return NewBadger(opts.Badger)
	default:
		return nil, fmt.Errorf("unknown store driver %q", opts.Driver)
	}
}

// insertWithToken calls insert with freshly generated tokens until the store
// accepts one.
func insertWithToken(ctx context.Context, insert func(ctx context.Context, token string) (domain.Task, error)) (domain.Task, error) {
	var err error
	for attempt := 0; attempt < maxTokenAttempts; attempt++ {
		var task domain.Task
		task, err = insert(ctx, newSecureToken())
		if err == nil {
			return task, nil
		}
		if !errors.Is(err, domain.ErrDuplicateToken) {
			return domain.Task{}, err
		}
		log.WithField("attempt", attempt+1).Warn("secure token collision, retrying")
	}
	return domain.Task{}, fmt.Errorf("insert task after %d attempts: %w", maxTokenAttempts, err)
}

var newSecureToken = uuid.NewString

// newID returns a time ordered identifier so key order follows insertion.
func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

func newTask(id, name, description, token string) domain.Task {
	now := domain.Timestamp()
	return domain.Task{
		ID:          id,
		Name:        name,
		Description: description,
		SecureToken: token,
		Status:      domain.StatusActive,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// tokensMatch compares a stored token with a presented one in constant time.
func tokensMatch(stored, presented string) bool {
	return subtle.ConstantTimeCompare([]byte(stored), []byte(presented)) == 1
}
