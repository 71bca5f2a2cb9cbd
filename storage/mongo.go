package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"task-api/domain"
)

// MongoOptions configures the MongoDB driver.
type MongoOptions struct {
	URI            string
	Database       string
	Collection     string
	ConnectTimeout time.Duration
}

// Mongo stores tasks as documents in a single collection.
type Mongo struct {
	client *mongo.Client
	coll   *mongo.Collection
	logger *log.Logger
}

type taskDocument struct {
	ID          primitive.ObjectID `bson:"_id,omitempty"`
	Name        string             `bson:"name"`
	Description string             `bson:"description"`
	SecureToken string             `bson:"secure_token"`
	Status      domain.Status      `bson:"status"`
	CreatedAt   time.Time          `bson:"created_at"`
	UpdatedAt   time.Time          `bson:"updated_at"`
	DeletedAt   *time.Time         `bson:"deleted_at"`
}

// NewMongo connects to MongoDB and verifies the connection with a ping.
func NewMongo(ctx context.Context, opts MongoOptions, logger *log.Logger) (*Mongo, error) {
	timeout := opts.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(opts.URI))
	if err != nil {
		return nil, fmt.Errorf("mongo: connect: %w", err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("mongo: ping: %w", err)
	}
	logger.WithFields(log.Fields{"database": opts.Database, "collection": opts.Collection}).Info("connected to mongodb")

	return &Mongo{
		client: client,
		coll:   client.Database(opts.Database).Collection(opts.Collection),
		logger: logger,
	}, nil
}

// EnsureSchema creates the unique index backing secure token uniqueness.
func (m *Mongo) EnsureSchema(ctx context.Context) error {
	_, err := m.coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "secure_token", Value: 1}},
			Options: options.Index().SetUnique(true).SetName("secure_token_unique"),
		},
		{
			Keys:    bson.D{{Key: "status", Value: 1}, {Key: "_id", Value: 1}},
			Options: options.Index().SetName("status_id"),
		},
	})
	if err != nil {
		return fmt.Errorf("mongo: create indexes: %w", err)
	}
	return nil
}

func (m *Mongo) ListTasks(ctx context.Context) ([]domain.Task, error) {
	cursor, err := m.coll.Find(ctx, bson.M{"status": domain.StatusActive}, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("mongo: list tasks: %w", err)
	}
	defer cursor.Close(ctx)

	var docs []taskDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("mongo: decode tasks: %w", err)
	}
	tasks := make([]domain.Task, 0, len(docs))
	for _, d := range docs {
		tasks = append(tasks, d.task())
	}
	return tasks, nil
}

func (m *Mongo) InsertTask(ctx context.Context, name, description string) (domain.Task, error) {
	return insertWithToken(ctx, func(ctx context.Context, token string) (domain.Task, error) {
		oid := primitive.NewObjectID()
		doc := newTaskDocument(newTask(oid.Hex(), name, description, token))
		doc.ID = oid
		if _, err := m.coll.InsertOne(ctx, doc); err != nil {
			if mongo.IsDuplicateKeyError(err) {
				return domain.Task{}, domain.ErrDuplicateToken
			}
			return domain.Task{}, fmt.Errorf("mongo: insert task: %w", err)
		}
		return doc.task(), nil
	})
}

func (m *Mongo) FindTask(ctx context.Context, id string) (domain.Task, error) {
	filter, err := liveFilter(id)
	if err != nil {
		return domain.Task{}, err
	}
	return m.findOne(ctx, filter)
}

func (m *Mongo) FindTaskWithToken(ctx context.Context, id, token string) (domain.Task, error) {
	filter, err := liveFilter(id)
	if err != nil {
		return domain.Task{}, err
	}
	filter["secure_token"] = token
	return m.findOne(ctx, filter)
}

func (m *Mongo) findOne(ctx context.Context, filter bson.M) (domain.Task, error) {
	var doc taskDocument
	if err := m.coll.FindOne(ctx, filter).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return domain.Task{}, domain.ErrNotFound
		}
		return domain.Task{}, fmt.Errorf("mongo: find task: %w", err)
	}
	return doc.task(), nil
}

func (m *Mongo) UpdateTask(ctx context.Context, task domain.Task, name, description string) (domain.Task, error) {
	filter, err := liveFilter(task.ID)
	if err != nil {
		return domain.Task{}, err
	}
	update := bson.M{"$set": bson.M{
		"name":        name,
		"description": description,
		"updated_at":  domain.Timestamp(),
	}}

	var doc taskDocument
	err = m.coll.FindOneAndUpdate(ctx, filter, update, options.FindOneAndUpdate().SetReturnDocument(options.After)).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return domain.Task{}, domain.ErrNotFound
		}
		return domain.Task{}, fmt.Errorf("mongo: update task: %w", err)
	}
	return doc.task(), nil
}

func (m *Mongo) SoftDeleteTask(ctx context.Context, task domain.Task) error {
	filter, err := liveFilter(task.ID)
	if err != nil {
		return err
	}
	now := domain.Timestamp()
	res, err := m.coll.UpdateOne(ctx, filter, bson.M{"$set": bson.M{
		"status":     domain.StatusDeleted,
		"deleted_at": now,
		"updated_at": now,
	}})
	if err != nil {
		return fmt.Errorf("mongo: soft delete task: %w", err)
	}
	if res.MatchedCount == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (m *Mongo) Ping(ctx context.Context) error {
	return m.client.Ping(ctx, readpref.Primary())
}

func (m *Mongo) Close(ctx context.Context) error {
	return m.client.Disconnect(ctx)
}

// liveFilter matches a live task by id. Ids that are not ObjectIDs can never
// match and are reported as not found.
func liveFilter(id string) (bson.M, error) {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return nil, domain.ErrNotFound
	}
	return bson.M{"_id": oid, "status": domain.StatusActive}, nil
}

func newTaskDocument(t domain.Task) taskDocument {
	return taskDocument{
		Name:        t.Name,
		Description: t.Description,
		SecureToken: t.SecureToken,
		Status:      t.Status,
		CreatedAt:   t.CreatedAt,
		UpdatedAt:   t.UpdatedAt,
		DeletedAt:   t.DeletedAt,
	}
}

func (d taskDocument) task() domain.Task {
	t := domain.Task{
		ID:          d.ID.Hex(),
		Name:        d.Name,
		Description: d.Description,
		SecureToken: d.SecureToken,
		Status:      d.Status,
		CreatedAt:   d.CreatedAt.UTC(),
		UpdatedAt:   d.UpdatedAt.UTC(),
	}
	if d.DeletedAt != nil {
		deleted := d.DeletedAt.UTC()
		t.DeletedAt = &deleted
	}
	return t
}
