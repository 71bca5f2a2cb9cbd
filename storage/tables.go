package storage

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/bytedance/sonic"
	"github.com/google/uuid"

	"task-api/domain"
)

const (
	tasksPartition = "tasks"
	taskRowPrefix  = "task_"
	tokenRowPrefix = "token_"
	edmDateTime    = "Edm.DateTime"

	maxUpdateAttempts = 3
)

var errConcurrentUpdate = errors.New("task modified concurrently")

// TablesOptions configures the Azure Table Storage driver.
type TablesOptions struct {
	ConnectionString string
	Table            string
}

// Tables stores tasks and token reservations as rows of one partition.
type Tables struct {
	client *aztables.Client
}

type entityKeys struct {
	PartitionKey string `json:"PartitionKey"`
	RowKey       string `json:"RowKey"`
}

type taskEntity struct {
	entityKeys
	ID            string `json:"ID"`
	Name          string `json:"Name"`
	Description   string `json:"Description"`
	SecureToken   string `json:"SecureToken"`
	Status        string `json:"Status"`
	CreatedAt     string `json:"CreatedAt"`
	CreatedAtType string `json:"CreatedAt@odata.type,omitempty"`
	UpdatedAt     string `json:"UpdatedAt"`
	UpdatedAtType string `json:"UpdatedAt@odata.type,omitempty"`
	DeletedAt     string `json:"DeletedAt,omitempty"`
	DeletedAtType string `json:"DeletedAt@odata.type,omitempty"`
}

type tokenEntity struct {
	entityKeys
	TaskID string `json:"TaskID"`
}

// NewTables creates a Tables driver from a storage account connection string.
func NewTables(opts TablesOptions) (*Tables, error) {
	clientOptions := aztables.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    3,
				TryTimeout:    time.Minute,
				RetryDelay:    time.Second,
				MaxRetryDelay: 15 * time.Second,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	svc, err := aztables.NewServiceClientFromConnectionString(opts.ConnectionString, &clientOptions)
	if err != nil {
		return nil, fmt.Errorf("tables: client: %w", err)
	}
	return &Tables{client: svc.NewClient(opts.Table)}, nil
}

// EnsureSchema creates the table, tolerating one that already exists.
func (s *Tables) EnsureSchema(ctx context.Context) error {
	if _, err := s.client.CreateTable(ctx, nil); err != nil {
		var respErr *azcore.ResponseError
		if errors.As(err, &respErr) && respErr.ErrorCode == string(aztables.TableAlreadyExists) {
			return nil
		}
		return fmt.Errorf("tables: create table: %w", err)
	}
	return nil
}

func (s *Tables) ListTasks(ctx context.Context) ([]domain.Task, error) {
	filter := listFilter()
	pager := s.client.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	tasks := []domain.Task{}
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("tables: list tasks: %w", err)
		}
		for _, raw := range resp.Entities {
			t, err := decodeTaskEntity(raw)
			if err != nil {
				return nil, fmt.Errorf("tables: decode task: %w", err)
			}
			tasks = append(tasks, t)
		}
	}
	return tasks, nil
}

func (s *Tables) InsertTask(ctx context.Context, name, description string) (domain.Task, error) {
	return insertWithToken(ctx, func(ctx context.Context, token string) (domain.Task, error) {
		task := newTask(newID(), name, description, token)

		reservation, err := sonic.Marshal(tokenEntity{
			entityKeys: entityKeys{PartitionKey: tasksPartition, RowKey: tokenRowPrefix + token},
			TaskID:     task.ID,
		})
		if err != nil {
			return domain.Task{}, err
		}
		if _, err := s.client.AddEntity(ctx, reservation, nil); err != nil {
			if hasStatus(err, http.StatusConflict) {
				return domain.Task{}, domain.ErrDuplicateToken
			}
			return domain.Task{}, fmt.Errorf("tables: reserve token: %w", err)
		}

		payload, err := sonic.Marshal(newTaskEntity(task))
		if err != nil {
			return domain.Task{}, err
		}
		if _, err := s.client.AddEntity(ctx, payload, nil); err != nil {
			_, _ = s.client.DeleteEntity(ctx, tasksPartition, tokenRowPrefix+token, nil)
			return domain.Task{}, fmt.Errorf("tables: insert task: %w", err)
		}
		return task, nil
	})
}

func (s *Tables) FindTask(ctx context.Context, id string) (domain.Task, error) {
	task, _, err := s.get(ctx, id)
	return task, err
}

func (s *Tables) FindTaskWithToken(ctx context.Context, id, token string) (domain.Task, error) {
	task, _, err := s.get(ctx, id)
	if err != nil {
		return domain.Task{}, err
	}
	if !tokensMatch(task.SecureToken, token) {
		return domain.Task{}, domain.ErrNotFound
	}
	return task, nil
}

func (s *Tables) UpdateTask(ctx context.Context, task domain.Task, name, description string) (domain.Task, error) {
	return s.modify(ctx, task.ID, rename(name, description))
}

func (s *Tables) SoftDeleteTask(ctx context.Context, task domain.Task) error {
	_, err := s.modify(ctx, task.ID, markDeleted)
	return err
}

// modify applies change to a live task with an ETag guarded merge, rereading
// and retrying when another writer got there first.
func (s *Tables) modify(ctx context.Context, id string, change func(*domain.Task)) (domain.Task, error) {
	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		task, etag, err := s.get(ctx, id)
		if err != nil {
			return domain.Task{}, err
		}
		change(&task)
		payload, err := sonic.Marshal(newTaskEntity(task))
		if err != nil {
			return domain.Task{}, err
		}
		_, err = s.client.UpdateEntity(ctx, payload, &aztables.UpdateEntityOptions{IfMatch: &etag, UpdateMode: aztables.UpdateModeMerge})
		switch {
		case err == nil:
			return task, nil
		case hasStatus(err, http.StatusPreconditionFailed):
			continue
		case hasStatus(err, http.StatusNotFound):
			return domain.Task{}, domain.ErrNotFound
		default:
			return domain.Task{}, fmt.Errorf("tables: update task: %w", err)
		}
	}
	return domain.Task{}, fmt.Errorf("tables: update task %s: %w", id, errConcurrentUpdate)
}

func (s *Tables) get(ctx context.Context, id string) (domain.Task, azcore.ETag, error) {
	if _, err := uuid.Parse(id); err != nil {
		return domain.Task{}, "", domain.ErrNotFound
	}
	resp, err := s.client.GetEntity(ctx, tasksPartition, taskRowPrefix+id, nil)
	if err != nil {
		if hasStatus(err, http.StatusNotFound) {
			return domain.Task{}, "", domain.ErrNotFound
		}
		return domain.Task{}, "", fmt.Errorf("tables: get task: %w", err)
	}
	task, err := decodeTaskEntity(resp.Value)
	if err != nil {
		return domain.Task{}, "", fmt.Errorf("tables: decode task: %w", err)
	}
	if !task.Live() {
		return domain.Task{}, "", domain.ErrNotFound
	}
	return task, resp.ETag, nil
}

func (s *Tables) Ping(ctx context.Context) error {
	top := int32(1)
	pager := s.client.NewListEntitiesPager(&aztables.ListEntitiesOptions{Top: &top})
	_, err := pager.NextPage(ctx)
	return err
}

func (s *Tables) Close(context.Context) error {
	return nil
}

// listFilter selects live task rows; "`" sorts right after "_" so the range
// covers exactly the task_ prefix.
func listFilter() string {
	return "PartitionKey eq '" + tasksPartition + "' and RowKey ge '" + taskRowPrefix +
		"' and RowKey lt 'task`' and Status eq '" + string(domain.StatusActive) + "'"
}

func newTaskEntity(t domain.Task) taskEntity {
	ent := taskEntity{
		entityKeys:    entityKeys{PartitionKey: tasksPartition, RowKey: taskRowPrefix + t.ID},
		ID:            t.ID,
		Name:          t.Name,
		Description:   t.Description,
		SecureToken:   t.SecureToken,
		Status:        string(t.Status),
		CreatedAt:     formatEdmTime(t.CreatedAt),
		CreatedAtType: edmDateTime,
		UpdatedAt:     formatEdmTime(t.UpdatedAt),
		UpdatedAtType: edmDateTime,
	}
	if t.DeletedAt != nil {
		ent.DeletedAt = formatEdmTime(*t.DeletedAt)
		ent.DeletedAtType = edmDateTime
	}
	return ent
}

func decodeTaskEntity(data []byte) (domain.Task, error) {
	var ent taskEntity
	if err := sonic.Unmarshal(data, &ent); err != nil {
		return domain.Task{}, err
	}
	created, err := parseEdmTime(ent.CreatedAt)
	if err != nil {
		return domain.Task{}, err
	}
	updated, err := parseEdmTime(ent.UpdatedAt)
	if err != nil {
		return domain.Task{}, err
	}
	t := domain.Task{
		ID:          ent.ID,
		Name:        ent.Name,
		Description: ent.Description,
		SecureToken: ent.SecureToken,
		Status:      domain.Status(ent.Status),
		CreatedAt:   created,
		UpdatedAt:   updated,
	}
	if ent.DeletedAt != "" {
		deleted, err := parseEdmTime(ent.DeletedAt)
		if err != nil {
			return domain.Task{}, err
		}
		t.DeletedAt = &deleted
	}
	return t, nil
}

func formatEdmTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseEdmTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC().Truncate(time.Millisecond), nil
}

func hasStatus(err error, status int) bool {
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && respErr.StatusCode == status
}
