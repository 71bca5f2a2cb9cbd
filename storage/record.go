package storage

import (
	"time"

	"github.com/bytedance/sonic"

	"task-api/domain"
)

// taskRecord is the serialised form used by the key-value drivers. Unlike
// domain.Task it keeps the status.
type taskRecord struct {
	ID          string        `json:"id"`
	Name        string        `json:"name"`
	Description string        `json:"description"`
	SecureToken string        `json:"secure_token"`
	Status      domain.Status `json:"status"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
	DeletedAt   *time.Time    `json:"deleted_at"`
}

func encodeRecord(t domain.Task) ([]byte, error) {
	return sonic.Marshal(taskRecord{
		ID:          t.ID,
		Name:        t.Name,
		Description: t.Description,
		SecureToken: t.SecureToken,
		Status:      t.Status,
		CreatedAt:   t.CreatedAt,
		UpdatedAt:   t.UpdatedAt,
		DeletedAt:   t.DeletedAt,
	})
}

func decodeRecord(data []byte) (domain.Task, error) {
	var r taskRecord
	if err := sonic.Unmarshal(data, &r); err != nil {
		return domain.Task{}, err
	}
	t := domain.Task{
		ID:          r.ID,
		Name:        r.Name,
		Description: r.Description,
		SecureToken: r.SecureToken,
		Status:      r.Status,
		CreatedAt:   r.CreatedAt.UTC(),
		UpdatedAt:   r.UpdatedAt.UTC(),
	}
	if r.DeletedAt != nil {
		deleted := r.DeletedAt.UTC()
		t.DeletedAt = &deleted
	}
	return t, nil
}

func markDeleted(t *domain.Task) {
	now := domain.Timestamp()
	t.Status = domain.StatusDeleted
	t.DeletedAt = &now
	t.UpdatedAt = now
}

func rename(name, description string) func(*domain.Task) {
	return func(t *domain.Task) {
		t.Name = name
		t.Description = description
		t.UpdatedAt = domain.Timestamp()
	}
}
