package domain

import "time"

// Status tracks whether a task is live or soft deleted.
type Status string

const (
	StatusActive  Status = "active"
	StatusDeleted Status = "deleted"
)

// Task is the single resource served by the API.
type Task struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Description string     `json:"description"`
	SecureToken string     `json:"secure_token"`
	Status      Status     `json:"-"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	DeletedAt   *time.Time `json:"deleted_at"`
}

// Live reports whether the task is visible to reads.
func (t Task) Live() bool {
	return t.Status != StatusDeleted && t.DeletedAt == nil
}

// Timestamp returns the current time the way stores persist it: UTC with
// millisecond precision.
func Timestamp() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}
