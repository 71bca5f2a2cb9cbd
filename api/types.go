package api

import (
	"context"

	"task-api/domain"
)

// Storage abstracts persistence for handlers.
type Storage interface {
	ListTasks(ctx context.Context) ([]domain.Task, error)
	InsertTask(ctx context.Context, name, description string) (domain.Task, error)
	FindTask(ctx context.Context, id string) (domain.Task, error)
	FindTaskWithToken(ctx context.Context, id, token string) (domain.Task, error)
	UpdateTask(ctx context.Context, task domain.Task, name, description string) (domain.Task, error)
	SoftDeleteTask(ctx context.Context, task domain.Task) error
	Ping(ctx context.Context) error
}

// Authenticator resolves the caller from an Authorization header.
type Authenticator interface {
	UserFromAuthHeader(string) (User, error)
}

// User is the authenticated caller as reported by GET /user.
type User struct {
	ID    string `json:"id"`
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
}

// Options tunes route registration.
type Options struct {
	// RoutePrefix is prepended to every task and user route, e.g. "/api".
	RoutePrefix string
	// BodyLimit caps request bodies in bytes. Zero disables the cap.
	BodyLimit int64
}
