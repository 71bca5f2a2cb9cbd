package storage

import (
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/bytedance/sonic"

	"task-api/domain"
)

func TestTaskEntityRoundTrip(t *testing.T) {
	created := time.Date(2025, 5, 14, 10, 0, 0, 123000000, time.UTC)
	deleted := created.Add(time.Hour)
	task := domain.Task{
		ID:          "0190a1b2-0000-7000-8000-000000000001",
		Name:        "Write docs",
		Description: "Document the task API",
		SecureToken: "tok",
		Status:      domain.StatusDeleted,
		CreatedAt:   created,
		UpdatedAt:   deleted,
		DeletedAt:   &deleted,
	}

	ent := newTaskEntity(task)
	if ent.PartitionKey != tasksPartition || ent.RowKey != "task_"+task.ID {
		t.Fatalf("unexpected keys: %+v", ent.entityKeys)
	}
	payload, err := sonic.Marshal(ent)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.Contains(string(payload), `"CreatedAt@odata.type":"Edm.DateTime"`) {
		t.Fatalf("expected datetime annotation in %s", payload)
	}

	got, err := decodeTaskEntity(payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.ID != task.ID || got.Status != domain.StatusDeleted || !got.CreatedAt.Equal(created) {
		t.Fatalf("unexpected task: %+v", got)
	}
	if got.DeletedAt == nil || !got.DeletedAt.Equal(deleted) {
		t.Fatalf("unexpected deleted_at: %v", got.DeletedAt)
	}
}

func TestDecodeTaskEntityFromService(t *testing.T) {
	// the service reports seven fractional digits
	data := []byte(`{"odata.etag":"W/\"x\"","PartitionKey":"tasks","RowKey":"task_1","Timestamp":"2025-05-14T10:00:01.0000000Z",` +
		`"ID":"1","Name":"n","Description":"d","SecureToken":"t","Status":"active",` +
		`"CreatedAt@odata.type":"Edm.DateTime","CreatedAt":"2025-05-14T10:00:00.1234567Z",` +
		`"UpdatedAt@odata.type":"Edm.DateTime","UpdatedAt":"2025-05-14T10:00:00.1234567Z"}`)
	task, err := decodeTaskEntity(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !task.Live() || task.DeletedAt != nil {
		t.Fatalf("expected live task: %+v", task)
	}
	if task.CreatedAt.Nanosecond() != 123000000 {
		t.Fatalf("expected millisecond truncation, got %v", task.CreatedAt)
	}
}

func TestListFilterCoversTaskRows(t *testing.T) {
	f := listFilter()
	for _, part := range []string{"PartitionKey eq 'tasks'", "RowKey ge 'task_'", "RowKey lt 'task`'", "Status eq 'active'"} {
		if !strings.Contains(f, part) {
			t.Fatalf("filter %q missing %q", f, part)
		}
	}
}

func TestHasStatus(t *testing.T) {
	err := &azcore.ResponseError{StatusCode: http.StatusConflict}
	if !hasStatus(err, http.StatusConflict) {
		t.Fatal("expected conflict")
	}
	if hasStatus(err, http.StatusNotFound) || hasStatus(errors.New("plain"), http.StatusConflict) {
		t.Fatal("unexpected status match")
	}
}
