package handlers

import (
	"context"
	"log/slog"
	"sync"
	"testing"

	"github.com/voxdial/voxdial/pkg/gateway/hub"
	"github.com/voxdial/voxdial/pkg/store"
	"github.com/voxdial/voxdial/pkg/task"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(context.Background(), store.Config{Path: ":memory:", Logger: discardLogger()})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestHub() *hub.Hub {
	return hub.New(discardLogger())
}

func createTask(t *testing.T, s *store.Store, status task.Status) task.Task {
	t.Helper()
	created, err := s.CreateTask(context.Background(), task.Task{
		ContextName:     "Luigi's",
		ContextPhone:    "+15551234567",
		InstructionText: "Book a table for 2 tomorrow at 7pm",
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	for _, step := range pathTo(status) {
		if err := s.UpdateTaskStatus(context.Background(), created.ID, step); err != nil {
			t.Fatalf("advance task to %s: %v", step, err)
		}
	}
	created.Status = status
	return created
}

// pathTo walks the lifecycle graph from DRAFT to the wanted state.
func pathTo(status task.Status) []task.Status {
	switch status {
	case task.StatusDraft:
		return nil
	case task.StatusCalling:
		return []task.Status{task.StatusCalling}
	case task.StatusInProgress:
		return []task.Status{task.StatusCalling, task.StatusInProgress}
	case task.StatusCompleted:
		return []task.Status{task.StatusCalling, task.StatusInProgress, task.StatusCompleted}
	case task.StatusFailed:
		return []task.Status{task.StatusCalling, task.StatusFailed}
	case task.StatusNeedsUserAction:
		return []task.Status{task.StatusCalling, task.StatusInProgress, task.StatusCompleted, task.StatusNeedsUserAction}
	}
	return nil
}

func taskStatus(t *testing.T, s *store.Store, id string) task.Status {
	t.Helper()
	status, err := s.TaskStatus(context.Background(), id)
	if err != nil {
		t.Fatalf("task status: %v", err)
	}
	return status
}

// recObserver records hub broadcasts for assertions.
type recObserver struct {
	mu   sync.Mutex
	msgs [][]byte
}

func (o *recObserver) Send(data []byte) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	o.msgs = append(o.msgs, cp)
	return nil
}

func (o *recObserver) received() [][]byte {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([][]byte, len(o.msgs))
	copy(out, o.msgs)
	return out
}
