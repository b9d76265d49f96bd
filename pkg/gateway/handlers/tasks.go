package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/voxdial/voxdial/pkg/store"
	"github.com/voxdial/voxdial/pkg/task"
)

type CreateTaskHandler struct {
	Store  *store.Store
	Logger *slog.Logger
}

func (h CreateTaskHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ContextName     string `json:"contextName"`
		ContextPhone    string `json:"contextPhone"`
		ContextNotes    string `json:"contextNotes"`
		InstructionText string `json:"instructionText"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.ContextName == "" || req.ContextPhone == "" || req.InstructionText == "" {
		writeError(w, http.StatusBadRequest, "contextName, contextPhone, and instructionText are required")
		return
	}

	created, err := h.Store.CreateTask(r.Context(), task.Task{
		ContextName:     req.ContextName,
		ContextPhone:    req.ContextPhone,
		ContextNotes:    req.ContextNotes,
		InstructionText: req.InstructionText,
	})
	if err != nil {
		h.Logger.Error("create task", "err", err)
		writeError(w, http.StatusInternalServerError, "Failed to create task")
		return
	}
	writeJSON(w, http.StatusOK, created)
}

type ListTasksHandler struct {
	Store  *store.Store
	Logger *slog.Logger
}

func (h ListTasksHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	tasks, err := h.Store.ListTasks(r.Context())
	if err != nil {
		h.Logger.Error("list tasks", "err", err)
		writeError(w, http.StatusInternalServerError, "Failed to list tasks")
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

type GetTaskHandler struct {
	Store  *store.Store
	Logger *slog.Logger
}

func (h GetTaskHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	t, err := h.Store.GetTaskDetail(r.Context(), r.PathValue("id"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Task not found")
		return
	}
	if err != nil {
		h.Logger.Error("fetch task", "err", err)
		writeError(w, http.StatusInternalServerError, "Failed to fetch task")
		return
	}
	writeJSON(w, http.StatusOK, t)
}
