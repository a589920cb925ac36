package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/pagefeed/internal/enrich"
	"github.com/JakeFAU/pagefeed/internal/feed"
)

const (
	defaultTaskLimit = 50
	maxTaskLimit     = 500
)

// TaskHandler exposes read-only enrichment progress endpoints.
type TaskHandler struct {
	tasks  TaskService
	logger *zap.Logger
}

// NewTaskHandler wires the task service and logger.
func NewTaskHandler(tasks TaskService, logger *zap.Logger) *TaskHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TaskHandler{tasks: tasks, logger: logger}
}

// ListTasks handles GET /v1/tasks?status=&limit=&offset=. It returns
// {"tasks": [...]} newest first, 400 for invalid filters, or 503 when no
// queue is configured.
func (h *TaskHandler) ListTasks(w http.ResponseWriter, r *http.Request) {
	if h.tasks == nil {
		writeError(w, http.StatusServiceUnavailable, "enrichment queue unavailable")
		return
	}
	limit, offset, err := parseLimitOffset(r, defaultTaskLimit, maxTaskLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	state, err := parseTaskState(r.URL.Query().Get("status"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	tasks := h.tasks.Tasks(state, limit, offset)
	for i := range tasks {
		tasks[i].Items = nil
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

// GetTask handles GET /v1/tasks/{task_id}. It returns the task snapshot
// including per-item results, or 404 for unknown and evicted tasks.
func (h *TaskHandler) GetTask(w http.ResponseWriter, r *http.Request) {
	if h.tasks == nil {
		writeError(w, http.StatusServiceUnavailable, "enrichment queue unavailable")
		return
	}
	status, err := h.tasks.Task(chi.URLParam(r, "task_id"))
	if err != nil {
		h.writeTaskError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// GetTaskItems handles GET /v1/tasks/{task_id}/items and returns
// {"items": [...]}: enriched items where done, originals elsewhere.
func (h *TaskHandler) GetTaskItems(w http.ResponseWriter, r *http.Request) {
	if h.tasks == nil {
		writeError(w, http.StatusServiceUnavailable, "enrichment queue unavailable")
		return
	}
	items, err := h.tasks.TaskItems(chi.URLParam(r, "task_id"))
	if err != nil {
		h.writeTaskError(w, err)
		return
	}
	if items == nil {
		items = []feed.Item{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (h *TaskHandler) writeTaskError(w http.ResponseWriter, err error) {
	if errors.Is(err, feed.ErrNotFound) {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	h.logger.Error("load task failed", zap.Error(err))
	writeError(w, http.StatusInternalServerError, "failed to load task")
}

func parseLimitOffset(r *http.Request, def, maxLimit int) (int, int, error) {
	q := r.URL.Query()
	limit := def
	if limStr := q.Get("limit"); limStr != "" {
		val, err := strconv.Atoi(limStr)
		if err != nil || val <= 0 {
			return 0, 0, errors.New("invalid limit")
		}
		if val > maxLimit {
			val = maxLimit
		}
		limit = val
	}
	offset := 0
	if offStr := q.Get("offset"); offStr != "" {
		val, err := strconv.Atoi(offStr)
		if err != nil || val < 0 {
			return 0, 0, errors.New("invalid offset")
		}
		offset = val
	}
	return limit, offset, nil
}

func parseTaskState(input string) (enrich.TaskState, error) {
	switch s := enrich.TaskState(strings.ToLower(strings.TrimSpace(input))); s {
	case "":
		return "", nil
	case enrich.TaskPending, enrich.TaskRunning, enrich.TaskDone:
		return s, nil
	default:
		return "", errors.New("invalid status")
	}
}
