package server

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/mohammad-safakhou/videomuse/internal/engine"
	"github.com/mohammad-safakhou/videomuse/internal/index"
	"github.com/mohammad-safakhou/videomuse/internal/store"
)

// TasksHandler exposes the research task API and runs accepted tasks in the
// background.
type TasksHandler struct {
	Store         *store.Store
	Engine        *engine.Engine
	Reports       *index.ReportIndex
	DefaultTarget int
	Logger        *log.Logger
}

// Register attaches the task routes to the API group.
func (h *TasksHandler) Register(g *echo.Group) {
	g.POST("/tasks", h.create)
	g.GET("/tasks", h.list)
	g.GET("/tasks/:id", h.get)
	g.GET("/tasks/:id/events", h.events)
	g.GET("/tasks/:id/report", h.report)
	g.POST("/tasks/:id/cancel", h.cancel)
	g.POST("/tasks/:id/resume", h.resume)
	g.GET("/reports/search", h.search)
}

type createTaskRequest struct {
	Query       string `json:"query"`
	Platform    string `json:"platform"`
	TargetCount int    `json:"target_count"`
	Mode        string `json:"mode"`
}

func (h *TasksHandler) create(c echo.Context) error {
	var req createTaskRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if strings.TrimSpace(req.Query) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "query is required")
	}
	if req.Platform == "" {
		req.Platform = "bilibili"
	}
	if req.TargetCount <= 0 {
		req.TargetCount = h.DefaultTarget
	}
	switch req.Mode {
	case "":
		req.Mode = engine.ModePipeline
	case engine.ModePipeline, engine.ModeAgent:
	default:
		return echo.NewHTTPError(http.StatusBadRequest, "mode must be pipeline or agent")
	}

	task := engine.Task{
		Query:       req.Query,
		Platform:    req.Platform,
		TargetCount: req.TargetCount,
		Mode:        req.Mode,
	}
	id, err := h.Store.CreateTask(c.Request().Context(), task)
	if err != nil {
		return err
	}
	task.ID = id

	go h.execute(task, "", nil)
	return c.JSON(http.StatusAccepted, map[string]string{"id": id, "status": string(engine.StatusPending)})
}

// execute drives one task to a terminal state and persists the outcome.
func (h *TasksHandler) execute(task engine.Task, resumeAfter string, state *engine.ResumeState) {
	ctx := context.Background()
	if err := h.Store.UpdateTaskStatus(ctx, task.ID, engine.StatusRunning, ""); err != nil {
		h.Logger.Printf("mark running failed for %s: %v", task.ID, err)
	}

	res := h.Engine.RunTask(ctx, task, resumeAfter, state)

	errMsg := ""
	if res.Err != nil && res.Status == engine.StatusFailed {
		errMsg = res.Err.Error()
	}
	if err := h.Store.UpdateTaskStatus(ctx, task.ID, res.Status, errMsg); err != nil {
		h.Logger.Printf("mark %s failed for %s: %v", res.Status, task.ID, err)
	}
	if res.Report != nil {
		if err := h.Store.SaveReport(ctx, task.ID, *res.Report); err != nil {
			h.Logger.Printf("report persist failed for %s: %v", task.ID, err)
		}
		if err := h.Reports.Add(task.ID, *res.Report); err != nil {
			h.Logger.Printf("report index failed for %s: %v", task.ID, err)
		}
	}
}

func (h *TasksHandler) list(c echo.Context) error {
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	tasks, err := h.Store.ListTasks(c.Request().Context(), limit)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, tasks)
}

func (h *TasksHandler) get(c echo.Context) error {
	task, err := h.Store.GetTask(c.Request().Context(), c.Param("id"))
	if errors.Is(err, store.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "task not found")
	}
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, task)
}

func (h *TasksHandler) events(c echo.Context) error {
	events, err := h.Store.ListEvents(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, events)
}

func (h *TasksHandler) report(c echo.Context) error {
	report, err := h.Store.GetReport(c.Request().Context(), c.Param("id"))
	if errors.Is(err, store.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "report not ready")
	}
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, report)
}

func (h *TasksHandler) cancel(c echo.Context) error {
	id := c.Param("id")
	if h.Engine.Cancel(id) {
		return c.JSON(http.StatusOK, map[string]string{"id": id, "status": "cancelling"})
	}
	// Not in flight; make sure it exists before reporting anything.
	task, err := h.Store.GetTask(c.Request().Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "task not found")
	}
	if err != nil {
		return err
	}
	if task.Status.Terminal() {
		return echo.NewHTTPError(http.StatusConflict, "task already finished")
	}
	return echo.NewHTTPError(http.StatusConflict, "task is not running")
}

// resume restarts a failed pipeline task from its latest checkpoint.
func (h *TasksHandler) resume(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")
	task, err := h.Store.GetTask(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "task not found")
	}
	if err != nil {
		return err
	}
	if task.Mode != engine.ModePipeline {
		return echo.NewHTTPError(http.StatusBadRequest, "only pipeline tasks can resume from checkpoints")
	}
	if !task.Status.Terminal() {
		return echo.NewHTTPError(http.StatusConflict, "task is still running")
	}
	stage, state, err := h.Store.LatestCheckpoint(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return echo.NewHTTPError(http.StatusConflict, "no checkpoint to resume from")
	}
	if err != nil {
		return err
	}

	go h.execute(task, stage, &state)
	return c.JSON(http.StatusAccepted, map[string]string{"id": id, "status": string(engine.StatusRunning), "resume_after": stage})
}

func (h *TasksHandler) search(c echo.Context) error {
	q := strings.TrimSpace(c.QueryParam("q"))
	if q == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "q is required")
	}
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	hits, err := h.Reports.Search(q, limit)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, hits)
}
