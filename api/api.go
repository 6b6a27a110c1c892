// Package api exposes the taskcluster client over HTTP.
package api

import (
	"encoding/json"
	"errors"
	"time"

	taskcluster "github.com/UniQw/taskcluster"
	"github.com/bytedance/sonic"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
)

type ErrorResponse struct {
	Error string `json:"error"`
}

type SubmitRequest struct {
	ID           string          `json:"id,omitempty"`
	Type         string          `json:"type"`
	Priority     string          `json:"priority,omitempty"`
	PollingQueue string          `json:"polling_queue,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
}

type SubmitResponse struct {
	ID string `json:"id"`
}

type MasterResponse struct {
	MasterID string `json:"master_id"`
}

type MasterModeRequest struct {
	IsMaster bool `json:"is_master"`
}

// Handler serves cluster operations backed by a taskcluster.Client.
type Handler struct {
	client *taskcluster.Client
	log    taskcluster.Logger
}

func NewHandler(client *taskcluster.Client, log taskcluster.Logger) *Handler {
	if log == nil {
		log = taskcluster.NopLogger()
	}
	return &Handler{client: client, log: log}
}

// NewApp builds a fiber app with sonic JSON and the handler's routes mounted under /api.
func NewApp(h *Handler) *fiber.App {
	app := fiber.New(fiber.Config{
		AppName:               "taskcluster",
		DisableStartupMessage: true,
		ReadTimeout:           10 * time.Second,
		WriteTimeout:          10 * time.Second,
		JSONEncoder:           sonic.Marshal,
		JSONDecoder:           sonic.Unmarshal,
		ErrorHandler:          h.errorHandler,
	})
	app.Use(recover.New(recover.Config{EnableStackTrace: true}))
	app.Use(requestid.New())
	app.Use(h.accessLog)
	h.Register(app.Group("/api"))
	return app
}

func (h *Handler) accessLog(c *fiber.Ctx) error {
	start := time.Now()
	err := c.Next()
	h.log.Debugf("api: %s %s status=%d took=%s rid=%v",
		c.Method(), c.Path(), c.Response().StatusCode(), time.Since(start), c.Locals(requestid.ConfigDefault.ContextKey))
	return err
}

// errorHandler renders errors that escape the route handlers, including recovered panics.
func (h *Handler) errorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	var fe *fiber.Error
	if errors.As(err, &fe) {
		code = fe.Code
	}
	if code >= fiber.StatusInternalServerError {
		h.log.Errorf("api: %s %s err=%v", c.Method(), c.Path(), err)
	}
	return c.Status(code).JSON(ErrorResponse{Error: err.Error()})
}

// Register mounts the routes on r.
func (h *Handler) Register(r fiber.Router) {
	r.Post("/tasks", h.SubmitTask)
	r.Get("/tasks", h.ListTasks)
	r.Get("/tasks/:id", h.GetTask)
	r.Get("/tasks/:id/payload", h.GetPayload)
	r.Delete("/tasks/:id", h.CancelTask)

	r.Get("/processors", h.ListProcessors)
	r.Get("/master", h.GetMaster)
	r.Put("/processors/:id/configuration", h.UpdateConfiguration)
	r.Post("/processors/:id/stop", h.StopProcessor)
	r.Post("/processors/:id/master", h.ChangeMasterMode)
	r.Post("/performance", h.RequestPerformance)
}

func (h *Handler) SubmitTask(c *fiber.Ctx) error {
	var req SubmitRequest
	if err := c.BodyParser(&req); err != nil {
		h.log.Warnf("api: submit body parse failed err=%v", err)
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{Error: "invalid request body"})
	}
	if req.Type == "" {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{Error: "type is required"})
	}

	var opts []taskcluster.Option
	if req.ID != "" {
		opts = append(opts, taskcluster.TaskID(req.ID))
	}
	if req.Priority != "" {
		p, err := taskcluster.ParsePriority(req.Priority)
		if err != nil {
			return h.fail(c, err)
		}
		opts = append(opts, taskcluster.WithPriority(p))
	}
	if req.PollingQueue != "" {
		opts = append(opts, taskcluster.InPollingQueue(req.PollingQueue))
	}
	payload := []byte(req.Payload)
	if payload == nil {
		payload = []byte("null")
	}

	id, err := h.client.Submit(c.UserContext(), req.Type, payload, opts...)
	if err != nil && id == "" {
		return h.fail(c, err)
	}
	if err != nil {
		// stored but the master was not notified; recovery on the next activation picks it up
		h.log.Warnf("api: submit notify failed task=%s err=%v", id, err)
	}
	h.log.Infof("api: task submitted id=%s type=%s", id, req.Type)
	return c.Status(fiber.StatusCreated).JSON(SubmitResponse{ID: id})
}

func (h *Handler) GetTask(c *fiber.Ctx) error {
	t, err := h.client.GetTask(c.UserContext(), c.Params("id"))
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(t)
}

func (h *Handler) GetPayload(c *fiber.Ctx) error {
	b, err := h.client.GetPayload(c.UserContext(), c.Params("id"))
	if err != nil {
		return h.fail(c, err)
	}
	c.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	return c.Send(b)
}

// ListTasks accepts ?status= (default pending) and an optional ?type= filter.
func (h *Handler) ListTasks(c *fiber.Ctx) error {
	status, err := taskcluster.ParseStatus(c.Query("status", string(taskcluster.StatusPending)))
	if err != nil {
		return h.fail(c, err)
	}
	var filter taskcluster.TaskFilter
	if typ := c.Query("type"); typ != "" {
		filter = func(t *taskcluster.TaskRuntimeInfo) bool { return t.TaskType == typ }
	}
	tasks, err := h.client.ListTasks(c.UserContext(), status, filter)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(tasks)
}

func (h *Handler) CancelTask(c *fiber.Ctx) error {
	id := c.Params("id")
	if err := h.client.Cancel(c.UserContext(), id); err != nil {
		return h.fail(c, err)
	}
	h.log.Infof("api: cancel requested task=%s", id)
	return c.SendStatus(fiber.StatusAccepted)
}

func (h *Handler) ListProcessors(c *fiber.Ctx) error {
	procs, err := h.client.ListProcessors(c.UserContext())
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(procs)
}

func (h *Handler) GetMaster(c *fiber.Ctx) error {
	id, err := h.client.GetMasterID(c.UserContext())
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(MasterResponse{MasterID: id})
}

func (h *Handler) UpdateConfiguration(c *fiber.Ctx) error {
	var cfg taskcluster.ProcessorConfiguration
	if err := c.BodyParser(&cfg); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{Error: "invalid request body"})
	}
	id := c.Params("id")
	if err := h.client.UpdateConfiguration(c.UserContext(), id, cfg); err != nil {
		return h.fail(c, err)
	}
	h.log.Infof("api: configuration updated processor=%s", id)
	return c.SendStatus(fiber.StatusNoContent)
}

func (h *Handler) StopProcessor(c *fiber.Ctx) error {
	if err := h.client.RequestStop(c.UserContext(), c.Params("id")); err != nil {
		return h.fail(c, err)
	}
	return c.SendStatus(fiber.StatusAccepted)
}

func (h *Handler) ChangeMasterMode(c *fiber.Ctx) error {
	var req MasterModeRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{Error: "invalid request body"})
	}
	if err := h.client.RequestMasterModeChange(c.UserContext(), c.Params("id"), req.IsMaster); err != nil {
		return h.fail(c, err)
	}
	return c.SendStatus(fiber.StatusAccepted)
}

// RequestPerformance asks ?processor= (or every processor) for a performance report.
func (h *Handler) RequestPerformance(c *fiber.Ctx) error {
	if err := h.client.RequestPerformanceReport(c.UserContext(), c.Query("processor")); err != nil {
		return h.fail(c, err)
	}
	return c.SendStatus(fiber.StatusAccepted)
}

func (h *Handler) fail(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, taskcluster.ErrTaskNotFound), errors.Is(err, taskcluster.ErrProcessorNotFound):
		return c.Status(fiber.StatusNotFound).JSON(ErrorResponse{Error: err.Error()})
	case errors.Is(err, taskcluster.ErrDuplicateTask):
		return c.Status(fiber.StatusConflict).JSON(ErrorResponse{Error: err.Error()})
	case errors.Is(err, taskcluster.ErrInvalidArgument),
		errors.Is(err, taskcluster.ErrUnknownPriority),
		errors.Is(err, taskcluster.ErrUnknownStatus):
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{Error: err.Error()})
	}
	h.log.Errorf("api: %s %s failed err=%v", c.Method(), c.Path(), err)
	return c.Status(fiber.StatusInternalServerError).JSON(ErrorResponse{Error: err.Error()})
}
