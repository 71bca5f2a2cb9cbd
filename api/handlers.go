package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"task-api/domain"
)

const (
	msgInvalid     = "The given data was invalid."
	msgNotFound    = "Task not found."
	msgServerError = "Server error occurred."
	msgIndexError  = "Server error occurred while fetching tasks."
	msgCreated     = "Task created"
	msgUpdated     = "Task updated successfully"
	msgUnauth      = "Unauthenticated."

	healthTimeout = 2 * time.Second
)

// Register wires up all API routes on the provided Echo instance.
func Register(e *echo.Echo, store Storage, auth Authenticator, logger *log.Logger, opts Options) {
	e.JSONSerializer = jsonSerializer{}

	g := e.Group(opts.RoutePrefix)
	g.Use(DecompressRequest())
	if opts.BodyLimit > 0 {
		g.Use(middleware.BodyLimit(strconv.FormatInt(opts.BodyLimit, 10)))
	}
	g.Use(RequestLogger(logger))

	tasks := opts.RoutePrefix + "/tasks"
	task := tasks + "/:id"
	g.GET("/tasks", instrument("index", tasks, logger, index(store, logger)))
	g.POST("/tasks", instrument("store", tasks, logger, storeTask(store, logger)))
	g.GET("/tasks/:id", instrument("show", task, logger, showTask(store, logger)))
	g.PUT("/tasks/:id", instrument("update", task, logger, updateTask(store, logger)))
	g.PATCH("/tasks/:id", instrument("update", task, logger, updateTask(store, logger)))
	g.DELETE("/tasks/:id", instrument("destroy", task, logger, destroyTask(store, logger)))
	if auth != nil {
		g.GET("/user", currentUser(auth))
	}
	e.GET("/healthz", healthz(store))
}

type messageResponse struct {
	Message string `json:"message"`
}

type validationResponse struct {
	Message string                  `json:"message"`
	Errors  domain.ValidationErrors `json:"errors"`
}

type taskResponse struct {
	Message string      `json:"message"`
	Task    domain.Task `json:"task"`
}

type taskHandler func(c echo.Context, m *requestMetrics) error

// instrument wraps h in a request span and emits the observability event
// once the response is written.
func instrument(operation, route string, logger *log.Logger, h taskHandler) echo.HandlerFunc {
	return func(c echo.Context) (err error) {
		req := c.Request()
		ctx := otel.GetTextMapPropagator().Extract(req.Context(), propagation.HeaderCarrier(req.Header))
		metrics, ctx := newRequestMetrics(ctx, logger, operation, route, req.Method)
		c.SetRequest(req.WithContext(ctx))
		defer func() {
			metrics.Log(c.Response().Status, err)
		}()
		return h(c, metrics)
	}
}

func healthz(store Storage) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), healthTimeout)
		defer cancel()
		if err := store.Ping(ctx); err != nil {
			c.Logger().Error(err)
			return c.NoContent(http.StatusServiceUnavailable)
		}
		return c.NoContent(http.StatusOK)
	}
}

func index(store Storage, logger *log.Logger) taskHandler {
	return func(c echo.Context, m *requestMetrics) error {
		start := time.Now()
		tasks, err := store.ListTasks(c.Request().Context())
		m.ObserveStore(time.Since(start))
		if err != nil {
			return serverError(c, m, logger, err, "", msgIndexError)
		}
		if tasks == nil {
			tasks = []domain.Task{}
		}
		m.SetTasksReturned(len(tasks))
		return c.JSON(http.StatusOK, tasks)
	}
}

func storeTask(store Storage, logger *log.Logger) taskHandler {
	return func(c echo.Context, m *requestMetrics) error {
		in, err := requestInput(c)
		if err != nil {
			return inputError(c, m, err)
		}
		fields, err := domain.ValidateCreate(in)
		if err != nil {
			return invalid(c, m, logger, err)
		}

		start := time.Now()
		task, err := store.InsertTask(c.Request().Context(), fields.Name, fields.Description)
		m.ObserveStore(time.Since(start))
		if err != nil {
			return serverError(c, m, logger, err, "", msgServerError)
		}
		m.SetTaskID(task.ID)
		return c.JSON(http.StatusCreated, taskResponse{Message: msgCreated, Task: task})
	}
}

func showTask(store Storage, logger *log.Logger) taskHandler {
	return func(c echo.Context, m *requestMetrics) error {
		id := c.Param("id")
		m.SetTaskID(id)

		start := time.Now()
		task, err := store.FindTask(c.Request().Context(), id)
		m.ObserveStore(time.Since(start))
		if err != nil {
			return lookupError(c, m, logger, err, id)
		}
		return c.JSON(http.StatusOK, task)
	}
}

func updateTask(store Storage, logger *log.Logger) taskHandler {
	return func(c echo.Context, m *requestMetrics) error {
		id := c.Param("id")
		m.SetTaskID(id)

		in, err := requestInput(c)
		if err != nil {
			return inputError(c, m, err)
		}
		fields, err := domain.ValidateUpdate(in)
		if err != nil {
			return invalid(c, m, logger, err)
		}

		ctx := c.Request().Context()
		start := time.Now()
		defer func() { m.ObserveStore(time.Since(start)) }()

		task, err := store.FindTaskWithToken(ctx, id, fields.SecureToken)
		if err != nil {
			return lookupError(c, m, logger, err, id)
		}
		updated, err := store.UpdateTask(ctx, task, fields.Name, fields.Description)
		if err != nil {
			return lookupError(c, m, logger, err, id)
		}
		return c.JSON(http.StatusOK, taskResponse{Message: msgUpdated, Task: updated})
	}
}

func destroyTask(store Storage, logger *log.Logger) taskHandler {
	return func(c echo.Context, m *requestMetrics) error {
		id := c.Param("id")
		m.SetTaskID(id)

		in, err := requestInput(c)
		if err != nil {
			return inputError(c, m, err)
		}
		token, err := domain.ValidateDestroy(in)
		if err != nil {
			return invalid(c, m, logger, err)
		}

		ctx := c.Request().Context()
		start := time.Now()
		defer func() { m.ObserveStore(time.Since(start)) }()

		task, err := store.FindTaskWithToken(ctx, id, token)
		if err != nil {
			return lookupError(c, m, logger, err, id)
		}
		if err := store.SoftDeleteTask(ctx, task); err != nil {
			return lookupError(c, m, logger, err, id)
		}
		return c.NoContent(http.StatusNoContent)
	}
}

func currentUser(auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		user, err := auth.UserFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization))
		if err != nil {
			return c.JSON(http.StatusUnauthorized, messageResponse{Message: msgUnauth})
		}
		return c.JSON(http.StatusOK, user)
	}
}

func invalid(c echo.Context, m *requestMetrics, logger *log.Logger, err error) error {
	var verrs domain.ValidationErrors
	if !errors.As(err, &verrs) {
		return serverError(c, m, logger, err, "", msgServerError)
	}
	m.SetErrorStage("validation")
	return c.JSON(http.StatusUnprocessableEntity, validationResponse{Message: msgInvalid, Errors: verrs})
}

// inputError answers a body that could not be read at all, e.g. one over the
// size limit, with the status the reader reported.
func inputError(c echo.Context, m *requestMetrics, err error) error {
	m.SetErrorStage("input")
	code, message := http.StatusBadRequest, http.StatusText(http.StatusBadRequest)
	if he := bodyError(err); he != nil {
		code = he.Code
		message = fmt.Sprint(he.Message)
	}
	return c.JSON(code, messageResponse{Message: message})
}

func lookupError(c echo.Context, m *requestMetrics, logger *log.Logger, err error, id string) error {
	if errors.Is(err, domain.ErrNotFound) {
		m.SetErrorStage("not_found")
		return c.JSON(http.StatusNotFound, messageResponse{Message: msgNotFound})
	}
	return serverError(c, m, logger, err, id, msgServerError)
}

func serverError(c echo.Context, m *requestMetrics, logger *log.Logger, err error, id, message string) error {
	m.SetErrorStage("storage")
	m.RecordError(err)
	fields := log.Fields{"operation": m.operation}
	if id != "" {
		fields["task_id"] = id
	}
	logger.WithFields(fields).WithError(err).Error("task store failure")
	return c.JSON(http.StatusInternalServerError, messageResponse{Message: message})
}
