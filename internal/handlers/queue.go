package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"uk.co.dudmesh.telex/internal/model"
)

const (
	defaultBatchSize = 10
	maxBatchSize     = 1000
)

type QueueService interface {
	Enqueue(ctx context.Context, msg *model.QueuedMessage) error
	NextBatch(ctx context.Context, limit int) ([]*model.QueuedMessage, error)
	Get(ctx context.Context, id uuid.UUID) (*model.QueuedMessage, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status model.Status) (bool, error)
	Delete(ctx context.Context, id uuid.UUID) (bool, error)
	CountByStatus(ctx context.Context) (map[model.Status]int64, error)
}

type statusUpdate struct {
	Status string `json:"status"`
}

func NextBatch(queue QueueService) echo.HandlerFunc {
	return func(c echo.Context) error {
		limit := defaultBatchSize
		if raw := c.QueryParam("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n <= 0 {
				return echo.NewHTTPError(http.StatusBadRequest, "limit must be a positive integer")
			}
			if n > maxBatchSize {
				n = maxBatchSize
			}
			limit = n
		}

		messages, err := queue.NextBatch(c.Request().Context(), limit)
		if err != nil {
			return httpError(err)
		}
		return c.JSON(http.StatusOK, messages)
	}
}

func GetMessage(queue QueueService) echo.HandlerFunc {
	return func(c echo.Context) error {
		id, err := messageID(c)
		if err != nil {
			return err
		}
		msg, err := queue.Get(c.Request().Context(), id)
		if err != nil {
			return httpError(err)
		}
		return c.JSON(http.StatusOK, msg)
	}
}

func EnqueueMessage(queue QueueService) echo.HandlerFunc {
	return func(c echo.Context) error {
		msg := &model.QueuedMessage{}
		if err := c.Bind(msg); err != nil {
			return err
		}
		if err := queue.Enqueue(c.Request().Context(), msg); err != nil {
			return httpError(err)
		}
		return c.JSON(http.StatusCreated, msg)
	}
}

func UpdateStatus(queue QueueService) echo.HandlerFunc {
	return func(c echo.Context) error {
		id, err := messageID(c)
		if err != nil {
			return err
		}
		params := &statusUpdate{}
		if err := c.Bind(params); err != nil {
			return err
		}
		status, err := model.ParseStatus(params.Status)
		if err != nil {
			return httpError(err)
		}

		updated, err := queue.UpdateStatus(c.Request().Context(), id, status)
		if err != nil {
			return httpError(err)
		}
		if !updated {
			return echo.NewHTTPError(http.StatusNotFound, model.ErrorMessageNotFound.Error())
		}
		return c.JSON(http.StatusOK, map[string]interface{}{"id": id, "status": status})
	}
}

func DeleteMessage(queue QueueService) echo.HandlerFunc {
	return func(c echo.Context) error {
		id, err := messageID(c)
		if err != nil {
			return err
		}
		deleted, err := queue.Delete(c.Request().Context(), id)
		if err != nil {
			return httpError(err)
		}
		return c.JSON(http.StatusOK, map[string]bool{"deleted": deleted})
	}
}

func QueueStats(queue QueueService) echo.HandlerFunc {
	return func(c echo.Context) error {
		counts, err := queue.CountByStatus(c.Request().Context())
		if err != nil {
			return httpError(err)
		}
		return c.JSON(http.StatusOK, counts)
	}
}

func messageID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid message id")
	}
	return id, nil
}

// httpError maps store and model errors onto HTTP status codes. Anything
// unrecognised is left for echo to report as a 500.
func httpError(err error) error {
	status := 0
	switch {
	case errors.Is(err, model.ErrorMessageNotFound):
		status = http.StatusNotFound
	case errors.Is(err, model.ErrorDuplicateMessage),
		errors.Is(err, model.ErrorInvalidTransition):
		status = http.StatusConflict
	case errors.Is(err, model.ErrorInvalidPriority),
		errors.Is(err, model.ErrorInvalidStatus),
		errors.Is(err, model.ErrorInvalidPayload),
		errors.Is(err, model.ErrorInvalidMessage):
		status = http.StatusBadRequest
	default:
		return err
	}
	return echo.NewHTTPError(status, err.Error()).SetInternal(err)
}
