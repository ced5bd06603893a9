package handlers

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"
)

type SeenSet interface {
	Exists(ctx context.Context, id string) (bool, error)
}

type Collector interface {
	CleanupNow(ctx context.Context) (int64, error)
}

type Pinger interface {
	Ping(ctx context.Context) error
}

func SeenMessage(seen SeenSet) echo.HandlerFunc {
	return func(c echo.Context) error {
		id := c.Param("id")
		exists, err := seen.Exists(c.Request().Context(), id)
		if err != nil {
			return err
		}
		return c.JSON(http.StatusOK, map[string]interface{}{"id": id, "seen": exists})
	}
}

func CollectGarbage(collector Collector) echo.HandlerFunc {
	return func(c echo.Context) error {
		deleted, err := collector.CleanupNow(c.Request().Context())
		if err != nil {
			return err
		}
		return c.JSON(http.StatusOK, map[string]int64{"deleted": deleted})
	}
}

func Health(databases ...Pinger) echo.HandlerFunc {
	return func(c echo.Context) error {
		for _, db := range databases {
			if err := db.Ping(c.Request().Context()); err != nil {
				c.Logger().Errorf("health check: %+v", err)
				return c.JSON(http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			}
		}
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	}
}
