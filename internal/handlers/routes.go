package handlers

import (
	"github.com/labstack/echo/v4"
)

type Services struct {
	Queue     QueueService
	Seen      SeenSet
	Collector Collector
	Databases []Pinger
}

func Register(server *echo.Echo, services Services) {
	server.GET("/healthz", Health(services.Databases...))

	server.GET("/queue/next", NextBatch(services.Queue))
	server.GET("/queue/stats", QueueStats(services.Queue))
	server.POST("/queue", EnqueueMessage(services.Queue))
	server.GET("/queue/:id", GetMessage(services.Queue))
	server.PUT("/queue/:id/status", UpdateStatus(services.Queue))
	server.DELETE("/queue/:id", DeleteMessage(services.Queue))

	server.GET("/dedup/:id", SeenMessage(services.Seen))
	server.POST("/gc", CollectGarbage(services.Collector))
}
