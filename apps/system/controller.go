package system

import (
	"context"
	"net/http"
	"time"

	"github.com/getevo/evo/v2"
	"github.com/iesreza/homa-inbox/apps/models"
	appnats "github.com/iesreza/homa-inbox/apps/nats"
	"github.com/iesreza/homa-inbox/apps/redis"
	"github.com/iesreza/homa-inbox/lib/response"
)

type Controller struct {
}

var errDatabaseDown = response.NewError(response.ErrorCodeInternalError, "Database is unreachable", http.StatusServiceUnavailable)

// Health reports the state of the backing services. Redis and NATS are
// optional; only the database decides the status.
type Health struct {
	Status   string `json:"status"`
	Database bool   `json:"database"`
	Redis    bool   `json:"redis"`
	NATS     bool   `json:"nats"`
}

func (c Controller) HealthHandler(request *evo.Request) any {
	health := Health{
		Status: "ok",
		Redis:  redis.IsAvailable(),
		NATS:   appnats.IsConnected(),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if sqlDB, err := models.Conn().DB(); err == nil && sqlDB.PingContext(ctx) == nil {
		health.Database = true
	}
	if !health.Database {
		return response.Error(errDatabaseDown)
	}
	return response.OK(health)
}

func (c Controller) UptimeHandler(request *evo.Request) any {
	uptimeData := map[string]any{
		"uptime":     int64(time.Since(StartupTime).Seconds()),
		"started_at": StartupTime.UTC(),
	}
	return response.OK(uptimeData)
}
