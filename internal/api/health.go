package api

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/particlhq/background-agents/internal/httputil"
)

// HealthHandler serves the health check endpoint.
type HealthHandler struct {
	DB     *pgxpool.Pool
	Valkey *redis.Client
}

// Health handles GET /internal/health, pinging Postgres and Valkey.
func (h *HealthHandler) Health(c fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c, 3*time.Second)
	defer cancel()

	pgStatus := "ok"
	if h.DB == nil || h.DB.Ping(ctx) != nil {
		pgStatus = "unavailable"
	}

	vkStatus := "ok"
	if h.Valkey == nil || h.Valkey.Ping(ctx).Err() != nil {
		vkStatus = "unavailable"
	}

	overall := "ok"
	status := fiber.StatusOK
	if pgStatus != "ok" || vkStatus != "ok" {
		overall = "degraded"
		status = fiber.StatusServiceUnavailable
	}

	return httputil.SuccessStatus(c, status, fiber.Map{
		"status":   overall,
		"postgres": pgStatus,
		"valkey":   vkStatus,
	})
}
