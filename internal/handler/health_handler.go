package handler

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

const readinessTimeout = 2 * time.Second

// ReadinessCheck pings one backing service. A nil Ping marks an optional
// dependency that is not configured; it is reported as disabled.
type ReadinessCheck struct {
	Name string
	Ping func(ctx context.Context) error
}

func PostgresCheck(db *sql.DB) ReadinessCheck {
	check := ReadinessCheck{Name: "postgres"}
	if db != nil {
		check.Ping = db.PingContext
	}
	return check
}

func RedisCheck(rdb *redis.Client) ReadinessCheck {
	check := ReadinessCheck{Name: "redis"}
	if rdb != nil {
		check.Ping = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
	}
	return check
}

// RegisterHealthRoutes mounts /livez and /readyz.
func RegisterHealthRoutes(app fiber.Router, checks ...ReadinessCheck) {
	app.Get("/livez", LivezHandler())
	app.Get("/readyz", ReadyzHandler(checks...))
}

func LivezHandler() fiber.Handler {
	return func(c *fiber.Ctx) error {
		return c.Status(fiber.StatusOK).JSON(fiber.Map{
			"status": "ok",
		})
	}
}

// ReadyzHandler pings every configured dependency in parallel.
func ReadyzHandler(checks ...ReadinessCheck) fiber.Handler {
	return func(c *fiber.Ctx) error {
		ctx, cancel := context.WithTimeout(c.UserContext(), readinessTimeout)
		defer cancel()

		var (
			mu      sync.Mutex
			results = make(fiber.Map, len(checks))
			ready   = true
		)
		var g errgroup.Group
		for _, check := range checks {
			check := check
			if check.Ping == nil {
				mu.Lock()
				results[check.Name] = "disabled"
				mu.Unlock()
				continue
			}
			g.Go(func() error {
				status := "ok"
				if err := check.Ping(ctx); err != nil {
					status = "down"
				}

				mu.Lock()
				results[check.Name] = status
				if status != "ok" {
					ready = false
				}
				mu.Unlock()
				return nil
			})
		}
		_ = g.Wait()

		status := "ready"
		statusCode := fiber.StatusOK
		if !ready {
			status = "not_ready"
			statusCode = fiber.StatusServiceUnavailable
		}

		return c.Status(statusCode).JSON(fiber.Map{
			"status": status,
			"checks": results,
		})
	}
}
