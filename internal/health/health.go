// Package health serves liveness and readiness probes for inboxd.
package health

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/heptiolabs/healthcheck"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.uber.org/zap"
)

// DefaultCheckTimeout bounds every dependency check.
const DefaultCheckTimeout = 5 * time.Second

// ErrNotConnected is reported by ConnectedCheck when the component is down.
var ErrNotConnected = errors.New("health: not connected")

// Connector is implemented by components with a connection lifecycle.
type Connector interface {
	IsConnected() bool
}

// Checker groups the probes of the daemon. Liveness covers the process and
// the inbox service; readiness adds the external dependencies.
type Checker struct {
	health healthcheck.Handler
	logger *zap.Logger
}

// NewChecker creates a checker with the goroutine liveness guard installed.
func NewChecker(logger *zap.Logger) *Checker {
	if logger == nil {
		logger = zap.NewNop()
	}
	hc := &Checker{
		health: healthcheck.NewHandler(),
		logger: logger,
	}
	hc.health.AddLivenessCheck("goroutines", healthcheck.GoroutineCountCheck(10000))
	return hc
}

// AddLiveness registers a liveness check.
func (hc *Checker) AddLiveness(name string, check healthcheck.Check) {
	hc.health.AddLivenessCheck(name, hc.logged(name, check))
}

// AddReadiness registers a readiness check.
func (hc *Checker) AddReadiness(name string, check healthcheck.Check) {
	hc.health.AddReadinessCheck(name, hc.logged(name, check))
}

func (hc *Checker) logged(name string, check healthcheck.Check) healthcheck.Check {
	return func() error {
		err := check()
		if err != nil {
			hc.logger.Warn("health check failed", zap.String("check", name), zap.Error(err))
		}
		return err
	}
}

// Handler returns the underlying handler, serving /live and /ready.
func (hc *Checker) Handler() http.Handler {
	return hc.health
}

// Register mounts the probes under group as /live and /ready.
func (hc *Checker) Register(group gin.IRoutes) {
	group.GET("/live", gin.WrapF(hc.health.LiveEndpoint))
	group.GET("/ready", gin.WrapF(hc.health.ReadyEndpoint))
}

// ConnectedCheck fails while c reports it is not connected.
func ConnectedCheck(c Connector) healthcheck.Check {
	return func() error {
		if !c.IsConnected() {
			return ErrNotConnected
		}
		return nil
	}
}

// DatabaseCheck pings a SQL database.
func DatabaseCheck(db *sql.DB) healthcheck.Check {
	return healthcheck.DatabasePingCheck(db, DefaultCheckTimeout)
}

// RedisCheck pings a Redis server.
func RedisCheck(client redis.UniversalClient) healthcheck.Check {
	return func() error {
		ctx, cancel := context.WithTimeout(context.Background(), DefaultCheckTimeout)
		defer cancel()
		return client.Ping(ctx).Err()
	}
}

// MongoCheck pings a MongoDB deployment.
func MongoCheck(client *mongo.Client) healthcheck.Check {
	return func() error {
		ctx, cancel := context.WithTimeout(context.Background(), DefaultCheckTimeout)
		defer cancel()
		return client.Ping(ctx, nil)
	}
}
