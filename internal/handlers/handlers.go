// Package handlers implements the REST surface under /api/v1: task
// lifecycle, worker outcome ingest, fleet management, checkpoint review,
// templates and the ops endpoints. Handlers stay thin; state transitions
// live in the services and the transactional store.
package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"dev.helix.conductor/internal/apperrors"
	"dev.helix.conductor/internal/middleware"
	"dev.helix.conductor/internal/models"
	"dev.helix.conductor/pkg/api"
)

// publisher fans lifecycle events out to task watchers.
type publisher interface {
	Publish(ctx context.Context, taskID string, ev api.Event)
}

// activities records and reads audit rows.
type activities interface {
	Record(ctx context.Context, entry *models.ActivityLog) error
	ListByEntity(ctx context.Context, entityType, entityID string, limit int) ([]*models.ActivityLog, error)
}

// waker pokes the scheduler when an endpoint frees or creates dispatchable
// work.
type waker interface {
	Wake()
}

// mirrorReader serves status reads when the primary store is down.
type mirrorReader interface {
	StatusMirror(ctx context.Context, kind, id string) (payload []byte, found bool, err error)
}

// fail maps any error onto the canonical envelope and HTTP status.
func fail(c *gin.Context, err error) {
	middleware.Abort(c, apperrors.From(err))
}

// bindJSON parses the request body and reports malformed input as a 400
// envelope. Returns false when the request was already answered.
func bindJSON(c *gin.Context, v any) bool {
	if err := c.ShouldBindJSON(v); err != nil {
		middleware.Abort(c, apperrors.Validation("invalid request body: %v", err))
		return false
	}
	return true
}

// queryInt parses an integer query parameter with a default.
func queryInt(c *gin.Context, name string, def int) (int, error) {
	raw := c.Query(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, apperrors.Validation("%s must be an integer, got %q", name, raw)
	}
	return n, nil
}

// degradedRead answers a status read from the Redis mirror after the primary
// store failed on an open breaker. Returns true when the response was
// written; the mirror payload ships as-is under the entity key with a
// degraded marker so clients know the row may be stale.
func degradedRead(c *gin.Context, mirrors mirrorReader, kind, id string, err error) bool {
	if mirrors == nil || !apperrors.IsCode(err, apperrors.CodeUnavailable) {
		return false
	}
	payload, found, mirrorErr := mirrors.StatusMirror(c.Request.Context(), kind, id)
	if mirrorErr != nil || !found {
		return false
	}
	c.JSON(http.StatusOK, gin.H{kind: json.RawMessage(payload), "degraded": true})
	return true
}
