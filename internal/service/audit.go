// Package service holds what the lifecycle services share.
package service

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/animus-labs/appfabric/internal/domain"
	"github.com/animus-labs/appfabric/internal/repo"
)

const SystemActor = "appfabric"

// AuditInfo identifies who asked for an action.
type AuditInfo struct {
	Actor     string
	RequestID string
}

// Recorder appends audit events for the lifecycle services. Append failures
// are logged and not returned: the audited action has already happened.
type Recorder struct {
	appender repo.AuditEventAppender
	logger   *slog.Logger
	now      func() time.Time
}

// NewRecorder returns a recorder; a nil appender disables auditing.
func NewRecorder(appender repo.AuditEventAppender, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{appender: appender, logger: logger, now: time.Now}
}

func (r *Recorder) Record(ctx context.Context, info AuditInfo, action, resourceType, resourceID string, payload domain.Metadata) {
	if r == nil || r.appender == nil {
		return
	}
	actor := strings.TrimSpace(info.Actor)
	if actor == "" {
		actor = SystemActor
	}
	_, err := r.appender.Append(context.WithoutCancel(ctx), domain.AuditEvent{
		OccurredAt:   r.now().UTC(),
		Actor:        actor,
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		RequestID:    info.RequestID,
		Payload:      payload,
	})
	if err != nil {
		r.logger.Error("audit append failed", "action", action, "resource_id", resourceID, "error", err)
	}
}
