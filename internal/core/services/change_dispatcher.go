package services

import (
	"context"
	"errors"

	"notecollab/internal/core/domain"
	"notecollab/internal/core/ports"

	"go.uber.org/zap"
)

// ChangeDispatcher routes row change events to the services that react to
// them.
type ChangeDispatcher struct {
	permissions *PermissionService
	sessions    *SessionManager
	metrics     ports.MetricsRecorder
	logger      *zap.SugaredLogger
}

func NewChangeDispatcher(permissions *PermissionService, sessions *SessionManager, metrics ports.MetricsRecorder, logger *zap.SugaredLogger) *ChangeDispatcher {
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	return &ChangeDispatcher{
		permissions: permissions,
		sessions:    sessions,
		metrics:     metrics,
		logger:      logger,
	}
}

func (d *ChangeDispatcher) Dispatch(ctx context.Context, ev domain.ChangeEvent) {
	d.metrics.ChangeEventReceived(ev.Table)

	if err := validateChangeEvent(ev); err != nil {
		d.logger.Warnw("Ignoring malformed change event", "table", ev.Table, "operation", ev.Operation, "error", err)
		return
	}

	switch ev.Table {
	case domain.TableAccess:
		d.permissions.HandleChange(ctx, domain.PermissionChange{
			DocumentID: ev.DocumentID,
			UserID:     ev.UserID,
			Operation:  ev.Operation,
			OldLevel:   ev.OldLevel,
			NewLevel:   ev.NewLevel,
		})

	case domain.TableNotes:
		if ev.Operation != domain.OperationDelete {
			return
		}
		d.permissions.InvalidateDocument(ev.DocumentID)
		if err := d.sessions.DeleteDocument(ctx, ev.DocumentID); err != nil {
			d.logger.Errorw("Failed to tear down deleted document", "document_id", ev.DocumentID, "error", err)
		}

	default:
		// lab_note_states changes are our own writes
	}
}

func validateChangeEvent(ev domain.ChangeEvent) error {
	if ev.DocumentID == "" {
		return errors.New("missing document_id")
	}
	switch ev.Operation {
	case domain.OperationInsert, domain.OperationUpdate, domain.OperationDelete:
	default:
		return errors.New("unknown operation")
	}
	if ev.Table == domain.TableAccess && ev.UserID == "" {
		return errors.New("missing user_id")
	}
	return nil
}
