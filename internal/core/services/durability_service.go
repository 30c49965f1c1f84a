package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"notecollab/internal/core/domain"
	"notecollab/internal/core/ports"
	"notecollab/pkg/circuitbreaker"
	"notecollab/pkg/crdt"
	"notecollab/pkg/distributed"
	"notecollab/pkg/tracing"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// SessionStore is what a document session needs from durable storage.
type SessionStore interface {
	Metadata(ctx context.Context, documentID domain.DocumentID) (*domain.DocumentMetadata, error)
	Load(ctx context.Context, documentID domain.DocumentID) (*crdt.Doc, error)
	// Persist saves snapshot and returns the updates that were in storage
	// but not in snapshot. snapshot is owned by the callee.
	Persist(ctx context.Context, documentID domain.DocumentID, snapshot *crdt.Doc) ([][]byte, error)
	Delete(ctx context.Context, documentID domain.DocumentID) error
}

type DurabilityConfig struct {
	OperationTimeout time.Duration
	Breaker          circuitbreaker.Config
}

// DurabilityService loads and saves document state. When a lock manager is
// configured, saves merge the stored copy first so that instances sharing a
// document never overwrite each other's updates.
type DurabilityService struct {
	states    ports.DocumentStateRepository
	documents ports.DocumentRepository
	locks     *distributed.LockManager
	breaker   *circuitbreaker.CircuitBreaker
	timeout   time.Duration
	metrics   ports.MetricsRecorder
	logger    *zap.SugaredLogger
}

func NewDurabilityService(
	states ports.DocumentStateRepository,
	documents ports.DocumentRepository,
	locks *distributed.LockManager,
	cfg DurabilityConfig,
	metrics ports.MetricsRecorder,
	logger *zap.SugaredLogger,
) *DurabilityService {
	if cfg.OperationTimeout <= 0 {
		cfg.OperationTimeout = 10 * time.Second
	}
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}

	breaker := circuitbreaker.New("state-store", cfg.Breaker)
	breaker.OnStateChange(func(name string, from, to circuitbreaker.State) {
		logger.Warnw("Circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
	})

	return &DurabilityService{
		states:    states,
		documents: documents,
		locks:     locks,
		breaker:   breaker,
		timeout:   cfg.OperationTimeout,
		metrics:   metrics,
		logger:    logger,
	}
}

// Metadata returns the lab_notes row of documentID, or an error wrapping
// domain.ErrDocumentNotFound.
func (d *DurabilityService) Metadata(ctx context.Context, documentID domain.DocumentID) (*domain.DocumentMetadata, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	// Not found does not count as a store failure.
	meta, err := circuitbreaker.Do(d.breaker, func() (*domain.DocumentMetadata, error) {
		meta, err := d.documents.Metadata(ctx, documentID)
		if errors.Is(err, domain.ErrDocumentNotFound) {
			return nil, nil
		}
		return meta, err
	})
	if err != nil {
		return nil, err
	}
	if meta == nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrDocumentNotFound, documentID)
	}
	return meta, nil
}

// BreakerStats reports the state-store circuit breaker.
func (d *DurabilityService) BreakerStats() circuitbreaker.Stats {
	return d.breaker.GetStats()
}

func (d *DurabilityService) Load(ctx context.Context, documentID domain.DocumentID) (*crdt.Doc, error) {
	ctx, span := tracing.TraceSessionOperation(ctx, "load", string(documentID))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	data, err := circuitbreaker.Do(d.breaker, func() ([]byte, error) {
		return d.states.Load(ctx, documentID)
	})
	if err != nil {
		tracing.RecordError(ctx, err)
		return nil, fmt.Errorf("load state of %s: %w", documentID, err)
	}

	doc, err := crdt.Decode(data)
	if err != nil {
		tracing.RecordError(ctx, err)
		return nil, fmt.Errorf("decode state of %s: %w", documentID, err)
	}

	tracing.AddSpanAttributes(ctx, attribute.Int("crdt.updates", doc.Len()), attribute.Int64("crdt.bytes", doc.Size()))
	return doc, nil
}

func (d *DurabilityService) Persist(ctx context.Context, documentID domain.DocumentID, snapshot *crdt.Doc) ([][]byte, error) {
	ctx, span := tracing.TraceSessionOperation(ctx, "persist", string(documentID))
	defer span.End()

	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	var missing [][]byte
	save := func() error {
		if d.locks != nil {
			stored, err := circuitbreaker.Do(d.breaker, func() ([]byte, error) {
				return d.states.Load(ctx, documentID)
			})
			if err != nil {
				return fmt.Errorf("load before merge: %w", err)
			}
			if len(stored) > 0 {
				missing, err = snapshot.MergeEncoded(stored)
				if err != nil {
					// a corrupt stored copy is replaced by ours
					d.logger.Warnw("Discarding undecodable stored state", "document_id", documentID, "error", err)
					missing = nil
				}
			}
		}

		data, err := snapshot.Encode()
		if err != nil {
			return err
		}
		return d.breaker.Execute(func() error {
			return d.states.Save(ctx, documentID, data)
		})
	}

	var err error
	if d.locks != nil {
		err = d.locks.WithLock(ctx, string(documentID), save)
	} else {
		err = save()
	}

	d.metrics.PersistCompleted(time.Since(start), err)
	if err != nil {
		tracing.RecordError(ctx, err)
		return nil, fmt.Errorf("persist state of %s: %w", documentID, err)
	}

	tracing.AddSpanAttributes(ctx, attribute.Int("crdt.updates", snapshot.Len()), attribute.Int("crdt.merged_from_store", len(missing)))
	return missing, nil
}

func (d *DurabilityService) Delete(ctx context.Context, documentID domain.DocumentID) error {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	if err := d.breaker.Execute(func() error {
		return d.states.Delete(ctx, documentID)
	}); err != nil {
		return fmt.Errorf("delete state of %s: %w", documentID, err)
	}
	return nil
}
