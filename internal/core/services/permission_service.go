package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"notecollab/internal/core/domain"
	"notecollab/internal/core/ports"
	"notecollab/pkg/cache"
	"notecollab/pkg/circuitbreaker"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

type PermissionServiceConfig struct {
	CacheTTL      time.Duration
	LookupTimeout time.Duration
	Breaker       circuitbreaker.Config
}

type permissionKey struct {
	documentID domain.DocumentID
	userID     domain.UserID
}

// PermissionService answers "what may this user do on this document" from a
// short-lived cache in front of the access table. Lookups fail closed.
type PermissionService struct {
	repo    ports.AccessRepository
	hub     *RevocationHub
	cache   *cache.Cache[permissionKey, *domain.DocumentAccessRecord]
	group   singleflight.Group
	breaker *circuitbreaker.CircuitBreaker
	timeout time.Duration
	ttl     time.Duration
	metrics ports.MetricsRecorder
	logger  *zap.SugaredLogger
}

func NewPermissionService(
	repo ports.AccessRepository,
	hub *RevocationHub,
	cfg PermissionServiceConfig,
	metrics ports.MetricsRecorder,
	logger *zap.SugaredLogger,
) *PermissionService {
	if cfg.LookupTimeout <= 0 {
		cfg.LookupTimeout = 5 * time.Second
	}
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}

	breaker := circuitbreaker.New("permission-store", cfg.Breaker)
	breaker.OnStateChange(func(name string, from, to circuitbreaker.State) {
		logger.Warnw("Circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
	})

	// A lookup holds a cache version for at most the lookup timeout.
	records := cache.New[permissionKey, *domain.DocumentAccessRecord](cfg.CacheTTL)
	records.SetRetention(cfg.CacheTTL + cfg.LookupTimeout)

	return &PermissionService{
		repo:    repo,
		hub:     hub,
		cache:   records,
		breaker: breaker,
		timeout: cfg.LookupTimeout,
		ttl:     cfg.CacheTTL,
		metrics: metrics,
		logger:  logger,
	}
}

// CacheTTL is the longest a cached answer can be served.
func (s *PermissionService) CacheTTL() time.Duration {
	return s.ttl
}

// Check returns the user's capabilities on the document. Any store failure
// yields no access.
func (s *PermissionService) Check(ctx context.Context, documentID domain.DocumentID, userID domain.UserID) domain.PermissionCheck {
	level, _ := s.level(ctx, documentID, userID)
	return domain.CheckFor(level)
}

// Require returns the user's level when it is at least needed, and a
// *domain.PermissionDeniedError otherwise.
func (s *PermissionService) Require(ctx context.Context, documentID domain.DocumentID, userID domain.UserID, needed domain.PermissionLevel) (domain.PermissionLevel, error) {
	level, err := s.level(ctx, documentID, userID)
	if err != nil || !level.AtLeast(needed) {
		return level, &domain.PermissionDeniedError{
			DocumentID: documentID,
			UserID:     userID,
			Needed:     needed,
			Current:    level,
		}
	}
	return level, nil
}

func (s *PermissionService) level(ctx context.Context, documentID domain.DocumentID, userID domain.UserID) (domain.PermissionLevel, error) {
	key := permissionKey{documentID: documentID, userID: userID}
	if record, ok := s.cache.Get(key); ok {
		s.metrics.PermissionLookup("hit")
		return levelOf(record), nil
	}
	s.metrics.PermissionLookup("miss")

	// A lookup that started before an invalidation must not repopulate the
	// cache, so the version is part of both the write guard and the flight key.
	version := s.cache.Version(key)
	flightKey := fmt.Sprintf("%s\x00%s\x00%d", documentID, userID, version)

	v, err, _ := s.group.Do(flightKey, func() (interface{}, error) {
		lookupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
		defer cancel()

		record, err := circuitbreaker.Do(s.breaker, func() (*domain.DocumentAccessRecord, error) {
			return s.repo.GetAccess(lookupCtx, documentID, userID)
		})
		if err != nil {
			return nil, err
		}
		s.cache.SetIfVersion(key, record, version)
		return record, nil
	})
	if err != nil {
		s.metrics.PermissionLookup("error")
		s.logger.Errorw("Permission lookup failed, denying access",
			"document_id", documentID,
			"user_id", userID,
			"breaker_open", errors.Is(err, circuitbreaker.ErrOpen),
			"error", err,
		)
		return domain.LevelNone, err
	}
	return levelOf(v.(*domain.DocumentAccessRecord)), nil
}

func levelOf(record *domain.DocumentAccessRecord) domain.PermissionLevel {
	if record == nil {
		return domain.LevelNone
	}
	return record.Level
}

// Invalidate drops the cached answer for one (document, user) pair.
func (s *PermissionService) Invalidate(documentID domain.DocumentID, userID domain.UserID) {
	s.cache.Delete(permissionKey{documentID: documentID, userID: userID})
}

// InvalidateDocument drops every cached answer for documentID.
func (s *PermissionService) InvalidateDocument(documentID domain.DocumentID) int {
	return s.cache.DeleteFunc(func(key permissionKey) bool {
		return key.documentID == documentID
	})
}

// HandleChange applies an access-table change: the cached answer is evicted
// before the affected sessions are told, so their next check sees the new row.
func (s *PermissionService) HandleChange(ctx context.Context, change domain.PermissionChange) {
	s.Invalidate(change.DocumentID, change.UserID)

	newLevel := change.EffectiveLevel()
	if change.Operation != domain.OperationDelete && newLevel == domain.LevelNone {
		// payload without a level: read the row we just invalidated
		newLevel, _ = s.level(ctx, change.DocumentID, change.UserID)
	}

	delivered := s.hub.Publish(domain.RevocationEvent{
		DocumentID: change.DocumentID,
		UserID:     change.UserID,
		NewLevel:   newLevel,
	})

	s.logger.Infow("Permission changed",
		"document_id", change.DocumentID,
		"user_id", change.UserID,
		"operation", change.Operation,
		"old_level", change.OldLevel.String(),
		"new_level", newLevel.String(),
		"sessions", delivered,
	)
}

type PermissionStats struct {
	Cache   cache.Stats          `json:"cache"`
	Breaker circuitbreaker.Stats `json:"breaker"`
}

func (s *PermissionService) Stats() PermissionStats {
	return PermissionStats{Cache: s.cache.GetStats(), Breaker: s.breaker.GetStats()}
}

// Stop releases the cache janitor.
func (s *PermissionService) Stop() {
	s.cache.Stop()
}
