package distributed

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"notecollab/internal/core/domain"
	"notecollab/pkg/retry"
)

// DecodeChangeEvent parses a notification payload. Operations are
// case-insensitive and levels must be known values.
func DecodeChangeEvent(payload []byte) (domain.ChangeEvent, error) {
	var ev domain.ChangeEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return domain.ChangeEvent{}, fmt.Errorf("failed to unmarshal change event: %w", err)
	}
	ev.Operation = domain.ChangeOperation(strings.ToUpper(string(ev.Operation)))

	var err error
	if ev.OldLevel, err = domain.ParsePermissionLevel(string(ev.OldLevel)); err != nil {
		return domain.ChangeEvent{}, err
	}
	if ev.NewLevel, err = domain.ParsePermissionLevel(string(ev.NewLevel)); err != nil {
		return domain.ChangeEvent{}, err
	}
	return ev, nil
}

// EncodeChangeEvent is the inverse of DecodeChangeEvent.
func EncodeChangeEvent(ev domain.ChangeEvent) ([]byte, error) {
	return json.Marshal(ev)
}

// reconnectLoop runs consume until ctx is done, backing off between failed
// attempts. consume reports whether it got far enough to reset the backoff.
func reconnectLoop(ctx context.Context, cfg retry.Config, consume func(ctx context.Context) (bool, error), onError func(attempt int, delay time.Duration, err error)) {
	attempt := 0
	for {
		healthy, err := consume(ctx)
		if ctx.Err() != nil {
			return
		}
		if healthy {
			attempt = 0
		}

		delay := retry.Backoff(cfg, attempt)
		onError(attempt, delay, err)
		attempt++

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}
