package distributed

import (
	"context"
	"fmt"
	"time"

	"notecollab/internal/core/ports"
	"notecollab/pkg/retry"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// PostgresChangeListener delivers change events sent with NOTIFY on a
// PostgreSQL channel. It holds one dedicated connection and reconnects with
// backoff.
type PostgresChangeListener struct {
	databaseURL string
	channel     string
	retry       retry.Config
	logger      *zap.SugaredLogger
}

func NewPostgresChangeListener(databaseURL, channel string, cfg retry.Config, logger *zap.SugaredLogger) *PostgresChangeListener {
	return &PostgresChangeListener{
		databaseURL: databaseURL,
		channel:     channel,
		retry:       cfg,
		logger:      logger,
	}
}

// Run blocks until ctx is done.
func (l *PostgresChangeListener) Run(ctx context.Context, handler ports.ChangeHandler) error {
	reconnectLoop(ctx, l.retry, func(ctx context.Context) (bool, error) {
		return l.listen(ctx, handler)
	}, func(attempt int, delay time.Duration, err error) {
		l.logger.Warnw("Change listener lost, reconnecting",
			"channel", l.channel,
			"attempt", attempt+1,
			"delay", delay,
			"error", err,
		)
	})
	return nil
}

func (l *PostgresChangeListener) listen(ctx context.Context, handler ports.ChangeHandler) (bool, error) {
	conn, err := pgx.Connect(ctx, l.databaseURL)
	if err != nil {
		return false, fmt.Errorf("connect: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = conn.Close(closeCtx)
	}()

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{l.channel}.Sanitize()); err != nil {
		return false, fmt.Errorf("listen %s: %w", l.channel, err)
	}
	l.logger.Infow("Listening for change notifications", "channel", l.channel)

	for {
		notification, err := conn.WaitForNotification(ctx)
		if err != nil {
			return true, fmt.Errorf("wait for notification: %w", err)
		}

		ev, err := DecodeChangeEvent([]byte(notification.Payload))
		if err != nil {
			l.logger.Warnw("Failed to decode change event", "error", err, "payload_bytes", len(notification.Payload))
			continue
		}
		handler.Dispatch(ctx, ev)
	}
}
