package bus

import (
	"context"
	"time"
)

// goqite stores created as an RFC3339 UTC string with millisecond precision
const goqiteTimeLayout = "2006-01-02T15:04:05.000Z"

// StartRetentionJanitor periodically removes messages older than the
// configured retention age, regardless of delivery state. Events are
// informational; anything unconsumed after the retention window is stale.
// Blocks until ctx is cancelled.
func (m *Manager) StartRetentionJanitor(ctx context.Context) {
	retention := parseDurationOr(m.config.RetentionAge, 24*time.Hour)
	interval := retention / 24
	if interval < time.Minute {
		interval = time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.logger.Info().
		Str("retention", retention.String()).
		Msg("Bus retention janitor started")

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().UTC().Add(-retention).Format(goqiteTimeLayout)
			result, err := m.db.ExecContext(ctx, `DELETE FROM goqite WHERE created < ?`, cutoff)
			if err != nil {
				m.logger.Warn().Err(err).Msg("Bus retention cleanup failed")
				continue
			}
			if n, err := result.RowsAffected(); err == nil && n > 0 {
				m.logger.Debug().Int64("deleted", n).Msg("Expired bus messages removed")
			}
		}
	}
}
