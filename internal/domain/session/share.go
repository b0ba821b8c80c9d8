package session

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/meditrack/meditrack/internal/platform/auth"
	"github.com/meditrack/meditrack/internal/platform/livequery"
)

const sharePublishTimeout = 5 * time.Second

// ShareSignOuts republishes every local sign-out on pub as a Sessions delete,
// so watchers in other processes on the same bus end the matching session.
// The returned func unsubscribes.
func ShareSignOuts(events IdentityEvents, pub livequery.Publisher, logger zerolog.Logger) func() {
	return events.OnIdentityChange(func(ch auth.IdentityChange) {
		if ch.Identity != nil {
			return
		}
		change := livequery.Change{
			Collection: livequery.Sessions,
			ID:         ch.IdentityID,
			Op:         livequery.OpDelete,
			Token:      ch.TokenID,
			At:         ch.At,
		}
		// Identity listeners must not block the provider.
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), sharePublishTimeout)
			defer cancel()
			if err := pub.Publish(ctx, change); err != nil {
				logger.Warn().Err(err).Str("identity_id", change.ID).Msg("sharing sign-out failed")
			}
		}()
	})
}
