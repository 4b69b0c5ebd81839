package policy

import (
	"context"
	"time"
)

// Watch reloads the backing file every interval until ctx is
// cancelled. Reload failures are logged and leave the previous
// snapshot in effect; the loop keeps running so a fixed file is picked
// up on the next tick. Run it in its own goroutine.
func (m *Manager) Watch(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.Reload(); err != nil {
				m.log.Warn().Err(err).Str("path", m.path).Msg("policy reload failed, keeping previous policy")
			}
		}
	}
}
