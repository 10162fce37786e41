package pace

import (
	"context"

	"github.com/teslamotors/pace-terminal/internal/log"
)

// runHook starts hook in its own goroutine. The hook's context isn't canceled with ctx, and the
// handshake doesn't wait for it.
func runHook(ctx context.Context, name string, hook Hook) {
	if hook == nil {
		return
	}
	detached := context.WithoutCancel(ctx)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.Warning("Hook %s panicked: %v", name, r)
			}
		}()
		if err := hook(detached); err != nil {
			log.Warning("Hook %s failed: %s", name, err)
		}
	}()
}
