package room

import (
	"context"

	"go.uber.org/zap"

	"github.com/lastsip/server/internal/v1/logging"
	"github.com/lastsip/server/pkg/wire"
)

// publishToBus mirrors a broadcast frame onto the room's Redis channel for
// spectator fan-out and ops tooling. Publishes run off the lock path behind
// a semaphore; when Redis falls behind, frames are dropped rather than
// stalling the engine. The mirror is best effort and the bus is optional.
func (r *Room) publishToBus(op wire.Op, frame []byte) {
	if r.bus == nil {
		return
	}

	select {
	case r.publishChan <- struct{}{}:
		r.wg.Add(1)
		go func() {
			defer func() {
				<-r.publishChan
				r.wg.Done()
			}()
			_ = r.bus.Publish(context.Background(), string(r.id), string(op), frame)
		}()
	default:
		logging.Warn(r.ctx, "Dropping bus publish - queue full",
			zap.String("roomId", string(r.id)),
			zap.String("op", string(op)))
	}
}
