package coordinator

import (
	"time"

	"github.com/pkg/errors"

	"github.com/designmesh/collab/pkg/models"
)

// fanout delivers an event to every live session except excludeID and
// reports the number of deliveries.
//
// Overflow policy: ephemeral events (presence, cursor, selection) are
// dropped when a recipient queue is full; the next update supersedes
// them anyway. Edit and review events must not be silently lost, so a
// full recipient gets a bounded grace of EditSendTimeout and is then
// disconnected as a slow consumer.
func (c *documentCoordinator) fanout(event models.Event, excludeID string) int {
	delivered := 0
	var slow []string

	for id, ls := range c.sessions {
		if id == excludeID || ls.closed {
			continue
		}

		select {
		case ls.out <- event:
			delivered++
			continue
		default:
		}

		if models.Droppable(event) {
			c.metrics.IncrementCounterWithLabels("events_dropped", 1,
				map[string]string{"event": event.EventName()})
			c.logger.Debug("Dropped ephemeral event for slow session", map[string]interface{}{
				"session_id": id,
				"event":      event.EventName(),
			})
			continue
		}

		timer := time.NewTimer(c.cfg.EditSendTimeout)
		select {
		case ls.out <- event:
			timer.Stop()
			delivered++
		case <-timer.C:
			slow = append(slow, id)
		}
	}

	if delivered > 0 {
		c.metrics.IncrementCounterWithLabels("events_broadcast", float64(delivered),
			map[string]string{"event": event.EventName()})
	}

	for _, id := range slow {
		err := errors.Wrapf(models.ErrDeliveryFailure,
			"session %s did not accept %s within %s", id, event.EventName(), c.cfg.EditSendTimeout)
		c.logger.Warn("Disconnecting slow session", map[string]interface{}{
			"session_id": id,
			"error":      err.Error(),
		})
		c.metrics.IncrementCounter("slow_sessions_disconnected", 1)
		c.handleLeave(id, "slow_consumer")
	}

	return delivered
}
