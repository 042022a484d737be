package sentinel

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"sentinel/internal/pubsub"
)

// EventBus fans sentinel events out to the log, to pub/sub subscribers on a
// channel named after the event type, and, for warning-level events on a
// primary with a notification script, to that script.
type EventBus struct {
	broker *pubsub.Broker
	logger logrus.FieldLogger
}

func newEventBus(logger logrus.FieldLogger) *EventBus {
	return &EventBus{broker: pubsub.NewBroker(), logger: logger}
}

func (e *EventBus) Broker() *pubsub.Broker {
	return e.broker
}

// emitEvent publishes one event. detail is a format string; the literal "%@"
// expands to the canonical instance details.
func (s *Sentinel) emitEvent(level logrus.Level, eventType string, ri *Instance, detail string, args ...interface{}) {
	if detail == "%@" && ri != nil {
		detail = s.instanceDetails(ri)
	} else {
		detail = fmt.Sprintf(detail, args...)
	}

	s.events.logger.WithField("event", eventType).Log(level, detail)
	s.events.broker.Publish(eventType, detail)

	if level != logrus.WarnLevel || ri == nil {
		return
	}
	primary := ri
	if primary.kind != KindPrimary {
		primary = ri.primary
	}
	if primary == nil || primary.pri.notificationScript == "" {
		return
	}
	s.scripts.Schedule(primary.pri.notificationScript, eventType, detail)
}

// callReconfigScript runs the client-reconfig script for a primary address
// change, unless scripts are administratively denied.
func (s *Sentinel) callReconfigScript(primary *Instance, role, state string, from, to *Addr) {
	if primary.pri.reconfigScript == "" || s.denyScriptsReconfig {
		return
	}
	s.scripts.Schedule(primary.pri.reconfigScript,
		primary.name, role, state,
		from.IP, fmt.Sprintf("%d", from.Port),
		to.IP, fmt.Sprintf("%d", to.Port))
}
