// Package notifier pushes operator alerts over shoutrrr when the search
// service degrades: a circuit breaker opening or a retry queue row running
// out of attempts.
package notifier

import (
	"fmt"

	"github.com/containrrr/shoutrrr"
	"github.com/containrrr/shoutrrr/pkg/router"

	"github.com/pixfind/pixfind/internal/domain"
	"github.com/pixfind/pixfind/internal/eventbus"
	"github.com/pixfind/pixfind/internal/logger"
)

// Notifier sends alerts to the configured shoutrrr URLs. With no URLs it is
// inert, so wiring it unconditionally is safe.
type Notifier struct {
	router *router.ServiceRouter
}

// New creates a notifier for the given shoutrrr URLs and subscribes it to
// the degradation events.
func New(urls []string, events eventbus.Publisher) *Notifier {
	n := &Notifier{}
	if len(urls) > 0 {
		sender, err := shoutrrr.CreateSender(urls...)
		if err != nil {
			logger.Errorf("Notifier disabled, invalid notification URL: %v", err)
		} else {
			n.router = sender
			logger.Infof("Notifier configured with %d destination(s)", len(urls))
		}
	}

	events.Subscribe(domain.BreakerStateChanged, n.onBreakerChange)
	events.Subscribe(domain.RetryExhausted, n.onRetryExhausted)
	return n
}

func (n *Notifier) onBreakerChange(e domain.Event) {
	to := e.GetStringOr("to", "")
	if to != "OPEN" {
		return
	}
	breaker := e.GetStringOr("breaker", "unknown")
	n.send(fmt.Sprintf("PixFind: search service circuit '%s' opened, calls are being rejected", breaker))
}

func (n *Notifier) onRetryExhausted(e domain.Event) {
	kind := e.GetStringOr("kind", "unknown")
	id := e.GetInt64Or("id", 0)
	attempts := e.GetInt64Or("attempts", 0)
	n.send(fmt.Sprintf("PixFind: %s retry row %d abandoned after %d attempts, manual intervention needed", kind, id, attempts))
}

func (n *Notifier) send(message string) {
	if n.router == nil {
		return
	}
	for _, err := range n.router.Send(message, nil) {
		if err != nil {
			logger.Errorf("Notification delivery failed: %v", err)
		}
	}
}
