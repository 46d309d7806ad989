package dashboard

import (
	"context"
	"log"
	"time"

	"github.com/lib/pq"

	"github.com/elsonly/bunny-order/internal/models"
)

// Event is one engine lifecycle notification fanned out to dashboard
// clients. Entirely off the trading-correctness path.
type Event struct {
	Type      string                 `json:"type"`
	Data      map[string]interface{} `json:"data"`
	Timestamp string                 `json:"timestamp"`
}

func newEvent(typ string, data map[string]interface{}) Event {
	return Event{
		Type:      typ,
		Data:      data,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
}

// ResetFired reports that a reset cycle ran.
func ResetFired() Event {
	return newEvent("engine_reset", nil)
}

// RiskRejected reports a signal the risk manager turned away.
func RiskRejected(signal models.Signal, reason models.RejectReason) Event {
	return newEvent("risk_rejected", map[string]interface{}{
		"signal_id": signal.ID,
		"strategy":  signal.StrategyID,
		"code":      signal.Code,
		"reason":    string(reason),
	})
}

// CorrelationExhausted reports an order or trade callback persisted after
// its retry budget ran out.
func CorrelationExhausted(kind, orderID string, strategy int) Event {
	return newEvent("correlation_exhausted", map[string]interface{}{
		"kind":     kind,
		"order_id": orderID,
		"strategy": strategy,
	})
}

// ExitEmitted reports an exit signal leaving the exit handler.
func ExitEmitted(signal models.Signal) Event {
	data := map[string]interface{}{
		"signal_id": signal.ID,
		"strategy":  signal.StrategyID,
		"code":      signal.Code,
	}
	if signal.ExitType != nil {
		data["exit_type"] = string(*signal.ExitType)
	}
	return newEvent("exit_emitted", data)
}

// EventListener bridges PostgreSQL NOTIFY traffic on the channels named in
// setupListeners onto the broadcaster, so a dashboard sees store-side
// changes as well as in-process ones. migrations/schema.sql defines no
// triggers that send these notifications.
type EventListener struct {
	dbURL       string
	logger      *log.Logger
	broadcaster *Broadcaster
	shutdown    chan struct{}
}

// NewEventListener creates a new EventListener.
func NewEventListener(dbURL string, broadcaster *Broadcaster, logger *log.Logger) *EventListener {
	return &EventListener{
		dbURL:       dbURL,
		logger:      logger,
		broadcaster: broadcaster,
		shutdown:    make(chan struct{}),
	}
}

// Start begins listening for database notifications.
func (el *EventListener) Start(ctx context.Context) {
	go el.listenLoop(ctx)
}

func (el *EventListener) listenLoop(ctx context.Context) {
	defer el.logger.Println("event listener: shutting down")

	minRetryDelay := 100 * time.Millisecond
	maxRetryDelay := 10 * time.Second
	retryDelay := minRetryDelay

	for {
		select {
		case <-ctx.Done():
			return
		case <-el.shutdown:
			return
		default:
		}

		listener := pq.NewListener(el.dbURL, minRetryDelay, maxRetryDelay, func(ev pq.ListenerEventType, err error) {
			if err != nil {
				el.logger.Printf("event listener: %v", err)
			}
		})

		if err := el.setupListeners(listener); err != nil {
			el.logger.Printf("event listener: failed to setup listeners: %v", err)
			listener.Close()
			retryDelay = maxRetryDelay
			time.Sleep(retryDelay)
			continue
		}

		retryDelay = minRetryDelay

		if err := el.handleNotifications(ctx, listener); err != nil {
			el.logger.Printf("event listener: %v", err)
		}

		listener.Close()

		select {
		case <-ctx.Done():
			return
		case <-el.shutdown:
			return
		default:
			time.Sleep(retryDelay)
		}
	}
}

func (el *EventListener) setupListeners(listener *pq.Listener) error {
	channels := []string{
		"order_saved",
		"trade_saved",
		"positions_synced",
		"signal_saved",
	}

	for _, channel := range channels {
		if err := listener.Listen(channel); err != nil {
			return err
		}
		el.logger.Printf("event listener: listening on channel '%s'", channel)
	}

	return nil
}

func (el *EventListener) handleNotifications(ctx context.Context, listener *pq.Listener) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-el.shutdown:
			return nil

		case notification := <-listener.Notify:
			if notification == nil {
				return nil
			}

			el.broadcaster.Broadcast(newEvent(notification.Channel, map[string]interface{}{
				"payload": notification.Extra,
			}))
		}
	}
}

// Stop stops the event listener.
func (el *EventListener) Stop() {
	close(el.shutdown)
}
