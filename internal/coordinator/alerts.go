package coordinator

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JagPat/quantumleap-trading-backend-sub001/internal/events"
	"github.com/JagPat/quantumleap-trading-backend-sub001/internal/storage"
)

// AlertWriter escalates undeliverable CRITICAL events into persisted operator
// alerts. Plugged into the bus as its AlertSink.
type AlertWriter struct {
	store  *storage.Store
	logger *zap.Logger
}

// NewAlertWriter creates the alert sink.
func NewAlertWriter(store *storage.Store, logger *zap.Logger) *AlertWriter {
	return &AlertWriter{store: store, logger: logger.Named("alerts")}
}

var _ events.AlertSink = (*AlertWriter)(nil)

// CriticalDeliveryFailure persists an alert describing the lost event. Runs
// on a bus worker; uses its own timeout so a slow database cannot wedge
// delivery.
func (a *AlertWriter) CriticalDeliveryFailure(evt events.Event, errs []error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	msg := fmt.Sprintf("all handlers failed for %s event %s:", evt.Kind, evt.ID)
	for _, err := range errs {
		msg += "\n  " + err.Error()
	}
	alert := &storage.Alert{
		Level:     "CRITICAL",
		Title:     "critical event delivery failure",
		Message:   msg,
		Component: "eventbus",
	}
	if err := a.store.CreateAlert(ctx, alert); err != nil {
		a.logger.Error("failed to persist critical delivery alert",
			zap.String("event_id", evt.ID.String()),
			zap.Error(err))
	}
}
