// Package notify delivers post-commit shop events to log, Redis, Kafka and websocket subscribers.
package notify

import (
	"context"
	"encoding/json"
	"time"
)

const (
	EventDepositSucceeded     = "depositSucceeded"
	EventStockQuantityChanged = "stockQuantityChanged"
)

// Sink receives shop events. Delivery is best-effort and never fails the caller.
type Sink interface {
	DepositSucceeded(ctx context.Context, userID string, amount int64, bonus int64, newBalance int64)
	StockQuantityChanged(ctx context.Context, productID string, quantity int64)
}

// Event is the wire form shared by the Redis, Kafka and websocket sinks.
type Event struct {
	Type           string `json:"type"`
	UserID         string `json:"userId,omitempty"`
	ProductID      string `json:"productId,omitempty"`
	Amount         int64  `json:"amount,omitempty"`
	Bonus          int64  `json:"bonus,omitempty"`
	NewBalance     int64  `json:"newBalance,omitempty"`
	Quantity       int64  `json:"quantity"`
	OccurredUnixMS int64  `json:"occurredAt"`
}

// Key partitions events by their subject.
func (event Event) Key() string {
	if event.UserID != "" {
		return event.UserID
	}
	return event.ProductID
}

func depositEvent(now func() time.Time, userID string, amount int64, bonus int64, newBalance int64) Event {
	return Event{
		Type:           EventDepositSucceeded,
		UserID:         userID,
		Amount:         amount,
		Bonus:          bonus,
		NewBalance:     newBalance,
		OccurredUnixMS: now().UnixMilli(),
	}
}

func stockEvent(now func() time.Time, productID string, quantity int64) Event {
	return Event{
		Type:           EventStockQuantityChanged,
		ProductID:      productID,
		Quantity:       quantity,
		OccurredUnixMS: now().UnixMilli(),
	}
}

func encodeEvent(event Event) ([]byte, error) {
	return json.Marshal(event)
}

func utcNow() time.Time {
	return time.Now().UTC()
}

// Multi fans every event out to each sink in order.
type Multi []Sink

func (sinks Multi) DepositSucceeded(ctx context.Context, userID string, amount int64, bonus int64, newBalance int64) {
	for _, sink := range sinks {
		if sink != nil {
			sink.DepositSucceeded(ctx, userID, amount, bonus, newBalance)
		}
	}
}

func (sinks Multi) StockQuantityChanged(ctx context.Context, productID string, quantity int64) {
	for _, sink := range sinks {
		if sink != nil {
			sink.StockQuantityChanged(ctx, productID, quantity)
		}
	}
}

// Nop drops every event.
type Nop struct{}

func (Nop) DepositSucceeded(context.Context, string, int64, int64, int64) {}

func (Nop) StockQuantityChanged(context.Context, string, int64) {}
