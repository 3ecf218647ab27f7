package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// PushDispatcher relays rider and driver events to the platform push
// gateway, which owns device tokens and delivery.
type PushDispatcher struct {
	Endpoint string // e.g. provider HTTP endpoint
	Key      string
	Client   *http.Client
	logger   *slog.Logger
}

func NewPushDispatcher(endpoint, key string, logger *slog.Logger) *PushDispatcher {
	return &PushDispatcher{Endpoint: endpoint, Key: key, Client: &http.Client{Timeout: 3 * time.Second}, logger: logger}
}

type pushMessage struct {
	Recipients []string     `json:"recipients"`
	Event      models.Event `json:"event"`
}

// Notify posts one event to the gateway addressed to the rider and, when
// set, the driver.
func (p *PushDispatcher) Notify(ctx context.Context, ev models.Event) error {
	msg := pushMessage{Recipients: []string{ev.RiderID}, Event: ev}
	if ev.DriverID != "" {
		msg.Recipients = append(msg.Recipients, ev.DriverID)
	}
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.Endpoint, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if p.Key != "" {
		req.Header.Set("Authorization", "Bearer "+p.Key)
	}
	resp, err := p.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("push gateway returned %d", resp.StatusCode)
	}
	return nil
}

// Run forwards every event until ctx ends or the stream closes.
func (p *PushDispatcher) Run(ctx context.Context, events <-chan models.Event) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return errors.New("push relay: event stream closed")
			}
			if err := p.Notify(ctx, ev); err != nil {
				p.logger.Warn("push relay failed", "ride_id", ev.RideID, "type", ev.Type, "error", err)
			}
		}
	}
}
