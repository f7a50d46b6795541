// Package events publishes sandbox lifecycle events to NATS so external
// systems (billing, schedulers, dashboards) can follow the fleet without
// polling the API.
package events

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/fcsandbox/fcsandbox/pkg/types"
)

const subjectPrefix = "sandbox.events."

// Event is the JSON payload published per lifecycle transition.
type Event struct {
	Type        string              `json:"type"`
	SandboxID   string              `json:"sandbox_id"`
	WorkspaceID string              `json:"workspace_id"`
	Status      types.SandboxStatus `json:"status"`
	Timestamp   time.Time           `json:"timestamp"`
}

// Publisher is a thin fire-and-forget NATS publisher.
type Publisher struct {
	nc *nats.Conn
}

// NewPublisher connects to NATS, retrying in the background if the server
// is not up yet.
func NewPublisher(natsURL string) (*Publisher, error) {
	nc, err := nats.Connect(natsURL,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	return &Publisher{nc: nc}, nil
}

// Publish emits one lifecycle event. Failures are logged, never surfaced —
// events must not affect the sandbox lifecycle.
func (p *Publisher) Publish(event string, sb *types.Sandbox) {
	payload, err := json.Marshal(Event{
		Type:        event,
		SandboxID:   sb.ID,
		WorkspaceID: sb.WorkspaceID,
		Status:      sb.Status,
		Timestamp:   time.Now().UTC(),
	})
	if err != nil {
		return
	}
	if err := p.nc.Publish(subjectPrefix+event, payload); err != nil {
		log.Printf("events: publish %s for %s: %v", event, sb.ID, err)
	}
}

// Close flushes and closes the connection.
func (p *Publisher) Close() {
	if err := p.nc.Flush(); err != nil {
		log.Printf("events: flush: %v", err)
	}
	p.nc.Close()
}
