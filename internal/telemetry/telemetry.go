// Package telemetry reports anonymized worker lifecycle events.
package telemetry

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/posthog/posthog-go"
)

// installationIDFile persists the stable anonymous identity under the worker
// root.
const installationIDFile = "installation-id"

// Client wraps the telemetry backend. A disabled client swallows every
// capture, so callers never guard.
type Client struct {
	client   posthog.Client
	identity string
	log      logr.Logger
}

// New builds a Client. An empty API key disables telemetry entirely. The
// installation ID is read from, or created under, workdir.
func New(apiKey, endpoint, workdir string, log logr.Logger) *Client {
	identity := installationID(workdir)
	if apiKey == "" {
		return &Client{identity: identity, log: log}
	}
	ph, err := posthog.NewWithConfig(apiKey, posthog.Config{Endpoint: endpoint})
	if err != nil {
		log.Info("Telemetry disabled, client init failed", "error", err.Error())
		return &Client{identity: identity, log: log}
	}
	return &Client{client: ph, identity: identity, log: log}
}

// Enabled reports whether captures are delivered.
func (c *Client) Enabled() bool {
	return c != nil && c.client != nil
}

// Capture records one event. Properties carry counts and identifiers only,
// never secrets or repository contents.
func (c *Client) Capture(event string, properties map[string]any) {
	if !c.Enabled() {
		return
	}
	props := posthog.NewProperties()
	for k, v := range properties {
		props.Set(k, v)
	}
	err := c.client.Enqueue(posthog.Capture{
		DistinctId: c.identity,
		Event:      event,
		Properties: props,
	})
	if err != nil {
		c.log.V(1).Info("Telemetry capture failed", "event", event, "error", err.Error())
	}
}

// Close flushes pending events.
func (c *Client) Close() {
	if c.Enabled() {
		_ = c.client.Close()
	}
}

// installationID returns the stable anonymous identity, minting one on first
// use. Failures fall back to an ephemeral ID.
func installationID(workdir string) string {
	path := filepath.Join(workdir, installationIDFile)
	if data, err := os.ReadFile(path); err == nil {
		if id := strings.TrimSpace(string(data)); id != "" {
			return id
		}
	}
	id := uuid.New().String()
	_ = os.MkdirAll(workdir, 0o755)
	_ = os.WriteFile(path, []byte(id+"\n"), 0o644)
	return id
}
