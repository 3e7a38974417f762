// Package hostagent implements the client side of the scaling service's
// communication with the host agent running on each instance. The host agent
// serves a small HTTPS API with a self-signed certificate, so the client
// skips certificate verification and relies on a shared secret instead.
package hostagent

import (
	"context"
	"crypto/tls"
	"net/http"
	"os"
	"time"

	"github.com/whisthq/whist/backend/control-plane/utils"
)

const (
	// PortToConnect is the port in which the host agent's HTTPS
	// server listens for requests.
	PortToConnect uint16 = 4678

	// requestTimeout bounds each request to a host agent. Drains are
	// one-shot notifications, so a host that doesn't answer quickly is
	// treated as unresponsive instead of blocking the scaling action.
	requestTimeout = 5 * time.Second
)

// Client abstracts the requests made to host agents so tests can
// replace the HTTP roundtrip.
type Client interface {
	// DrainAndShutdown tells the host agent at the given IP to stop
	// accepting mandelboxes and shut down once the running ones finish.
	DrainAndShutdown(ctx context.Context, ip string) error
}

// HTTPClient is the production implementation of the Client interface.
type HTTPClient struct {
	client *http.Client
	secret string
	port   uint16
}

// NewHTTPClient creates a client ready to talk to host agents. The shared
// secret is read from the environment, and is sent on every request so host
// agents can reject calls that don't come from the scaling service.
func NewHTTPClient() *HTTPClient {
	return &HTTPClient{
		client: &http.Client{
			Timeout: requestTimeout,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{
					// The host agent generates a self-signed certificate on
					// startup, so there is no chain to verify.
					InsecureSkipVerify: true,
				},
			},
		},
		secret: os.Getenv("HOST_AGENT_AUTH_SECRET"),
		port:   PortToConnect,
	}
}

// DrainAndShutdown sends the drain request to the host agent. The host agent
// shuts its own HTTP server down shortly after receiving it, so this should
// only be called once per instance.
func (c *HTTPClient) DrainAndShutdown(ctx context.Context, ip string) error {
	url := utils.Sprintf("https://%s:%d/drain_and_shutdown", ip, c.port)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return utils.MakeError("failed to create drain request for %s: %s", ip, err)
	}
	req.Header.Set("Authorization", utils.Sprintf("Bearer %s", c.secret))

	resp, err := c.client.Do(req)
	if err != nil {
		return utils.MakeError("failed to send drain request to %s: %s", ip, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return utils.MakeError("host agent at %s returned status %d for drain request", ip, resp.StatusCode)
	}

	return nil
}
