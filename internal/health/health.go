// Package health probes gateway liveness over HTTP. A gateway that answers
// anything at all on its port counts as alive; status codes do not matter
// because older gateways return 404 on /.
package health

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

const defaultTimeout = 2 * time.Second

// Probe issues bounded liveness checks against local gateway ports.
type Probe struct {
	client *http.Client
	host   string
}

// NewProbe returns a probe with the given per-request timeout.
func NewProbe(timeout time.Duration) *Probe {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Probe{
		client: &http.Client{Timeout: timeout},
		host:   "127.0.0.1",
	}
}

// Alive reports whether anything answers HTTP on the port. Timeouts and
// connection refusals are "not alive", never errors.
func (p *Probe) Alive(ctx context.Context, port int) bool {
	url := fmt.Sprintf("http://%s:%d/", p.host, port)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return true
}
