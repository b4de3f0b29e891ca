package connector

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/lllypuk/beacon/internal/domain/run"
)

// Resource kinds with built-in testers.
const (
	KindHTTP = "http"
	KindTCP  = "tcp"
)

// HTTPProber tests HTTP(S) endpoints with a GET request. Any response is a
// reachable connection; status codes >= 500 are reported as failures.
type HTTPProber struct {
	client *http.Client
}

// NewHTTPProber creates an HTTP prober. A nil client uses http.DefaultClient;
// timeouts come from the caller's context, not the client.
func NewHTTPProber(client *http.Client) *HTTPProber {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPProber{client: client}
}

// Test implements Tester.
func (p *HTTPProber) Test(ctx context.Context, desc Descriptor) (run.Outcome, error) {
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, desc.Address, nil)
	if err != nil {
		return run.Outcome{}, fmt.Errorf("build probe request: %w", err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return run.Outcome{
			Success:      false,
			Duration:     time.Since(start),
			Message:      "connection failed",
			ErrorCode:    "connect_error",
			ErrorDetails: err.Error(),
		}, nil
	}
	defer resp.Body.Close()

	outcome := run.Outcome{
		Success:  resp.StatusCode < http.StatusInternalServerError,
		Duration: time.Since(start),
		Message:  fmt.Sprintf("HTTP %d", resp.StatusCode),
		ServerInfo: map[string]string{
			"status": resp.Status,
			"server": resp.Header.Get("Server"),
		},
	}
	if !outcome.Success {
		outcome.ErrorCode = "server_error"
		outcome.ErrorDetails = resp.Status
	}
	return outcome, nil
}

// TCPProber tests raw TCP reachability by dialing the descriptor address.
type TCPProber struct {
	dialer *net.Dialer
}

// NewTCPProber creates a TCP prober.
func NewTCPProber() *TCPProber {
	return &TCPProber{dialer: &net.Dialer{}}
}

// Test implements Tester.
func (p *TCPProber) Test(ctx context.Context, desc Descriptor) (run.Outcome, error) {
	start := time.Now()

	conn, err := p.dialer.DialContext(ctx, "tcp", desc.Address)
	if err != nil {
		return run.Outcome{
			Success:      false,
			Duration:     time.Since(start),
			Message:      "dial failed",
			ErrorCode:    "connect_error",
			ErrorDetails: err.Error(),
		}, nil
	}
	defer conn.Close()

	return run.Outcome{
		Success:  true,
		Duration: time.Since(start),
		Message:  "connection established",
		ServerInfo: map[string]string{
			"remote_addr": conn.RemoteAddr().String(),
		},
	}, nil
}
