package hostagent

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"
)

// newTestClient returns an HTTPClient pointed at the test server, along with
// the IP to pass to DrainAndShutdown.
func newTestClient(t *testing.T, srv *httptest.Server, secret string) (*HTTPClient, string) {
	t.Helper()

	host, portStr, err := net.SplitHostPort(srv.Listener.Addr().String())
	if err != nil {
		t.Fatalf("failed to split test server address: %s", err)
	}

	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		t.Fatalf("failed to parse test server port: %s", err)
	}

	client := &HTTPClient{
		client: &http.Client{
			Timeout: requestTimeout,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{
					InsecureSkipVerify: true,
				},
			},
		},
		secret: secret,
		port:   uint16(port),
	}

	return client, host
}

func TestDrainAndShutdown(t *testing.T) {
	var (
		gotMethod string
		gotPath   string
		gotAuth   string
	)

	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client, host := newTestClient(t, srv, "test-secret")

	err := client.DrainAndShutdown(context.Background(), host)
	if err != nil {
		t.Fatalf("DrainAndShutdown returned an error: %s", err)
	}

	if gotMethod != http.MethodPost {
		t.Errorf("expected a POST request, got %s", gotMethod)
	}

	if gotPath != "/drain_and_shutdown" {
		t.Errorf("expected request to /drain_and_shutdown, got %s", gotPath)
	}

	if gotAuth != "Bearer test-secret" {
		t.Errorf("expected shared secret on request, got %q", gotAuth)
	}
}

func TestDrainAndShutdownBadStatus(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	client, host := newTestClient(t, srv, "test-secret")

	err := client.DrainAndShutdown(context.Background(), host)
	if err == nil {
		t.Fatal("expected an error when the host agent returns a non-200 status")
	}
}

func TestDrainAndShutdownUnresponsive(t *testing.T) {
	// Start and immediately stop a server just to get an address with no
	// listener behind it.
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	client, host := newTestClient(t, srv, "test-secret")
	srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	err := client.DrainAndShutdown(ctx, host)
	if err == nil {
		t.Fatal("expected an error when the host agent is unreachable")
	}
}
