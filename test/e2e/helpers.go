//go:build e2e

package e2e

import (
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/hyperengineering/satchel/internal/api"
	"github.com/hyperengineering/satchel/pkg/satchel"
)

const testAPIKey = "e2e-api-key"

// startGateway runs an in-process reference gateway.
func startGateway(t *testing.T) *httptest.Server {
	t.Helper()
	store := api.NewMemStore()
	handler := api.NewHandler(store, testAPIKey, "e2e")
	server := httptest.NewServer(api.NewRouter(handler))
	t.Cleanup(server.Close)
	return server
}

// newReplica opens an independent local replica against the gateway.
// Background sync stays off; tests drive Drain and Refresh explicitly
// so every assertion runs against a known state.
func newReplica(t *testing.T, gateway *httptest.Server, name string) *satchel.Client {
	t.Helper()
	client, err := satchel.New(satchel.Config{
		LocalPath:  filepath.Join(t.TempDir(), name+".db"),
		GatewayURL: gateway.URL,
		APIKey:     testAPIKey,
	})
	if err != nil {
		t.Fatalf("open replica %s: %v", name, err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

// names extracts the "name" field of each document.
func names(docs []satchel.Document) map[string]bool {
	out := make(map[string]bool, len(docs))
	for _, d := range docs {
		if n, ok := d.Fields["name"].(string); ok {
			out[n] = true
		}
	}
	return out
}
