package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/hyperengineering/satchel/internal/gateway"
)

const testAPIKey = "test-api-key"

func newTestServer(t *testing.T) (*httptest.Server, *MemStore) {
	t.Helper()
	store := NewMemStore()
	handler := NewHandler(store, testAPIKey, "test")
	server := httptest.NewServer(NewRouter(handler))
	t.Cleanup(server.Close)
	return server, store
}

func doRequest(t *testing.T, method, url string, body any, headers map[string]string) *http.Response {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+testAPIKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeJSON[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var out T
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

func TestHealth_NoAuthRequired(t *testing.T) {
	server, _ := newTestServer(t)

	resp, err := http.Get(server.URL + "/api/v1/health")
	if err != nil {
		t.Fatalf("GET health: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	health := decodeJSON[HealthResponse](t, resp)
	if health.Status != "healthy" || health.Version != "test" {
		t.Errorf("unexpected health payload: %+v", health)
	}
}

func TestAuth_RejectsMissingAndWrongKey(t *testing.T) {
	server, _ := newTestServer(t)
	url := server.URL + "/api/v1/collections/groceries"

	for name, header := range map[string]string{
		"missing":      "",
		"wrong key":    "Bearer nope",
		"wrong scheme": "Basic " + testAPIKey,
	} {
		t.Run(name, func(t *testing.T) {
			req, _ := http.NewRequest(http.MethodGet, url, nil)
			if header != "" {
				req.Header.Set("Authorization", header)
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatalf("request: %v", err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != http.StatusUnauthorized {
				t.Errorf("status = %d, want 401", resp.StatusCode)
			}
			if ct := resp.Header.Get("Content-Type"); ct != "application/problem+json" {
				t.Errorf("Content-Type = %q, want problem+json", ct)
			}
		})
	}
}

func TestSaveDocument_CreateAssignsServerID(t *testing.T) {
	server, _ := newTestServer(t)

	resp := doRequest(t, http.MethodPut, server.URL+"/api/v1/collections/groceries/documents",
		gateway.SaveRequest{Fields: map[string]any{"name": "Milk"}}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	doc := decodeJSON[gateway.Document](t, resp)
	if doc.ID == "" {
		t.Error("expected a server-assigned ID")
	}
	if doc.Fields["name"] != "Milk" {
		t.Errorf("fields = %v", doc.Fields)
	}
}

func TestSaveDocument_IdempotencyKeyReplaysCreate(t *testing.T) {
	server, store := newTestServer(t)
	url := server.URL + "/api/v1/collections/groceries/documents"
	headers := map[string]string{"Idempotency-Key": "01HXKEY"}

	first := decodeJSON[gateway.Document](t, doRequest(t, http.MethodPut, url,
		gateway.SaveRequest{Fields: map[string]any{"name": "Milk"}}, headers))
	second := decodeJSON[gateway.Document](t, doRequest(t, http.MethodPut, url,
		gateway.SaveRequest{Fields: map[string]any{"name": "Milk"}}, headers))

	if first.ID != second.ID {
		t.Errorf("replayed create minted a new document: %s vs %s", first.ID, second.ID)
	}
	if docs := store.Collection("groceries"); len(docs) != 1 {
		t.Errorf("expected exactly one document, got %d", len(docs))
	}
}

func TestSaveDocument_UpdateUnknownIDNotFound(t *testing.T) {
	server, _ := newTestServer(t)

	resp := doRequest(t, http.MethodPut, server.URL+"/api/v1/collections/groceries/documents",
		gateway.SaveRequest{ID: "missing", Fields: map[string]any{"name": "Milk"}}, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestSaveDocument_RejectsMalformedBody(t *testing.T) {
	server, _ := newTestServer(t)
	url := server.URL + "/api/v1/collections/groceries/documents"

	req, _ := http.NewRequest(http.MethodPut, url, bytes.NewReader([]byte("{not json")))
	req.Header.Set("Authorization", "Bearer "+testAPIKey)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestGetCollection_ReturnsDocuments(t *testing.T) {
	server, _ := newTestServer(t)
	saveURL := server.URL + "/api/v1/collections/groceries/documents"

	for _, name := range []string{"Milk", "Eggs"} {
		doRequest(t, http.MethodPut, saveURL, gateway.SaveRequest{Fields: map[string]any{"name": name}}, nil)
	}

	resp := doRequest(t, http.MethodGet, server.URL+"/api/v1/collections/groceries", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	listing := decodeJSON[gateway.CollectionResponse](t, resp)
	if len(listing.Documents) != 2 {
		t.Errorf("expected 2 documents, got %+v", listing)
	}
}

func TestCollectionName_Validated(t *testing.T) {
	server, _ := newTestServer(t)

	resp := doRequest(t, http.MethodGet, server.URL+"/api/v1/collections/bad%20name", nil, nil)
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Errorf("status = %d, want 422", resp.StatusCode)
	}
}

func TestDeleteDocument_RemovesAndReports404OnRepeat(t *testing.T) {
	server, _ := newTestServer(t)
	saveURL := server.URL + "/api/v1/collections/groceries/documents"

	doc := decodeJSON[gateway.Document](t, doRequest(t, http.MethodPut, saveURL,
		gateway.SaveRequest{Fields: map[string]any{"name": "Milk"}}, nil))
	docURL := fmt.Sprintf("%s/api/v1/collections/groceries/documents/%s", server.URL, doc.ID)

	if resp := doRequest(t, http.MethodDelete, docURL, nil, nil); resp.StatusCode != http.StatusNoContent {
		t.Errorf("first delete status = %d, want 204", resp.StatusCode)
	}
	if resp := doRequest(t, http.MethodDelete, docURL, nil, nil); resp.StatusCode != http.StatusNotFound {
		t.Errorf("repeat delete status = %d, want 404", resp.StatusCode)
	}
}

func TestClearCollection_AlwaysSucceeds(t *testing.T) {
	server, store := newTestServer(t)
	saveURL := server.URL + "/api/v1/collections/groceries/documents"
	clearURL := server.URL + "/api/v1/collections/groceries"

	doRequest(t, http.MethodPut, saveURL, gateway.SaveRequest{Fields: map[string]any{"name": "Milk"}}, nil)

	if resp := doRequest(t, http.MethodDelete, clearURL, nil, nil); resp.StatusCode != http.StatusNoContent {
		t.Errorf("clear status = %d, want 204", resp.StatusCode)
	}
	if docs := store.Collection("groceries"); len(docs) != 0 {
		t.Errorf("collection not cleared: %+v", docs)
	}

	// Clearing an already-empty collection is still a success
	if resp := doRequest(t, http.MethodDelete, clearURL, nil, nil); resp.StatusCode != http.StatusNoContent {
		t.Errorf("repeat clear status = %d, want 204", resp.StatusCode)
	}
}
