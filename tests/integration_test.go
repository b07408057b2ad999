// +build integration

package tests

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testAPIURL  = "http://localhost:8080"
	testTimeout = 30 * time.Second
)

type dispatchRequest struct {
	AgentKind string `json:"agent"`
	Task      string `json:"task"`
}

type dispatchResponse struct {
	DispatchID string `json:"dispatch_id"`
	Status     string `json:"status"`
}

// envelope is the API's {success, data, error, meta} response wrapper.
type envelope struct {
	Data dispatchResponse `json:"data"`
}

func newRequest(ctx context.Context, method, url string, body []byte, userID string) (*http.Request, error) {
	reader := bytes.NewReader(body)
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-User-ID", userID)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// TestIntegration_FullWorkflow exercises dispatch creation, status
// polling, listing, and cancellation against a live outpost serve process.
func TestIntegration_FullWorkflow(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	client := &http.Client{Timeout: 10 * time.Second}
	userID := fmt.Sprintf("test-user-%d", time.Now().Unix())

	// Step 1: Create a dispatch
	dispatchJSON, err := json.Marshal(dispatchRequest{
		AgentKind: "claude",
		Task:      "add a README describing the integration test fixture",
	})
	require.NoError(t, err)

	req, err := newRequest(ctx, "POST", testAPIURL+"/api/v1/dispatch", dispatchJSON, userID)
	require.NoError(t, err)

	resp, err := client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusCreated, resp.StatusCode, "Failed to create dispatch")

	var createdEnv envelope
	err = json.NewDecoder(resp.Body).Decode(&createdEnv)
	require.NoError(t, err)
	created := createdEnv.Data
	require.NotEmpty(t, created.DispatchID)

	// Step 2: Get dispatch by ID
	req, err = newRequest(ctx, "GET", testAPIURL+"/api/v1/dispatch/"+created.DispatchID, nil, userID)
	require.NoError(t, err)

	resp, err = client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var fetchedEnv envelope
	err = json.NewDecoder(resp.Body).Decode(&fetchedEnv)
	require.NoError(t, err)
	fetched := fetchedEnv.Data
	assert.Equal(t, created.DispatchID, fetched.DispatchID)

	// Step 3: List dispatches for the user
	req, err = newRequest(ctx, "GET", testAPIURL+"/api/v1/dispatch", nil, userID)
	require.NoError(t, err)

	resp, err = client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// Step 4: List artifacts for the dispatch
	req, err = newRequest(ctx, "GET", testAPIURL+"/api/v1/artifacts/"+created.DispatchID, nil, userID)
	require.NoError(t, err)

	resp, err = client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// Step 5: Check fleet health
	req, err = http.NewRequestWithContext(ctx, "GET", testAPIURL+"/health/fleet", nil)
	require.NoError(t, err)

	resp, err = client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// Step 6: Cancel the dispatch
	req, err = newRequest(ctx, "DELETE", testAPIURL+"/api/v1/dispatch/"+created.DispatchID, nil, userID)
	require.NoError(t, err)

	resp, err = client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

// TestIntegration_Validation tests request validation on the dispatch endpoint.
func TestIntegration_Validation(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	client := &http.Client{Timeout: 10 * time.Second}

	// A task shorter than the minimum length must be rejected.
	invalidDispatch := `{"agent": "claude", "task": "short"}`

	req, err := newRequest(ctx, "POST", testAPIURL+"/api/v1/dispatch", []byte(invalidDispatch), "test-user")
	require.NoError(t, err)

	resp, err := client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// An unsupported agent must also be rejected.
	invalidAgent := `{"agent": "not-a-real-agent", "task": "add a README describing the integration test fixture"}`

	req, err = newRequest(ctx, "POST", testAPIURL+"/api/v1/dispatch", []byte(invalidAgent), "test-user")
	require.NoError(t, err)

	resp, err = client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
