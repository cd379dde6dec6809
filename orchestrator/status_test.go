package orchestrator

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zaporter/trl/orchestrator/pipeline"
)

func getJSON(t *testing.T, url string, out any) int {
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil && resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestStatusHandlers(t *testing.T) {
	status := NewStatus()
	mux := http.NewServeMux()
	status.RegisterHandlers(mux)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/ping")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, "pong", string(body))

	// no model yet
	assert.Equal(t, http.StatusServiceUnavailable, getJSON(t, srv.URL+"/api/rollouts/stats", nil))

	cfg := testConfig(t)
	_, err = Run(context.Background(), cfg, RunOptions{Tracker: &recordingTracker{}, Reward: constantReward(1), Status: status})
	require.NoError(t, err)

	var snap StatusSnapshot
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/status", &snap))
	assert.Equal(t, StageDone, snap.Stage)
	assert.Equal(t, 1, snap.Phases)
	require.Len(t, snap.Completed, 1)
	assert.Equal(t, 7, snap.Completed[0].Store.Count)

	var stats pipeline.StorageStats
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/rollouts/stats", &stats))
	assert.Equal(t, 7, stats.Count)
}

func TestStatusRecordsFailure(t *testing.T) {
	status := NewStatus()
	cfg := testConfig(t)
	cfg.Model.ModelArch = "gpt9"
	_, err := Run(context.Background(), cfg, RunOptions{Tracker: &recordingTracker{}, Status: status})
	require.Error(t, err)
	snap := status.Snapshot()
	assert.Equal(t, StageFailed, snap.Stage)
	assert.Contains(t, snap.Error, "gpt9")
}
