package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunScan(t *testing.T) {
	var gotMethod, gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(RunReport{
			RunID:           "0f9a3c2e-5a4b-4f6f-9a2d-1c3e5b7d9f01",
			Day:             "2025-06-01",
			DurationSeconds: 12.5,
			Detection: CycleStats{
				PairsScanned: 40,
				Emitted:      3,
				Resumed:      1,
			},
			Succeeded: 2,
			Failed:    1,
		}))
	}))
	defer srv.Close()

	serverURL = srv.URL
	defer func() { serverURL = "" }()

	err := runScan(nil, nil)
	require.NoError(t, err)
	assert.Equal(t, http.MethodPost, gotMethod)
	assert.Equal(t, "/api/v1/scan", gotPath)
}

func TestRunScan_AlreadyRunning(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"message":"a detection run is already in flight"}`))
	}))
	defer srv.Close()

	serverURL = srv.URL
	defer func() { serverURL = "" }()

	err := runScan(nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already running")
}

func TestRunScan_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"message":"scan failed: listing pairs: connection refused"}`))
	}))
	defer srv.Close()

	serverURL = srv.URL
	defer func() { serverURL = "" }()

	err := runScan(nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
}
