package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spartanone/spartan"
	"github.com/spartanone/spartan/model"
)

func writeConfig(t *testing.T, baseURL string) string {
	t.Helper()
	dir := t.TempDir()
	cnf := map[string]interface{}{
		"project_name": "Spartan Test",
		"data_source": map[string]string{
			"driver": "sqlite3",
			"dns":    "file:" + filepath.Join(dir, "spartan.db"),
		},
		"sync": map[string]interface{}{
			"base_url": baseURL,
		},
	}
	data, err := json.Marshal(cnf)
	require.NoError(t, err)

	path := filepath.Join(dir, "spartan.json")
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cli := NewCLI()
	out := &bytes.Buffer{}
	cli.cmd.SetOut(out)
	cli.cmd.SetErr(out)
	cli.cmd.SetArgs(args)
	err := cli.execute()
	return out.String(), err
}

func TestEnqueueThenSync(t *testing.T) {
	var mu sync.Mutex
	var received []map[string]interface{}
	remote := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		_ = json.NewDecoder(r.Body).Decode(&body)
		mu.Lock()
		received = append(received, body)
		mu.Unlock()
		assert.Equal(t, "/api/sales-notes", r.URL.Path)
		assert.NotEmpty(t, r.Header.Get(model.IdempotencyHeader))
		w.WriteHeader(http.StatusCreated)
	}))
	defer remote.Close()

	configFile := writeConfig(t, remote.URL)

	out, err := run(t, "--config", configFile, "enqueue",
		"--number", "NV-001", "--client", "Acme",
		"--item", "Cemento:2:1000")
	require.NoError(t, err)
	var doc model.OfflineDocument
	require.NoError(t, json.Unmarshal([]byte(out), &doc))
	assert.Equal(t, model.StatusQueued, doc.Status)
	assert.Equal(t, float64(2380), doc.Payload["total"])

	out, err = run(t, "--config", configFile, "status")
	require.NoError(t, err)
	var state spartan.State
	require.NoError(t, json.Unmarshal([]byte(out), &state))
	assert.Equal(t, 1, state.Count)

	out, err = run(t, "--config", configFile, "sync")
	require.NoError(t, err)
	var result spartan.DrainResult
	require.NoError(t, json.Unmarshal([]byte(out), &result))
	require.Len(t, result.Results, 1)
	assert.True(t, result.Results[0].Delivered)

	mu.Lock()
	require.Len(t, received, 1)
	assert.Equal(t, "NV-001", received[0]["numeroNV"])
	mu.Unlock()

	out, err = run(t, "--config", configFile, "status")
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(out), &state))
	assert.Equal(t, 0, state.Count)
}

func TestEnqueueRejectsInvalidDraft(t *testing.T) {
	configFile := writeConfig(t, "https://api.spartan.test")

	_, err := run(t, "--config", configFile, "enqueue", "--number", "NV-002", "--client", "Acme")
	assert.Error(t, err)

	_, err = run(t, "--config", configFile, "enqueue", "--number", "NV-002", "--client", "Acme", "--item", "Cemento:dos:1000")
	assert.Error(t, err)
}

func TestSyncReportsFailures(t *testing.T) {
	remote := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer remote.Close()
	configFile := writeConfig(t, remote.URL)

	_, err := run(t, "--config", configFile, "enqueue", "--number", "NV-003", "--client", "Acme", "--item", "Arena:1:500")
	require.NoError(t, err)

	_, err = run(t, "--config", configFile, "sync")
	assert.EqualError(t, err, "1 document(s) not delivered")

	out, err := run(t, "--config", configFile, "recover")
	require.NoError(t, err)
	assert.JSONEq(t, `{"recovered": 0}`, out)
}

func TestSyncAgainstServerReportsFailures(t *testing.T) {
	var mu sync.Mutex
	body := `{"ran":true,"results":[{"id":"a","delivered":true},{"id":"b","delivered":false,"retries":1,"error":"boom"}]}`
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/sync", r.URL.Path)
		mu.Lock()
		defer mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(body))
	}))
	defer server.Close()
	configFile := writeConfig(t, "https://api.spartan.test")

	out, err := run(t, "--config", configFile, "sync", "--server", server.URL)
	assert.EqualError(t, err, "1 document(s) not delivered")

	var result spartan.DrainResult
	require.NoError(t, json.Unmarshal([]byte(out[:strings.LastIndex(out, "}")+1]), &result))
	assert.Equal(t, 1, result.Failed())

	mu.Lock()
	body = `{"ran":true,"results":[{"id":"a","delivered":true}]}`
	mu.Unlock()
	_, err = run(t, "--config", configFile, "sync", "--server", server.URL)
	assert.NoError(t, err)
}

func TestMigrateAndConfig(t *testing.T) {
	configFile := writeConfig(t, "https://api.spartan.test")

	out, err := run(t, "--config", configFile, "migrate", "up")
	require.NoError(t, err)
	assert.Equal(t, "Applied 1 migrations!\n", out)

	out, err = run(t, "--config", configFile, "migrate", "down")
	require.NoError(t, err)
	assert.Equal(t, "Rolled back 1 migrations!\n", out)

	out, err = run(t, "--config", configFile, "config")
	require.NoError(t, err)
	var cnf map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(out), &cnf))
	assert.Equal(t, "Spartan Test", cnf["project_name"])
}
