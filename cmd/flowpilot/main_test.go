package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validTemplate = `id: core.disk_usage
name: Disk Usage
version: 1.0.0
category: performance
searches:
  - id: by_host
    query: index={INDEX} sourcetype=df | stats max(used) by host
  - id: trend
    query: index={INDEX} sourcetype=df | timechart avg(used)
`

const cyclicTemplate = `{
  "id": "core.loop",
  "name": "Loop",
  "version": "1",
  "category": "analysis",
  "phases": [
    {"id": "a", "depends_on": ["b"], "searches": [{"id": "x", "query": "search x"}]},
    {"id": "b", "depends_on": ["a"], "searches": [{"id": "y", "query": "search y"}]}
  ]
}`

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var code int
	root := newRootCmd(&code)
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append([]string{"--config", filepath.Join(t.TempDir(), "absent.yaml")}, args...))
	err := root.Execute()
	return out.String(), err
}

func TestValidateCommand(t *testing.T) {
	dir := t.TempDir()
	good := writeFile(t, dir, "disk.yaml", validTemplate)
	bad := writeFile(t, dir, "loop.json", cyclicTemplate)

	out, err := runCLI(t, "validate", good)
	require.NoError(t, err)
	assert.Contains(t, out, "ok   "+good+" (core.disk_usage, 1 phase(s), 2 task(s))")

	out, err = runCLI(t, "validate", good, bad)
	require.Error(t, err)
	assert.Equal(t, "1 of 2 template(s) invalid", err.Error())
	assert.Contains(t, out, "FAIL "+bad)
}

func TestDiscoverCommand(t *testing.T) {
	core := t.TempDir()
	writeFile(t, core, "disk.yaml", validTemplate)
	writeFile(t, core, "loop.json", cyclicTemplate)
	t.Setenv("FLOWPILOT_DISCOVERY_ROOTS", core)

	out, err := runCLI(t, "discover")
	require.NoError(t, err)
	assert.Contains(t, out, "core.disk_usage")
	assert.Contains(t, out, "1 workflow(s) loaded")
	assert.Contains(t, out, "invalid: "+filepath.Join(core, "loop.json"))

	_, err = runCLI(t, "discover", "--strict")
	require.Error(t, err)
}

func TestRunCommand(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"rows":    []map[string]any{{"host": "web-1"}},
			"summary": body["query"],
		})
	}))
	defer srv.Close()

	core := t.TempDir()
	writeFile(t, core, "disk.yaml", validTemplate)
	t.Setenv("FLOWPILOT_DISCOVERY_ROOTS", core)
	t.Setenv("FLOWPILOT_QUERY_WORKER_URL", srv.URL)
	t.Setenv("FLOWPILOT_LOG_LEVEL", "error")

	out, err := runCLI(t, "run", "core.disk_usage", "--input", `{"index": "infra"}`)
	require.NoError(t, err)

	var report struct {
		Status string `json:"status"`
		Bundle struct {
			TotalTasks int `json:"total_tasks"`
		} `json:"bundle"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &report), out)
	assert.Equal(t, "succeeded", report.Status)
	assert.Equal(t, 2, report.Bundle.TotalTasks)
}

func TestRunCommand_badInput(t *testing.T) {
	_, err := runCLI(t, "run", "core.any", "--input", "[1]")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--input must be a JSON object")
}
