// Copyright (C) 2025 Tillerworks (oss@tillerworks.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package engine

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tillerworks/tiller/services/engine/tools"
)

func newTestRouter(t *testing.T) (*gin.Engine, *testEnv) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	env := newTestEnv(t)
	router := gin.New()
	SetupRoutes(router, env.svc)
	return router, env
}

func doJSON(t *testing.T, router *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestHealthEndpoint(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := doJSON(t, router, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decode(t, rec)["status"])
}

func TestMetricsEndpoint(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := doJSON(t, router, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestGoalLifecycleOverHTTP(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/v1/goals", map[string]any{
		"title":     "Movie night",
		"objective": "Plan a cozy movie night for Friday",
		"priority":  "high",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	goalID, _ := decode(t, rec)["id"].(string)
	require.NotEmpty(t, goalID)

	rec = doJSON(t, router, http.MethodPost, "/v1/goals/"+goalID+"/plan", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	planBody := decode(t, rec)
	steps, _ := planBody["steps"].([]any)
	assert.Len(t, steps, 4)

	rec = doJSON(t, router, http.MethodPost, "/v1/goals/"+goalID+"/execute", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	outcome := decode(t, rec)
	assert.Equal(t, "completed", outcome["goal_status"])

	rec = doJSON(t, router, http.MethodGet, "/v1/goals/"+goalID+"/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	status := decode(t, rec)
	require.Contains(t, status, "goal")
	require.Contains(t, status, "plan")
	assert.NotEmpty(t, status["audit"])

	rec = doJSON(t, router, http.MethodGet, "/v1/goals", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, decode(t, rec)["count"])
}

func TestCreateGoalBadRequests(t *testing.T) {
	router, _ := newTestRouter(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/goals", bytes.NewBufferString("{not json"))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, router, http.MethodPost, "/v1/goals", map[string]any{"title": "no objective"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGoalNotFoundOverHTTP(t *testing.T) {
	router, _ := newTestRouter(t)

	for _, path := range []string{
		"/v1/goals/g-missing",
		"/v1/goals/g-missing/status",
	} {
		rec := doJSON(t, router, http.MethodGet, path, nil)
		assert.Equal(t, http.StatusNotFound, rec.Code, path)
	}

	rec := doJSON(t, router, http.MethodPost, "/v1/goals/g-missing/execute", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCancelGoalOverHTTP(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/v1/goals", map[string]any{"objective": "later"})
	require.Equal(t, http.StatusCreated, rec.Code)
	goalID, _ := decode(t, rec)["id"].(string)

	rec = doJSON(t, router, http.MethodPost, "/v1/goals/"+goalID+"/cancel", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "cancelled", decode(t, rec)["status"])
}

func TestListToolsOverHTTP(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := doJSON(t, router, http.MethodGet, "/v1/tools", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	count, _ := body["count"].(float64)
	assert.Greater(t, count, float64(0))
}

func TestToolStatsOverHTTP(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := doJSON(t, router, http.MethodGet, "/v1/tools/notify/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, router, http.MethodGet, "/v1/tools/no_such_tool/stats", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestInvokeAndConfirmOverHTTP(t *testing.T) {
	router, env := newTestRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/v1/tools/invoke", map[string]any{
		"tool": "file_write",
		"parameters": map[string]any{
			"path":    "note.txt",
			"content": "hi",
		},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	pending := decode(t, rec)
	require.Equal(t, string(tools.ExecPendingConfirmation), pending["status"])
	execID, _ := pending["execution_id"].(string)
	require.NotEmpty(t, execID)
	assert.NoFileExists(t, filepath.Join(env.fileRoot, "note.txt"))

	rec = doJSON(t, router, http.MethodPost, "/v1/executions/"+execID+"/confirm", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	done := decode(t, rec)
	assert.Equal(t, string(tools.ExecCompleted), done["status"])
	result, _ := done["result"].(map[string]any)
	require.NotNil(t, result)
	assert.EqualValues(t, 2, result["bytes_written"])
	assert.FileExists(t, filepath.Join(env.fileRoot, "note.txt"))

	rec = doJSON(t, router, http.MethodGet, "/v1/executions/"+execID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, string(tools.ExecCompleted), decode(t, rec)["status"])
}

func TestInvokeUnknownToolOverHTTP(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/v1/tools/invoke", map[string]any{
		"tool": "teleport",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, string(tools.ExecFailed), body["status"])
	assert.Equal(t, string(tools.ErrorKindNotFound), body["error_kind"])
}

func TestConfirmUnknownExecutionOverHTTP(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/v1/executions/missing/confirm", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
