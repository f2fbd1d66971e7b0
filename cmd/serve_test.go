package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/partscout/api/schemas"
	"github.com/xkilldash9x/partscout/internal/control"
)

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

func sessionStatus(t *testing.T, base string) schemas.SessionStatus {
	t.Helper()
	resp, err := http.Get(base + "/api/v1/session")
	if err != nil {
		return ""
	}
	defer resp.Body.Close()
	var out struct {
		Data schemas.Session `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return ""
	}
	return out.Data.Status
}

func TestServeCmd_RunsSessionsOverHTTP(t *testing.T) {
	quietEnv(t)
	t.Setenv("PARTSCOUT_AGENT_STEP_BUDGET", "2")
	state, _ := staticState(t, vinPage)
	addr := freeAddr(t)
	base := "http://" + addr

	root := newRootCommand(state)
	var out, errOut bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs([]string{"serve", "https://parts.example/", "--listen", addr})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- root.ExecuteContext(ctx) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get(base + "/healthz")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, schemas.StatusIdle, sessionStatus(t, base))

	resp, err := http.Post(base+"/api/v1/session", "application/json", strings.NewReader(`{"goal_identifier":"`+testVIN+`"}`))
	require.NoError(t, err)
	var started control.Response
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&started))
	resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	require.Eventually(t, func() bool {
		return sessionStatus(t, base) == schemas.StatusCompleted
	}, 10*time.Second, 50*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Fatal("serve did not return after cancellation")
	}
	assert.Contains(t, errOut.String(), "control API listening on "+base)
}
