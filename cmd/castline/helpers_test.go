// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Castline Contributors

package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// syncBuffer is a bytes.Buffer safe for a server goroutine to write while
// the test reads.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// logField returns the value of key from the last JSON log line whose msg
// equals msg.
func (b *syncBuffer) logField(msg, key string) string {
	var found string
	sc := bufio.NewScanner(strings.NewReader(b.String()))
	for sc.Scan() {
		var line map[string]any
		if json.Unmarshal(sc.Bytes(), &line) != nil || line["msg"] != msg {
			continue
		}
		if v, ok := line[key].(string); ok {
			found = v
		}
	}
	return found
}

// isolateEnv points config and data lookups at temp dirs and clears every
// environment variable the config layer reads.
func isolateEnv(t *testing.T) {
	t.Helper()
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("XDG_DATA_HOME", t.TempDir())
	for _, name := range []string{
		"NODE_ENV", "JWT_ACCESS_SECRET", "JWT_REFRESH_SECRET", "JWT_ACCESS_TTL", "JWT_REFRESH_TTL",
		"COOKIE_SECURE", "COOKIE_SAMESITE", "COOKIE_DOMAIN", "INTERNAL_API_URL", "PUBLIC_WEB_ORIGIN",
		"VERIFICATION_BACKEND", "VERIFICATION_SNAPSHOT", "DATABASE_URL", "REDIS_URL",
		"LOG_FORMAT", "API_ADDR", "GATEWAY_ADDR", "METRICS_ADDR",
	} {
		t.Setenv(name, "")
	}
	t.Setenv("NODE_ENV", "test")
}

func setSecrets(t *testing.T) {
	t.Helper()
	t.Setenv("JWT_ACCESS_SECRET", "access-secret-for-tests")
	t.Setenv("JWT_REFRESH_SECRET", "refresh-secret-for-tests")
}

// loopbackDeps listens on an ephemeral loopback port whatever address is
// configured and reports the bound address.
func loopbackDeps() (*Deps, <-chan string) {
	addrs := make(chan string, 1)
	return &Deps{
		ListenerFactory: func(network, _ string) (net.Listener, error) {
			l, err := net.Listen(network, "127.0.0.1:0")
			if err == nil {
				addrs <- l.Addr().String()
			}
			return l, err
		},
	}, addrs
}

// startCommand runs the root command with args until the test ends and
// returns the listen address and the command's stderr.
func startCommand(t *testing.T, deps *Deps, addrs <-chan string, args ...string) (string, *syncBuffer) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())

	cmd := newRootCmd(deps)
	stderr := &syncBuffer{}
	cmd.SetOut(&syncBuffer{})
	cmd.SetErr(stderr)
	cmd.SetArgs(args)

	done := make(chan error, 1)
	go func() { done <- cmd.ExecuteContext(ctx) }()

	var addr string
	select {
	case addr = <-addrs:
	case err := <-done:
		cancel()
		t.Fatalf("command exited before listening: %v", err)
	case <-time.After(5 * time.Second):
		cancel()
		t.Fatal("command did not start listening")
	}

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(10 * time.Second):
			t.Error("command did not shut down")
		}
	})
	return "http://" + addr, stderr
}

// mockObservabilityServer implements ObservabilityServer for testing.
type mockObservabilityServer struct {
	startFunc func() (<-chan error, error)
	stopped   bool
}

func (m *mockObservabilityServer) Start() (<-chan error, error) {
	if m.startFunc != nil {
		return m.startFunc()
	}
	return make(chan error, 1), nil
}

func (m *mockObservabilityServer) Stop(context.Context) error {
	m.stopped = true
	return nil
}

func (m *mockObservabilityServer) Addr() string { return "127.0.0.1:9100" }
