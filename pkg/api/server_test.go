package api

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/fademem/fademem/pkg/metrics"
)

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func TestNewHTTPServer(t *testing.T) {
	env := newTestEnv(t, true)
	env.cfg.Server.Host = "127.0.0.1"
	env.cfg.Server.Port = 8080

	srv := NewHTTPServer(env.cfg, env.log, env.h)
	if srv.Addr() != "127.0.0.1:8080" {
		t.Errorf("Addr() = %q", srv.Addr())
	}
	if srv.server.MaxHeaderBytes != env.cfg.Server.HTTP.MaxHeaderBytes {
		t.Errorf("MaxHeaderBytes = %d", srv.server.MaxHeaderBytes)
	}
	if srv.Handler() == nil {
		t.Error("router not initialized")
	}
}

func TestHTTPServer_StartAndShutdown(t *testing.T) {
	env := newTestEnv(t, true)
	env.cfg.Server.Host = "127.0.0.1"
	env.cfg.Server.Port = freePort(t)
	m := metrics.NewManager(metrics.DefaultConfig())
	env.h.Metrics = m
	env.h.MetricsHandler = m.Handler()

	srv := NewHTTPServer(env.cfg, env.log, env.h)
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	base := "http://127.0.0.1:" + strconv.Itoa(env.cfg.Server.Port)
	var resp *http.Response
	var err error
	for i := 0; i < 50; i++ {
		resp, err = http.Get(base + "/health")
		if err == nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("server never came up: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("health status = %d", resp.StatusCode)
	}

	resp, err = http.Get(base + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("metrics status = %d", resp.StatusCode)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	if err := <-errCh; err != nil {
		t.Errorf("Start() returned %v after shutdown", err)
	}
}
