package main

import (
	"testing"

	"github.com/rustdash/relay-plane/internal/config"
	"github.com/rustdash/relay-plane/internal/link"
	"github.com/rustdash/relay-plane/internal/model"
)

type nopSink struct{}

func (nopSink) Publish(string, model.EventKind, any) int { return 0 }

func TestBuildLinkAdapter_FakeHasNoBridge(t *testing.T) {
	cfg := config.Defaults()

	adapter, ws, err := buildLinkAdapter(cfg, nopSink{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := adapter.(*link.FakeAdapter); !ok {
		t.Fatalf("expected fake adapter, got %T", adapter)
	}
	if ws != nil {
		t.Fatal("fake provider should not return a bridge")
	}
}

func TestBuildLinkAdapter_WSReturnsSupervisedBridge(t *testing.T) {
	cfg := config.Defaults()
	cfg.LinkProvider = "ws"
	cfg.LinkURL = "ws://127.0.0.1:9/link"

	adapter, ws, err := buildLinkAdapter(cfg, nopSink{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ws == nil || adapter != link.Adapter(ws) {
		t.Fatalf("expected the bridge to double as the adapter, got %T / %v", adapter, ws)
	}
}

func TestBuildLinkAdapter_WSRequiresURL(t *testing.T) {
	cfg := config.Defaults()
	cfg.LinkProvider = "ws"

	if _, _, err := buildLinkAdapter(cfg, nopSink{}); err == nil {
		t.Fatal("expected error for ws provider without url")
	}
}

func TestBuildLinkAdapter_UnknownProvider(t *testing.T) {
	cfg := config.Defaults()
	cfg.LinkProvider = "carrier-pigeon"

	if _, _, err := buildLinkAdapter(cfg, nopSink{}); err == nil {
		t.Fatal("expected error for unknown provider")
	}
}

func TestNewRedisClient_RejectsBadURL(t *testing.T) {
	if _, err := newRedisClient("not-a-redis-url"); err == nil {
		t.Fatal("expected parse error")
	}
	c, err := newRedisClient("redis://localhost:6379/2")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer c.Close()
	if c.Options().DB != 2 {
		t.Fatalf("expected db 2, got %d", c.Options().DB)
	}
}

func TestLogConfigCarriesSettings(t *testing.T) {
	cfg := config.Defaults()
	cfg.LogLevel = "debug"
	cfg.LogFile = "/tmp/relay.log"
	got := logConfig(cfg)
	if got.Level != "debug" || got.Format != "json" || got.File != "/tmp/relay.log" {
		t.Fatalf("unexpected log config %+v", got)
	}
}
