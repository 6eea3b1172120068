package config

import "testing"

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Bus.Servers[0] != "nats://localhost:4222" {
		t.Fatalf("expected default server, got %v", cfg.Bus.Servers)
	}
	if cfg.Device.ShotCooldownMS != 500 {
		t.Fatalf("expected default shot cooldown 500ms, got %d", cfg.Device.ShotCooldownMS)
	}
	if cfg.Device.SyncToleranceMS != 100 {
		t.Fatalf("expected default sync tolerance 100ms, got %d", cfg.Device.SyncToleranceMS)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("RALLY_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("RALLY_DEVICE_MODE", "sim")
	t.Setenv("RALLY_DEVICE_SHOT_COOLDOWN_MS", "250")
	t.Setenv("RALLY_DEVICE_SYNC_TOLERANCE_MS", "80")
	t.Setenv("RALLY_ROUTER_SIMULATE", "true")
	t.Setenv("RALLY_ROUTER_DEFAULT_BALLS", "12")
	t.Setenv("RALLY_AUDIT_RETENTION_MODE", "persistent")
	t.Setenv("RALLY_AUDIT_MAX_COMMANDS", "123")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(cfg.Bus.Servers) != 2 {
		t.Fatalf("expected 2 servers, got %v", cfg.Bus.Servers)
	}
	if cfg.Device.Mode != "sim" {
		t.Fatalf("expected device mode override")
	}
	if cfg.Device.ShotCooldownMS != 250 {
		t.Fatalf("expected shot cooldown override, got %d", cfg.Device.ShotCooldownMS)
	}
	if cfg.Device.SyncToleranceMS != 80 {
		t.Fatalf("expected sync tolerance override, got %d", cfg.Device.SyncToleranceMS)
	}
	if !cfg.Router.Simulate {
		t.Fatal("expected simulate override true")
	}
	if cfg.Router.DefaultBalls != 12 {
		t.Fatalf("expected default balls override, got %d", cfg.Router.DefaultBalls)
	}
	if cfg.Audit.RetentionMode != "persistent" {
		t.Fatalf("expected audit retention mode override")
	}
	if cfg.Audit.MaxCommands != 123 {
		t.Fatalf("expected audit max commands override")
	}
}

func TestValidateRejectsUnknownDeviceMode(t *testing.T) {
	t.Setenv("RALLY_DEVICE_MODE", "bluetooth")
	if _, err := Load(""); err == nil {
		t.Fatal("expected validation error for unknown device mode")
	}
}
