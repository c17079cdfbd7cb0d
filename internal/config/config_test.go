package config

import (
	"os"
	"path/filepath"
	"testing"
)

func validConfig() *Config {
	return &Config{
		Service: ServiceConfig{
			InstanceID:             "test",
			LogLevel:               "info",
			ShutdownTimeoutSeconds: 30,
		},
		BGP: BGPConfig{
			LocalASN:            65001,
			RouterID:            "10.0.0.1",
			KeepaliveSeconds:    30,
			HoldTimeSeconds:     90,
			ConnectRetrySeconds: 30,
			MaxASPathLength:     10,
			DefaultLocalPref:    100,
		},
		HTTP: HTTPConfig{
			Listen: ":8080",
		},
		Postgres: PostgresConfig{
			DSN:           "postgres://localhost/test",
			MaxConns:      10,
			MinConns:      2,
			RetentionDays: 30,
			Timezone:      "UTC",
		},
	}
}

func TestValidate_ValidConfig(t *testing.T) {
	cfg := validConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected valid config, got error: %v", err)
	}
}

func TestValidate_NoLocalASN(t *testing.T) {
	cfg := validConfig()
	cfg.BGP.LocalASN = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for missing bgp.local_asn")
	}
}

func TestValidate_NoRouterID(t *testing.T) {
	cfg := validConfig()
	cfg.BGP.RouterID = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for missing bgp.router_id")
	}
}

func TestValidate_HoldTimeTooShort(t *testing.T) {
	cfg := validConfig()
	cfg.BGP.HoldTimeSeconds = 10 // < 3x keepalive (30)
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for hold time < 3x keepalive")
	}
}

func TestValidate_MaxASPathLengthZero(t *testing.T) {
	cfg := validConfig()
	cfg.BGP.MaxASPathLength = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for max_as_path_length = 0")
	}
}

func TestValidate_NoHTTPListen(t *testing.T) {
	cfg := validConfig()
	cfg.HTTP.Listen = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for empty http.listen")
	}
}

func TestValidate_ShutdownTimeoutZero(t *testing.T) {
	cfg := validConfig()
	cfg.Service.ShutdownTimeoutSeconds = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for shutdown_timeout_seconds = 0")
	}
}

func TestValidate_KafkaBrokersWithoutTopic(t *testing.T) {
	cfg := validConfig()
	cfg.Kafka.Brokers = []string{"localhost:9092"}
	cfg.Kafka.Topic = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for kafka.brokers set without kafka.topic")
	}
}

func TestValidate_PostgresDSNRequiresPositiveConns(t *testing.T) {
	cfg := validConfig()
	cfg.Postgres.MaxConns = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for postgres.max_conns = 0 when DSN is set")
	}
}

func TestValidate_RetentionDaysZero(t *testing.T) {
	cfg := validConfig()
	cfg.Postgres.RetentionDays = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for postgres.retention_days = 0")
	}
}

func TestValidate_InvalidTimezone(t *testing.T) {
	cfg := validConfig()
	cfg.Postgres.Timezone = "Not/A/Real/Zone"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for invalid timezone")
	}
}

func TestValidate_ValidTimezone(t *testing.T) {
	cfg := validConfig()
	cfg.Postgres.Timezone = "America/New_York"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected valid config, got error: %v", err)
	}
}

func TestValidate_NoStoreConfiguredSkipsPostgresChecks(t *testing.T) {
	cfg := validConfig()
	cfg.Postgres = PostgresConfig{}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected valid config with store disabled, got error: %v", err)
	}
}

func TestValidate_PeerMissingASN(t *testing.T) {
	cfg := validConfig()
	cfg.Peers = []PeerConfig{{Address: "10.0.0.2:179"}}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for peer missing asn")
	}
}

func writeMinimalYAML(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	p := filepath.Join(dir, "config.yaml")
	data := `
bgp:
  local_asn: 65001
  router_id: "10.0.0.1"
postgres:
  dsn: "postgres://localhost/test"
`
	if err := os.WriteFile(p, []byte(data), 0644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestLoad_EnvOverrideDSN(t *testing.T) {
	p := writeMinimalYAML(t)
	t.Setenv("AGENTBGPD_POSTGRES__DSN", "postgres://envhost/envdb")

	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Postgres.DSN != "postgres://envhost/envdb" {
		t.Errorf("expected DSN from env, got %q", cfg.Postgres.DSN)
	}
}

func TestLoad_EnvOverrideLogLevel(t *testing.T) {
	p := writeMinimalYAML(t)
	t.Setenv("AGENTBGPD_SERVICE__LOG_LEVEL", "debug")

	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Service.LogLevel != "debug" {
		t.Errorf("expected log_level 'debug' from env, got %q", cfg.Service.LogLevel)
	}
}

func TestLoad_EnvEmptyRouterIDFailsValidation(t *testing.T) {
	p := writeMinimalYAML(t)
	t.Setenv("AGENTBGPD_BGP__ROUTER_ID", "")

	_, err := Load(p)
	if err == nil {
		t.Fatal("expected validation error for empty bgp.router_id via env")
	}
}

func TestLoad_BrokersCommaSplit(t *testing.T) {
	p := writeMinimalYAML(t)
	t.Setenv("AGENTBGPD_KAFKA__BROKERS", "broker1:9092,broker2:9092")
	t.Setenv("AGENTBGPD_KAFKA__TOPIC", "agentbgp.events")

	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cfg.Kafka.Brokers) != 2 {
		t.Fatalf("expected 2 brokers split from env, got %v", cfg.Kafka.Brokers)
	}
}
