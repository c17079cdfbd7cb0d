// Package config loads and validates agentbgpd's process configuration:
// a YAML file overlaid with environment variables, using koanf.
package config

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/twmb/franz-go/pkg/sasl"
	"github.com/twmb/franz-go/pkg/sasl/plain"
)

type Config struct {
	Service   ServiceConfig   `koanf:"service"`
	BGP       BGPConfig       `koanf:"bgp"`
	HTTP      HTTPConfig      `koanf:"http"`
	Kafka     KafkaConfig     `koanf:"kafka"`
	Postgres  PostgresConfig  `koanf:"postgres"`
	Policy    PolicyConfig    `koanf:"policy"`
	Reflector ReflectorConfig `koanf:"reflector"`
	Peers     []PeerConfig    `koanf:"peers"`
}

type ServiceConfig struct {
	InstanceID             string `koanf:"instance_id"`
	LogLevel               string `koanf:"log_level"`
	ShutdownTimeoutSeconds int    `koanf:"shutdown_timeout_seconds"`
}

// BGPConfig carries the local speaker identity and FSM timers session.Config
// needs, plus an AS-path length bound that Validate checks. The rib and
// session packages apply their own fixed rib.MaxASPathLength (10) and do
// not read MaxASPathLength from here.
type BGPConfig struct {
	LocalASN            uint32 `koanf:"local_asn"`
	RouterID            string `koanf:"router_id"`
	KeepaliveSeconds    int    `koanf:"keepalive_seconds"`
	HoldTimeSeconds     int    `koanf:"hold_time_seconds"`
	ConnectRetrySeconds int    `koanf:"connect_retry_seconds"`
	MaxASPathLength     int    `koanf:"max_as_path_length"`
	LocalURL            string `koanf:"local_url"`
	DefaultLocalPref    int    `koanf:"default_local_pref"`
}

type HTTPConfig struct {
	Listen string `koanf:"listen"`
}

type KafkaConfig struct {
	Brokers  []string   `koanf:"brokers"`
	Topic    string     `koanf:"topic"`
	ClientID string     `koanf:"client_id"`
	TLS      TLSConfig  `koanf:"tls"`
	SASL     SASLConfig `koanf:"sasl"`
}

type TLSConfig struct {
	Enabled  bool   `koanf:"enabled"`
	CAFile   string `koanf:"ca_file"`
	CertFile string `koanf:"cert_file"`
	KeyFile  string `koanf:"key_file"`
}

type SASLConfig struct {
	Enabled   bool   `koanf:"enabled"`
	Mechanism string `koanf:"mechanism"`
	Username  string `koanf:"username"`
	Password  string `koanf:"password"`
}

// PostgresConfig configures the optional decision/audit store. DSN empty
// means the store is disabled and internal/store is never wired up.
type PostgresConfig struct {
	DSN           string `koanf:"dsn"`
	MaxConns      int32  `koanf:"max_conns"`
	MinConns      int32  `koanf:"min_conns"`
	RetentionDays int    `koanf:"retention_days"`
	Timezone      string `koanf:"timezone"`
}

// PolicyConfig points at a static policy export file loaded at startup via
// policy.Engine.Import.
type PolicyConfig struct {
	FilePath string `koanf:"file_path"`
}

// ReflectorConfig enables route-reflector behavior (C7) for this speaker.
// Disabled means AdvertiseLocal never stamps originatorId/clusterId and
// every peer is treated as a plain mesh peer.
type ReflectorConfig struct {
	Enabled   bool     `koanf:"enabled"`
	ClusterID string   `koanf:"cluster_id"`
	Clients   []uint32 `koanf:"clients"`
}

// PeerConfig is one statically configured seed peer, the config-file
// equivalent of a POST /peers call made before the process starts
// accepting traffic.
type PeerConfig struct {
	ASN     uint32 `koanf:"asn"`
	Address string `koanf:"address"`
}

func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", path, err)
		}
	}

	// Overlay environment variables: AGENTBGPD_KAFKA__BROKERS → kafka.brokers
	if err := k.Load(env.Provider("AGENTBGPD_", ".", func(s string) string {
		s = strings.TrimPrefix(s, "AGENTBGPD_")
		s = strings.ToLower(s)
		s = strings.ReplaceAll(s, "__", ".")
		return s
	}), nil); err != nil {
		return nil, fmt.Errorf("loading env config: %w", err)
	}

	// A second overlay for the bare, unprefixed names: AGENT_SERVERS,
	// BGP_ASN, BGP_HOLD_TIME, BGP_KEEPALIVE_INTERVAL,
	// BGP_CONNECT_RETRY_TIME, MCP_SERVER_PORT. These don't share the
	// AGENTBGPD_ prefix/double-underscore convention above, so each is
	// mapped onto its koanf key explicitly rather than through a single
	// env.Provider transform.
	if err := applyBareEnvVars(k); err != nil {
		return nil, fmt.Errorf("loading env config: %w", err)
	}

	cfg := &Config{
		Service: ServiceConfig{
			InstanceID:             "agentbgpd-1",
			LogLevel:               "info",
			ShutdownTimeoutSeconds: 30,
		},
		BGP: BGPConfig{
			RouterID:            "0.0.0.1",
			KeepaliveSeconds:    30,
			HoldTimeSeconds:     90,
			ConnectRetrySeconds: 30,
			MaxASPathLength:     10,
			DefaultLocalPref:    100,
		},
		HTTP: HTTPConfig{
			Listen: ":8080",
		},
		Kafka: KafkaConfig{
			ClientID: "agentbgpd",
			Topic:    "agentbgp.events",
		},
		Postgres: PostgresConfig{
			MaxConns:      20,
			MinConns:      2,
			RetentionDays: 30,
			Timezone:      "UTC",
		},
	}

	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	// Split a comma-separated env string for the one slice field env vars
	// commonly carry as a single delimited value.
	if len(cfg.Kafka.Brokers) == 1 && strings.Contains(cfg.Kafka.Brokers[0], ",") {
		cfg.Kafka.Brokers = strings.Split(cfg.Kafka.Brokers[0], ",")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyBareEnvVars overlays the unprefixed environment variable names onto
// k: BGP_ASN, BGP_HOLD_TIME, BGP_KEEPALIVE_INTERVAL, BGP_CONNECT_RETRY_TIME
// override the matching bgp.* timer/identity fields, MCP_SERVER_PORT
// overrides http.listen, and AGENT_SERVERS seeds the peer list. Unset
// variables leave whatever the file/AGENTBGPD_ overlay already set.
func applyBareEnvVars(k *koanf.Koanf) error {
	if v := os.Getenv("BGP_ASN"); v != "" {
		asn, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return fmt.Errorf("parsing BGP_ASN: %w", err)
		}
		k.Set("bgp.local_asn", asn)
	}
	if v := os.Getenv("BGP_HOLD_TIME"); v != "" {
		secs, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parsing BGP_HOLD_TIME: %w", err)
		}
		k.Set("bgp.hold_time_seconds", secs)
	}
	if v := os.Getenv("BGP_KEEPALIVE_INTERVAL"); v != "" {
		secs, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parsing BGP_KEEPALIVE_INTERVAL: %w", err)
		}
		k.Set("bgp.keepalive_seconds", secs)
	}
	if v := os.Getenv("BGP_CONNECT_RETRY_TIME"); v != "" {
		secs, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parsing BGP_CONNECT_RETRY_TIME: %w", err)
		}
		k.Set("bgp.connect_retry_seconds", secs)
	}
	if v := os.Getenv("MCP_SERVER_PORT"); v != "" {
		if _, err := strconv.Atoi(v); err != nil {
			return fmt.Errorf("parsing MCP_SERVER_PORT: %w", err)
		}
		k.Set("http.listen", ":"+v)
	}
	if v := os.Getenv("AGENT_SERVERS"); v != "" {
		k.Set("peers", parseAgentServers(v))
	}
	return nil
}

// parseAgentServers splits a space/comma/mixed-separated AGENT_SERVERS
// value into seed peers. The bare list carries no ASN per entry, so each
// is assigned a synthetic sequential one by ordinal position starting at
// 65000, the same private-range ordinal assignment used elsewhere for
// address-only peer seeds.
func parseAgentServers(v string) []map[string]any {
	fields := strings.FieldsFunc(v, func(r rune) bool { return r == ',' || r == ' ' })
	peers := make([]map[string]any, 0, len(fields))
	for i, addr := range fields {
		peers = append(peers, map[string]any{
			"asn":     uint32(65000 + i),
			"address": addr,
		})
	}
	return peers
}

func (c *Config) Validate() error {
	if c.BGP.LocalASN == 0 {
		return fmt.Errorf("config: bgp.local_asn is required")
	}
	if c.BGP.RouterID == "" {
		return fmt.Errorf("config: bgp.router_id is required")
	}
	if c.BGP.HoldTimeSeconds < 3*c.BGP.KeepaliveSeconds {
		return fmt.Errorf("config: bgp.hold_time_seconds (%d) must be >= 3x bgp.keepalive_seconds (%d)",
			c.BGP.HoldTimeSeconds, c.BGP.KeepaliveSeconds)
	}
	if c.BGP.MaxASPathLength <= 0 {
		return fmt.Errorf("config: bgp.max_as_path_length must be > 0 (got %d)", c.BGP.MaxASPathLength)
	}
	if c.HTTP.Listen == "" {
		return fmt.Errorf("config: http.listen is required")
	}
	if c.Service.ShutdownTimeoutSeconds <= 0 {
		return fmt.Errorf("config: service.shutdown_timeout_seconds must be > 0 (got %d)", c.Service.ShutdownTimeoutSeconds)
	}
	if len(c.Kafka.Brokers) > 0 && c.Kafka.Topic == "" {
		return fmt.Errorf("config: kafka.topic is required when kafka.brokers is set")
	}
	if c.Postgres.DSN != "" {
		if c.Postgres.MaxConns <= 0 {
			return fmt.Errorf("config: postgres.max_conns must be > 0 (got %d)", c.Postgres.MaxConns)
		}
		if c.Postgres.MinConns < 0 {
			return fmt.Errorf("config: postgres.min_conns must be >= 0 (got %d)", c.Postgres.MinConns)
		}
		if c.Postgres.RetentionDays <= 0 {
			return fmt.Errorf("config: postgres.retention_days must be > 0 (got %d)", c.Postgres.RetentionDays)
		}
		if _, err := time.LoadLocation(c.Postgres.Timezone); err != nil {
			return fmt.Errorf("config: postgres.timezone is invalid: %w", err)
		}
	}
	for _, p := range c.Peers {
		if p.ASN == 0 {
			return fmt.Errorf("config: peers[].asn is required")
		}
	}
	if c.Reflector.Enabled && c.Reflector.ClusterID == "" {
		return fmt.Errorf("config: reflector.cluster_id is required when reflector.enabled is true")
	}
	return nil
}

// BuildTLSConfig creates a *tls.Config from the Kafka TLS settings. Returns nil if TLS is disabled.
func (k *KafkaConfig) BuildTLSConfig() (*tls.Config, error) {
	if !k.TLS.Enabled {
		return nil, nil
	}
	tlsCfg := &tls.Config{}
	if k.TLS.CAFile != "" {
		caPEM, err := os.ReadFile(k.TLS.CAFile)
		if err != nil {
			return nil, fmt.Errorf("reading CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caPEM) {
			return nil, fmt.Errorf("failed to parse CA certificate")
		}
		tlsCfg.RootCAs = pool
	}
	if k.TLS.CertFile != "" && k.TLS.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(k.TLS.CertFile, k.TLS.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("loading client certificate: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}
	return tlsCfg, nil
}

// BuildSASLMechanism creates a SASL mechanism from the Kafka SASL settings. Returns nil if SASL is disabled.
func (k *KafkaConfig) BuildSASLMechanism() sasl.Mechanism {
	if !k.SASL.Enabled {
		return nil
	}
	switch strings.ToUpper(k.SASL.Mechanism) {
	case "PLAIN":
		return plain.Auth{User: k.SASL.Username, Pass: k.SASL.Password}.AsMechanism()
	default:
		return nil
	}
}
