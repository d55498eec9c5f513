package main

import (
	"fmt"
	"net"
	"net/netip"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/edgelink/internal/link"
	"github.com/danmuck/edgelink/internal/protocol/session"
	"github.com/danmuck/edgelink/internal/relay"
	"github.com/danmuck/edgelink/internal/scanner"
	"github.com/google/uuid"
)

// appConfig is everything the run command wires together.
type appConfig struct {
	Link        link.Config
	ScanEnabled bool
	Scan        scanner.Config
	Relays      []relay.Target
	AdminAddr   string
}

func defaultAppConfig() appConfig {
	return appConfig{
		Link: link.DefaultConfig(),
		Scan: scanner.DefaultConfig(),
	}
}

// edgelink config.toml key mapping.
type fileConfig struct {
	Address     string `toml:"address"`
	ClientID    string `toml:"client_id"`
	Credential  string `toml:"credential"`
	AdminListen string `toml:"admin_listen_addr"`

	Transport struct {
		Kind              string `toml:"kind"`
		SecurityMode      string `toml:"security_mode"`
		ConnectTimeout    string `toml:"connect_timeout"`
		HandshakeTimeout  string `toml:"handshake_timeout"`
		WriteTimeout      string `toml:"write_timeout"`
		HeartbeatInterval string `toml:"heartbeat_interval"`
		SessionDeadAfter  string `toml:"session_dead_after"`
		MaxPayloadBytes   uint32 `toml:"max_payload_bytes"`
	} `toml:"transport"`

	TLS struct {
		Enabled            bool   `toml:"enabled"`
		Mutual             bool   `toml:"mutual"`
		CertFile           string `toml:"cert_file"`
		KeyFile            string `toml:"key_file"`
		CAFile             string `toml:"ca_file"`
		ServerName         string `toml:"server_name"`
		InsecureSkipVerify bool   `toml:"insecure_skip_verify"`
	} `toml:"tls"`

	Backoff struct {
		Initial            string  `toml:"initial"`
		Multiplier         float64 `toml:"multiplier"`
		Max                string  `toml:"max"`
		Jitter             bool    `toml:"jitter"`
		StabilityThreshold string  `toml:"stability_threshold"`
		AuthPenalty        int     `toml:"auth_penalty"`
	} `toml:"backoff"`

	Queues struct {
		SessionOutbound int `toml:"session_outbound"`
		SessionInbound  int `toml:"session_inbound"`
		Control         int `toml:"control"`
	} `toml:"queues"`

	Scan struct {
		Enabled        bool         `toml:"enabled"`
		Interval       string       `toml:"interval"`
		DialTimeout    string       `toml:"dial_timeout"`
		Concurrency    int          `toml:"concurrency"`
		Ports          []int        `toml:"ports"`
		IncludeUnknown bool         `toml:"include_unknown"`
		Targets        []scanTarget `toml:"targets"`
	} `toml:"scan"`

	Relays []relayTarget `toml:"relay"`
}

type scanTarget struct {
	Addr string `toml:"addr"`
	MAC  string `toml:"mac"`
}

type relayTarget struct {
	Name      string `toml:"name"`
	ServiceID string `toml:"service_id"`
	Local     string `toml:"local"`
}

// loadAppConfig overlays the keys present in path onto the defaults. An
// empty path yields the defaults.
func loadAppConfig(path string) (appConfig, error) {
	cfg := defaultAppConfig()
	if strings.TrimSpace(path) != "" {
		var raw fileConfig
		meta, err := toml.DecodeFile(path, &raw)
		if err != nil {
			return appConfig{}, fmt.Errorf("load edgelink config: %w", err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			return appConfig{}, fmt.Errorf("load edgelink config: unknown key %q", undecoded[0].String())
		}
		if err := applyFile(&cfg, raw, meta); err != nil {
			return appConfig{}, fmt.Errorf("load edgelink config: %w", err)
		}
	}
	if strings.TrimSpace(cfg.Link.ClientID) == "" {
		cfg.Link.ClientID = "edge-" + uuid.NewString()
	}
	cfg.Link.Version = version
	return cfg, nil
}

func applyFile(cfg *appConfig, raw fileConfig, meta toml.MetaData) error {
	if meta.IsDefined("address") {
		cfg.Link.Address = strings.TrimSpace(raw.Address)
	}
	if meta.IsDefined("client_id") {
		cfg.Link.ClientID = strings.TrimSpace(raw.ClientID)
	}
	if meta.IsDefined("credential") {
		cfg.Link.Credential = raw.Credential
	}
	if meta.IsDefined("admin_listen_addr") {
		cfg.AdminAddr = strings.TrimSpace(raw.AdminListen)
	}

	sc := &cfg.Link.Session
	if meta.IsDefined("transport", "kind") {
		sc.Transport = session.Transport(strings.TrimSpace(raw.Transport.Kind))
	}
	if meta.IsDefined("transport", "security_mode") {
		sc.SecurityMode = session.SecurityMode(strings.TrimSpace(raw.Transport.SecurityMode))
	}
	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"connect_timeout", raw.Transport.ConnectTimeout, &sc.ConnectTimeout},
		{"handshake_timeout", raw.Transport.HandshakeTimeout, &sc.HandshakeTimeout},
		{"write_timeout", raw.Transport.WriteTimeout, &sc.WriteTimeout},
		{"heartbeat_interval", raw.Transport.HeartbeatInterval, &sc.HeartbeatInterval},
		{"session_dead_after", raw.Transport.SessionDeadAfter, &sc.SessionDeadAfter},
	}
	for _, d := range durations {
		if !meta.IsDefined("transport", d.key) {
			continue
		}
		v, err := parseDuration("transport."+d.key, d.raw)
		if err != nil {
			return err
		}
		*d.dst = v
	}
	if meta.IsDefined("transport", "max_payload_bytes") {
		sc.Limits.MaxPayloadBytes = raw.Transport.MaxPayloadBytes
	}

	if meta.IsDefined("tls", "enabled") {
		sc.TLS.Enabled = raw.TLS.Enabled
	}
	if meta.IsDefined("tls", "mutual") {
		sc.TLS.Mutual = raw.TLS.Mutual
	}
	if meta.IsDefined("tls", "cert_file") {
		sc.TLS.CertFile = strings.TrimSpace(raw.TLS.CertFile)
	}
	if meta.IsDefined("tls", "key_file") {
		sc.TLS.KeyFile = strings.TrimSpace(raw.TLS.KeyFile)
	}
	if meta.IsDefined("tls", "ca_file") {
		sc.TLS.CAFile = strings.TrimSpace(raw.TLS.CAFile)
	}
	if meta.IsDefined("tls", "server_name") {
		sc.TLS.ServerName = strings.TrimSpace(raw.TLS.ServerName)
	}
	if meta.IsDefined("tls", "insecure_skip_verify") {
		sc.TLS.InsecureSkipVerify = raw.TLS.InsecureSkipVerify
	}

	if meta.IsDefined("backoff", "initial") {
		v, err := parseDuration("backoff.initial", raw.Backoff.Initial)
		if err != nil {
			return err
		}
		sc.Backoff.InitialDelay = v
	}
	if meta.IsDefined("backoff", "multiplier") {
		sc.Backoff.Multiplier = raw.Backoff.Multiplier
	}
	if meta.IsDefined("backoff", "max") {
		v, err := parseDuration("backoff.max", raw.Backoff.Max)
		if err != nil {
			return err
		}
		sc.Backoff.MaxDelay = v
	}
	if meta.IsDefined("backoff", "jitter") {
		sc.Backoff.Jitter = raw.Backoff.Jitter
	}
	if meta.IsDefined("backoff", "stability_threshold") {
		v, err := parseDuration("backoff.stability_threshold", raw.Backoff.StabilityThreshold)
		if err != nil {
			return err
		}
		sc.Backoff.StabilityThreshold = v
	}
	if meta.IsDefined("backoff", "auth_penalty") {
		sc.Backoff.AuthPenalty = raw.Backoff.AuthPenalty
	}

	if meta.IsDefined("queues", "session_outbound") {
		sc.Queues.SessionOutbound = raw.Queues.SessionOutbound
	}
	if meta.IsDefined("queues", "session_inbound") {
		sc.Queues.SessionInbound = raw.Queues.SessionInbound
	}
	if meta.IsDefined("queues", "control") {
		sc.Queues.Control = raw.Queues.Control
	}

	if err := applyScan(cfg, raw, meta); err != nil {
		return err
	}

	for _, r := range raw.Relays {
		t := relay.Target{
			Name:      strings.TrimSpace(r.Name),
			ServiceID: strings.TrimSpace(r.ServiceID),
			Local:     strings.TrimSpace(r.Local),
		}
		if err := t.Validate(); err != nil {
			return err
		}
		cfg.Relays = append(cfg.Relays, t)
	}
	return nil
}

func applyScan(cfg *appConfig, raw fileConfig, meta toml.MetaData) error {
	if meta.IsDefined("scan", "enabled") {
		cfg.ScanEnabled = raw.Scan.Enabled
	}
	if meta.IsDefined("scan", "include_unknown") {
		cfg.Link.IncludeUnknownServices = raw.Scan.IncludeUnknown
	}
	if meta.IsDefined("scan", "interval") {
		v, err := parseDuration("scan.interval", raw.Scan.Interval)
		if err != nil {
			return err
		}
		cfg.Scan.Interval = v
	}
	if meta.IsDefined("scan", "dial_timeout") {
		v, err := parseDuration("scan.dial_timeout", raw.Scan.DialTimeout)
		if err != nil {
			return err
		}
		cfg.Scan.DialTimeout = v
	}
	if meta.IsDefined("scan", "concurrency") {
		cfg.Scan.Concurrency = raw.Scan.Concurrency
	}
	if meta.IsDefined("scan", "ports") {
		ports := make([]uint16, 0, len(raw.Scan.Ports))
		for _, p := range raw.Scan.Ports {
			if p <= 0 || p > 65535 {
				return fmt.Errorf("scan.ports: invalid port %d", p)
			}
			ports = append(ports, uint16(p))
		}
		cfg.Scan.Ports = ports
	}
	for _, t := range raw.Scan.Targets {
		addr, err := netip.ParseAddr(strings.TrimSpace(t.Addr))
		if err != nil {
			return fmt.Errorf("scan.targets: %w", err)
		}
		target := scanner.Target{Addr: addr}
		if mac := strings.TrimSpace(t.MAC); mac != "" {
			hw, err := net.ParseMAC(mac)
			if err != nil {
				return fmt.Errorf("scan.targets %s: %w", addr, err)
			}
			target.MAC = hw
		}
		cfg.Scan.Targets = append(cfg.Scan.Targets, target)
	}
	return nil
}

func parseDuration(key, raw string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return d, nil
}
