package v1

import "time"

// MasterKeyPlaceholder is the shipped default master key. It is never honoured.
const MasterKeyPlaceholder = "changeme"

type LogConfig struct {
	Level  string `mapstructure:"level" json:"level"`
	Format string `mapstructure:"format" json:"format"`
	Output string `mapstructure:"output" json:"output,omitempty"`
}

func DefaultLogConfig() LogConfig {
	return LogConfig{Level: "info", Format: "console"}
}

// TLSConfig points at PEM files. With Enable set and no cert/key the broker
// generates a throwaway self-signed pair.
type TLSConfig struct {
	Enable     bool   `mapstructure:"enable" json:"enable"`
	CertFile   string `mapstructure:"cert_file" json:"cert_file,omitempty"`
	KeyFile    string `mapstructure:"key_file" json:"key_file,omitempty"`
	CAFile     string `mapstructure:"ca_file" json:"ca_file,omitempty"`
	ServerName string `mapstructure:"server_name" json:"server_name,omitempty"`
}

// ACMEConfig selects the certificate source when TLS comes from an ACME CA.
// Without DNSProvider the broker answers HTTP-01/TLS-ALPN-01 itself; with
// one it solves DNS-01 and needs no port 80.
type ACMEConfig struct {
	Enable   bool   `mapstructure:"enable" json:"enable"`
	Email    string `mapstructure:"email" json:"email,omitempty"`
	CacheDir string `mapstructure:"cache" json:"cache,omitempty"`
	Domain   string `mapstructure:"domain" json:"domain,omitempty"`
	// CA is "production" or "staging".
	CA              string `mapstructure:"ca" json:"ca,omitempty"`
	DNSProvider     string `mapstructure:"dns_provider" json:"dns_provider,omitempty"`
	CloudflareToken string `mapstructure:"cloudflare_token" json:"-"`
	Route53Region   string `mapstructure:"route53_region" json:"route53_region,omitempty"`
}

type APIConfig struct {
	Min string `mapstructure:"min" json:"min"`
	Max string `mapstructure:"max" json:"max"`
}

type BrokerConfig struct {
	ID            string        `mapstructure:"id" json:"id"`
	Listen        string        `mapstructure:"listen" json:"listen"`
	MasterKey     string        `mapstructure:"master_key" json:"-"`
	RequireAuth   bool          `mapstructure:"require_auth" json:"require_auth"`
	API           APIConfig     `mapstructure:"api" json:"api"`
	PingTimeout   time.Duration `mapstructure:"ping_timeout" json:"ping_timeout"`
	SweepInterval time.Duration `mapstructure:"sweep_interval" json:"sweep_interval"`
	AuthTimeout   time.Duration `mapstructure:"auth_timeout" json:"auth_timeout"`
	WriteTimeout  time.Duration `mapstructure:"write_timeout" json:"write_timeout"`
	MaxPayload    int64         `mapstructure:"max_payload" json:"max_payload"`
	FinishAfter   time.Duration `mapstructure:"finish_after" json:"finish_after"`
	Log           LogConfig     `mapstructure:"log" json:"log"`
	TLS           TLSConfig     `mapstructure:"tls" json:"tls"`
	ACME          ACMEConfig    `mapstructure:"acme" json:"acme"`
	// ProxyProtocol expects a PROXY v1/v2 header on every accepted connection.
	ProxyProtocol bool `mapstructure:"proxy_protocol" json:"proxy_protocol"`
}

func DefaultBrokerConfig() BrokerConfig {
	return BrokerConfig{
		ID:            "arunacore",
		Listen:        ":3000",
		API:           APIConfig{Min: "1.0.0-BETA.4", Max: "2.0.0"},
		PingTimeout:   5 * time.Second,
		SweepInterval: 30 * time.Second,
		AuthTimeout:   15 * time.Second,
		WriteTimeout:  10 * time.Second,
		MaxPayload:    512 * 1024,
		Log:           DefaultLogConfig(),
		ACME:          ACMEConfig{CacheDir: "cert-cache"},
	}
}

// Complete fills zero values with defaults and drops the placeholder master key.
func (c *BrokerConfig) Complete() {
	d := DefaultBrokerConfig()
	if c.ID == "" {
		c.ID = d.ID
	}
	if c.Listen == "" {
		c.Listen = d.Listen
	}
	if c.API.Min == "" {
		c.API.Min = d.API.Min
	}
	if c.API.Max == "" {
		c.API.Max = d.API.Max
	}
	if c.PingTimeout <= 0 {
		c.PingTimeout = d.PingTimeout
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = d.SweepInterval
	}
	if c.AuthTimeout <= 0 {
		c.AuthTimeout = d.AuthTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.MaxPayload <= 0 {
		c.MaxPayload = d.MaxPayload
	}
	if c.Log.Level == "" {
		c.Log.Level = d.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = d.Log.Format
	}
	if c.ACME.CacheDir == "" {
		c.ACME.CacheDir = d.ACME.CacheDir
	}
	if c.MasterKey == MasterKeyPlaceholder {
		c.MasterKey = ""
	}
}

type ReconnectConfig struct {
	Enable bool          `mapstructure:"enable" json:"enable"`
	Delay  time.Duration `mapstructure:"delay" json:"delay"`
	// MaxAttempts -1 retries forever.
	MaxAttempts int `mapstructure:"max_attempts" json:"max_attempts"`
}

type PeerConfig struct {
	ID             string          `mapstructure:"id" json:"id"`
	Server         string          `mapstructure:"server" json:"server"`
	Key            string          `mapstructure:"key" json:"-"`
	APIVersion     string          `mapstructure:"api_version" json:"api_version"`
	Reconnect      ReconnectConfig `mapstructure:"reconnect" json:"reconnect"`
	RequestTimeout time.Duration   `mapstructure:"request_timeout" json:"request_timeout"`
	FinishTimeout  time.Duration   `mapstructure:"finish_timeout" json:"finish_timeout"`
	AuthTimeout    time.Duration   `mapstructure:"auth_timeout" json:"auth_timeout"`
	TLS            TLSConfig       `mapstructure:"tls" json:"tls"`
}

func DefaultPeerConfig() PeerConfig {
	return PeerConfig{
		ID:             "client",
		Server:         "ws://localhost:3000",
		Reconnect:      ReconnectConfig{Enable: true, Delay: 5 * time.Second, MaxAttempts: 10},
		RequestTimeout: 10 * time.Second,
		FinishTimeout:  5 * time.Second,
		AuthTimeout:    15 * time.Second,
	}
}

func (c *PeerConfig) Complete() {
	d := DefaultPeerConfig()
	if c.ID == "" {
		c.ID = d.ID
	}
	if c.Server == "" {
		c.Server = d.Server
	}
	if c.Reconnect.Delay <= 0 {
		c.Reconnect.Delay = d.Reconnect.Delay
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = d.RequestTimeout
	}
	if c.FinishTimeout <= 0 {
		c.FinishTimeout = d.FinishTimeout
	}
	if c.AuthTimeout <= 0 {
		c.AuthTimeout = d.AuthTimeout
	}
}
