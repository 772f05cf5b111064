package validation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	v1 "github.com/arunabot/arunacore/pkg/config/v1"
)

func TestValidateBrokerConfigDefaults(t *testing.T) {
	c := v1.DefaultBrokerConfig()
	c.MasterKey = "secret"
	warning, err := ValidateBrokerConfig(&c)
	require.NoError(t, err)
	assert.Nil(t, warning)
}

func TestValidateBrokerConfigErrors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*v1.BrokerConfig)
		want   string
	}{
		{"id", func(c *v1.BrokerConfig) { c.ID = "bad id" }, "invalid broker id"},
		{"listen", func(c *v1.BrokerConfig) { c.Listen = "nope" }, "invalid listen address"},
		{"port", func(c *v1.BrokerConfig) { c.Listen = ":70000" }, "out of range"},
		{"version range", func(c *v1.BrokerConfig) { c.API.Min = "3.0.0" }, ""},
		{"log level", func(c *v1.BrokerConfig) { c.Log.Level = "loud" }, "invalid log level"},
		{"log format", func(c *v1.BrokerConfig) { c.Log.Format = "xml" }, "invalid log format"},
		{"ping timeout", func(c *v1.BrokerConfig) { c.PingTimeout = 0 }, "ping_timeout must be positive"},
		{"max payload", func(c *v1.BrokerConfig) { c.MaxPayload = 0 }, "max_payload must be positive"},
		{"tls and acme", func(c *v1.BrokerConfig) {
			c.TLS.Enable = true
			c.ACME.Enable = true
			c.ACME.Domain = "broker.example.com"
		}, "mutually exclusive"},
		{"cert without key", func(c *v1.BrokerConfig) { c.TLS.CertFile = "cert.pem" }, "must be set together"},
		{"acme domain", func(c *v1.BrokerConfig) { c.ACME.Enable = true }, "acme.domain is required"},
		{"acme ca", func(c *v1.BrokerConfig) {
			c.ACME.Enable = true
			c.ACME.Domain = "broker.example.com"
			c.ACME.CA = "mine"
		}, "invalid acme.ca"},
		{"dns provider", func(c *v1.BrokerConfig) {
			c.ACME.Enable = true
			c.ACME.Domain = "broker.example.com"
			c.ACME.Email = "ops@example.com"
			c.ACME.DNSProvider = "bind"
		}, "invalid acme.dns_provider"},
		{"dns email", func(c *v1.BrokerConfig) {
			c.ACME.Enable = true
			c.ACME.Domain = "broker.example.com"
			c.ACME.DNSProvider = "cloudflare"
		}, "acme.email is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := v1.DefaultBrokerConfig()
			tt.mutate(&c)
			_, err := ValidateBrokerConfig(&c)
			require.Error(t, err)
			if tt.want != "" {
				assert.Contains(t, err.Error(), tt.want)
			}
		})
	}
}

func TestValidateBrokerConfigWarnings(t *testing.T) {
	c := v1.DefaultBrokerConfig()
	c.MasterKey = v1.MasterKeyPlaceholder
	c.RequireAuth = true
	c.PingTimeout = time.Minute
	warning, err := ValidateBrokerConfig(&c)
	require.NoError(t, err)
	require.NotNil(t, warning)
	assert.Contains(t, warning.Error(), "master key is not set")
	assert.Contains(t, warning.Error(), "require_auth without tls")
	assert.Contains(t, warning.Error(), "sweeps will overlap")
}

func TestValidatePeerConfig(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*v1.PeerConfig)
		wantErr bool
		warn    bool
	}{
		{name: "defaults"},
		{name: "https", mutate: func(c *v1.PeerConfig) { c.Server = "https://broker.example.com" }},
		{name: "empty id", mutate: func(c *v1.PeerConfig) { c.ID = " " }, wantErr: true},
		{name: "scheme", mutate: func(c *v1.PeerConfig) { c.Server = "tcp://localhost:3000" }, wantErr: true},
		{name: "no host", mutate: func(c *v1.PeerConfig) { c.Server = "ws://" }, wantErr: true},
		{name: "api version", mutate: func(c *v1.PeerConfig) { c.APIVersion = "one" }, wantErr: true},
		{name: "attempts", mutate: func(c *v1.PeerConfig) { c.Reconnect.MaxAttempts = -2 }, wantErr: true},
		{name: "forever", mutate: func(c *v1.PeerConfig) { c.Reconnect.MaxAttempts = -1 }, warn: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := v1.DefaultPeerConfig()
			if tt.mutate != nil {
				tt.mutate(&c)
			}
			warning, err := ValidatePeerConfig(&c)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
			if tt.warn {
				assert.NotNil(t, warning)
			} else {
				assert.Nil(t, warning)
			}
		})
	}
}

func TestValidatePort(t *testing.T) {
	assert.NoError(t, ValidatePort("0", "listen"))
	assert.NoError(t, ValidatePort("65535", "listen"))
	assert.Error(t, ValidatePort("-1", "listen"))
	assert.Error(t, ValidatePort("http", "listen"))
}
