package validation

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/samber/lo"

	v1 "github.com/arunabot/arunacore/pkg/config/v1"
	"github.com/arunabot/arunacore/pkg/proto"
)

var (
	SupportedLogLevels    = []string{"debug", "info", "warn", "error"}
	SupportedLogFormats   = []string{"console", "json"}
	SupportedURLSchemes   = []string{"ws", "wss", "http", "https"}
	SupportedDNSProviders = []string{"cloudflare", "route53"}
	SupportedACMECAs      = []string{"", "production", "staging"}
)

// Warning collects non-fatal findings.
type Warning error

func AppendError(err error, errs ...error) error {
	if len(errs) == 0 {
		return err
	}
	return errors.Join(append([]error{err}, errs...)...)
}

func ValidateBrokerConfig(c *v1.BrokerConfig) (Warning, error) {
	var (
		warnings Warning
		errs     error
	)
	if strings.TrimSpace(c.ID) == "" || strings.ContainsAny(c.ID, " \t") {
		errs = AppendError(errs, fmt.Errorf("invalid broker id %q", c.ID))
	}
	if err := validateListen(c.Listen); err != nil {
		errs = AppendError(errs, err)
	}
	if _, err := proto.NewVersionRange(c.API.Min, c.API.Max); err != nil {
		errs = AppendError(errs, err)
	}
	if err := validateLogConfig(&c.Log); err != nil {
		errs = AppendError(errs, err)
	}

	durations := map[string]int64{
		"ping_timeout":   int64(c.PingTimeout),
		"sweep_interval": int64(c.SweepInterval),
		"auth_timeout":   int64(c.AuthTimeout),
	}
	for _, name := range lo.Keys(durations) {
		if durations[name] <= 0 {
			errs = AppendError(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	if c.PingTimeout > 0 && c.SweepInterval > 0 && c.PingTimeout >= c.SweepInterval {
		warnings = AppendError(warnings, fmt.Errorf("ping_timeout (%s) >= sweep_interval (%s): sweeps will overlap", c.PingTimeout, c.SweepInterval))
	}
	if c.MaxPayload <= 0 {
		errs = AppendError(errs, fmt.Errorf("max_payload must be positive"))
	}

	if c.MasterKey == "" || c.MasterKey == v1.MasterKeyPlaceholder {
		warnings = AppendError(warnings, fmt.Errorf("master key is not set; admin command 015 is disabled"))
	}
	if c.RequireAuth && !c.TLS.Enable && !c.ACME.Enable {
		warnings = AppendError(warnings, fmt.Errorf("require_auth without tls: connection keys travel in clear text"))
	}
	if c.TLS.Enable && c.ACME.Enable {
		errs = AppendError(errs, fmt.Errorf("tls.enable and acme.enable are mutually exclusive"))
	}
	if (c.TLS.CertFile == "") != (c.TLS.KeyFile == "") {
		errs = AppendError(errs, fmt.Errorf("tls.cert_file and tls.key_file must be set together"))
	}
	if c.ACME.Enable {
		errs = AppendError(errs, validateACMEConfig(&c.ACME))
	}
	return warnings, errs
}

func ValidatePeerConfig(c *v1.PeerConfig) (Warning, error) {
	var (
		warnings Warning
		errs     error
	)
	if strings.TrimSpace(c.ID) == "" || strings.ContainsAny(c.ID, " \t") {
		errs = AppendError(errs, fmt.Errorf("invalid peer id %q", c.ID))
	}
	u, err := url.Parse(c.Server)
	if err != nil || u.Host == "" {
		errs = AppendError(errs, fmt.Errorf("invalid server url %q", c.Server))
	} else if !lo.Contains(SupportedURLSchemes, u.Scheme) {
		errs = AppendError(errs, fmt.Errorf("invalid server url scheme %q, optional values are %v", u.Scheme, SupportedURLSchemes))
	}
	if c.APIVersion != "" && !proto.ValidVersion(c.APIVersion) {
		errs = AppendError(errs, fmt.Errorf("invalid api_version %q", c.APIVersion))
	}
	if c.Reconnect.MaxAttempts < -1 {
		errs = AppendError(errs, fmt.Errorf("reconnect.max_attempts must be -1 (forever) or >= 0"))
	}
	if c.Reconnect.Enable && c.Reconnect.MaxAttempts == -1 {
		warnings = AppendError(warnings, fmt.Errorf("reconnect.max_attempts is -1: the peer retries forever"))
	}
	return warnings, errs
}

func validateACMEConfig(c *v1.ACMEConfig) error {
	var errs error
	if c.Domain == "" {
		errs = AppendError(errs, fmt.Errorf("acme.domain is required when acme is enabled"))
	}
	if !lo.Contains(SupportedACMECAs, strings.ToLower(c.CA)) {
		errs = AppendError(errs, fmt.Errorf("invalid acme.ca %q, optional values are production, staging", c.CA))
	}
	if c.DNSProvider == "" {
		return errs
	}
	if !lo.Contains(SupportedDNSProviders, strings.ToLower(c.DNSProvider)) {
		errs = AppendError(errs, fmt.Errorf("invalid acme.dns_provider %q, optional values are %v", c.DNSProvider, SupportedDNSProviders))
	}
	if c.Email == "" {
		errs = AppendError(errs, fmt.Errorf("acme.email is required for dns-01"))
	}
	return errs
}

func validateLogConfig(c *v1.LogConfig) error {
	var errs error
	if !lo.Contains(SupportedLogLevels, strings.ToLower(c.Level)) {
		errs = AppendError(errs, fmt.Errorf("invalid log level %q, optional values are %v", c.Level, SupportedLogLevels))
	}
	if !lo.Contains(SupportedLogFormats, c.Format) {
		errs = AppendError(errs, fmt.Errorf("invalid log format %q, optional values are %v", c.Format, SupportedLogFormats))
	}
	return errs
}

func validateListen(addr string) error {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("invalid listen address %q: %w", addr, err)
	}
	return ValidatePort(port, "listen")
}

func ValidatePort(port string, fieldPath string) error {
	n, err := strconv.Atoi(port)
	if err != nil || n < 0 || n > 65535 {
		return fmt.Errorf("%s: port %q is out of range", fieldPath, port)
	}
	return nil
}
