package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/arunabot/arunacore/internal/broker"
	v1 "github.com/arunabot/arunacore/pkg/config/v1"
	"github.com/arunabot/arunacore/pkg/config/v1/validation"
	"github.com/arunabot/arunacore/pkg/util"
)

func init() {
	d := v1.DefaultBrokerConfig()
	f := serverCmd.Flags()
	f.String("id", d.ID, "broker id, reserved for status envelopes")
	f.String("listen", d.Listen, "listen address")
	f.String("master-key", "", "master key for list connections and the admin api")
	f.Bool("require-auth", false, "reject peers without a connection key")
	f.Duration("ping-timeout", d.PingTimeout, "liveness ping timeout")
	f.Duration("sweep-interval", d.SweepInterval, "interval between liveness sweeps")
	f.Duration("auth-timeout", d.AuthTimeout, "time a new connection has to register")
	f.Duration("write-timeout", d.WriteTimeout, "per-frame write deadline")
	f.Int64("max-payload", d.MaxPayload, "maximum inbound frame size in bytes")
	f.Duration("finish-after", 0, "stop the broker after this long (0 runs until signalled)")
	f.String("log-level", d.Log.Level, "log level")
	f.String("log-format", d.Log.Format, "log format (console or json)")
	f.Bool("tls", false, "serve wss")
	f.String("tls-cert", "", "certificate file (self-signed when empty)")
	f.String("tls-key", "", "private key file")
	f.String("tls-ca", "", "CA file used to verify peer certificates")
	f.Bool("acme", false, "enable Let's Encrypt")
	f.String("acme-email", "", "ACME email")
	f.String("acme-cache", d.ACME.CacheDir, "ACME cache dir")
	f.String("acme-domain", "", "ACME domain")
	f.String("acme-ca", "production", "ACME CA (production or staging)")
	f.String("acme-dns-provider", "", "solve DNS-01 through cloudflare or route53 instead of HTTP-01")
	f.String("acme-cloudflare-token", "", "Cloudflare API token for DNS-01")
	f.String("acme-route53-region", "", "AWS region for Route 53 DNS-01")
	f.Bool("proxy-protocol", false, "read PROXY v1/v2 headers from a fronting load balancer")

	for key, flag := range map[string]string{
		"broker.id":                    "id",
		"broker.listen":                "listen",
		"broker.master_key":            "master-key",
		"broker.require_auth":          "require-auth",
		"broker.ping_timeout":          "ping-timeout",
		"broker.sweep_interval":        "sweep-interval",
		"broker.auth_timeout":          "auth-timeout",
		"broker.write_timeout":         "write-timeout",
		"broker.max_payload":           "max-payload",
		"broker.finish_after":          "finish-after",
		"broker.log.level":             "log-level",
		"broker.log.format":            "log-format",
		"broker.tls.enable":            "tls",
		"broker.tls.cert_file":         "tls-cert",
		"broker.tls.key_file":          "tls-key",
		"broker.tls.ca_file":           "tls-ca",
		"broker.acme.enable":           "acme",
		"broker.acme.email":            "acme-email",
		"broker.acme.cache":            "acme-cache",
		"broker.acme.domain":           "acme-domain",
		"broker.acme.ca":               "acme-ca",
		"broker.acme.dns_provider":     "acme-dns-provider",
		"broker.acme.cloudflare_token": "acme-cloudflare-token",
		"broker.acme.route53_region":   "acme-route53-region",
		"broker.proxy_protocol":        "proxy-protocol",
	} {
		_ = viper.BindPFlag(key, f.Lookup(flag))
	}

	rootCmd.AddCommand(serverCmd)
}

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "run the broker",
	RunE: func(cmd *cobra.Command, args []string) error {
		fc, err := loadConfig()
		if err != nil {
			return err
		}
		cfg := fc.Broker
		rawKey := cfg.MasterKey
		cfg.Complete()

		root, err := util.NewLoggerFromConfig(cfg.Log)
		if err != nil {
			return err
		}
		defer func() { _ = root.Sync() }()
		log := root.Named("server")

		warning, err := validation.ValidateBrokerConfig(&cfg)
		if warning != nil {
			log.Warnf("config: %v", warning)
		}
		if err != nil {
			return fmt.Errorf("invalid broker config: %w", err)
		}
		if rawKey == v1.MasterKeyPlaceholder {
			log.Errorf("master key is still %q; set broker.master_key to enable list connections", v1.MasterKeyPlaceholder)
		}

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()
		return broker.Run(ctx, cfg, root)
	},
}
