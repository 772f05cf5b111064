package broker

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/caddyserver/certmagic"
	route53 "github.com/fore-stun/libdns-route53"
	cloudflaredns "github.com/libdns/cloudflare"
	"golang.org/x/crypto/acme"

	v1 "github.com/arunabot/arunacore/pkg/config/v1"
)

func acmeCAURL(which string) string {
	switch strings.ToLower(which) {
	case "staging":
		return certmagic.LetsEncryptStagingCA
	default:
		return certmagic.LetsEncryptProductionCA
	}
}

// dnsProvider builds the libdns provider named by cfg.DNSProvider.
func dnsProvider(cfg v1.ACMEConfig) (certmagic.DNSProvider, error) {
	switch strings.ToLower(cfg.DNSProvider) {
	case "cloudflare":
		token := strings.TrimSpace(cfg.CloudflareToken)
		if token == "" {
			token = os.Getenv("CLOUDFLARE_API_TOKEN")
		}
		if token == "" {
			return nil, errors.New("cloudflare token is empty (set acme.cloudflare_token or CLOUDFLARE_API_TOKEN)")
		}
		return &cloudflaredns.Provider{APIToken: token}, nil
	case "route53":
		// credentials come from the default AWS chain
		return &route53.Provider{Region: cfg.Route53Region}, nil
	}
	return nil, fmt.Errorf("unsupported acme.dns_provider %q", cfg.DNSProvider)
}

// makeCertMagic obtains and renews the certificate for cfg.Domain over DNS-01.
func makeCertMagic(ctx context.Context, cfg v1.ACMEConfig) (*tls.Config, error) {
	if cfg.Email == "" {
		return nil, errors.New("acme.email is required for dns-01")
	}
	provider, err := dnsProvider(cfg)
	if err != nil {
		return nil, err
	}

	var magic *certmagic.Config
	cache := certmagic.NewCache(certmagic.CacheOptions{
		GetConfigForCert: func(certmagic.Certificate) (*certmagic.Config, error) {
			return magic, nil
		},
	})
	magic = certmagic.New(cache, certmagic.Config{
		Storage: &certmagic.FileStorage{Path: cfg.CacheDir},
	})
	magic.Issuers = []certmagic.Issuer{certmagic.NewACMEIssuer(magic, certmagic.ACMEIssuer{
		CA:                      acmeCAURL(cfg.CA),
		Email:                   cfg.Email,
		Agreed:                  true,
		DisableHTTPChallenge:    true,
		DisableTLSALPNChallenge: true,
		DNS01Solver: &certmagic.DNS01Solver{
			DNSManager: certmagic.DNSManager{DNSProvider: provider},
		},
	})}

	if err := magic.ManageAsync(ctx, []string{cfg.Domain}); err != nil {
		return nil, fmt.Errorf("manage certificate for %s: %w", cfg.Domain, err)
	}

	tlsConf := magic.TLSConfig()
	tlsConf.MinVersion = tls.VersionTLS12
	tlsConf.NextProtos = []string{"http/1.1", acme.ALPNProto}
	return tlsConf, nil
}
