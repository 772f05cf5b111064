package transport

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"
	"time"

	v1 "github.com/arunabot/arunacore/pkg/config/v1"
)

func loadKeyPair(certfile, keyfile string) (*tls.Certificate, error) {
	tlsCert, err := tls.LoadX509KeyPair(certfile, keyfile)
	if err != nil {
		return nil, fmt.Errorf("load tls key pair: %w", err)
	}
	return &tlsCert, nil
}

// newSelfSignedKeyPair issues a throwaway certificate for hosts. Peers must
// dial it with verification disabled or with the certificate pinned as CA.
func newSelfSignedKeyPair(hosts ...string) (*tls.Certificate, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}

	// RFC 5280: serial numbers are positive.
	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, err
	}
	if serialNumber.Sign() == 0 {
		serialNumber = big.NewInt(1)
	}

	template := x509.Certificate{
		SerialNumber: serialNumber,
		Subject:      pkix.Name{Organization: []string{"ArunaCore"}},
		NotBefore:    time.Now().Add(-1 * time.Hour),
		NotAfter:     time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     hosts,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return nil, err
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, err
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})

	tlsCert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, err
	}
	return &tlsCert, nil
}

// Only one CA file is supported.
func newCertPool(caPath string) (*x509.CertPool, error) {
	caCrt, err := os.ReadFile(caPath)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caCrt) {
		return nil, fmt.Errorf("no certificates found in %s", caPath)
	}
	return pool, nil
}

// NewServerTLSConfig builds the listener config. Without cert/key a
// self-signed pair is generated; a CA file turns on client verification.
func NewServerTLSConfig(c v1.TLSConfig) (*tls.Config, error) {
	base := &tls.Config{MinVersion: tls.VersionTLS12}

	var (
		cert *tls.Certificate
		err  error
	)
	if c.CertFile == "" || c.KeyFile == "" {
		hosts := []string{"localhost"}
		if c.ServerName != "" {
			hosts = append(hosts, c.ServerName)
		}
		cert, err = newSelfSignedKeyPair(hosts...)
	} else {
		cert, err = loadKeyPair(c.CertFile, c.KeyFile)
	}
	if err != nil {
		return nil, err
	}
	base.Certificates = []tls.Certificate{*cert}

	if c.CAFile != "" {
		pool, err := newCertPool(c.CAFile)
		if err != nil {
			return nil, err
		}
		base.ClientAuth = tls.RequireAndVerifyClientCert
		base.ClientCAs = pool
	}
	return base, nil
}

// NewClientTLSConfig builds the dialer config. Without a CA file the server
// certificate is not verified.
func NewClientTLSConfig(c v1.TLSConfig) (*tls.Config, error) {
	base := &tls.Config{MinVersion: tls.VersionTLS12, ServerName: c.ServerName}

	if c.CertFile != "" && c.KeyFile != "" {
		cert, err := loadKeyPair(c.CertFile, c.KeyFile)
		if err != nil {
			return nil, err
		}
		base.Certificates = []tls.Certificate{*cert}
	}

	if c.CAFile != "" {
		pool, err := newCertPool(c.CAFile)
		if err != nil {
			return nil, err
		}
		base.RootCAs = pool
	} else {
		base.InsecureSkipVerify = true
	}
	return base, nil
}
