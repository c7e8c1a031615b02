package gateway

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net"
	"time"

	"github.com/guseggert/agentbridge/config"
)

// ServerTLSConfig loads the configured key pair, or generates a self-signed one.
func ServerTLSConfig(c config.TLSConfig) (*tls.Config, error) {
	var (
		cert tls.Certificate
		err  error
	)
	if c.SelfSigned {
		cert, err = GenerateSelfSigned()
		if err != nil {
			return nil, fmt.Errorf("generating self-signed cert: %w", err)
		}
	} else {
		cert, err = tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("loading server key pair: %w", err)
		}
	}
	return &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{cert},
	}, nil
}

// SelfSignedCert is a certificate for localhost, valid for a week.
type SelfSignedCert struct {
	X509Cert     *x509.Certificate
	CertPEMBytes []byte
	KeyPEMBytes  []byte
}

// BuildSelfSigned creates a self-signed localhost certificate and returns it PEM-encoded.
func BuildSelfSigned() (*SelfSignedCert, error) {
	serialNumberLimit := new(big.Int).Lsh(big.NewInt(1), 128)
	serialNumber, err := rand.Int(rand.Reader, serialNumberLimit)
	if err != nil {
		return nil, fmt.Errorf("getting random serial number: %w", err)
	}
	c := x509.Certificate{
		SerialNumber:          serialNumber,
		Subject:               pkix.Name{CommonName: "localhost"},
		DNSNames:              []string{"localhost"},
		IPAddresses:           []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback},
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().AddDate(0, 0, 7),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		IsCA:                  true,
		BasicConstraintsValid: true,
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating key: %w", err)
	}
	certDER, err := x509.CreateCertificate(rand.Reader, &c, &c, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("creating cert: %w", err)
	}
	parsed, err := x509.ParseCertificate(certDER)
	if err != nil {
		return nil, fmt.Errorf("parsing cert: %w", err)
	}

	certPEMBytes := pem.EncodeToMemory(&pem.Block{
		Type:  "CERTIFICATE",
		Bytes: certDER,
	})
	if certPEMBytes == nil {
		return nil, errors.New("unable to encode certificate to PEM")
	}
	keyBytes, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("marshaling pkcs8: %w", err)
	}
	keyPEMBytes := pem.EncodeToMemory(&pem.Block{
		Type:  "PRIVATE KEY",
		Bytes: keyBytes,
	})
	if keyPEMBytes == nil {
		return nil, errors.New("unable to encode private key to PEM")
	}

	return &SelfSignedCert{
		X509Cert:     parsed,
		CertPEMBytes: certPEMBytes,
		KeyPEMBytes:  keyPEMBytes,
	}, nil
}

// GenerateSelfSigned is BuildSelfSigned as a tls.Certificate.
func GenerateSelfSigned() (tls.Certificate, error) {
	c, err := BuildSelfSigned()
	if err != nil {
		return tls.Certificate{}, err
	}
	cert, err := tls.X509KeyPair(c.CertPEMBytes, c.KeyPEMBytes)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("parsing key pair: %w", err)
	}
	return cert, nil
}
