package crypto

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	certificatePEMType = "CERTIFICATE"
	privateKeyPEMType  = "PRIVATE KEY"

	// CertificateFileName and KeyFileName are the PEM files written into the
	// scratch directory.
	CertificateFileName = "cert.pem"
	KeyFileName         = "key.pem"

	// CommonName is the subject of every generated certificate.
	CommonName = "localhost"

	certificateLifetime = 365 * 24 * time.Hour
)

// ErrInvalidPEM is returned when a PEM file does not hold the expected block.
var ErrInvalidPEM = errors.New("crypto: invalid PEM data")

// Certificate is a self-signed certificate with its PEM encodings.
type Certificate struct {
	CertPEM []byte
	KeyPEM  []byte
	TLS     tls.Certificate
}

// Leaf returns the parsed X.509 certificate.
func (c *Certificate) Leaf() (*x509.Certificate, error) {
	if c.TLS.Leaf != nil {
		return c.TLS.Leaf, nil
	}
	if len(c.TLS.Certificate) == 0 {
		return nil, fmt.Errorf("parse certificate: %w", ErrInvalidPEM)
	}
	leaf, err := x509.ParseCertificate(c.TLS.Certificate[0])
	if err != nil {
		return nil, fmt.Errorf("parse certificate: %w", err)
	}
	return leaf, nil
}

// GenerateSelfSigned creates a fresh ECDSA P-256 certificate for "localhost".
func GenerateSelfSigned() (*Certificate, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate certificate key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("generate certificate serial: %w", err)
	}

	now := time.Now()
	template := x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName: CommonName,
		},
		DNSNames:    []string{CommonName},
		IPAddresses: []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback},
		NotBefore:   now.Add(-time.Minute),
		NotAfter:    now.Add(certificateLifetime),
		KeyUsage:    x509.KeyUsageDigitalSignature,
		ExtKeyUsage: []x509.ExtKeyUsage{
			x509.ExtKeyUsageServerAuth,
		},
		BasicConstraintsValid: true,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("create certificate: %w", err)
	}

	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("marshal certificate key: %w", err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: certificatePEMType, Bytes: certDER})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: privateKeyPEMType, Bytes: keyDER})

	return parseCertificate(certPEM, keyPEM)
}

// WriteCertificate saves the certificate and key as PEM files in dir. The key
// is written with 0600 permissions.
func WriteCertificate(dir string, cert *Certificate) (certPath, keyPath string, err error) {
	if cert == nil {
		return "", "", errors.New("crypto: nil certificate")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", "", fmt.Errorf("create certificate directory: %w", err)
	}

	certPath = filepath.Join(dir, CertificateFileName)
	keyPath = filepath.Join(dir, KeyFileName)

	if err := os.WriteFile(keyPath, cert.KeyPEM, 0o600); err != nil {
		return "", "", fmt.Errorf("write certificate key: %w", err)
	}
	if err := os.WriteFile(certPath, cert.CertPEM, 0o644); err != nil {
		return "", "", fmt.Errorf("write certificate: %w", err)
	}

	return certPath, keyPath, nil
}

// LoadCertificate reads a certificate and key previously saved by WriteCertificate.
func LoadCertificate(dir string) (*Certificate, error) {
	certPEM, err := os.ReadFile(filepath.Join(dir, CertificateFileName))
	if err != nil {
		return nil, fmt.Errorf("read certificate: %w", err)
	}
	keyPEM, err := os.ReadFile(filepath.Join(dir, KeyFileName))
	if err != nil {
		return nil, fmt.Errorf("read certificate key: %w", err)
	}

	return parseCertificate(certPEM, keyPEM)
}

// EnsureScratchCertificate loads the certificate stored in dir, generating and
// saving a new one when none exists yet. Callers pass a directory scoped to
// the current process so that restarts of the control server within one run
// keep the same identity.
func EnsureScratchCertificate(dir string) (*Certificate, error) {
	cert, err := LoadCertificate(dir)
	if err == nil {
		return cert, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	cert, err = GenerateSelfSigned()
	if err != nil {
		return nil, err
	}
	if _, _, err := WriteCertificate(dir, cert); err != nil {
		return nil, err
	}

	return cert, nil
}

// CertificateFingerprint returns the SHA-256 hex fingerprint of a DER certificate.
func CertificateFingerprint(der []byte) string {
	sum := sha256.Sum256(der)
	return hex.EncodeToString(sum[:])
}

// FormatFingerprint returns fingerprint text grouped in chunks of 4 uppercase chars.
func FormatFingerprint(fingerprint string) string {
	clean := strings.ToUpper(strings.ReplaceAll(fingerprint, " ", ""))
	if clean == "" {
		return ""
	}

	var b strings.Builder
	for i := 0; i < len(clean); i += 4 {
		if i > 0 {
			b.WriteByte(' ')
		}

		end := i + 4
		if end > len(clean) {
			end = len(clean)
		}
		b.WriteString(clean[i:end])
	}

	return b.String()
}

func parseCertificate(certPEM, keyPEM []byte) (*Certificate, error) {
	if block, _ := pem.Decode(certPEM); block == nil || block.Type != certificatePEMType {
		return nil, fmt.Errorf("decode certificate PEM: %w", ErrInvalidPEM)
	}
	if block, _ := pem.Decode(keyPEM); block == nil || block.Type != privateKeyPEMType {
		return nil, fmt.Errorf("decode certificate key PEM: %w", ErrInvalidPEM)
	}

	pair, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("load certificate pair: %w", err)
	}
	leaf, err := x509.ParseCertificate(pair.Certificate[0])
	if err != nil {
		return nil, fmt.Errorf("parse certificate: %w", err)
	}
	pair.Leaf = leaf

	return &Certificate{CertPEM: certPEM, KeyPEM: keyPEM, TLS: pair}, nil
}
