package crypto

import "crypto/tls"

// ServerTLSConfig returns the control-plane TLS configuration for cert.
func ServerTLSConfig(cert *Certificate) *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{cert.TLS},
		MinVersion:   tls.VersionTLS12,
	}
}

// InsecureClientTLSConfig returns the configuration used by every outbound
// client. Peers present throwaway self-signed certificates and are never
// authenticated: the user accepting a transfer establishes identity, TLS
// only keeps the traffic away from passive listeners. Certificate
// verification is therefore disabled on purpose.
func InsecureClientTLSConfig() *tls.Config {
	return &tls.Config{
		InsecureSkipVerify: true, //nolint:gosec
		MinVersion:         tls.VersionTLS12,
	}
}
