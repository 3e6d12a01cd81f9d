// Package identity bootstraps and verifies the host's self-signed X.509
// identity and compares client certificates the only correct way: by
// running the X.509 verification path against a stored issuer, never by
// comparing PEM bytes. Grounded on the key-generation idiom in the
// teacher's pkg/crypto (which PEM-encodes generated Ed25519/RSA
// keypairs) generalized from SSH identities to the RSA/X.509 identity
// this host needs for GameStream-style pairing.
package identity

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"
)

// RSAKeyBits matches the key size real Moonlight/GameStream hosts use
// for their self-signed identity.
const RSAKeyBits = 2048

// Identity is a generated or loaded host/client identity.
type Identity struct {
	UUID    string
	CertPEM string
	KeyPEM  string
	Cert    *x509.Certificate
	Key     *rsa.PrivateKey
}

// Generate creates a fresh RSA-2048 key and a 20-year self-signed X.509
// certificate, matching load_or_default's contract in spec.md §4.1.
func Generate(commonName string) (*Identity, error) {
	key, err := rsa.GenerateKey(rand.Reader, RSAKeyBits)
	if err != nil {
		return nil, fmt.Errorf("generate RSA key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, big.NewInt(1<<62))
	if err != nil {
		return nil, fmt.Errorf("generate serial: %w", err)
	}

	id := uuid.New().String()

	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: commonName},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().AddDate(20, 0, 0),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		IsCA:                  true,
		BasicConstraintsValid: true,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("create self-signed certificate: %w", err)
	}

	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("parse generated certificate: %w", err)
	}

	return &Identity{
		UUID:    id,
		CertPEM: string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})),
		KeyPEM:  string(pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})),
		Cert:    cert,
		Key:     key,
	}, nil
}

// ParseCertificatePEM parses a single PEM-encoded certificate.
func ParseCertificatePEM(certPEM string) (*x509.Certificate, error) {
	block, _ := pem.Decode([]byte(certPEM))
	if block == nil {
		return nil, fmt.Errorf("no PEM block found in certificate")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse certificate: %w", err)
	}
	return cert, nil
}

// ParseKeyPEM parses a single PEM-encoded PKCS1 RSA private key.
func ParseKeyPEM(keyPEM string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(keyPEM))
	if block == nil {
		return nil, fmt.Errorf("no PEM block found in key")
	}
	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse RSA private key: %w", err)
	}
	return key, nil
}

// Equal reports whether candidate is the same identity as stored: not
// byte-equal PEM, but a successful X.509 verification of candidate
// using stored as its own (self-signed) issuer. This is the only
// correct notion of "this is the same paired client's certificate" per
// spec.md §9.
func Equal(stored, candidate *x509.Certificate) bool {
	if stored == nil || candidate == nil {
		return false
	}
	pool := x509.NewCertPool()
	pool.AddCert(stored)
	_, err := candidate.Verify(x509.VerifyOptions{
		Roots:     pool,
		KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	})
	return err == nil
}
