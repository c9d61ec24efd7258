// Package testutil holds fixtures shared by package tests.
package testutil

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/example/busguard/internal/crypto"
)

var serials atomic.Int64

// PKI is a throwaway certificate authority laid out the way the X.509
// backend expects: <dir>/ca.crt, <dir>/crl.pem and <dir>/<name>.{crt,key}.
type PKI struct {
	Dir    string
	CACert *x509.Certificate
	CAKey  *rsa.PrivateKey

	revoked []x509.RevocationListEntry
}

// NewPKI creates a CA in a temporary directory with an empty CRL.
func NewPKI(t testing.TB) *PKI {
	t.Helper()

	dir := t.TempDir()
	key := newKey(t)
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(serials.Add(1)),
		Subject:               pkix.Name{CommonName: "Test Bus CA"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		SubjectKeyId:          []byte{1, 2, 3, 4},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create ca certificate: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("parse ca certificate: %v", err)
	}

	p := &PKI{Dir: dir, CACert: cert, CAKey: key}
	writePEM(t, filepath.Join(dir, "ca.crt"), "CERTIFICATE", der)
	p.writeCRL(t)
	return p
}

// Config returns backend settings that sign as certName and trust this CA.
func (p *PKI) Config(certName string) crypto.Config {
	return crypto.Config{
		ValidateSignatures: true,
		SSLDir:             p.Dir,
		CertName:           certName,
		CACertCache:        filepath.Join(p.Dir, "ca.crt"),
		CRLCache:           filepath.Join(p.Dir, "crl.pem"),
		Backends:           []string{"x509"},
		Policy:             crypto.PolicyAny,
	}
}

// Issue creates a leaf certificate and key for commonName under name.
func (p *PKI) Issue(t testing.TB, name, commonName string) *x509.Certificate {
	t.Helper()

	key := newKey(t)
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(serials.Add(1)),
		Subject:      pkix.Name{CommonName: commonName},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, p.CACert, &key.PublicKey, p.CAKey)
	if err != nil {
		t.Fatalf("create leaf certificate: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("parse leaf certificate: %v", err)
	}

	writePEM(t, filepath.Join(p.Dir, name+".crt"), "CERTIFICATE", der)
	writePEM(t, filepath.Join(p.Dir, name+".key"), "RSA PRIVATE KEY", x509.MarshalPKCS1PrivateKey(key))
	return cert
}

// Revoke adds cert to the CRL and rewrites crl.pem.
func (p *PKI) Revoke(t testing.TB, cert *x509.Certificate) {
	t.Helper()
	p.revoked = append(p.revoked, x509.RevocationListEntry{
		SerialNumber:   cert.SerialNumber,
		RevocationTime: time.Now().Add(-time.Minute),
	})
	p.writeCRL(t)
}

func (p *PKI) writeCRL(t testing.TB) {
	t.Helper()
	tmpl := &x509.RevocationList{
		Number:                    big.NewInt(serials.Add(1)),
		ThisUpdate:                time.Now().Add(-time.Hour),
		NextUpdate:                time.Now().Add(24 * time.Hour),
		RevokedCertificateEntries: p.revoked,
	}
	der, err := x509.CreateRevocationList(rand.Reader, tmpl, p.CACert, p.CAKey)
	if err != nil {
		t.Fatalf("create crl: %v", err)
	}
	writePEM(t, filepath.Join(p.Dir, "crl.pem"), "X509 CRL", der)
}

func newKey(t testing.TB) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate rsa key: %v", err)
	}
	return key
}

func writePEM(t testing.TB, path, blockType string, der []byte) {
	t.Helper()
	data := pem.EncodeToMemory(&pem.Block{Type: blockType, Bytes: der})
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}
