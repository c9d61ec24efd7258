// Package x509backend verifies message signatures made with an RSA key whose
// certificate chains to a configured CA bundle and is absent from the
// configured CRL.
package x509backend

import (
	stdcrypto "crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"reflect"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jellydator/ttlcache/v3"
	"github.com/rs/zerolog"

	"github.com/example/busguard/internal/crypto"
	"github.com/example/busguard/internal/message"
)

// Name is the backend identifier used in crypto_validate_backends.
const Name = "x509"

const (
	defaultCertCacheSize = 1024
	defaultTrustTTL      = 5 * time.Minute
	maxExpirySeconds     = math.MaxInt64 / int64(time.Second)
)

type caBundle struct {
	pool  *x509.CertPool
	certs []*x509.Certificate
}

// Option customises the backend during construction.
type Option func(*options)

type options struct {
	now       func() time.Time
	trustTTL  time.Duration
	cacheSize int
}

// WithClock overrides the clock used for chain validation and staleness checks.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithTrustTTL overrides how long parsed CA bundles and CRLs are reused
// before the files are read again. A shorter configured expiry wins.
func WithTrustTTL(ttl time.Duration) Option {
	return func(o *options) {
		if ttl > 0 {
			o.trustTTL = ttl
		}
	}
}

// Backend implements crypto.Backend using X.509 certificates and RSA
// PKCS#1 v1.5 signatures over SHA-256.
type Backend struct {
	logger zerolog.Logger
	now    func() time.Time
	ttl    time.Duration

	certs *lru.Cache[string, *x509.Certificate]
	cas   *ttlcache.Cache[string, *caBundle]
	crls  *ttlcache.Cache[string, *x509.RevocationList]
}

var _ crypto.Backend = (*Backend)(nil)

// New constructs an X.509 backend.
func New(logger zerolog.Logger, opts ...Option) (*Backend, error) {
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}

	settings := &options{
		now:       time.Now,
		trustTTL:  defaultTrustTTL,
		cacheSize: defaultCertCacheSize,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(settings)
		}
	}

	certs, err := lru.New[string, *x509.Certificate](settings.cacheSize)
	if err != nil {
		return nil, fmt.Errorf("x509: certificate cache: %w", err)
	}

	return &Backend{
		logger: logger.With().Str("backend", Name).Logger(),
		now:    settings.now,
		certs:  certs,
		ttl:    settings.trustTTL,
		cas: ttlcache.New(
			ttlcache.WithTTL[string, *caBundle](settings.trustTTL),
			ttlcache.WithDisableTouchOnHit[string, *caBundle](),
		),
		crls: ttlcache.New(
			ttlcache.WithTTL[string, *x509.RevocationList](settings.trustTTL),
			ttlcache.WithDisableTouchOnHit[string, *x509.RevocationList](),
		),
	}, nil
}

// Name implements crypto.Backend.
func (b *Backend) Name() string {
	return Name
}

// Sign signs payload with <ssldir>/<certname>.key and attaches the base64
// signature and the base64 PEM of <ssldir>/<certname>.crt.
func (b *Backend) Sign(payload map[string]any, cfg crypto.Config) (map[string]any, error) {
	if cfg.SSLDir == "" || cfg.CertName == "" {
		return nil, errors.New("x509: ssldir and certname are required to sign")
	}

	key, err := loadPrivateKey(filepath.Join(cfg.SSLDir, cfg.CertName+".key"))
	if err != nil {
		return nil, err
	}
	certPEM, err := os.ReadFile(filepath.Join(cfg.SSLDir, cfg.CertName+".crt"))
	if err != nil {
		return nil, fmt.Errorf("x509: read certificate: %w", err)
	}

	data, err := crypto.Canonical(payload)
	if err != nil {
		return nil, err
	}
	digest := sha256.Sum256(data)
	sig, err := rsa.SignPKCS1v15(rand.Reader, key, stdcrypto.SHA256, digest[:])
	if err != nil {
		return nil, fmt.Errorf("x509: sign: %w", err)
	}

	signed := crypto.Unsigned(payload)
	signed[message.KeySignature] = base64.StdEncoding.EncodeToString(sig)
	signed[message.KeyCertificate] = base64.StdEncoding.EncodeToString(certPEM)
	return signed, nil
}

// Validate implements crypto.Backend.
func (b *Backend) Validate(payload map[string]any, cfg crypto.Config) error {
	sig, certPEM, err := signatureFields(payload)
	if err != nil {
		return crypto.WrapInvalid(err)
	}

	cert, err := b.certificate(certPEM)
	if err != nil {
		return crypto.WrapInvalid(err)
	}

	bundle, err := b.caBundle(cfg)
	if err != nil {
		return crypto.WrapInvalid(err)
	}

	_, err = cert.Verify(x509.VerifyOptions{
		Roots:       bundle.pool,
		CurrentTime: b.now(),
		KeyUsages:   []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	})
	if err != nil {
		return crypto.WrapInvalid(fmt.Errorf("verify certificate chain: %w", err))
	}

	if err := b.checkRevocation(cert, bundle, cfg); err != nil {
		return crypto.WrapInvalid(err)
	}

	topic, _ := payload[message.KeyTopic].(string)
	signer := cert.Subject.CommonName
	if !cfg.AuthorizedSigner(topic, signer) {
		return crypto.WrapInvalid(fmt.Errorf("signer %q is not authorized for topic %q", signer, topic))
	}

	pub, ok := cert.PublicKey.(*rsa.PublicKey)
	if !ok {
		return crypto.WrapInvalid(fmt.Errorf("unsupported public key type %T", cert.PublicKey))
	}

	data, err := crypto.Canonical(payload)
	if err != nil {
		return crypto.WrapInvalid(err)
	}
	digest := sha256.Sum256(data)
	if err := rsa.VerifyPKCS1v15(pub, stdcrypto.SHA256, digest[:], sig); err != nil {
		return crypto.WrapInvalid(fmt.Errorf("verify signature: %w", err))
	}

	return nil
}

func signatureFields(payload map[string]any) (sig, certPEM []byte, err error) {
	rawSig, ok := payload[message.KeySignature].(string)
	if !ok || rawSig == "" {
		return nil, nil, errors.New("payload has no signature")
	}
	rawCert, ok := payload[message.KeyCertificate].(string)
	if !ok || rawCert == "" {
		return nil, nil, errors.New("payload has no certificate")
	}

	sig, err = base64.StdEncoding.DecodeString(rawSig)
	if err != nil {
		return nil, nil, fmt.Errorf("decode signature: %w", err)
	}
	certPEM, err = base64.StdEncoding.DecodeString(rawCert)
	if err != nil {
		return nil, nil, fmt.Errorf("decode certificate: %w", err)
	}
	return sig, certPEM, nil
}

func (b *Backend) certificate(certPEM []byte) (*x509.Certificate, error) {
	sum := sha256.Sum256(certPEM)
	key := hex.EncodeToString(sum[:])
	if cert, ok := b.certs.Get(key); ok {
		return cert, nil
	}

	block, _ := pem.Decode(certPEM)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, errors.New("certificate is not a PEM CERTIFICATE block")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse certificate: %w", err)
	}

	b.certs.Add(key, cert)
	return cert, nil
}

func (b *Backend) caBundle(cfg crypto.Config) (*caBundle, error) {
	if cfg.CACertCache == "" {
		return nil, errors.New("ca_cert_cache is not configured")
	}
	if item := b.cas.Get(cfg.CACertCache); item != nil {
		return item.Value(), nil
	}

	raw, err := os.ReadFile(cfg.CACertCache)
	if err != nil {
		return nil, fmt.Errorf("read ca bundle: %w", err)
	}
	b.warnIfStale(cfg.CACertCache, cfg.CACertCacheExpiry)

	bundle := &caBundle{pool: x509.NewCertPool()}
	for block, rest := pem.Decode(raw); block != nil; block, rest = pem.Decode(rest) {
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse ca certificate: %w", err)
		}
		bundle.pool.AddCert(cert)
		bundle.certs = append(bundle.certs, cert)
	}
	if len(bundle.certs) == 0 {
		return nil, fmt.Errorf("ca bundle %s holds no certificates", cfg.CACertCache)
	}

	b.cas.Set(cfg.CACertCache, bundle, b.reuseFor(cfg.CACertCacheExpiry))
	return bundle, nil
}

// checkRevocation rejects certificates listed in the configured CRL. A CRL
// that is configured but cannot be read or verified fails the message.
func (b *Backend) checkRevocation(cert *x509.Certificate, bundle *caBundle, cfg crypto.Config) error {
	if cfg.CRLCache == "" {
		return nil
	}

	crl, err := b.revocationList(cfg, bundle)
	if err != nil {
		return err
	}
	for _, entry := range crl.RevokedCertificateEntries {
		if entry.SerialNumber != nil && entry.SerialNumber.Cmp(cert.SerialNumber) == 0 {
			return fmt.Errorf("certificate %s has been revoked", cert.SerialNumber)
		}
	}
	return nil
}

func (b *Backend) revocationList(cfg crypto.Config, bundle *caBundle) (*x509.RevocationList, error) {
	if item := b.crls.Get(cfg.CRLCache); item != nil {
		return item.Value(), nil
	}

	raw, err := os.ReadFile(cfg.CRLCache)
	if err != nil {
		return nil, fmt.Errorf("read crl: %w", err)
	}
	b.warnIfStale(cfg.CRLCache, cfg.CRLCacheExpiry)

	der := raw
	if block, _ := pem.Decode(raw); block != nil {
		der = block.Bytes
	}
	crl, err := x509.ParseRevocationList(der)
	if err != nil {
		return nil, fmt.Errorf("parse crl: %w", err)
	}

	var sigErr error
	trusted := false
	for _, ca := range bundle.certs {
		if sigErr = crl.CheckSignatureFrom(ca); sigErr == nil {
			trusted = true
			break
		}
	}
	if !trusted {
		return nil, fmt.Errorf("crl is not signed by a trusted ca: %w", sigErr)
	}

	b.crls.Set(cfg.CRLCache, crl, b.reuseFor(cfg.CRLCacheExpiry))
	return crl, nil
}

// reuseFor returns how long parsed trust material may be served from memory.
// Entries are never extended on read.
func (b *Backend) reuseFor(expiry int64) time.Duration {
	if expiry <= 0 {
		return b.ttl
	}
	if expiry > maxExpirySeconds {
		expiry = maxExpirySeconds
	}
	if d := time.Duration(expiry) * time.Second; d < b.ttl {
		return d
	}
	return b.ttl
}

// warnIfStale logs when a cached trust file is older than its configured
// expiry. Refreshing it is the job of whatever populates the cache.
func (b *Backend) warnIfStale(path string, expiry int64) {
	if expiry <= 0 {
		return
	}
	info, err := os.Stat(path)
	if err != nil {
		return
	}
	if expiry > maxExpirySeconds {
		expiry = maxExpirySeconds
	}
	deadline := info.ModTime().Add(time.Duration(expiry) * time.Second)
	if b.now().After(deadline) {
		b.logger.Warn().
			Str("path", path).
			Time("expired_at", deadline).
			Msg("x509: cached trust material is stale")
	}
}

func loadPrivateKey(path string) (*rsa.PrivateKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("x509: read private key: %w", err)
	}
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("x509: %s is not PEM encoded", path)
	}

	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("x509: parse private key: %w", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("x509: private key has type %T, want RSA", parsed)
	}
	return key, nil
}
