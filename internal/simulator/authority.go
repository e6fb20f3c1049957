package simulator

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/meshworks/fleet-tls/internal/clock"
	"github.com/meshworks/fleet-tls/internal/pki"
)

var ErrPolicyViolation = errors.New("certificate policy violation")

const (
	authorityKeyBits   = 2048
	defaultMaxValidity = 90 * 24 * time.Hour
	caLifetime         = 10 * 365 * 24 * time.Hour
)

// AuthorityOptions tunes the simulated CA.
type AuthorityOptions struct {
	// IssueDelay is how long a certificate stays pending after a
	// signing request is accepted, to exercise the client's polling.
	IssueDelay time.Duration

	// MaxValidity caps the validity callers may request.
	MaxValidity time.Duration

	// DenyCommonNames lists CSR subjects the CA rejects outright.
	DenyCommonNames []string

	Clock clock.Clock
}

type issuedCertificate struct {
	certPEM  []byte
	chainPEM []byte
	notAfter time.Time
	readyAt  time.Time
}

// Authority is an in-memory certificate authority with asynchronous
// issuance semantics. Signing requests are validated and signed
// immediately but stay pending until IssueDelay has passed, and
// idempotency tokens map repeated requests onto the same handle.
type Authority struct {
	options AuthorityOptions
	clk     clock.Clock
	caCert  *x509.Certificate
	caKey   *rsa.PrivateKey

	mu      sync.Mutex
	issued  map[string]*issuedCertificate
	byToken map[string]string
	denied  map[string]bool
}

func NewAuthority(options AuthorityOptions) (*Authority, error) {
	if options.MaxValidity == 0 {
		options.MaxValidity = defaultMaxValidity
	}
	clk := options.Clock
	if clk == nil {
		clk = clock.Real()
	}

	caKey, err := rsa.GenerateKey(rand.Reader, authorityKeyBits)
	if err != nil {
		return nil, fmt.Errorf("failed to generate CA key: %w", err)
	}

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("failed to generate serial number: %w", err)
	}

	now := clk.Now()
	caTemplate := &x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			Organization: []string{"Backbone Fleet CA"},
			CommonName:   "Backbone Fleet Root CA",
		},
		NotBefore:             now,
		NotAfter:              now.Add(caLifetime),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLenZero:        true,
	}

	caCertBytes, err := x509.CreateCertificate(rand.Reader, caTemplate, caTemplate, &caKey.PublicKey, caKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create CA certificate: %w", err)
	}
	caCert, err := x509.ParseCertificate(caCertBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse CA certificate: %w", err)
	}

	denied := make(map[string]bool, len(options.DenyCommonNames))
	for _, cn := range options.DenyCommonNames {
		denied[cn] = true
	}

	return &Authority{
		options: options,
		clk:     clk,
		caCert:  caCert,
		caKey:   caKey,
		issued:  make(map[string]*issuedCertificate),
		byToken: make(map[string]string),
		denied:  denied,
	}, nil
}

// Issue validates and signs a CSR, returning a handle. The certificate
// is not fetchable until the issue delay elapses.
func (a *Authority) Issue(csrPEM []byte, validity time.Duration, idempotencyToken string) (string, error) {
	csr, err := pki.ParseCSRPEM(csrPEM)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrPolicyViolation, err)
	}
	if len(csr.DNSNames) == 0 {
		return "", fmt.Errorf("%w: CSR carries no DNS SANs", ErrPolicyViolation)
	}
	if a.denied[csr.Subject.CommonName] {
		return "", fmt.Errorf("%w: subject %q is not permitted", ErrPolicyViolation, csr.Subject.CommonName)
	}
	if validity <= 0 || validity > a.options.MaxValidity {
		return "", fmt.Errorf("%w: requested validity %s outside policy", ErrPolicyViolation, validity)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if handle, ok := a.byToken[idempotencyToken]; ok {
		slog.Debug("Reusing certificate for idempotency token", "handle", handle)
		return handle, nil
	}

	now := a.clk.Now()
	notAfter := now.Add(validity)
	if notAfter.After(a.caCert.NotAfter) {
		notAfter = a.caCert.NotAfter
	}

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return "", fmt.Errorf("failed to generate serial number: %w", err)
	}

	template := &x509.Certificate{
		SerialNumber:          serialNumber,
		Subject:               csr.Subject,
		NotBefore:             now,
		NotAfter:              notAfter,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		DNSNames:              csr.DNSNames,
		IPAddresses:           csr.IPAddresses,
	}

	certBytes, err := x509.CreateCertificate(rand.Reader, template, a.caCert, csr.PublicKey, a.caKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(certBytes)
	if err != nil {
		return "", fmt.Errorf("failed to parse signed certificate: %w", err)
	}

	handle := uuid.NewString()
	a.issued[handle] = &issuedCertificate{
		certPEM:  pki.CertToPEM(cert),
		chainPEM: pki.CertToPEM(a.caCert),
		notAfter: notAfter,
		readyAt:  now.Add(a.options.IssueDelay),
	}
	a.byToken[idempotencyToken] = handle

	slog.Info("Certificate signed", "handle", handle, "subject", csr.Subject.CommonName, "not_after", notAfter)
	return handle, nil
}

// Get returns the issued certificate for a handle. pending is true
// while the issue delay has not yet elapsed; found is false for
// handles the CA never produced.
func (a *Authority) Get(handle string) (certPEM, chainPEM []byte, notAfter time.Time, pending, found bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	rec, ok := a.issued[handle]
	if !ok {
		return nil, nil, time.Time{}, false, false
	}
	if a.clk.Now().Before(rec.readyAt) {
		return nil, nil, time.Time{}, true, true
	}
	return rec.certPEM, rec.chainPEM, rec.notAfter, false, true
}

// IssuedCount reports how many distinct certificates the CA has signed.
func (a *Authority) IssuedCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.issued)
}

// TrustBundlePEM returns the CA certificate in PEM form.
func (a *Authority) TrustBundlePEM() []byte {
	return pki.CertToPEM(a.caCert)
}
