package pki

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"net"
)

const DefaultKeyBits = 4096

// GenerateKey creates the node's RSA key pair. Keys are generated in
// the provisioning step for exactly one node and travel only inside the
// install payload addressed to that node; they never touch the secret
// store or the certificate request.
func GenerateKey(bits int) (*rsa.PrivateKey, error) {
	if bits == 0 {
		bits = DefaultKeyBits
	}
	key, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, fmt.Errorf("failed to generate node key: %w", err)
	}
	return key, nil
}

// BuildCSR creates a PEM-encoded certificate signing request binding
// the certificate to exactly one node: the SANs carry the node's stable
// id, its internal DNS name and its private IP, so a compromised node
// cannot present a certificate for a sibling.
func BuildCSR(key *rsa.PrivateKey, nodeID, dnsName, address string) ([]byte, error) {
	if nodeID == "" {
		return nil, fmt.Errorf("node id is required")
	}

	dnsNames := []string{nodeID}
	if dnsName != "" && dnsName != nodeID {
		dnsNames = append(dnsNames, dnsName)
	}

	var ips []net.IP
	if ip := net.ParseIP(address); ip != nil {
		ips = append(ips, ip)
	}

	template := &x509.CertificateRequest{
		Subject: pkix.Name{
			Organization: []string{"Backbone Fleet"},
			CommonName:   nodeID,
		},
		DNSNames:    dnsNames,
		IPAddresses: ips,
	}

	csrBytes, err := x509.CreateCertificateRequest(rand.Reader, template, key)
	if err != nil {
		return nil, fmt.Errorf("failed to create certificate request: %w", err)
	}

	return csrToPEM(csrBytes), nil
}

// IdempotencyToken derives the deterministic token for one node within
// one fleet run, so a retried issuance request reuses the same
// certificate instead of minting a duplicate.
func IdempotencyToken(fleetRunID, nodeID string) string {
	sum := sha256.Sum256([]byte(fleetRunID + "/" + nodeID))
	return fmt.Sprintf("%x", sum)
}
