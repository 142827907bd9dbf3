package listener

import "fmt"

// CertificateMaterial is one client identity: certificate plus private key,
// both PEM. Exactly one pair is active at any time; the rotation bracket
// swaps the pair strictly between a completed disconnect and the next
// connect, so no reader ever observes a half-swapped identity.
type CertificateMaterial struct {
	CertificatePEM string
	PrivateKeyPEM  string
}

// validate rejects incomplete material before any side effect happens.
func (m CertificateMaterial) validate() error {
	if m.CertificatePEM == "" {
		return fmt.Errorf("%w: certificate PEM is empty", ErrInvalidMaterial)
	}
	if m.PrivateKeyPEM == "" {
		return fmt.Errorf("%w: private key PEM is empty", ErrInvalidMaterial)
	}
	return nil
}

func (m CertificateMaterial) empty() bool {
	return m.CertificatePEM == "" && m.PrivateKeyPEM == ""
}
