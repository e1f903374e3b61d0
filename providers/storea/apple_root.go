package storea

import (
	"crypto/x509"
	"encoding/asn1"
	"fmt"
)

// AppleRootCAG3PEM is the Apple Root CA - G3 certificate that anchors every
// App Store signed payload.
const AppleRootCAG3PEM = `-----BEGIN CERTIFICATE-----
MIICQzCCAcmgAwIBAgIILcX8iNLFS5UwCgYIKoZIzj0EAwMwZzEbMBkGA1UEAwwS
QXBwbGUgUm9vdCBDQSAtIEczMSYwJAYDVQQLDB1BcHBsZSBDZXJ0aWZpY2F0aW9u
IEF1dGhvcml0eTETMBEGA1UECgwKQXBwbGUgSW5jLjELMAkGA1UEBhMCVVMwHhcN
MTQwNDMwMTgxOTA2WhcNMzkwNDMwMTgxOTA2WjBnMRswGQYDVQQDDBJBcHBsZSBS
b290IENBIC0gRzMxJjAkBgNVBAsMHUFwcGxlIENlcnRpZmljYXRpb24gQXV0aG9y
aXR5MRMwEQYDVQQKDApBcHBsZSBJbmMuMQswCQYDVQQGEwJVUzB2MBAGByqGSM49
AgEGBSuBBAAiA2IABJjpLz1AcqTtkyJygRMc3RCV8cWjTnHcFBbZDuWmBSp3ZHtf
TjjTuxxEtX/1H7YyYl3J6YRbTzBPEVoA/VhYDKX1DyxNB0cTddqXl5dvMVztK517
IDvYuVTZXpmkOlEKMaNCMEAwHQYDVR0OBBYEFLuw3qFYM4iapIqZ3r6966/ayySr
MA8GA1UdEwEB/wQFMAMBAf8wDgYDVR0PAQH/BAQDAgEGMAoGCCqGSM49BAMDA2gA
MGUCMQCD6cHEFl4aXTQY2e3v9GwOAEZLuN+yRhHFD/3meoyhpmvOwgPUnPWTxnS4
at+qIxUCMG1mihDK1A3UT82NQz60imOlM27jbdoXt2QfyFMm+YhidDkLF1vLUagM
6BgD56KyKA==
-----END CERTIFICATE-----
`

// Marker extensions Apple places on the App Store receipt signing leaf and
// on the WWDR intermediate that issues it.
var (
	OIDReceiptSigningLeaf = asn1.ObjectIdentifier{1, 2, 840, 113635, 100, 6, 11, 1}
	OIDWWDRIntermediate   = asn1.ObjectIdentifier{1, 2, 840, 113635, 100, 6, 2, 1}
)

// AppleRootPool returns a pool holding only the Apple Root CA - G3.
func AppleRootPool() (*x509.CertPool, error) {
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM([]byte(AppleRootCAG3PEM)) {
		return nil, fmt.Errorf("providers/storea: parse apple root certificate")
	}
	return pool, nil
}

func hasExtension(cert *x509.Certificate, oid asn1.ObjectIdentifier) bool {
	if cert == nil {
		return false
	}
	for _, ext := range cert.Extensions {
		if ext.Id.Equal(oid) {
			return true
		}
	}
	return false
}

// checkAppleChain requires leaf, intermediate and root with Apple's marker
// extensions on the first two.
func checkAppleChain(chain []*x509.Certificate) error {
	if len(chain) < 3 {
		return fmt.Errorf("providers/storea: certificate chain too short: %d", len(chain))
	}
	if !hasExtension(chain[0], OIDReceiptSigningLeaf) {
		return fmt.Errorf("providers/storea: leaf certificate is not an app store signing certificate")
	}
	if !hasExtension(chain[1], OIDWWDRIntermediate) {
		return fmt.Errorf("providers/storea: intermediate certificate is not an apple wwdr certificate")
	}
	return nil
}
