package storea

import (
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/go-jose/go-jose/v4"
)

// Transaction is the decoded signedTransactionInfo payload. Dates are unix
// milliseconds.
type Transaction struct {
	TransactionID         string `json:"transactionId"`
	OriginalTransactionID string `json:"originalTransactionId"`
	BundleID              string `json:"bundleId"`
	ProductID             string `json:"productId"`
	Type                  string `json:"type"`
	PurchaseDate          int64  `json:"purchaseDate"`
	ExpiresDate           int64  `json:"expiresDate"`
	RevocationDate        int64  `json:"revocationDate"`
	Quantity              int64  `json:"quantity"`
	Environment           string `json:"environment"`
	AppAccountToken       string `json:"appAccountToken"`
}

// Notification is the decoded signedPayload of a server notification.
type Notification struct {
	NotificationType string           `json:"notificationType"`
	Subtype          string           `json:"subtype"`
	NotificationUUID string           `json:"notificationUUID"`
	Data             NotificationData `json:"data"`
}

type NotificationData struct {
	BundleID              string `json:"bundleId"`
	Environment           string `json:"environment"`
	SignedTransactionInfo string `json:"signedTransactionInfo"`
	SignedRenewalInfo     string `json:"signedRenewalInfo"`
}

func (v *Verifier) DecodeSignedTransaction(signed string) (Transaction, error) {
	payload, err := v.verifyJWS(signed)
	if err != nil {
		return Transaction{}, err
	}
	var txn Transaction
	if err := json.Unmarshal(payload, &txn); err != nil {
		return Transaction{}, fmt.Errorf("providers/storea: decode transaction: %w", err)
	}
	return txn, nil
}

func (v *Verifier) DecodeNotification(signedPayload string) (Notification, error) {
	payload, err := v.verifyJWS(signedPayload)
	if err != nil {
		return Notification{}, err
	}
	var notification Notification
	if err := json.Unmarshal(payload, &notification); err != nil {
		return Notification{}, fmt.Errorf("providers/storea: decode notification: %w", err)
	}
	return notification, nil
}

// verifyJWS checks an ES256 compact JWS whose x5c chain ends at a trusted root
// and carries Apple's signing extensions.
func (v *Verifier) verifyJWS(token string) ([]byte, error) {
	if v == nil {
		return nil, fmt.Errorf("providers/storea: verifier is not configured")
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, fmt.Errorf("providers/storea: signed payload is required")
	}
	jws, err := jose.ParseSigned(token, []jose.SignatureAlgorithm{jose.ES256})
	if err != nil {
		return nil, fmt.Errorf("providers/storea: parse signed payload: %w", err)
	}
	if len(jws.Signatures) != 1 {
		return nil, fmt.Errorf("providers/storea: expected one signature, got %d", len(jws.Signatures))
	}

	chains, err := jws.Signatures[0].Header.Certificates(x509.VerifyOptions{
		Roots:       v.roots,
		CurrentTime: v.now(),
		KeyUsages:   []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	})
	if errors.Is(err, jose.ErrMissingX5cHeader) {
		return nil, fmt.Errorf("providers/storea: signed payload has no x5c chain")
	}
	if err != nil {
		return nil, fmt.Errorf("providers/storea: certificate chain: %w", err)
	}
	if len(chains) == 0 || len(chains[0]) == 0 {
		return nil, fmt.Errorf("providers/storea: empty certificate chain")
	}
	if err := checkAppleChain(chains[0]); err != nil {
		return nil, err
	}
	payload, err := jws.Verify(chains[0][0].PublicKey)
	if err != nil {
		return nil, fmt.Errorf("providers/storea: signature: %w", err)
	}
	return payload, nil
}
