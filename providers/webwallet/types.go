package webwallet

import "strings"

type Money struct {
	CurrencyCode string `json:"currency_code"`
	Value        string `json:"value"`
}

type Capture struct {
	ID       string `json:"id"`
	Status   string `json:"status"`
	Amount   Money  `json:"amount"`
	CustomID string `json:"custom_id,omitempty"`
}

type PurchaseUnit struct {
	ReferenceID string `json:"reference_id,omitempty"`
	CustomID    string `json:"custom_id,omitempty"`
	Amount      Money  `json:"amount"`
	Payments    struct {
		Captures []Capture `json:"captures"`
	} `json:"payments"`
}

type Order struct {
	ID            string         `json:"id"`
	Status        string         `json:"status"`
	PurchaseUnits []PurchaseUnit `json:"purchase_units"`
}

func (o Order) completedCapture() (Capture, bool) {
	for _, unit := range o.PurchaseUnits {
		for _, capture := range unit.Payments.Captures {
			if strings.EqualFold(capture.Status, statusCompleted) {
				return capture, true
			}
		}
	}
	return Capture{}, false
}

type Subscription struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	PlanID      string `json:"plan_id"`
	CustomID    string `json:"custom_id,omitempty"`
	BillingInfo struct {
		NextBillingTime string `json:"next_billing_time"`
		LastPayment     struct {
			Amount Money  `json:"amount"`
			Time   string `json:"time"`
		} `json:"last_payment"`
	} `json:"billing_info"`
}
