package domain

import "github.com/shopspring/decimal"

// ============================================================
// Balance reservation and rail contracts
// ============================================================

// Reservation is the balance holder's answer to a reserve call.
type Reservation struct {
	Success       bool   `json:"success"`
	ReservationID string `json:"reservation_id,omitempty"`
	Message       string `json:"message,omitempty"`
}

// BifastTransferRequest is submitted to the BI-FAST network adapter.
type BifastTransferRequest struct {
	ReferenceNumber    string          `json:"reference_number"`
	Amount             decimal.Decimal `json:"amount"`
	Currency           string          `json:"currency"`
	BeneficiaryAccount string          `json:"beneficiary_account"`
	BeneficiaryBank    string          `json:"beneficiary_bank"`
	SenderAccount      string          `json:"sender_account"`
	PurposeCode        string          `json:"purpose_code"`
}

// RailAck is the synchronous acknowledgement of a rail submission.
type RailAck struct {
	ExternalReference string `json:"external_reference,omitempty"`
	Status            string `json:"status,omitempty"`
}

// QrisStatus is the immediate outcome reported by the QRIS network.
type QrisStatus string

const (
	QrisStatusSuccess QrisStatus = "SUCCESS"
	QrisStatusFailed  QrisStatus = "FAILED"
)

// QrisNetworkRequest is submitted to the QRIS network adapter.
type QrisNetworkRequest struct {
	QrisCode          string          `json:"qris_code"`
	Amount            decimal.Decimal `json:"amount"`
	Currency          string          `json:"currency"`
	MerchantName      string          `json:"merchant_name"`
	CustomerReference string          `json:"customer_reference"`
}

// QrisNetworkResponse is the QRIS network's synchronous answer.
type QrisNetworkResponse struct {
	Status  QrisStatus `json:"status"`
	Message string     `json:"message,omitempty"`
}
