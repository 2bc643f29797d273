package message

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// CorrelationKey is the key name under which every message exposes its
// correlation id.
const CorrelationKey = "correlationId"

var (
	ErrMissingCorrelationID = errors.New("missing correlation id")
	ErrUnknownType          = errors.New("unknown message type")
	ErrDecode               = errors.New("message decode failed")
)

// Message is a storable record. Keys must include CorrelationKey.
type Message interface {
	MessageType() string
	CorrelationID() string
	Keys() map[string]string
}

// Validate rejects messages that may not enter a store.
func Validate(msg Message) error {
	if msg == nil {
		return errors.New("nil message")
	}
	if strings.TrimSpace(msg.CorrelationID()) == "" {
		return fmt.Errorf("%s: %w", msg.MessageType(), ErrMissingCorrelationID)
	}
	return nil
}

// Base carries the identity fields shared by payment messages. They are
// denormalized into ledger columns and exposed as lookup keys.
type Base struct {
	Correlation    string `json:"correlation_id"`
	Gateway        string `json:"gateway,omitempty"`
	GatewayAccount string `json:"gateway_account,omitempty"`
	GatewayTxnID   string `json:"gateway_txn_id,omitempty"`
	OrderID        string `json:"order_id,omitempty"`
	Date           int64  `json:"date,omitempty"`
}

func (b Base) CorrelationID() string { return b.Correlation }

func (b Base) Identity() Base { return b }

func (b Base) Keys() map[string]string {
	keys := map[string]string{CorrelationKey: b.Correlation}
	if b.Gateway != "" {
		keys["gateway"] = b.Gateway
	}
	if b.OrderID != "" {
		keys["order_id"] = b.OrderID
	}
	if b.GatewayTxnID != "" {
		keys["gateway_txn_id"] = b.GatewayTxnID
	}
	return keys
}

// IdentityOf returns the identity fields of msg, falling back to its keys
// for messages that do not embed Base.
func IdentityOf(msg Message) Base {
	if msg == nil {
		return Base{}
	}
	if id, ok := msg.(interface{ Identity() Base }); ok {
		return id.Identity()
	}
	keys := msg.Keys()
	out := Base{
		Correlation:    msg.CorrelationID(),
		Gateway:        keys["gateway"],
		GatewayAccount: keys["gateway_account"],
		GatewayTxnID:   keys["gateway_txn_id"],
		OrderID:        keys["order_id"],
	}
	if d, err := strconv.ParseInt(keys["date"], 10, 64); err == nil {
		out.Date = d
	}
	return out
}

const (
	TypeTransaction = "transaction"
	TypePending     = "pending"
	TypePaymentInit = "payments-init"
	TypeFraud       = "payments-fraud"
	TypeDamaged     = "damaged"
	TypeGeneric     = "generic"
)

// Transaction is a completed gateway transaction handed to downstream
// processing.
type Transaction struct {
	Base
	Amount           string `json:"gross"`
	Currency         string `json:"currency"`
	PaymentMethod    string `json:"payment_method,omitempty"`
	PaymentSubmethod string `json:"payment_submethod,omitempty"`
	Email            string `json:"email,omitempty"`
}

func (Transaction) MessageType() string { return TypeTransaction }

// Pending is a transaction awaiting gateway confirmation. PendingID is set
// once the message has been stored in the pending ledger.
type Pending struct {
	Base
	PendingID     int64  `json:"pending_id,omitempty"`
	Amount        string `json:"gross"`
	Currency      string `json:"currency"`
	PaymentMethod string `json:"payment_method,omitempty"`
	RiskScore     string `json:"risk_score,omitempty"`
}

func (Pending) MessageType() string { return TypePending }

func (p Pending) LedgerID() int64 { return p.PendingID }

func (p *Pending) SetLedgerID(id int64) { p.PendingID = id }

const (
	FinalStatusComplete  = "COMPLETE"
	FinalStatusFailed    = "FAILED"
	FinalStatusCancelled = "CANCELLED"
	FinalStatusPending   = "PENDING"

	ValidationActionProcess = "process"
	ValidationActionReview  = "review"
	ValidationActionReject  = "reject"
)

// PaymentInit records the outcome of a payment attempt at initiation time.
type PaymentInit struct {
	Base
	FinalStatus      string `json:"payments_final_status"`
	ValidationAction string `json:"validation_action"`
	PaymentMethod    string `json:"payment_method,omitempty"`
	PaymentSubmethod string `json:"payment_submethod,omitempty"`
	Amount           string `json:"amount,omitempty"`
	Currency         string `json:"currency_code,omitempty"`
	Server           string `json:"server,omitempty"`
}

func (PaymentInit) MessageType() string { return TypePaymentInit }

// Fraud carries the fraud filter scores computed for a payment attempt.
type Fraud struct {
	Base
	ValidationAction string             `json:"validation_action"`
	UserIP           string             `json:"user_ip,omitempty"`
	RiskScore        float64            `json:"risk_score"`
	ScoreBreakdown   map[string]float64 `json:"score_breakdown,omitempty"`
	Server           string             `json:"server,omitempty"`
}

func (Fraud) MessageType() string { return TypeFraud }
