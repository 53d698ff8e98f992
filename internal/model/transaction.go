package model

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	TxDeposit       = "DEPOSIT"
	TxPayment       = "PAYMENT"
	TxWithdrawal    = "WITHDRAWAL"
	TxTransfer      = "TRANSFER"
	TxEscrowLock    = "ESCROW_LOCK"
	TxEscrowRelease = "ESCROW_RELEASE"
	TxEscrowRefund  = "ESCROW_REFUND"
	TxRefund        = "REFUND"
)

const (
	StatusPending = "PENDING"
	StatusSuccess = "SUCCESS"
	StatusFailed  = "FAILED"
)

const (
	PayerSender   = "SENDER"
	PayerReceiver = "RECEIVER"
)

// Transaction is the user-facing record of one money movement. It leaves
// PENDING at most once.
type Transaction struct {
	ID          string          `gorm:"primaryKey;size:36"`
	FromUserID  *string         `gorm:"size:64;index"`
	ToUserID    *string         `gorm:"size:64;index"`
	Amount      decimal.Decimal `gorm:"type:numeric(20,2);not null"`
	Fee         decimal.Decimal `gorm:"type:numeric(20,2);not null;default:0"`
	FeePayer    string          `gorm:"size:8;not null;default:'SENDER'"`
	Currency    string          `gorm:"size:3;not null;default:'KES'"`
	Type        string          `gorm:"size:32;not null;index"`
	Status      string          `gorm:"size:16;not null;index"`
	Reference   string          `gorm:"size:64;not null;uniqueIndex"`
	Description string          `gorm:"size:255"`
	RefundOfID  *string         `gorm:"size:36;uniqueIndex"`
	Metadata    datatypes.JSON
	CreatedAt   time.Time `gorm:"autoCreateTime;index"`
	UpdatedAt   time.Time `gorm:"autoUpdateTime"`
}

func (Transaction) TableName() string { return "transaction" }

func (t *Transaction) BeforeCreate(*gorm.DB) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	return nil
}

// Total is what the payer parted with: amount plus fee when the sender pays it.
func (t *Transaction) Total() decimal.Decimal {
	if t.FeePayer == PayerReceiver {
		return t.Amount
	}
	return t.Amount.Add(t.Fee)
}

// Net is what reaches the receiving side.
func (t *Transaction) Net() decimal.Decimal {
	if t.FeePayer == PayerReceiver {
		return t.Amount.Sub(t.Fee)
	}
	return t.Amount
}

// DecodeMeta decodes the metadata column; unknown keys land in Extra. Any
// path that writes metadata back must start from here.
func (t *Transaction) DecodeMeta() (TxMetadata, error) {
	var m TxMetadata
	if len(t.Metadata) == 0 {
		return m, nil
	}
	if err := json.Unmarshal(t.Metadata, &m); err != nil {
		return TxMetadata{}, fmt.Errorf("transaction %s metadata: %w", t.ID, err)
	}
	return m, nil
}

// Meta is DecodeMeta for display. Undecodable metadata reads as empty.
func (t *Transaction) Meta() TxMetadata {
	m, _ := t.DecodeMeta()
	return m
}

// SetMeta encodes m into the metadata column.
func (t *Transaction) SetMeta(m TxMetadata) error {
	b, err := json.Marshal(m)
	if err != nil {
		return err
	}
	t.Metadata = datatypes.JSON(b)
	return nil
}

// TxMetadata is the typed view of Transaction.Metadata. Provider-specific
// blocks are optional; unrecognised top-level keys are kept in Extra and
// written back at the top level.
type TxMetadata struct {
	Method        string                 `json:"method,omitempty"`
	Phone         string                 `json:"phone,omitempty"`
	ProjectID     string                 `json:"projectId,omitempty"`
	MilestoneID   string                 `json:"milestoneId,omitempty"`
	MerchantID    string                 `json:"merchantId,omitempty"`
	Bank          *BankDetails           `json:"bank,omitempty"`
	Lemonade      *LemonadeMeta          `json:"lemonade,omitempty"`
	Mpesa         *MpesaMeta             `json:"mpesa,omitempty"`
	Refund        *RefundMeta            `json:"refund,omitempty"`
	RefundedBy    string                 `json:"refundedBy,omitempty"`
	FailureReason string                 `json:"failureReason,omitempty"`
	Reversed      bool                   `json:"reversed,omitempty"`
	Extra         map[string]interface{} `json:"-"`
}

var knownMetaKeys = map[string]bool{
	"method": true, "phone": true, "projectId": true, "milestoneId": true,
	"merchantId": true, "bank": true, "lemonade": true, "mpesa": true,
	"refund": true, "refundedBy": true, "failureReason": true, "reversed": true,
}

func (m TxMetadata) MarshalJSON() ([]byte, error) {
	type plain TxMetadata
	b, err := json.Marshal(plain(m))
	if err != nil || len(m.Extra) == 0 {
		return b, err
	}
	out := map[string]json.RawMessage{}
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	for k, v := range m.Extra {
		if knownMetaKeys[k] {
			continue
		}
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		out[k] = raw
	}
	return json.Marshal(out)
}

func (m *TxMetadata) UnmarshalJSON(b []byte) error {
	type plain TxMetadata
	var p plain
	if err := json.Unmarshal(b, &p); err != nil {
		return err
	}
	var raw map[string]interface{}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	for k, v := range raw {
		if knownMetaKeys[k] {
			continue
		}
		if p.Extra == nil {
			p.Extra = map[string]interface{}{}
		}
		// rows written before extras were flattened nest them under "extra"
		if nested, ok := v.(map[string]interface{}); ok && k == "extra" {
			for nk, nv := range nested {
				if _, set := p.Extra[nk]; !set {
					p.Extra[nk] = nv
				}
			}
			continue
		}
		p.Extra[k] = v
	}
	*m = TxMetadata(p)
	return nil
}

type BankDetails struct {
	BankCode      string `json:"bankCode"`
	AccountNumber string `json:"accountNumber"`
	AccountName   string `json:"accountName,omitempty"`
}

// LemonadeMeta records the aggregator's identifiers for a transaction.
type LemonadeMeta struct {
	TransactionID string `json:"transaction_id,omitempty"`
	InternalID    string `json:"internal_id,omitempty"`
	Status        string `json:"status,omitempty"`
	RedirectURL   string `json:"redirect_url,omitempty"`
	Channel       string `json:"channel,omitempty"`
	Mode          string `json:"mode,omitempty"`
}

type MpesaMeta struct {
	MerchantRequestID        string     `json:"merchantRequestId,omitempty"`
	CheckoutRequestID        string     `json:"checkoutRequestId,omitempty"`
	ConversationID           string     `json:"conversationId,omitempty"`
	OriginatorConversationID string     `json:"originatorConversationId,omitempty"`
	ReceiptNumber            string     `json:"receiptNumber,omitempty"`
	ResultCode               *int       `json:"resultCode,omitempty"`
	ResultDesc               string     `json:"resultDesc,omitempty"`
	TimedOutAt               *time.Time `json:"timedOutAt,omitempty"`
}

type RefundMeta struct {
	OriginalTransactionID string `json:"originalTransactionId"`
	OriginalReference     string `json:"originalReference"`
	OriginalType          string `json:"originalType"`
	Reason                string `json:"refundReason"`
	InitiatedBy           string `json:"initiatedBy"`
	Partial               bool   `json:"partialRefund"`
}
