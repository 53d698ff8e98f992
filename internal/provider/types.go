package provider

import (
	"bytes"
	"encoding/json"
	"strings"
)

// Action is a logical provider operation.
type Action string

const (
	ActionSTKPush           Action = "stk_push"
	ActionWalletPayment     Action = "wallet_payment"
	ActionCardPayment       Action = "card_payment"
	ActionMpesaTransfer     Action = "mpesa_transfer"
	ActionBankTransfer      Action = "pesalink_transfer"
	ActionTransactionStatus Action = "transaction_status"
	ActionRefund            Action = "refund"
)

var actionChannels = map[Action]string{
	ActionSTKPush:       "100001",
	ActionWalletPayment: "111111",
	ActionCardPayment:   "400001",
	ActionMpesaTransfer: "100002",
	ActionBankTransfer:  "100004",
}

// Channel returns the provider channel code for a, or "".
func Channel(a Action) string { return actionChannels[a] }

// Mode selects the rail.
type Mode string

const (
	ModeAuto   Mode = "auto"
	ModeRelay  Mode = "relay"
	ModeDirect Mode = "direct"
)

type Request struct {
	Action         Action
	Payload        map[string]interface{}
	Mode           Mode
	CorrelationID  string
	IdempotencyKey string
}

// Attempt records one HTTP exchange made while serving a Request.
type Attempt struct {
	Method string `json:"method"`
	URL    string `json:"url"`
	Status int    `json:"status"`
}

// Result is the outcome of Dispatcher.Call. Status 0 means no HTTP response
// was received.
type Result struct {
	OK        bool      `json:"ok"`
	Mode      Mode      `json:"mode"`
	Status    int       `json:"status"`
	Method    string    `json:"method,omitempty"`
	URL       string    `json:"url,omitempty"`
	Attempts  []Attempt `json:"attempts,omitempty"`
	RelayMiss bool      `json:"relayMiss,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Sent      bool      `json:"-"`
	Raw       []byte    `json:"-"`
	Response  Response  `json:"-"`
}

// Indeterminate reports a request that left the process without a usable
// answer; the provider may or may not have acted on it.
func (r *Result) Indeterminate() bool {
	return !r.OK && r.Sent && (r.Status == 0 || r.Status >= 500)
}

// Rejected reports a definitive failure: the provider refused the request
// or it never left the process.
func (r *Result) Rejected() bool {
	return !r.OK && !r.Indeterminate()
}

// Response is a decoded provider body. Lemonade is set when the body has the
// aggregator's envelope; Fields always carries the generic decoding.
type Response struct {
	Lemonade *LemonadeEnvelope
	Fields   map[string]interface{}
}

type LemonadeEnvelope struct {
	Status    string       `json:"status"`
	Message   string       `json:"message"`
	ErrorCode FlexString   `json:"error_code"`
	Data      LemonadeData `json:"data"`
}

type LemonadeData struct {
	TransactionID     FlexString `json:"transaction_id"`
	InternalID        FlexString `json:"internal_id"`
	Status            string     `json:"status"`
	Reference         string     `json:"reference"`
	ExternalReference string     `json:"external_reference"`
	RedirectURL       string     `json:"redirect_url"`
	Amount            FlexString `json:"amount"`
	Currency          string     `json:"currency"`
	Charges           FlexString `json:"charges"`
	GatewayReference  string     `json:"gateway_reference"`
}

// FlexString accepts JSON strings and numbers.
type FlexString string

func (f *FlexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		*f = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = FlexString(s)
		return nil
	}
	*f = FlexString(strings.Trim(string(b), `"`))
	return nil
}

func (f FlexString) String() string { return string(f) }

// DecodeResponse never fails; bodies that are not JSON objects yield an
// empty Response.
func DecodeResponse(raw []byte) Response {
	var r Response
	if len(bytes.TrimSpace(raw)) == 0 {
		return r
	}
	if err := json.Unmarshal(raw, &r.Fields); err != nil {
		return Response{}
	}
	_, hasData := r.Fields["data"].(map[string]interface{})
	_, hasTxn := r.Fields["transaction_id"]
	if !hasData && !hasTxn {
		return r
	}
	var env LemonadeEnvelope
	var err error
	if hasData {
		err = json.Unmarshal(raw, &env)
	} else {
		err = json.Unmarshal(raw, &env.Data)
		env.Status, _ = r.Fields["status"].(string)
	}
	if err != nil {
		return r
	}
	r.Lemonade = &env
	return r
}

// TransactionStatus is the provider-side status string, if any.
func (r Response) TransactionStatus() string {
	if r.Lemonade != nil && r.Lemonade.Data.Status != "" {
		return r.Lemonade.Data.Status
	}
	if s, ok := r.Fields["transaction_status"].(string); ok {
		return s
	}
	return ""
}

// Reference is our own reference as echoed back by the provider.
func (r Response) Reference() string {
	if r.Lemonade != nil {
		if r.Lemonade.Data.ExternalReference != "" {
			return r.Lemonade.Data.ExternalReference
		}
		if r.Lemonade.Data.Reference != "" {
			return r.Lemonade.Data.Reference
		}
	}
	for _, k := range []string{"external_reference", "reference"} {
		if s, ok := r.Fields[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

// ProviderTransactionID is the provider's own id for the transaction.
func (r Response) ProviderTransactionID() string {
	if r.Lemonade != nil {
		return r.Lemonade.Data.TransactionID.String()
	}
	return ""
}
