package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/richardliu001/bridge-wallet/internal/apperr"
	"github.com/richardliu001/bridge-wallet/internal/model"
	"github.com/richardliu001/bridge-wallet/internal/provider"
)

var (
	lemonadeIDPath    = []string{"lemonade", "transaction_id"}
	merchantReqPath   = []string{"mpesa", "merchantRequestId"}
	checkoutReqPath   = []string{"mpesa", "checkoutRequestId"}
	originatorConvID  = []string{"mpesa", "originatorConversationId"}
	conversationIDKey = []string{"mpesa", "conversationId"}
)

// ErrMalformed is returned for webhook bodies that cannot be understood.
var ErrMalformed = errors.New("reconcile: malformed callback body")

// ApplyResponse settles from a synchronous provider answer. It satisfies
// service.ResponseApplier.
func (h *Handler) ApplyResponse(ctx context.Context, reference string, resp provider.Response) error {
	_, err := h.Apply(ctx, Callback{
		Source:    "sync",
		Reference: reference,
		Status:    resp.TransactionStatus(),
		Reason:    responseMessage(resp),
		Merge:     mergeLemonade(resp.ProviderTransactionID(), resp.TransactionStatus()),
	})
	return err
}

// HandleLemonade applies an aggregator webhook. A body naming a transaction
// that is no longer pending is logged and accepted.
func (h *Handler) HandleLemonade(ctx context.Context, raw []byte) error {
	var body map[string]interface{}
	if err := json.Unmarshal(raw, &body); err != nil {
		return ErrMalformed
	}
	ref := firstNonEmpty(
		field(body, "data", "external_reference"),
		field(body, "external_reference"),
		field(body, "data", "reference"),
		field(body, "reference"),
	)
	providerID := firstNonEmpty(field(body, "data", "transaction_id"), field(body, "transaction_id"))
	status := firstNonEmpty(field(body, "data", "status"), field(body, "status"))
	if ref == "" && providerID == "" {
		return ErrMalformed
	}
	_, err := h.Apply(ctx, Callback{
		Source:    "lemonade",
		Reference: ref,
		Keys:      []MetaKey{{Value: providerID, Path: lemonadeIDPath}},
		Status:    status,
		Reason:    firstNonEmpty(field(body, "data", "message"), field(body, "message")),
		Merge:     mergeLemonade(providerID, status),
	})
	return swallowMismatch(err)
}

type stkCallback struct {
	Body struct {
		StkCallback struct {
			MerchantRequestID string              `json:"MerchantRequestID"`
			CheckoutRequestID string              `json:"CheckoutRequestID"`
			ResultCode        provider.FlexString `json:"ResultCode"`
			ResultDesc        string              `json:"ResultDesc"`
			CallbackMetadata  struct {
				Item []struct {
					Name  string      `json:"Name"`
					Value interface{} `json:"Value"`
				} `json:"Item"`
			} `json:"CallbackMetadata"`
		} `json:"stkCallback"`
	} `json:"Body"`
}

// HandleMpesaSTK applies an STK push callback. ResultCode 0 is success and
// anything else is a failure.
func (h *Handler) HandleMpesaSTK(ctx context.Context, raw []byte) error {
	var body stkCallback
	if err := json.Unmarshal(raw, &body); err != nil {
		return ErrMalformed
	}
	cb := body.Body.StkCallback
	if cb.MerchantRequestID == "" && cb.CheckoutRequestID == "" {
		return ErrMalformed
	}
	code, receipt := resultCode(cb.ResultCode), ""
	for _, it := range cb.CallbackMetadata.Item {
		if it.Name == "MpesaReceiptNumber" {
			receipt = stringOf(it.Value)
		}
	}
	_, err := h.Apply(ctx, Callback{
		Source: "mpesa_stk",
		Keys: []MetaKey{
			{Value: cb.MerchantRequestID, Path: merchantReqPath},
			{Value: cb.CheckoutRequestID, Path: checkoutReqPath},
		},
		Status: codeStatus(code),
		Reason: cb.ResultDesc,
		Merge: func(m *model.TxMetadata) {
			mm := mpesaMeta(m)
			mm.MerchantRequestID = firstNonEmpty(mm.MerchantRequestID, cb.MerchantRequestID)
			mm.CheckoutRequestID = firstNonEmpty(mm.CheckoutRequestID, cb.CheckoutRequestID)
			mm.ResultCode = &code
			mm.ResultDesc = cb.ResultDesc
			mm.ReceiptNumber = firstNonEmpty(receipt, mm.ReceiptNumber)
		},
	})
	return swallowMismatch(err)
}

type b2cResult struct {
	Result struct {
		ResultCode               provider.FlexString `json:"ResultCode"`
		ResultDesc               string              `json:"ResultDesc"`
		OriginatorConversationID string              `json:"OriginatorConversationID"`
		ConversationID           string              `json:"ConversationID"`
		TransactionID            string              `json:"TransactionID"`
	} `json:"Result"`
}

// HandleMpesaB2C applies a payout result. A failure reverses the withdrawal.
func (h *Handler) HandleMpesaB2C(ctx context.Context, raw []byte) error {
	var body b2cResult
	if err := json.Unmarshal(raw, &body); err != nil {
		return ErrMalformed
	}
	r := body.Result
	if r.OriginatorConversationID == "" && r.ConversationID == "" {
		return ErrMalformed
	}
	code := resultCode(r.ResultCode)
	_, err := h.Apply(ctx, Callback{
		Source: "mpesa_b2c",
		Keys: []MetaKey{
			{Value: r.OriginatorConversationID, Path: originatorConvID},
			{Value: r.ConversationID, Path: conversationIDKey},
		},
		Status: codeStatus(code),
		Reason: r.ResultDesc,
		Merge: func(m *model.TxMetadata) {
			mm := mpesaMeta(m)
			mm.OriginatorConversationID = firstNonEmpty(mm.OriginatorConversationID, r.OriginatorConversationID)
			mm.ConversationID = firstNonEmpty(r.ConversationID, mm.ConversationID)
			mm.ReceiptNumber = firstNonEmpty(r.TransactionID, mm.ReceiptNumber)
			mm.ResultCode = &code
			mm.ResultDesc = r.ResultDesc
		},
	})
	return swallowMismatch(err)
}

// HandleMpesaB2CTimeout records that the payout queue timed out. The
// outcome is still unknown, so nothing is reversed.
func (h *Handler) HandleMpesaB2CTimeout(ctx context.Context, raw []byte) error {
	var body b2cResult
	if err := json.Unmarshal(raw, &body); err != nil {
		return ErrMalformed
	}
	r := body.Result
	cb := Callback{Source: "mpesa_b2c_timeout", Keys: []MetaKey{
		{Value: r.OriginatorConversationID, Path: originatorConvID},
		{Value: r.ConversationID, Path: conversationIDKey},
	}}
	row, err := h.resolve(ctx, cb)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	if _, err := h.repo.MergeTransactionMeta(ctx, nil, row.ID, func(_ *model.Transaction, meta *model.TxMetadata) bool {
		mm := mpesaMeta(meta)
		mm.TimedOutAt = &now
		mm.ResultDesc = firstNonEmpty(r.ResultDesc, "queue timeout")
		return true
	}); err != nil {
		return err
	}
	h.log.Warnw("payout queue timeout", "reference", row.Reference, "status", row.Status)
	outcomes.WithLabelValues(cb.Source, "recorded").Inc()
	return nil
}

func swallowMismatch(err error) error {
	if errors.Is(err, apperr.ErrReconciliationMismatch) {
		return nil
	}
	return err
}

func mergeLemonade(providerID, status string) func(*model.TxMetadata) {
	return func(m *model.TxMetadata) {
		if providerID == "" && status == "" {
			return
		}
		if m.Lemonade == nil {
			m.Lemonade = &model.LemonadeMeta{}
		}
		m.Lemonade.TransactionID = firstNonEmpty(providerID, m.Lemonade.TransactionID)
		m.Lemonade.Status = firstNonEmpty(status, m.Lemonade.Status)
	}
}

func mpesaMeta(m *model.TxMetadata) *model.MpesaMeta {
	if m.Mpesa == nil {
		m.Mpesa = &model.MpesaMeta{}
	}
	return m.Mpesa
}

func responseMessage(r provider.Response) string {
	if r.Lemonade != nil && r.Lemonade.Message != "" {
		return r.Lemonade.Message
	}
	return field(r.Fields, "message")
}

func resultCode(f provider.FlexString) int {
	n, err := strconv.Atoi(f.String())
	if err != nil {
		return -1
	}
	return n
}

func codeStatus(code int) string {
	if code == 0 {
		return model.StatusSuccess
	}
	return model.StatusFailed
}

// field walks nested objects and renders the leaf as a string.
func field(m map[string]interface{}, path ...string) string {
	var cur interface{} = m
	for _, k := range path {
		obj, ok := cur.(map[string]interface{})
		if !ok {
			return ""
		}
		cur = obj[k]
	}
	return stringOf(cur)
}

func stringOf(v interface{}) string {
	switch x := v.(type) {
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case json.Number:
		return x.String()
	default:
		return ""
	}
}
