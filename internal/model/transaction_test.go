package model

import (
	"encoding/json"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTxMetadata_UnknownKeysKept(t *testing.T) {
	tx := Transaction{Metadata: []byte(`{"method":"MPESA","lemonade":{"transaction_id":"L1"},"channel_hint":"x","extra":{"a":1}}`)}
	m, err := tx.DecodeMeta()
	require.NoError(t, err)
	assert.Equal(t, "MPESA", m.Method)
	require.NotNil(t, m.Lemonade)
	assert.Equal(t, "L1", m.Lemonade.TransactionID)
	assert.Equal(t, "x", m.Extra["channel_hint"])
	assert.Equal(t, float64(1), m.Extra["a"])

	require.NoError(t, tx.SetMeta(m))
	var stored map[string]interface{}
	require.NoError(t, json.Unmarshal(tx.Metadata, &stored))
	assert.Equal(t, "x", stored["channel_hint"])
	assert.Equal(t, float64(1), stored["a"])
	assert.NotContains(t, stored, "extra")

	again, err := tx.DecodeMeta()
	require.NoError(t, err)
	assert.Equal(t, m.Extra, again.Extra)
}

func TestTxMetadata_ExtraNeverShadowsKnownKeys(t *testing.T) {
	var tx Transaction
	require.NoError(t, tx.SetMeta(TxMetadata{Method: "CARD", Extra: map[string]interface{}{"method": "MPESA", "hint": "y"}}))
	m, err := tx.DecodeMeta()
	require.NoError(t, err)
	assert.Equal(t, "CARD", m.Method)
	assert.Equal(t, "y", m.Extra["hint"])
}

func TestTxMetadata_CorruptColumn(t *testing.T) {
	tx := Transaction{ID: "t-1", Metadata: []byte(`{"method":`)}
	_, err := tx.DecodeMeta()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "t-1")
	assert.Equal(t, TxMetadata{}, tx.Meta())
}

func TestTxMetadata_RoundTripThroughColumn(t *testing.T) {
	var tx Transaction
	code := 0
	require.NoError(t, tx.SetMeta(TxMetadata{ProjectID: "p1", Mpesa: &MpesaMeta{ResultCode: &code}}))
	m := tx.Meta()
	assert.Equal(t, "p1", m.ProjectID)
	require.NotNil(t, m.Mpesa.ResultCode)
	assert.Equal(t, 0, *m.Mpesa.ResultCode)
	assert.Empty(t, m.Extra)
}

func TestTransaction_TotalAndNet(t *testing.T) {
	hundred, one := decimal.NewFromInt(100), decimal.NewFromInt(1)

	sender := Transaction{Amount: hundred, Fee: one, FeePayer: PayerSender}
	assert.Equal(t, "101", sender.Total().String())
	assert.Equal(t, "100", sender.Net().String())

	receiver := Transaction{Amount: hundred, Fee: one, FeePayer: PayerReceiver}
	assert.Equal(t, "100", receiver.Total().String())
	assert.Equal(t, "99", receiver.Net().String())
}
