package momo

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/PayFox/app/models"
	"github.com/ManuelReschke/PayFox/internal/pkg/gateway"
	"github.com/ManuelReschke/PayFox/internal/pkg/providers"
)

type noCreds struct{}

func (noCreds) Credentials(*models.Provider) (providers.Credentials, error) {
	return providers.Credentials{APIKey: "key"}, nil
}

func newTestClient(t *testing.T, h http.Handler) (*Client, *models.Provider) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	p := &models.Provider{ID: 1, Code: "mtn", IsSandbox: true, SandboxBaseURL: srv.URL}
	return NewClient(gateway.NewClient(srv.Client(), nil, noCreds{})), p
}

func TestNormalizePhone(t *testing.T) {
	tests := map[string]string{
		"0971234567":       "260971234567",
		"+260 97 123 4567": "260971234567",
		"00260971234567":   "260971234567",
		"971234567":        "260971234567",
		"260-971-234-567":  "260971234567",
	}
	for in, want := range tests {
		assert.Equal(t, want, NormalizePhone(in), in)
	}
}

func TestParseRemoteStatus(t *testing.T) {
	assert.Equal(t, RemoteSuccessful, ParseRemoteStatus("SUCCESSFUL"))
	assert.Equal(t, RemoteFailed, ParseRemoteStatus("FAILED"))
	assert.Equal(t, RemotePending, ParseRemoteStatus("PENDING"))
	assert.Equal(t, RemotePending, ParseRemoteStatus(""))
}

func TestRequestToPay(t *testing.T) {
	var body map[string]interface{}
	var ref string
	c, p := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, requestToPayPath, r.URL.Path)
		ref = r.Header.Get("X-Reference-Id")
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.WriteHeader(http.StatusAccepted)
	}))

	tx := &models.MomoTransaction{
		ID: 3, TransactionNumber: "MOMO-202603-000001", CustomerPhone: "0971234567",
		Amount: decimal.NewFromInt(100), Currency: "ZMW",
	}
	res, err := c.RequestToPay(context.Background(), p, tx)
	require.NoError(t, err)
	assert.NotEmpty(t, res.Reference)
	assert.Equal(t, ref, res.Reference)
	assert.Equal(t, "100.00", body["amount"])
	assert.Equal(t, "MOMO-202603-000001", body["externalId"])
	assert.Equal(t, "260971234567", body["payer"].(map[string]interface{})["partyId"])

	// A resubmission reuses the stored reference so the provider can dedupe.
	tx.ProviderReference = res.Reference
	again, err := c.RequestToPay(context.Background(), p, tx)
	require.NoError(t, err)
	assert.Equal(t, res.Reference, again.Reference)
}

func TestStatus(t *testing.T) {
	c, p := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, requestToPayPath+"/ref-1", r.URL.Path)
		_, _ = w.Write([]byte(`{"status":"SUCCESSFUL","financialTransactionId":"FT-9"}`))
	}))

	res, err := c.Status(context.Background(), p, &models.MomoTransaction{ID: 1, ProviderReference: "ref-1"})
	require.NoError(t, err)
	assert.Equal(t, RemoteSuccessful, res.Status)
	assert.Equal(t, "FT-9", res.ProviderTransactionID)

	_, err = c.Status(context.Background(), p, &models.MomoTransaction{ID: 2})
	assert.Error(t, err)
}

func TestFetchStatement(t *testing.T) {
	from := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	c, p := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, from.Format(time.RFC3339), r.URL.Query().Get("from"))
		_, _ = w.Write([]byte(`{"transactions":[
			{"financialTransactionId":"FT-1","externalId":"MOMO-202603-000001","payer":{"partyId":"0971234567"},"amount":"100.00","currency":"ZMW","status":"SUCCESSFUL","timestamp":"2026-03-01T10:00:00Z"},
			{"financialTransactionId":"FT-2","payer":"260971111111","amount":50,"currency":"ZMW","status":"SUCCESSFUL"}
		]}`))
	}))

	entries, raw, err := c.FetchStatement(context.Background(), p, from, from.Add(24*time.Hour))
	require.NoError(t, err)
	assert.NotEmpty(t, raw)
	require.Len(t, entries, 2)
	assert.Equal(t, "FT-1", entries[0].ProviderTransactionID)
	assert.Equal(t, "260971234567", entries[0].Phone)
	assert.True(t, entries[0].Amount.Equal(decimal.NewFromInt(100)))
	assert.Equal(t, 10, entries[0].OccurredAt.Hour())
	assert.Equal(t, "260971111111", entries[1].Phone)
	assert.True(t, entries[1].Amount.Equal(decimal.NewFromInt(50)))
}
