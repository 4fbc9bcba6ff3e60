package audit_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/PayFox/app/models"
	"github.com/ManuelReschke/PayFox/internal/pkg/audit"
	"github.com/ManuelReschke/PayFox/internal/pkg/testdb"
)

func TestTrail_RecordRedactsAndIndexes(t *testing.T) {
	ctx := context.Background()
	repos := testdb.NewRepositories(t)
	trail := audit.NewTrail(repos.AuditLog)

	entityID := uint(12)
	_, err := trail.Record(ctx, audit.Entry{
		CorrelationID: "webhook:mtn:abc",
		EntityType:    "momo_transaction",
		EntityID:      &entityID,
		Action:        "webhook.ingest",
		Direction:     models.AuditDirectionInbound,
		Request: map[string]interface{}{
			"headers": map[string]interface{}{"Authorization": "Bearer live-token"},
			"amount":  "100.00",
		},
		Err: errors.New("signature mismatch"),
	})
	require.NoError(t, err)

	byCorr, err := trail.ByCorrelationID(ctx, "webhook:mtn:abc")
	require.NoError(t, err)
	require.Len(t, byCorr, 1)
	assert.Equal(t, "signature mismatch", byCorr[0].ErrorDetail)
	headers := byCorr[0].RequestSnapshot["headers"].(map[string]interface{})
	assert.NotContains(t, headers["Authorization"], "live-token")
	assert.Equal(t, "100.00", byCorr[0].RequestSnapshot["amount"])

	byEntity, err := trail.ByEntity(ctx, "momo_transaction", entityID)
	require.NoError(t, err)
	assert.Len(t, byEntity, 1)
}

func TestTrail_RecordRequiresCorrelationID(t *testing.T) {
	trail := audit.NewTrail(testdb.NewRepositories(t).AuditLog)
	_, err := trail.Record(context.Background(), audit.Entry{Action: "noop"})
	assert.Error(t, err)
}

func TestTransport_RecordsOutboundCall(t *testing.T) {
	var seenCorrelation string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenCorrelation = r.Header.Get(audit.HeaderCorrelationID)
		body, _ := io.ReadAll(r.Body)
		assert.JSONEq(t, `{"amount":"100.00","api_key":"k-123"}`, string(body))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"status":"PENDING","access_token":"should-not-persist"}`))
	}))
	defer srv.Close()

	repos := testdb.NewRepositories(t)
	trail := audit.NewTrail(repos.AuditLog)
	client := &http.Client{Transport: &audit.Transport{Trail: trail}}

	providerID := uint(4)
	ctx := audit.WithCorrelationID(context.Background(), "corr-42")
	ctx = audit.WithSubject(ctx, audit.Subject{ProviderID: &providerID, EntityType: "momo_transaction", Action: "momo.request_to_pay"})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, srv.URL+"/collection/v1_0/requesttopay",
		strings.NewReader(`{"amount":"100.00","api_key":"k-123"}`))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer secret")

	resp, err := client.Do(req)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Contains(t, string(body), "PENDING")
	assert.Equal(t, "corr-42", seenCorrelation)

	logs, err := trail.ByCorrelationID(context.Background(), "corr-42")
	require.NoError(t, err)
	require.Len(t, logs, 1)
	entry := logs[0]
	assert.Equal(t, "momo.request_to_pay", entry.Action)
	assert.Equal(t, models.AuditDirectionOutbound, entry.Direction)
	assert.Equal(t, http.StatusAccepted, entry.HTTPStatus)
	require.NotNil(t, entry.ProviderID)
	assert.Equal(t, providerID, *entry.ProviderID)

	reqBody := entry.RequestSnapshot["body"].(map[string]interface{})
	assert.NotEqual(t, "k-123", reqBody["api_key"])
	reqHeaders := entry.RequestSnapshot["headers"].(map[string]interface{})
	assert.NotEqual(t, "Bearer secret", reqHeaders["Authorization"])
	respBody := entry.ResponseSnapshot["body"].(map[string]interface{})
	assert.NotEqual(t, "should-not-persist", respBody["access_token"])
	assert.Equal(t, "PENDING", respBody["status"])
}

func TestTransport_RecordsNetworkError(t *testing.T) {
	repos := testdb.NewRepositories(t)
	trail := audit.NewTrail(repos.AuditLog)
	client := &http.Client{Transport: &audit.Transport{Trail: trail}}

	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	ctx := audit.WithCorrelationID(context.Background(), "corr-down")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url+"/health", nil)
	require.NoError(t, err)
	_, err = client.Do(req)
	require.Error(t, err)

	logs, err := trail.ByCorrelationID(context.Background(), "corr-down")
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.NotEmpty(t, logs[0].ErrorDetail)
	assert.Zero(t, logs[0].HTTPStatus)
}
