package providers

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/PayFox/app/models"
	"github.com/ManuelReschke/PayFox/internal/pkg/audit"
	"github.com/ManuelReschke/PayFox/internal/pkg/testdb"
)

func TestHealthMonitor_CheckOnceIsAudited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	reg, repos := newRegistry(t)
	p := testdb.MomoProvider(t, repos, func(p *models.Provider) {
		p.SandboxBaseURL = srv.URL
		p.HealthPath = "/ping"
	})
	trail := audit.NewTrail(repos.AuditLog)
	checkedAt := time.Date(2026, 10, 16, 8, 0, 0, 0, time.UTC)

	m := NewHealthMonitor(reg, &http.Client{Transport: &audit.Transport{Trail: trail}})
	m.cacheSet = func(string, interface{}, time.Duration) error { return nil }
	m.now = func() time.Time { return checkedAt }

	require.NoError(t, m.CheckOnce(context.Background()))

	entries, err := trail.ByCorrelationID(context.Background(), fmt.Sprintf("health:mtn:%d", checkedAt.Unix()))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "provider.health_check", entries[0].Action)
	assert.Equal(t, srv.URL+"/ping", entries[0].Endpoint)
	require.NotNil(t, entries[0].ProviderID)
	assert.Equal(t, p.ID, *entries[0].ProviderID)

	stored, err := repos.Provider.GetByID(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.HealthHealthy, stored.HealthStatus)
}
