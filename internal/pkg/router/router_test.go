package router

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/PayFox/app/controllers"
	"github.com/ManuelReschke/PayFox/app/models"
	"github.com/ManuelReschke/PayFox/app/repository"
	"github.com/ManuelReschke/PayFox/internal/pkg/audit"
	"github.com/ManuelReschke/PayFox/internal/pkg/ledger"
	"github.com/ManuelReschke/PayFox/internal/pkg/middleware"
	"github.com/ManuelReschke/PayFox/internal/pkg/notify/notifytest"
	"github.com/ManuelReschke/PayFox/internal/pkg/providers"
	"github.com/ManuelReschke/PayFox/internal/pkg/reconciliation"
	"github.com/ManuelReschke/PayFox/internal/pkg/testdb"
	"github.com/ManuelReschke/PayFox/internal/pkg/webhook"
)

type noSubmit struct{}

func (noSubmit) SubmitTransaction(context.Context, uint) (*models.MomoTransaction, error) {
	return nil, ledger.ErrNotFound
}

func (noSubmit) SubmitInvoice(context.Context, uint, *uint) (*models.ZraSmartInvoice, error) {
	return nil, ledger.ErrNotFound
}

func newApp(t *testing.T) (*fiber.App, *repository.Repositories) {
	t.Helper()
	repos := testdb.NewRepositories(t)
	testdb.MomoProvider(t, repos)
	registry := providers.NewRegistry(repos, nil, 1, models.EnvironmentSandbox)
	l := ledger.NewService(repos, registry, &notifytest.Recorder{})
	trail := audit.NewTrail(repos.AuditLog)

	app := fiber.New()
	app.Use(middleware.CorrelationID)
	InstallRouter(app, Deps{
		Webhooks: controllers.NewWebhookController(webhook.NewIntake(repos, registry, l, trail)),
		Operator: controllers.NewOperatorController(controllers.OperatorDeps{
			Ledger:     l,
			Submitter:  noSubmit{},
			Trail:      trail,
			Reconciler: reconciliation.NewEngine(l, nil, nil),
		}),
		Operators: map[string]string{"ops": "s3cret"},
	})
	return app, repos
}

func send(t *testing.T, app *fiber.App, req *http.Request) *http.Response {
	t.Helper()
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestOperatorAPI_RequiresBasicAuth(t *testing.T) {
	app, _ := newApp(t)

	resp := send(t, app, httptest.NewRequest(http.MethodGet, "/api/v1/providers", nil))
	assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/providers", nil)
	req.SetBasicAuth("ops", "wrong")
	assert.Equal(t, fiber.StatusUnauthorized, send(t, app, req).StatusCode)

	req = httptest.NewRequest(http.MethodGet, "/api/v1/providers", nil)
	req.SetBasicAuth("ops", "s3cret")
	assert.Equal(t, fiber.StatusOK, send(t, app, req).StatusCode)
}

func TestWebhookEndpoint_IsPublicAndEchoesCorrelation(t *testing.T) {
	app, _ := newApp(t)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/mtn", strings.NewReader(`{"webhook_id":"evt-1","event_type":"payment.completed"}`))
	req.Header.Set("Content-Type", "application/json")
	resp := send(t, app, req)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get(audit.HeaderCorrelationID))
}

func TestWebhookEndpoint_BurstIsStoredAndAcknowledged(t *testing.T) {
	app, repos := newApp(t)

	for i := 0; i < 25; i++ {
		req := httptest.NewRequest(http.MethodPost, "/webhooks/mtn",
			strings.NewReader(fmt.Sprintf(`{"webhook_id":"evt-%d","event_type":"payment.completed"}`, i)))
		req.Header.Set("Content-Type", "application/json")
		assert.Equal(t, fiber.StatusOK, send(t, app, req).StatusCode, "delivery %d", i)
	}

	stored, err := repos.Webhook.List(context.Background(), "", 0, 100)
	require.NoError(t, err)
	assert.Len(t, stored, 25)
}

func TestCorrelationID_KeepsCallerValue(t *testing.T) {
	app, _ := newApp(t)

	req := httptest.NewRequest(http.MethodGet, "/api/", nil)
	req.Header.Set(audit.HeaderCorrelationID, "corr-123")
	resp := send(t, app, req)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, "corr-123", resp.Header.Get(audit.HeaderCorrelationID))
}
