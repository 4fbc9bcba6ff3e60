package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/PayFox/app/models"
	"github.com/ManuelReschke/PayFox/internal/pkg/audit"
	"github.com/ManuelReschke/PayFox/internal/pkg/cache"
)

const (
	healthCacheTTL   = 2 * time.Minute
	slowProbeCeiling = 2 * time.Second
)

// ProviderHealth is the cached result of one probe.
type ProviderHealth struct {
	ProviderID uint                `json:"provider_id"`
	Code       string              `json:"code"`
	Status     models.HealthStatus `json:"status"`
	HTTPStatus int                 `json:"http_status"`
	LatencyMs  int64               `json:"latency_ms"`
	Details    string              `json:"details"`
	CheckedAt  time.Time           `json:"checked_at"`
}

func healthCacheKey(providerID uint) string {
	return fmt.Sprintf("provider_health:%d", providerID)
}

// HealthMonitor probes every active provider's health endpoint.
type HealthMonitor struct {
	registry *Registry
	client   *http.Client
	cacheSet func(key string, value interface{}, ttl time.Duration) error
	now      func() time.Time
}

func NewHealthMonitor(registry *Registry, client *http.Client) *HealthMonitor {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &HealthMonitor{
		registry: registry,
		client:   client,
		cacheSet: cache.Set,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// CheckOnce probes all active providers; a failing probe never stops the sweep.
func (m *HealthMonitor) CheckOnce(ctx context.Context) error {
	providers, err := m.registry.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("failed to load active providers: %w", err)
	}
	for i := range providers {
		p := &providers[i]
		h := m.probe(ctx, p)
		if err := m.registry.RecordHealth(ctx, p.ID, h.Status, h.Details, h.CheckedAt); err != nil {
			log.Errorf("[ProviderHealth] Failed to persist health for %s: %v", p.Code, err)
		}
		b, _ := json.Marshal(h)
		if err := m.cacheSet(healthCacheKey(p.ID), string(b), healthCacheTTL); err != nil {
			log.Warnf("[ProviderHealth] Cache set failed for %s: %v", p.Code, err)
		}
	}
	return nil
}

func (m *HealthMonitor) probe(ctx context.Context, p *models.Provider) ProviderHealth {
	h := ProviderHealth{ProviderID: p.ID, Code: p.Code, CheckedAt: m.now()}
	base := p.ActiveBaseURL()
	if base == "" {
		h.Status = models.HealthUnknown
		h.Details = "no base url configured"
		return h
	}

	ctx = audit.WithCorrelationID(ctx, fmt.Sprintf("health:%s:%d", p.Code, h.CheckedAt.Unix()))
	providerID := p.ID
	ctx = audit.WithSubject(ctx, audit.Subject{ProviderID: &providerID, Action: "provider.health_check"})
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+p.HealthPath, nil)
	if err != nil {
		h.Status = models.HealthDown
		h.Details = err.Error()
		return h
	}

	start := time.Now()
	resp, err := m.client.Do(req)
	h.LatencyMs = time.Since(start).Milliseconds()
	if err != nil {
		h.Status = models.HealthDown
		h.Details = err.Error()
		return h
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
	h.HTTPStatus = resp.StatusCode

	switch {
	case resp.StatusCode >= 500:
		h.Status = models.HealthDown
		h.Details = fmt.Sprintf("health endpoint returned %d", resp.StatusCode)
	case resp.StatusCode >= 300:
		// any response means reachable
		h.Status = models.HealthDegraded
		h.Details = fmt.Sprintf("health endpoint returned %d", resp.StatusCode)
	case time.Duration(h.LatencyMs)*time.Millisecond > slowProbeCeiling:
		h.Status = models.HealthDegraded
		h.Details = fmt.Sprintf("slow response (%dms)", h.LatencyMs)
	default:
		h.Status = models.HealthHealthy
		h.Details = "ok"
	}
	return h
}

// CachedHealth returns the last probe result from Redis.
func CachedHealth(providerID uint) (*ProviderHealth, error) {
	raw, err := cache.Get(healthCacheKey(providerID))
	if err != nil {
		return nil, err
	}
	var h ProviderHealth
	if err := json.Unmarshal([]byte(raw), &h); err != nil {
		return nil, err
	}
	return &h, nil
}
