package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ManuelReschke/PayFox/app/models"
	"github.com/ManuelReschke/PayFox/internal/pkg/audit"
	"github.com/ManuelReschke/PayFox/internal/pkg/providers"
)

// RefreshLeeway is how long before expiry a cached token is replaced.
const RefreshLeeway = 5 * time.Minute

const defaultTokenPath = "/token"

// Token is a bearer token with its absolute expiry.
type Token struct {
	AccessToken string    `json:"access_token"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Fresh is false from RefreshLeeway before expiry onward.
func (t Token) Fresh(now time.Time) bool {
	return t.AccessToken != "" && now.Add(RefreshLeeway).Before(t.ExpiresAt)
}

// TokenStore shares tokens between processes. Load returns nil on a miss.
type TokenStore interface {
	Load(ctx context.Context, key string) (*Token, error)
	Store(ctx context.Context, key string, t Token) error
	Delete(ctx context.Context, key string) error
}

// RedisTokenStore keeps tokens in Redis until they expire.
type RedisTokenStore struct {
	client *redis.Client
}

func NewRedisTokenStore(client *redis.Client) *RedisTokenStore {
	return &RedisTokenStore{client: client}
}

func (s *RedisTokenStore) key(k string) string { return "provider_token:" + k }

func (s *RedisTokenStore) Load(ctx context.Context, key string) (*Token, error) {
	raw, err := s.client.Get(ctx, s.key(key)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var t Token
	if err := json.Unmarshal([]byte(raw), &t); err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *RedisTokenStore) Store(ctx context.Context, key string, t Token) error {
	ttl := time.Until(t.ExpiresAt)
	if ttl <= 0 {
		return nil
	}
	b, err := json.Marshal(t)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, s.key(key), b, ttl).Err()
}

func (s *RedisTokenStore) Delete(ctx context.Context, key string) error {
	return s.client.Del(ctx, s.key(key)).Err()
}

// TokenManager obtains bearer tokens and refreshes them proactively.
type TokenManager struct {
	client *http.Client
	store  TokenStore
	now    func() time.Time

	mu    sync.Mutex
	local map[string]Token
}

// NewTokenManager builds a manager; store may be nil for in-process caching only.
func NewTokenManager(client *http.Client, store TokenStore) *TokenManager {
	return &TokenManager{
		client: client,
		store:  store,
		now:    time.Now,
		local:  make(map[string]Token),
	}
}

func tokenKey(p *models.Provider) string {
	return fmt.Sprintf("%d:%s", p.ID, p.Environment())
}

// Token returns a bearer token valid for at least RefreshLeeway.
func (m *TokenManager) Token(ctx context.Context, p *models.Provider, creds providers.Credentials) (string, error) {
	key := tokenKey(p)
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	if t, ok := m.local[key]; ok && t.Fresh(now) {
		return t.AccessToken, nil
	}
	if m.store != nil {
		if t, err := m.store.Load(ctx, key); err == nil && t != nil && t.Fresh(now) {
			m.local[key] = *t
			return t.AccessToken, nil
		}
	}

	t, err := m.fetch(ctx, p, creds)
	if err != nil {
		return "", err
	}
	m.local[key] = t
	if m.store != nil {
		_ = m.store.Store(ctx, key, t)
	}
	return t.AccessToken, nil
}

// Invalidate drops the cached token, e.g. after a 401.
func (m *TokenManager) Invalidate(ctx context.Context, p *models.Provider) {
	key := tokenKey(p)
	m.mu.Lock()
	delete(m.local, key)
	m.mu.Unlock()
	if m.store != nil {
		_ = m.store.Delete(ctx, key)
	}
}

type tokenResponse struct {
	AccessToken string      `json:"access_token"`
	ExpiresIn   json.Number `json:"expires_in"`
}

func (m *TokenManager) fetch(ctx context.Context, p *models.Provider, creds providers.Credentials) (Token, error) {
	path := p.TokenPath
	if path == "" {
		path = defaultTokenPath
	}
	providerID := p.ID
	ctx = audit.WithSubject(ctx, audit.Subject{ProviderID: &providerID, Action: "provider.token_refresh"})
	form := url.Values{"grant_type": {"client_credentials"}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.ActiveBaseURL()+path, strings.NewReader(form.Encode()))
	if err != nil {
		return Token{}, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	user := creds.ClientID
	if user == "" {
		user = creds.APIKey
	}
	req.SetBasicAuth(user, creds.APISecret)
	if creds.APIKey != "" {
		req.Header.Set("X-API-Key", creds.APIKey)
	}

	requestedAt := m.now()
	resp, err := m.client.Do(req)
	if err != nil {
		return Token{}, classifyTransportError(ctx, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return Token{}, &TransientError{StatusCode: resp.StatusCode, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body := map[string]interface{}{}
		_ = json.Unmarshal(raw, &body)
		return Token{}, classifyStatus(resp.StatusCode, body)
	}

	var tr tokenResponse
	if err := json.Unmarshal(raw, &tr); err != nil || tr.AccessToken == "" {
		return Token{}, &RejectedError{StatusCode: resp.StatusCode, Reason: "token endpoint returned no access_token"}
	}
	seconds, err := strconv.ParseInt(tr.ExpiresIn.String(), 10, 64)
	if err != nil || seconds <= 0 {
		seconds = 3600
	}
	return Token{
		AccessToken: tr.AccessToken,
		ExpiresAt:   requestedAt.Add(time.Duration(seconds) * time.Second),
	}, nil
}
