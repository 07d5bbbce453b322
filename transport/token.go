// Copyright (c) 2025 Stackify, LLC.
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/valyala/fastjson"

	"github.com/stackify/stackify-api-go/base"
	"github.com/stackify/stackify-api-go/types"
)

const (
	// expirySkew refreshes tokens slightly before their nominal expiry so
	// an upload never races the server-side clock.
	expirySkew = 30 * time.Second
	// defaultTokenLifetime applies when the endpoint reports no expiry and
	// the token carries no exp claim.
	defaultTokenLifetime = 15 * time.Minute
)

// AccessToken is a cached bearer credential.
type AccessToken struct {
	Token     string
	ExpiresAt time.Time
}

// Expired reports whether the token is past (or within skew of) its expiry.
func (t *AccessToken) Expired(now time.Time) bool {
	return !now.Add(expirySkew).Before(t.ExpiresAt)
}

// TokenStore caches one bearer credential per identity and re-authenticates
// only when the cached token is absent or expired.
type TokenStore struct {
	log        *base.LogObject
	authURL    string
	apiKey     string
	httpClient *http.Client
	timeout    time.Duration

	mu     sync.Mutex
	tokens map[types.AppIdentity]*AccessToken

	parserPool fastjson.ParserPool
	nowFunc    func() time.Time
}

func newTokenStore(log *base.LogObject, authURL, apiKey string,
	httpClient *http.Client, timeout time.Duration) *TokenStore {
	return &TokenStore{
		log:        log,
		authURL:    authURL,
		apiKey:     apiKey,
		httpClient: httpClient,
		timeout:    timeout,
		tokens:     make(map[types.AppIdentity]*AccessToken),
		nowFunc:    time.Now,
	}
}

// Get returns a valid token for identity, refreshing it from the auth
// endpoint if needed. The refresh runs under the store lock so concurrent
// callers for the same identity cannot stampede the endpoint.
func (s *TokenStore) Get(ctx context.Context, identity types.AppIdentity) (AccessToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.nowFunc()
	if cached, ok := s.tokens[identity]; ok && !cached.Expired(now) {
		return *cached, nil
	}

	token, err := s.authenticate(ctx, identity)
	if err != nil {
		return AccessToken{}, err
	}
	s.tokens[identity] = token
	s.log.Functionf("%s refreshed token for %s, expires %v", base.SelfLogMarker,
		identity.DisplayName(), token.ExpiresAt)
	return *token, nil
}

// Invalidate drops the cached token for identity, forcing the next Get to
// re-authenticate. Called when the server answers 401 to a bearer request.
func (s *TokenStore) Invalidate(identity types.AppIdentity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tokens, identity)
}

func (s *TokenStore) authenticate(ctx context.Context, identity types.AppIdentity) (*AccessToken, error) {
	reqBody, err := json.Marshal(struct {
		APIKey     string `json:"APIKey"`
		DeviceName string `json:"DeviceName"`
		AppName    string `json:"AppName"`
	}{
		APIKey:     s.apiKey,
		DeviceName: identity.DeviceName,
		AppName:    identity.ConfiguredAppName,
	})
	if err != nil {
		return nil, err
	}

	reqCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, s.authURL,
		bytes.NewReader(reqBody))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Stackify-Key", s.apiKey)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("token endpoint returned %d", resp.StatusCode)
	}
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxRespBytes))
	if err != nil {
		return nil, err
	}

	parser := s.parserPool.Get()
	defer s.parserPool.Put(parser)
	v, err := parser.ParseBytes(respBody)
	if err != nil {
		return nil, fmt.Errorf("parsing token response: %w", err)
	}
	tokenStr := string(v.GetStringBytes("access_token"))
	if tokenStr == "" {
		return nil, fmt.Errorf("token response carries no access_token")
	}

	now := s.nowFunc()
	expiresAt := now.Add(defaultTokenLifetime)
	if expiresIn := v.GetInt64("expires_in"); expiresIn > 0 {
		expiresAt = now.Add(time.Duration(expiresIn) * time.Second)
	} else if claimed := expiryFromClaims(tokenStr); !claimed.IsZero() {
		expiresAt = claimed
	}
	return &AccessToken{Token: tokenStr, ExpiresAt: expiresAt}, nil
}

// expiryFromClaims pulls the exp claim out of a JWT-shaped token without
// verifying the signature; verification is the server's job, we only need
// the refresh deadline.
func expiryFromClaims(token string) time.Time {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}
	}
	return exp.Time
}
