package credential

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	grantTypeRefreshToken = "refresh_token"
	grantTypeFBExchange   = "fb_exchange_token"
	grantTypeJWTBearer    = "urn:ietf:params:oauth:grant-type:jwt-bearer"

	maxTokenResponseBytes = 1 << 20
)

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
}

// OAuthRefresher implements the standard OAuth2 refresh-token grant used by
// x, linkedin, and youtube. Platforms that rotate refresh tokens return the
// replacement in the response and it is carried forward by the service.
type OAuthRefresher struct {
	platform     Platform
	endpoint     string
	clientID     string
	clientSecret string
	httpClient   *http.Client
	nowFn        func() int64
}

// NewOAuthRefresher wires a refresh-token grant client for one platform.
func NewOAuthRefresher(platform Platform, endpoint string, clientID string, clientSecret string, httpClient *http.Client, now func() int64) *OAuthRefresher {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if now == nil {
		now = func() int64 { return time.Now().UTC().Unix() }
	}
	return &OAuthRefresher{
		platform:     platform,
		endpoint:     endpoint,
		clientID:     clientID,
		clientSecret: clientSecret,
		httpClient:   httpClient,
		nowFn:        now,
	}
}

// Platform returns the platform this refresher serves.
func (refresher *OAuthRefresher) Platform() Platform {
	return refresher.platform
}

// Refresh exchanges the stored refresh token for a new access token.
func (refresher *OAuthRefresher) Refresh(ctx context.Context, current Credential) (RefreshedToken, error) {
	if current.RefreshToken == "" {
		return RefreshedToken{}, fmt.Errorf("%w: no refresh token on record", ErrRefreshDenied)
	}
	form := url.Values{
		"grant_type":    {grantTypeRefreshToken},
		"refresh_token": {current.RefreshToken},
		"client_id":     {refresher.clientID},
		"client_secret": {refresher.clientSecret},
	}
	return postTokenForm(ctx, refresher.httpClient, refresher.endpoint, form, refresher.nowFn)
}

// ExchangeRefresher implements the facebook/instagram long-lived token
// exchange. There is no refresh token; the current access token itself is
// traded for an extended one, which only works while it is still alive.
type ExchangeRefresher struct {
	platform     Platform
	endpoint     string
	clientID     string
	clientSecret string
	httpClient   *http.Client
	nowFn        func() int64
}

// NewExchangeRefresher wires a token-exchange client for one platform.
func NewExchangeRefresher(platform Platform, endpoint string, clientID string, clientSecret string, httpClient *http.Client, now func() int64) *ExchangeRefresher {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if now == nil {
		now = func() int64 { return time.Now().UTC().Unix() }
	}
	return &ExchangeRefresher{
		platform:     platform,
		endpoint:     endpoint,
		clientID:     clientID,
		clientSecret: clientSecret,
		httpClient:   httpClient,
		nowFn:        now,
	}
}

// Platform returns the platform this refresher serves.
func (refresher *ExchangeRefresher) Platform() Platform {
	return refresher.platform
}

// Refresh trades the current access token for a fresh long-lived one.
func (refresher *ExchangeRefresher) Refresh(ctx context.Context, current Credential) (RefreshedToken, error) {
	if current.AccessToken == "" {
		return RefreshedToken{}, fmt.Errorf("%w: no access token to exchange", ErrRefreshDenied)
	}
	form := url.Values{
		"grant_type":        {grantTypeFBExchange},
		"fb_exchange_token": {current.AccessToken},
		"client_id":         {refresher.clientID},
		"client_secret":     {refresher.clientSecret},
	}
	return postTokenForm(ctx, refresher.httpClient, refresher.endpoint, form, refresher.nowFn)
}

// ServiceAccountRefresher serves youtube: the user-bound token refreshes via
// the normal refresh-token grant, and when that credential is gone for good
// the platform still accepts uploads from the product's service account via a
// signed JWT-bearer assertion.
type ServiceAccountRefresher struct {
	*OAuthRefresher
	issuer     string
	scope      string
	privateKey *rsa.PrivateKey
}

// NewServiceAccountRefresher wires the youtube refresher with its app-level
// fallback grant.
func NewServiceAccountRefresher(endpoint string, clientID string, clientSecret string, issuer string, scope string, privateKey *rsa.PrivateKey, httpClient *http.Client, now func() int64) *ServiceAccountRefresher {
	return &ServiceAccountRefresher{
		OAuthRefresher: NewOAuthRefresher(PlatformYouTube, endpoint, clientID, clientSecret, httpClient, now),
		issuer:         issuer,
		scope:          scope,
		privateKey:     privateKey,
	}
}

// AppGrant signs a service-account assertion and trades it for an app-level
// access token.
func (refresher *ServiceAccountRefresher) AppGrant(ctx context.Context) (RefreshedToken, error) {
	if refresher.privateKey == nil || refresher.issuer == "" {
		return RefreshedToken{}, fmt.Errorf("%w: service account not configured", ErrRefreshDenied)
	}
	nowUnixUTC := refresher.nowFn()
	claims := jwt.MapClaims{
		"iss":   refresher.issuer,
		"scope": refresher.scope,
		"aud":   refresher.endpoint,
		"iat":   nowUnixUTC,
		"exp":   nowUnixUTC + int64(time.Hour/time.Second),
	}
	assertion, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(refresher.privateKey)
	if err != nil {
		return RefreshedToken{}, fmt.Errorf("sign assertion: %w", err)
	}
	form := url.Values{
		"grant_type": {grantTypeJWTBearer},
		"assertion":  {assertion},
	}
	return postTokenForm(ctx, refresher.httpClient, refresher.endpoint, form, refresher.nowFn)
}

func postTokenForm(ctx context.Context, httpClient *http.Client, endpoint string, form url.Values, now func() int64) (RefreshedToken, error) {
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return RefreshedToken{}, err
	}
	request.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	response, err := httpClient.Do(request)
	if err != nil {
		return RefreshedToken{}, fmt.Errorf("token endpoint: %w", err)
	}
	defer func() { _ = response.Body.Close() }()
	body, err := io.ReadAll(io.LimitReader(response.Body, maxTokenResponseBytes))
	if err != nil {
		return RefreshedToken{}, fmt.Errorf("token endpoint read: %w", err)
	}
	if response.StatusCode == http.StatusBadRequest || response.StatusCode == http.StatusUnauthorized || response.StatusCode == http.StatusForbidden {
		return RefreshedToken{}, fmt.Errorf("%w: status %d: %s", ErrRefreshDenied, response.StatusCode, truncate(body, 200))
	}
	if response.StatusCode != http.StatusOK {
		return RefreshedToken{}, fmt.Errorf("token endpoint status %d", response.StatusCode)
	}
	var parsed tokenResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return RefreshedToken{}, fmt.Errorf("token endpoint decode: %w", err)
	}
	if parsed.AccessToken == "" {
		return RefreshedToken{}, fmt.Errorf("%w: empty access token in response", ErrRefreshDenied)
	}
	token := RefreshedToken{
		AccessToken:  parsed.AccessToken,
		RefreshToken: parsed.RefreshToken,
	}
	if parsed.ExpiresIn > 0 {
		token.ExpiresAtUnixUTC = now() + parsed.ExpiresIn
	}
	return token, nil
}

func truncate(body []byte, limit int) string {
	if len(body) <= limit {
		return string(body)
	}
	return string(body[:limit]) + "..."
}
