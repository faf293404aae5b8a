package credential

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/golang-jwt/jwt/v5"
)

func TestOAuthRefresherExchangesRefreshToken(test *testing.T) {
	test.Parallel()
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		if err := request.ParseForm(); err != nil {
			test.Errorf("parse form: %v", err)
		}
		if request.PostForm.Get("grant_type") != grantTypeRefreshToken {
			test.Errorf("unexpected grant type %q", request.PostForm.Get("grant_type"))
		}
		if request.PostForm.Get("refresh_token") != "ref-1" {
			test.Errorf("unexpected refresh token %q", request.PostForm.Get("refresh_token"))
		}
		writer.Header().Set("Content-Type", "application/json")
		_, _ = writer.Write([]byte(`{"access_token":"tok-2","refresh_token":"ref-2","expires_in":3600}`))
	}))
	defer server.Close()

	refresher := NewOAuthRefresher(PlatformX, server.URL, "client", "secret", server.Client(), func() int64 { return 1000 })
	token, err := refresher.Refresh(context.Background(), Credential{RefreshToken: "ref-1"})
	if err != nil {
		test.Fatalf("refresh: %v", err)
	}
	if token.AccessToken != "tok-2" || token.RefreshToken != "ref-2" {
		test.Fatalf("unexpected token: %+v", token)
	}
	if token.ExpiresAtUnixUTC != 4600 {
		test.Fatalf("expected expiry 4600, got %d", token.ExpiresAtUnixUTC)
	}
}

func TestOAuthRefresherWithoutRefreshTokenFailsClosed(test *testing.T) {
	test.Parallel()
	refresher := NewOAuthRefresher(PlatformLinkedIn, "http://unused.invalid", "client", "secret", nil, nil)
	_, err := refresher.Refresh(context.Background(), Credential{})
	if !errors.Is(err, ErrRefreshDenied) {
		test.Fatalf("expected ErrRefreshDenied, got %v", err)
	}
}

func TestOAuthRefresherDeniedByPlatform(test *testing.T) {
	test.Parallel()
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		writer.WriteHeader(http.StatusUnauthorized)
		_, _ = writer.Write([]byte(`{"error":"invalid_grant"}`))
	}))
	defer server.Close()

	refresher := NewOAuthRefresher(PlatformX, server.URL, "client", "secret", server.Client(), nil)
	_, err := refresher.Refresh(context.Background(), Credential{RefreshToken: "ref-revoked"})
	if !errors.Is(err, ErrRefreshDenied) {
		test.Fatalf("expected ErrRefreshDenied, got %v", err)
	}
}

func TestExchangeRefresherTradesAccessToken(test *testing.T) {
	test.Parallel()
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		if err := request.ParseForm(); err != nil {
			test.Errorf("parse form: %v", err)
		}
		if request.PostForm.Get("grant_type") != grantTypeFBExchange {
			test.Errorf("unexpected grant type %q", request.PostForm.Get("grant_type"))
		}
		if request.PostForm.Get("fb_exchange_token") != "tok-short" {
			test.Errorf("unexpected exchange token %q", request.PostForm.Get("fb_exchange_token"))
		}
		writer.Header().Set("Content-Type", "application/json")
		_, _ = writer.Write([]byte(`{"access_token":"tok-long","expires_in":5184000}`))
	}))
	defer server.Close()

	refresher := NewExchangeRefresher(PlatformFacebook, server.URL, "client", "secret", server.Client(), func() int64 { return 0 })
	token, err := refresher.Refresh(context.Background(), Credential{AccessToken: "tok-short"})
	if err != nil {
		test.Fatalf("refresh: %v", err)
	}
	if token.AccessToken != "tok-long" || token.RefreshToken != "" {
		test.Fatalf("unexpected token: %+v", token)
	}
}

func TestServiceAccountAppGrantSignsAssertion(test *testing.T) {
	test.Parallel()
	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		test.Fatalf("generate key: %v", err)
	}
	var endpoint string
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		if err := request.ParseForm(); err != nil {
			test.Errorf("parse form: %v", err)
		}
		if request.PostForm.Get("grant_type") != grantTypeJWTBearer {
			test.Errorf("unexpected grant type %q", request.PostForm.Get("grant_type"))
		}
		assertion := request.PostForm.Get("assertion")
		parsed, err := jwt.Parse(assertion, func(token *jwt.Token) (interface{}, error) {
			return &privateKey.PublicKey, nil
		}, jwt.WithValidMethods([]string{"RS256"}), jwt.WithoutClaimsValidation())
		if err != nil {
			test.Errorf("assertion does not verify: %v", err)
		}
		claims := parsed.Claims.(jwt.MapClaims)
		if claims["iss"] != "robot@product.example" {
			test.Errorf("unexpected issuer %v", claims["iss"])
		}
		if claims["aud"] != endpoint {
			test.Errorf("unexpected audience %v", claims["aud"])
		}
		writer.Header().Set("Content-Type", "application/json")
		_, _ = writer.Write([]byte(`{"access_token":"app-tok","expires_in":3600}`))
	}))
	defer server.Close()
	endpoint = server.URL

	refresher := NewServiceAccountRefresher(server.URL, "client", "secret", "robot@product.example", "upload", privateKey, server.Client(), func() int64 { return 5000 })
	token, err := refresher.AppGrant(context.Background())
	if err != nil {
		test.Fatalf("app grant: %v", err)
	}
	if token.AccessToken != "app-tok" || token.ExpiresAtUnixUTC != 8600 {
		test.Fatalf("unexpected token: %+v", token)
	}
}

func TestServiceAccountAppGrantWithoutKeyFails(test *testing.T) {
	test.Parallel()
	refresher := NewServiceAccountRefresher("http://unused.invalid", "client", "secret", "", "", nil, nil, nil)
	_, err := refresher.AppGrant(context.Background())
	if !errors.Is(err, ErrRefreshDenied) {
		test.Fatalf("expected ErrRefreshDenied, got %v", err)
	}
}
