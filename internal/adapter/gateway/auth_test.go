package gateway

import (
	"errors"
	"net/http/httptest"
	"testing"

	"chatstream/internal/domain"
	"chatstream/internal/infra/config"
)

var testTokens = []config.TokenConfig{
	{Token: "secret-123", Name: "desktop", Roles: []string{"admin"}},
}

func TestStaticTokenAuthValid(t *testing.T) {
	auth := NewStaticTokenAuth(testTokens)

	info, err := auth.Authenticate("secret-123")
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if info.Name != "desktop" {
		t.Errorf("Name = %q", info.Name)
	}
	if len(info.Roles) != 1 || info.Roles[0] != "admin" {
		t.Errorf("Roles = %v", info.Roles)
	}
}

func TestStaticTokenAuthInvalid(t *testing.T) {
	auth := NewStaticTokenAuth(testTokens)

	_, err := auth.Authenticate("wrong-token")
	if !errors.Is(err, domain.ErrGatewayAuthFailed) {
		t.Errorf("err = %v, want ErrGatewayAuthFailed", err)
	}
	if code := domain.ErrorCodeOf(err); code != domain.CodeGatewayAuth {
		t.Errorf("code = %q", code)
	}
}

func TestStaticTokenAuthEmpty(t *testing.T) {
	auth := NewStaticTokenAuth(nil)

	if _, err := auth.Authenticate(""); err == nil {
		t.Fatal("expected error for empty token list")
	}
}

func TestNewAuthenticator(t *testing.T) {
	if _, ok := NewAuthenticator(config.AuthConfig{}).(OpenAuth); !ok {
		t.Error("no tokens should select OpenAuth")
	}
	if _, ok := NewAuthenticator(config.AuthConfig{Tokens: testTokens}).(*StaticTokenAuth); !ok {
		t.Error("configured tokens should select StaticTokenAuth")
	}
	if _, ok := NewAuthenticator(config.AuthConfig{Type: "static"}).(*StaticTokenAuth); !ok {
		t.Error("type static should select StaticTokenAuth even without tokens")
	}
}

func TestRequestToken(t *testing.T) {
	r := httptest.NewRequest("GET", "/ws?token=q", nil)
	r.Header.Set("Authorization", "Bearer h")
	if got := requestToken(r); got != "q" {
		t.Errorf("query token = %q, want q", got)
	}

	r = httptest.NewRequest("GET", "/ws", nil)
	r.Header.Set("Authorization", "Bearer h")
	if got := requestToken(r); got != "h" {
		t.Errorf("bearer token = %q, want h", got)
	}
}
