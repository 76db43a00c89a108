// Package auth resolves subscription-style OAuth credentials (Claude Pro/Max,
// ChatGPT/Codex) for providers that support logging in instead of an API key.
// Credentials are cached on disk as refreshed oauth2 tokens.
package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/oauth2"
)

// Credential is a resolved, possibly-refreshed OAuth credential for a named
// provider ("anthropic", "openai").
type Credential struct {
	AccessToken string
	AccountID   string
	ExpiresAt   time.Time
}

type storedToken struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	AccountID    string    `json:"account_id"`
	Expiry       time.Time `json:"expiry"`
}

func credentialPath(provider string) (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".picoclaw", "auth", provider+".json"), nil
}

// GetCredential loads a cached OAuth credential for provider. It returns
// (nil, nil) when no credential file exists — callers treat that as "fall
// back to API-key auth", not as an error.
func GetCredential(provider string) (*Credential, error) {
	path, err := credentialPath(provider)
	if err != nil {
		return nil, nil
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read credential file: %w", err)
	}

	var tok storedToken
	if err := json.Unmarshal(data, &tok); err != nil {
		return nil, fmt.Errorf("parse credential file: %w", err)
	}

	if !tok.Expiry.IsZero() && time.Now().After(tok.Expiry) && tok.RefreshToken != "" {
		refreshed, err := refresh(provider, tok)
		if err != nil {
			return nil, fmt.Errorf("refresh %s credential: %w", provider, err)
		}
		tok = refreshed
		if err := saveCredential(provider, tok); err != nil {
			return nil, fmt.Errorf("persist refreshed %s credential: %w", provider, err)
		}
	}

	return &Credential{
		AccessToken: tok.AccessToken,
		AccountID:   tok.AccountID,
		ExpiresAt:   tok.Expiry,
	}, nil
}

// providerEndpoints maps provider names to their OAuth token endpoints.
// Only the token endpoint is needed here; the authorization-code exchange
// that produces the initial refresh token happens out-of-band (a login CLI
// flow), which is outside this engine's scope.
var providerEndpoints = map[string]oauth2.Endpoint{
	"anthropic": {TokenURL: "https://console.anthropic.com/v1/oauth/token"},
	"openai":    {TokenURL: "https://auth.openai.com/oauth/token"},
}

func refresh(provider string, tok storedToken) (storedToken, error) {
	endpoint, ok := providerEndpoints[provider]
	if !ok {
		return storedToken{}, fmt.Errorf("unknown oauth provider: %s", provider)
	}

	cfg := &oauth2.Config{Endpoint: endpoint}
	src := cfg.TokenSource(context.Background(), &oauth2.Token{RefreshToken: tok.RefreshToken})
	newTok, err := src.Token()
	if err != nil {
		return storedToken{}, err
	}

	return storedToken{
		AccessToken:  newTok.AccessToken,
		RefreshToken: tok.RefreshToken,
		AccountID:    tok.AccountID,
		Expiry:       newTok.Expiry,
	}, nil
}

func saveCredential(provider string, tok storedToken) error {
	path, err := credentialPath(provider)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(tok, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}
