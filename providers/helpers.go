package providers

import (
	"context"
	"fmt"
	"net/http"

	"golang.org/x/oauth2"
)

// TokenSourcer is the TokenSource method of oauth2.Config.
// It lets providers share the refresh helper regardless of how their endpoint is resolved.
type TokenSourcer interface {
	TokenSource(ctx context.Context, t *oauth2.Token) oauth2.TokenSource
}

// RefreshWithConfig exchanges refreshToken through config using httpClient.
// The returned token keeps the original refresh token when the provider does not rotate it.
func RefreshWithConfig(ctx context.Context, config TokenSourcer, httpClient *http.Client, refreshToken string) (*oauth2.Token, error) {
	if refreshToken == "" {
		return nil, fmt.Errorf("refresh token is required")
	}
	if httpClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, httpClient)
	}

	// an expired token forces the source to hit the token endpoint
	token, err := config.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return nil, fmt.Errorf("failed to refresh token: %w", err)
	}
	return token, nil
}
