package identity

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/pkg/errors"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/DaanHessen/fitcheck/internal/engine"
)

// GoogleUserInfoURL is the profile endpoint queried after the code exchange.
const GoogleUserInfoURL = "https://www.googleapis.com/oauth2/v2/userinfo"

// OAuthConfig holds the Google client registration.
type OAuthConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
}

// User is the normalized profile of a signed-in user.
type User struct {
	ID    string
	Email string
	Name  string
}

// Provider performs the Google sign-in redirect flow.
type Provider struct {
	oauth       *oauth2.Config
	userInfoURL string
}

// NewGoogleProvider returns a provider with email and profile scopes.
func NewGoogleProvider(cfg OAuthConfig) *Provider {
	return &Provider{
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       []string{"openid", "email", "profile"},
			Endpoint:     google.Endpoint,
		},
		userInfoURL: GoogleUserInfoURL,
	}
}

// WithEndpoints points the provider at other OAuth endpoints, e.g. a test
// server.
func (p *Provider) WithEndpoints(ep oauth2.Endpoint, userInfoURL string) *Provider {
	p.oauth.Endpoint = ep
	if userInfoURL != "" {
		p.userInfoURL = userInfoURL
	}
	return p
}

// Configured reports whether client credentials are present.
func (p *Provider) Configured() bool {
	return p != nil && p.oauth.ClientID != "" && p.oauth.ClientSecret != ""
}

// AuthCodeURL is where the browser is redirected to sign in.
func (p *Provider) AuthCodeURL(state string) string {
	return p.oauth.AuthCodeURL(state, oauth2.AccessTypeOnline, oauth2.SetAuthURLParam("prompt", "select_account"))
}

// Exchange trades the callback code for the user's profile. Failures wrap
// engine.ErrAuthFailed.
func (p *Provider) Exchange(ctx context.Context, code string) (User, error) {
	if code == "" {
		return User{}, errors.Wrap(engine.ErrAuthFailed, "missing code")
	}
	token, err := p.oauth.Exchange(ctx, code)
	if err != nil {
		return User{}, authFailed(err, "oauth exchange")
	}
	resp, err := p.oauth.Client(ctx, token).Get(p.userInfoURL)
	if err != nil {
		return User{}, authFailed(err, "fetch userinfo")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return User{}, errors.Wrapf(engine.ErrAuthFailed, "userinfo returned %d: %s", resp.StatusCode, body)
	}
	var info struct {
		ID    string `json:"id"`
		Email string `json:"email"`
		Name  string `json:"name"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return User{}, authFailed(err, "decode userinfo")
	}
	if info.ID == "" {
		return User{}, errors.Wrap(engine.ErrAuthFailed, "userinfo without id")
	}
	if info.Name == "" {
		info.Name = "User"
	}
	return User{ID: info.ID, Email: info.Email, Name: info.Name}, nil
}

func authFailed(err error, op string) error {
	return errors.Wrapf(engine.ErrAuthFailed, "%s: %v", op, err)
}
