package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"net/http"
	"strings"

	"github.com/coreos/go-oidc"
	"golang.org/x/oauth2"

	"gxp-workflow/backend/internal/config"
	"gxp-workflow/backend/internal/repository"
	"gxp-workflow/backend/pkg/models"
)

// DevUserHeader selects the acting user when authentication is bypassed.
const DevUserHeader = "X-Dev-User"

const devUser = "dev@localhost"

// Logger defines the logging interface compatible with the application logger.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Error(msg string, args ...any)
}

// OrganizationStore resolves and provisions organizations by e-mail domain.
type OrganizationStore interface {
	GetOrganizationByDomain(ctx context.Context, domain string) (*models.Organization, error)
	CreateOrganization(ctx context.Context, o *models.Organization) error
}

// RoleResolver returns the workflow roles of a user.
type RoleResolver interface {
	GetActorRoles(ctx context.Context, userID string) ([]string, error)
}

// Auth contains configuration and helpers for performing OpenID Connect
// authentication with an Okta tenant.
type Auth struct {
	oauth2Config  *oauth2.Config
	verifier      *oidc.IDTokenVerifier
	apiVerifier   *oidc.IDTokenVerifier
	orgs          OrganizationStore
	roles         RoleResolver
	logger        Logger
	authBypass    bool
	secureCookies bool
}

// New creates a new Auth object using values from the application
// configuration. It establishes a connection to the provider and prepares an
// ID token verifier. Nothing is contacted when the dev bypass is active.
func New(ctx context.Context, cfg *config.Config, orgs OrganizationStore, roles RoleResolver, logger Logger) (*Auth, error) {
	shouldBypass := cfg.IsDev() && cfg.DevModeBypass

	var oauth2Config *oauth2.Config
	var verifier *oidc.IDTokenVerifier
	var apiVerifier *oidc.IDTokenVerifier

	if !shouldBypass {
		if cfg.Auth.OktaDomain == "" || cfg.Auth.ClientID == "" ||
			cfg.Auth.ClientSecret == "" || cfg.Auth.RedirectURL == "" {
			return nil, errors.New("auth configuration is incomplete")
		}

		provider, err := oidc.NewProvider(ctx, cfg.Auth.OktaDomain)
		if err != nil {
			return nil, err
		}

		oauth2Config = &oauth2.Config{
			ClientID:     cfg.Auth.ClientID,
			ClientSecret: cfg.Auth.ClientSecret,
			Endpoint:     provider.Endpoint(),
			RedirectURL:  cfg.Auth.RedirectURL,
			Scopes:       []string{ScopeOpenID, ScopeProfile, ScopeEmail},
		}

		verifier = provider.Verifier(&oidc.Config{ClientID: cfg.Auth.ClientID})

		// Access tokens carry the API audience, not the client ID.
		apiVerifier = provider.Verifier(&oidc.Config{SkipClientIDCheck: true})
	}

	return &Auth{
		oauth2Config:  oauth2Config,
		verifier:      verifier,
		apiVerifier:   apiVerifier,
		orgs:          orgs,
		roles:         roles,
		logger:        logger,
		authBypass:    shouldBypass,
		secureCookies: cfg.TLS.Enable,
	}, nil
}

// Bypassed reports whether requests are authenticated as a fixed dev user.
func (a *Auth) Bypassed() bool {
	return a.authBypass
}

// LoginHandler initiates the OAuth2 authorization code flow by redirecting the
// user to the Okta authorization endpoint. A random state value is stored in a
// cookie to mitigate CSRF attacks.
func (a *Auth) LoginHandler(w http.ResponseWriter, r *http.Request) {
	if a.authBypass {
		http.Redirect(w, r, "/", http.StatusSeeOther)
		return
	}

	state, err := generateState()
	if err != nil {
		http.Error(w, "failed to generate state", http.StatusInternalServerError)
		return
	}

	http.SetCookie(w, a.cookie("oauthstate", state))
	http.Redirect(w, r, a.oauth2Config.AuthCodeURL(state), http.StatusTemporaryRedirect)
}

// CallbackHandler handles the redirect back from Okta. It verifies the state
// parameter, exchanges the code for tokens, validates the ID token, and sets a
// session cookie containing the raw ID token.
func (a *Auth) CallbackHandler(w http.ResponseWriter, r *http.Request) {
	if a.authBypass {
		http.Redirect(w, r, "/", http.StatusSeeOther)
		return
	}

	cookie, err := r.Cookie("oauthstate")
	if err != nil || r.URL.Query().Get("state") != cookie.Value {
		http.Error(w, "invalid state", http.StatusBadRequest)
		return
	}

	token, err := a.oauth2Config.Exchange(r.Context(), r.URL.Query().Get("code"))
	if err != nil {
		http.Error(w, "token exchange failed", http.StatusInternalServerError)
		return
	}

	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok {
		http.Error(w, "no id_token in token response", http.StatusInternalServerError)
		return
	}

	if _, err := a.verifier.Verify(r.Context(), rawIDToken); err != nil {
		http.Error(w, "failed to verify id token", http.StatusUnauthorized)
		return
	}

	http.SetCookie(w, a.cookie("id_token", rawIDToken))
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

// RequireAuth is middleware that resolves the calling actor. A bearer token
// is checked first, then the session cookie. The actor's organization is
// looked up by e-mail domain and provisioned on first use; roles come from
// the user directory.
func (a *Auth) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var email string

		if a.authBypass {
			email = devUser
			if u := strings.TrimSpace(r.Header.Get(DevUserHeader)); u != "" {
				email = u
			}
		} else {
			var token *oidc.IDToken
			var err error

			if authHeader := r.Header.Get("Authorization"); strings.HasPrefix(authHeader, "Bearer ") {
				rawToken := strings.TrimPrefix(authHeader, "Bearer ")
				token, err = a.apiVerifier.Verify(r.Context(), rawToken)
				if err != nil {
					http.Error(w, "invalid token: "+err.Error(), http.StatusUnauthorized)
					return
				}
			} else {
				cookie, err := r.Cookie("id_token")
				if err != nil {
					http.Redirect(w, r, "/login", http.StatusSeeOther)
					return
				}
				token, err = a.verifier.Verify(r.Context(), cookie.Value)
				if err != nil {
					http.Error(w, "invalid token: "+err.Error(), http.StatusUnauthorized)
					return
				}
			}

			var claims struct {
				Email string `json:"email"`
			}
			if err := token.Claims(&claims); err != nil {
				http.Error(w, "failed to parse token claims", http.StatusUnauthorized)
				return
			}
			email = claims.Email
		}

		_, domain, ok := strings.Cut(email, "@")
		if !ok || domain == "" || strings.Contains(domain, "@") {
			http.Error(w, "invalid email format in token", http.StatusUnauthorized)
			return
		}

		org, err := a.organization(r.Context(), domain)
		if err != nil {
			if a.logger != nil {
				a.logger.Error("failed to resolve organization", "domain", domain, "error", err)
			}
			http.Error(w, "failed to resolve organization", http.StatusInternalServerError)
			return
		}

		roles, err := a.roles.GetActorRoles(r.Context(), email)
		if err != nil {
			http.Error(w, "failed to resolve roles", http.StatusInternalServerError)
			return
		}

		actor := models.Actor{UserID: email, Email: email, Roles: roles, OrganizationID: org.ID}
		next.ServeHTTP(w, r.WithContext(WithActor(r.Context(), actor)))
	})
}

// organization looks up domain and creates it when it does not exist yet.
func (a *Auth) organization(ctx context.Context, domain string) (*models.Organization, error) {
	org, err := a.orgs.GetOrganizationByDomain(ctx, domain)
	if err == nil {
		return org, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}
	org = &models.Organization{Name: domain, Domain: domain}
	if err := a.orgs.CreateOrganization(ctx, org); err != nil {
		return nil, err
	}
	if a.logger != nil {
		a.logger.Info("provisioned organization", "domain", domain, "id", org.ID)
	}
	return org, nil
}

// LogoutHandler clears the session cookie and redirects to the home page.
func (a *Auth) LogoutHandler(w http.ResponseWriter, r *http.Request) {
	c := a.cookie("id_token", "")
	c.MaxAge = -1
	http.SetCookie(w, c)
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

func (a *Auth) cookie(name, value string) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    value,
		HttpOnly: true,
		Path:     "/",
		Secure:   a.secureCookies,
		SameSite: http.SameSiteLaxMode,
	}
}

func generateState() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(b), nil
}
