package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dmitrijs2005/authsync/internal/common"
	"github.com/dmitrijs2005/authsync/internal/logging"
	"github.com/dmitrijs2005/authsync/internal/server/config"
	"github.com/dmitrijs2005/authsync/internal/server/models"
	"github.com/google/uuid"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/endpoints"
)

// Provider is one configured OAuth identity provider.
type Provider struct {
	Config      *oauth2.Config
	UserInfoURL string
	// ParseProfile turns the user info response body into a profile.
	ParseProfile func(body []byte) (OAuthProfile, error)
}

// ProvidersFromConfig builds the providers that have credentials in cfg.
func ProvidersFromConfig(cfg *config.Config) map[string]*Provider {
	providers := make(map[string]*Provider)
	if cfg.GoogleClientID != "" && cfg.GoogleClientSecret != "" {
		providers["google"] = &Provider{
			Config: &oauth2.Config{
				ClientID:     cfg.GoogleClientID,
				ClientSecret: cfg.GoogleClientSecret,
				Endpoint:     endpoints.Google,
				RedirectURL:  cfg.OAuthRedirectURL(),
				Scopes:       []string{"openid", "email", "profile"},
			},
			UserInfoURL:  "https://openidconnect.googleapis.com/v1/userinfo",
			ParseProfile: parseGoogleProfile,
		}
	}
	if cfg.GitHubClientID != "" && cfg.GitHubClientSecret != "" {
		providers["github"] = &Provider{
			Config: &oauth2.Config{
				ClientID:     cfg.GitHubClientID,
				ClientSecret: cfg.GitHubClientSecret,
				Endpoint:     endpoints.GitHub,
				RedirectURL:  cfg.OAuthRedirectURL(),
				Scopes:       []string{"read:user", "user:email"},
			},
			UserInfoURL:  "https://api.github.com/user",
			ParseProfile: parseGitHubProfile,
		}
	}
	return providers
}

func parseGoogleProfile(body []byte) (OAuthProfile, error) {
	var payload struct {
		Email   string `json:"email"`
		Name    string `json:"name"`
		Given   string `json:"given_name"`
		Picture string `json:"picture"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return OAuthProfile{}, err
	}
	return OAuthProfile{Email: payload.Email, FullName: payload.Name, Name: payload.Given, AvatarURL: payload.Picture}, nil
}

func parseGitHubProfile(body []byte) (OAuthProfile, error) {
	var payload struct {
		ID        int64  `json:"id"`
		Login     string `json:"login"`
		Name      string `json:"name"`
		Email     string `json:"email"`
		AvatarURL string `json:"avatar_url"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return OAuthProfile{}, err
	}
	email := payload.Email
	if email == "" && payload.ID != 0 && payload.Login != "" {
		// Users with a private email still get a stable address.
		email = strconv.FormatInt(payload.ID, 10) + "+" + payload.Login + "@users.noreply.github.com"
	}
	return OAuthProfile{Email: email, FullName: payload.Name, Name: payload.Login, AvatarURL: payload.AvatarURL}, nil
}

// flow is one pending provider sign-in. done is closed once the result
// fields are set.
type flow struct {
	id       string
	provider string
	state    string
	verifier string
	expires  time.Time

	once   sync.Once
	done   chan struct{}
	user   *models.User
	tokens *TokenPair
	err    error
}

func (f *flow) complete(u *models.User, t *TokenPair, err error) {
	f.once.Do(func() {
		f.user, f.tokens, f.err = u, t, err
		close(f.done)
	})
}

// OAuthService runs authorization code flows with PKCE. A flow is started
// by StartOAuth, completed by the browser hitting Callback and collected
// by AwaitOAuth.
type OAuthService struct {
	users      *UserService
	providers  map[string]*Provider
	ttl        time.Duration
	httpClient *http.Client
	logger     logging.Logger
	now        func() time.Time

	mu      sync.Mutex
	flows   map[string]*flow
	byState map[string]*flow
}

// NewOAuthService constructs the service. A nil httpClient uses
// http.DefaultClient.
func NewOAuthService(users *UserService, providers map[string]*Provider, ttl time.Duration, httpClient *http.Client, logger logging.Logger) *OAuthService {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &OAuthService{
		users:      users,
		providers:  providers,
		ttl:        ttl,
		httpClient: httpClient,
		logger:     logger.With("module", "oauth"),
		now:        time.Now,
		flows:      make(map[string]*flow),
		byState:    make(map[string]*flow),
	}
}

// Providers lists the configured provider names.
func (s *OAuthService) Providers() []string {
	names := make([]string, 0, len(s.providers))
	for name := range s.providers {
		names = append(names, name)
	}
	return names
}

// StartOAuth opens a flow for provider and returns the URL the user must
// visit together with the flow ID to await.
func (s *OAuthService) StartOAuth(ctx context.Context, provider string) (string, string, error) {
	p, ok := s.providers[provider]
	if !ok {
		return "", "", fmt.Errorf("%w: %q", common.ErrUnknownProvider, provider)
	}

	state, err := common.MakeRandHexString(16)
	if err != nil {
		return "", "", fmt.Errorf("%w: state: %v", common.ErrorInternal, err)
	}
	f := &flow{
		id:       uuid.NewString(),
		provider: provider,
		state:    state,
		verifier: oauth2.GenerateVerifier(),
		expires:  s.now().Add(s.ttl),
		done:     make(chan struct{}),
	}

	s.mu.Lock()
	s.sweepLocked()
	s.flows[f.id] = f
	s.byState[f.state] = f
	s.mu.Unlock()

	url := p.Config.AuthCodeURL(f.state, oauth2.AccessTypeOnline, oauth2.S256ChallengeOption(f.verifier))
	s.logger.Info(ctx, "oauth flow started", "provider", provider, "flow_id", f.id)
	return url, f.id, nil
}

// AwaitOAuth blocks until the flow completes, expires or ctx ends. A
// completed flow is consumed: it can be awaited successfully only once.
func (s *OAuthService) AwaitOAuth(ctx context.Context, flowID string) (*models.User, *TokenPair, error) {
	s.mu.Lock()
	f, ok := s.flows[flowID]
	s.mu.Unlock()
	if !ok {
		return nil, nil, common.ErrorNotFound
	}

	timer := time.NewTimer(f.expires.Sub(s.now()))
	defer timer.Stop()

	select {
	case <-f.done:
	case <-timer.C:
		f.complete(nil, nil, common.ErrFlowExpired)
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}

	s.mu.Lock()
	s.removeLocked(f)
	s.mu.Unlock()
	return f.user, f.tokens, f.err
}

// Callback finishes the flow identified by state. providerErr is the
// provider's error parameter, if any. The flow's waiter gets the outcome;
// the returned error is for the browser.
func (s *OAuthService) Callback(ctx context.Context, state, code, providerErr string) error {
	s.mu.Lock()
	f, ok := s.byState[state]
	if ok {
		delete(s.byState, state)
	}
	s.mu.Unlock()
	if !ok {
		return common.ErrorNotFound
	}

	if s.now().After(f.expires) {
		f.complete(nil, nil, common.ErrFlowExpired)
		return common.ErrFlowExpired
	}
	if providerErr != "" {
		err := fmt.Errorf("%w: provider denied sign-in: %s", common.ErrorUnauthorized, providerErr)
		f.complete(nil, nil, err)
		return err
	}
	if code == "" {
		err := fmt.Errorf("%w: missing code", common.ErrorValidation)
		f.complete(nil, nil, err)
		return err
	}

	user, tokens, err := s.finish(ctx, f, code)
	if err != nil {
		s.logger.Warn(ctx, "oauth flow failed", "provider", f.provider, "flow_id", f.id, "error", err)
	} else {
		s.logger.Info(ctx, "oauth flow completed", "provider", f.provider, "flow_id", f.id, "user_id", user.ID)
	}
	f.complete(user, tokens, err)
	return err
}

func (s *OAuthService) finish(ctx context.Context, f *flow, code string) (*models.User, *TokenPair, error) {
	p := s.providers[f.provider]
	ctx = context.WithValue(ctx, oauth2.HTTPClient, s.httpClient)

	token, err := p.Config.Exchange(ctx, code, oauth2.VerifierOption(f.verifier))
	if err != nil {
		return nil, nil, fmt.Errorf("%w: token exchange: %v", common.ErrorUnauthorized, err)
	}

	profile, err := s.fetchProfile(ctx, p, token)
	if err != nil {
		return nil, nil, err
	}
	profile.Provider = f.provider

	return s.users.SignInWithOAuth(ctx, profile)
}

func (s *OAuthService) fetchProfile(ctx context.Context, p *Provider, token *oauth2.Token) (OAuthProfile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.UserInfoURL, nil)
	if err != nil {
		return OAuthProfile{}, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.Config.Client(ctx, token).Do(req)
	if err != nil {
		return OAuthProfile{}, fmt.Errorf("profile request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return OAuthProfile{}, fmt.Errorf("profile request failed: %s", resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return OAuthProfile{}, fmt.Errorf("profile read: %w", err)
	}
	profile, err := p.ParseProfile(body)
	if err != nil {
		return OAuthProfile{}, fmt.Errorf("profile decode: %w", err)
	}
	if strings.TrimSpace(profile.Email) == "" {
		return OAuthProfile{}, errors.New("provider returned no email")
	}
	return profile, nil
}

// sweepLocked drops expired flows nobody is waiting for. mu must be held.
func (s *OAuthService) sweepLocked() {
	now := s.now()
	for _, f := range s.flows {
		if now.After(f.expires.Add(s.ttl)) {
			f.complete(nil, nil, common.ErrFlowExpired)
			s.removeLocked(f)
		}
	}
}

// removeLocked must be called with mu held.
func (s *OAuthService) removeLocked(f *flow) {
	delete(s.flows, f.id)
	delete(s.byState, f.state)
}
