// Package services contains authd's business logic. UserService handles
// accounts and tokens; OAuthService drives provider sign-in flows on top
// of it.
package services

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"net/mail"
	"strings"
	"time"

	"github.com/dmitrijs2005/authsync/internal/common"
	"github.com/dmitrijs2005/authsync/internal/dbx"
	"github.com/dmitrijs2005/authsync/internal/identity"
	"github.com/dmitrijs2005/authsync/internal/server/auth"
	"github.com/dmitrijs2005/authsync/internal/server/config"
	"github.com/dmitrijs2005/authsync/internal/server/events"
	"github.com/dmitrijs2005/authsync/internal/server/models"
	"github.com/dmitrijs2005/authsync/internal/server/repositories/repomanager"
	"golang.org/x/crypto/bcrypt"
)

// MinPasswordLength is the shortest password SignUp accepts.
const MinPasswordLength = 6

// ProviderEmail is the app metadata provider of password accounts.
const ProviderEmail = "email"

// TokenPair bundles a short-lived access token and a long-lived refresh token.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// OAuthProfile is what a provider tells us about the person signing in.
type OAuthProfile struct {
	Provider  string
	Email     string
	FullName  string
	Name      string
	AvatarURL string
}

// UserService provides account operations:
//   - SignUp / SignIn: password accounts
//   - Refresh: rotate refresh tokens and mint new access tokens
//   - UpdateUser / SetRoles: metadata changes, pushed to watchers
//   - SignOut: revoke one session or all of them
type UserService struct {
	repomanager                  repomanager.RepositoryManager
	hub                          *events.Hub
	jwtSecret                    []byte
	accessTokenValidityDuration  time.Duration
	refreshTokenValidityDuration time.Duration
	autoConfirm                  bool
	adminEmails                  map[string]bool
	bcryptCost                   int
	now                          func() time.Time
}

// NewUserService constructs a UserService using repositories and server config.
func NewUserService(m repomanager.RepositoryManager, hub *events.Hub, cfg *config.Config) *UserService {
	admins := make(map[string]bool, len(cfg.AdminEmails))
	for _, e := range cfg.AdminEmails {
		admins[normalizeEmail(e)] = true
	}
	return &UserService{
		repomanager:                  m,
		hub:                          hub,
		jwtSecret:                    []byte(cfg.SecretKey),
		accessTokenValidityDuration:  cfg.AccessTokenValidityDuration,
		refreshTokenValidityDuration: cfg.RefreshTokenValidityDuration,
		autoConfirm:                  cfg.AutoConfirm,
		adminEmails:                  admins,
		bcryptCost:                   bcrypt.DefaultCost,
		now:                          time.Now,
	}
}

// UserIDFromToken verifies an access token and returns its user.
func (s *UserService) UserIDFromToken(token string) (string, error) {
	return auth.GetUserIDFromToken(token, s.jwtSecret)
}

// SignUp creates a password account. The token pair is nil unless new
// accounts are confirmed automatically.
func (s *UserService) SignUp(ctx context.Context, email, password string, meta map[string]any) (*models.User, *TokenPair, error) {
	email = normalizeEmail(email)
	if err := validateCredentials(email, password); err != nil {
		return nil, nil, err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.bcryptCost)
	if err != nil {
		return nil, nil, fmt.Errorf("hash password: %w", err)
	}

	now := s.now().UTC()
	user := &models.User{
		Email:        email,
		PasswordHash: hash,
		UserMetadata: maps.Clone(meta),
		AppMetadata:  map[string]any{models.AppMetaProvider: ProviderEmail},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	user.SetRoles(s.initialRoles(email))

	user, err = s.repomanager.Users(s.repomanager.Conn()).Create(ctx, user)
	if err != nil {
		return nil, nil, fmt.Errorf("error creating user: %w", err)
	}

	if !s.autoConfirm {
		return user, nil, nil
	}
	pair, err := s.generateTokenPair(ctx, user.ID, s.repomanager.Conn())
	if err != nil {
		return nil, nil, err
	}
	return user, pair, nil
}

// SignIn verifies the password and, on success, returns a new TokenPair.
// Unknown emails and wrong passwords both yield common.ErrorUnauthorized.
func (s *UserService) SignIn(ctx context.Context, email, password string) (*models.User, *TokenPair, error) {
	user, err := s.repomanager.Users(s.repomanager.Conn()).GetByEmail(ctx, normalizeEmail(email))
	if err != nil {
		if errors.Is(err, common.ErrorNotFound) {
			return nil, nil, common.ErrorUnauthorized
		}
		return nil, nil, fmt.Errorf("error searching user: %w", err)
	}
	if len(user.PasswordHash) == 0 {
		return nil, nil, common.ErrorUnauthorized
	}
	if err := bcrypt.CompareHashAndPassword(user.PasswordHash, []byte(password)); err != nil {
		return nil, nil, common.ErrorUnauthorized
	}

	pair, err := s.generateTokenPair(ctx, user.ID, s.repomanager.Conn())
	if err != nil {
		return nil, nil, err
	}
	return user, pair, nil
}

// Refresh validates a refresh token, rotates it transactionally, and
// returns the user with a fresh TokenPair. Unknown tokens yield
// common.ErrInvalidToken; expired ones common.ErrRefreshTokenExpired.
func (s *UserService) Refresh(ctx context.Context, refreshToken string) (*models.User, *TokenPair, error) {
	repo := s.repomanager.RefreshTokens(s.repomanager.Conn())

	token, err := repo.Find(ctx, refreshToken)
	if err != nil {
		if errors.Is(err, common.ErrorNotFound) {
			return nil, nil, common.ErrInvalidToken
		}
		return nil, nil, fmt.Errorf("error searching refresh token: %w", err)
	}
	if token.Expires.Before(s.now()) {
		_ = repo.Delete(ctx, refreshToken)
		return nil, nil, common.ErrRefreshTokenExpired
	}

	user, err := s.GetUser(ctx, token.UserID)
	if err != nil {
		return nil, nil, err
	}

	var pair *TokenPair
	if err := s.repomanager.WithTx(ctx, func(ctx context.Context, tx dbx.DBTX) error {
		err := s.repomanager.RefreshTokens(tx).Delete(ctx, refreshToken)
		if errors.Is(err, common.ErrorNotFound) {
			// rotated by a concurrent refresh
			return common.ErrInvalidToken
		}
		if err != nil {
			return fmt.Errorf("error deleting refresh token: %w", err)
		}
		var genErr error
		pair, genErr = s.generateTokenPair(ctx, token.UserID, tx)
		return genErr
	}); err != nil {
		return nil, nil, err
	}
	return user, pair, nil
}

// GetUser returns the user with the given ID.
func (s *UserService) GetUser(ctx context.Context, userID string) (*models.User, error) {
	user, err := s.repomanager.Users(s.repomanager.Conn()).GetByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("error loading user: %w", err)
	}
	return user, nil
}

// UpdateUser merges meta into the user's metadata; a nil value removes
// the key. Watchers of the user receive a user-updated event.
func (s *UserService) UpdateUser(ctx context.Context, userID string, meta map[string]any) (*models.User, error) {
	user, err := s.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	if user.UserMetadata == nil {
		user.UserMetadata = map[string]any{}
	}
	for k, v := range meta {
		if v == nil {
			delete(user.UserMetadata, k)
			continue
		}
		user.UserMetadata[k] = v
	}

	return s.save(ctx, user)
}

// SetRoles replaces the roles of targetID. The caller must hold the admin
// role; roles must be known and non-empty.
func (s *UserService) SetRoles(ctx context.Context, actorID, targetID string, roles []string) (*models.User, error) {
	actor, err := s.GetUser(ctx, actorID)
	if err != nil {
		return nil, err
	}
	if !actor.HasRole(string(identity.RoleAdmin)) {
		return nil, common.ErrorForbidden
	}

	if len(roles) == 0 {
		return nil, fmt.Errorf("%w: at least one role is required", common.ErrorValidation)
	}
	clean := make([]string, 0, len(roles))
	for _, r := range roles {
		role, ok := identity.ParseRole(r)
		if !ok {
			return nil, fmt.Errorf("%w: unknown role %q", common.ErrorValidation, r)
		}
		clean = append(clean, string(role))
	}

	target, err := s.GetUser(ctx, targetID)
	if err != nil {
		return nil, err
	}
	target.SetRoles(clean)

	return s.save(ctx, target)
}

// SignOut revokes refreshToken when scope is local, or every session of
// the user when it is global. Global sign-out also tells the user's
// watchers. A local sign-out with an unknown token succeeds.
func (s *UserService) SignOut(ctx context.Context, userID, refreshToken, scope string) error {
	repo := s.repomanager.RefreshTokens(s.repomanager.Conn())

	switch scope {
	case "", "local":
		if refreshToken == "" {
			return nil
		}
		token, err := repo.Find(ctx, refreshToken)
		if errors.Is(err, common.ErrorNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("error searching refresh token: %w", err)
		}
		if token.UserID != userID {
			return common.ErrorForbidden
		}
		if err := repo.Delete(ctx, refreshToken); err != nil && !errors.Is(err, common.ErrorNotFound) {
			return fmt.Errorf("error revoking session: %w", err)
		}
		return nil
	case "global":
		if err := repo.DeleteByUser(ctx, userID); err != nil {
			return fmt.Errorf("error revoking sessions: %w", err)
		}
		s.hub.Publish(userID, events.Event{Kind: events.KindSignedOut})
		return nil
	default:
		return fmt.Errorf("%w: unknown scope %q", common.ErrorValidation, scope)
	}
}

// SignInWithOAuth finds the account for the profile's email, creating it
// on first sign-in, and issues a TokenPair.
func (s *UserService) SignInWithOAuth(ctx context.Context, p OAuthProfile) (*models.User, *TokenPair, error) {
	email := normalizeEmail(p.Email)
	if email == "" {
		return nil, nil, fmt.Errorf("%w: provider returned no email", common.ErrorValidation)
	}

	repo := s.repomanager.Users(s.repomanager.Conn())
	user, err := repo.GetByEmail(ctx, email)
	if errors.Is(err, common.ErrorNotFound) {
		user, err = s.createOAuthUser(ctx, email, p)
		if errors.Is(err, common.ErrorAlreadyExists) {
			user, err = repo.GetByEmail(ctx, email)
		}
	}
	if err != nil {
		return nil, nil, fmt.Errorf("error resolving oauth user: %w", err)
	}

	pair, err := s.generateTokenPair(ctx, user.ID, s.repomanager.Conn())
	if err != nil {
		return nil, nil, err
	}
	return user, pair, nil
}

func (s *UserService) createOAuthUser(ctx context.Context, email string, p OAuthProfile) (*models.User, error) {
	meta := map[string]any{}
	if p.FullName != "" {
		meta[identity.MetaFullName] = p.FullName
	}
	if p.Name != "" {
		meta[identity.MetaName] = p.Name
	}
	if p.AvatarURL != "" {
		meta["avatar_url"] = p.AvatarURL
	}

	now := s.now().UTC()
	user := &models.User{
		Email:        email,
		UserMetadata: meta,
		AppMetadata:  map[string]any{models.AppMetaProvider: p.Provider},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	user.SetRoles(s.initialRoles(email))
	return s.repomanager.Users(s.repomanager.Conn()).Create(ctx, user)
}

// --- helpers below ---

func (s *UserService) save(ctx context.Context, user *models.User) (*models.User, error) {
	user.UpdatedAt = s.now().UTC()
	user, err := s.repomanager.Users(s.repomanager.Conn()).Update(ctx, user)
	if err != nil {
		return nil, fmt.Errorf("error updating user: %w", err)
	}
	s.hub.Publish(user.ID, events.Event{Kind: events.KindUserUpdated, User: user.Clone()})
	return user, nil
}

func (s *UserService) initialRoles(email string) []string {
	if s.adminEmails[email] {
		return []string{string(identity.RoleAdmin), string(identity.RoleUser)}
	}
	return []string{string(identity.RoleUser)}
}

func (s *UserService) generateRefreshToken() (string, error) {
	return common.MakeRandHexString(32)
}

func (s *UserService) generateTokenPair(ctx context.Context, userID string, tx dbx.DBTX) (*TokenPair, error) {
	access, expires, err := auth.GenerateToken(userID, s.jwtSecret, s.now(), s.accessTokenValidityDuration)
	if err != nil {
		return nil, fmt.Errorf("%w: sign access token: %v", common.ErrorInternal, err)
	}
	refresh, err := s.generateRefreshToken()
	if err != nil {
		return nil, fmt.Errorf("%w: refresh token: %v", common.ErrorInternal, err)
	}
	if err := s.repomanager.RefreshTokens(tx).Create(ctx, userID, refresh, s.refreshTokenValidityDuration); err != nil {
		return nil, fmt.Errorf("%w: store refresh token: %v", common.ErrorInternal, err)
	}
	return &TokenPair{AccessToken: access, RefreshToken: refresh, ExpiresAt: expires}, nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func validateCredentials(email, password string) error {
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return fmt.Errorf("%w: invalid email", common.ErrorValidation)
	}
	if len(password) < MinPasswordLength {
		return fmt.Errorf("%w: password must be at least %d characters", common.ErrorValidation, MinPasswordLength)
	}
	return nil
}
