package service

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/avorobev/authcore/internal/audit"
	"github.com/avorobev/authcore/internal/events"
	"github.com/avorobev/authcore/internal/hash"
	"github.com/avorobev/authcore/internal/logging"
	"github.com/avorobev/authcore/internal/models"
	"github.com/avorobev/authcore/internal/repo"
	"github.com/avorobev/authcore/internal/tokens"
)

var (
	ErrValidation          = errors.New("validation failed")
	ErrConflict            = errors.New("email already registered")
	ErrInvalidCredentials  = errors.New("invalid email or password")
	ErrInactiveUser        = errors.New("user is inactive")
	ErrInvalidRefreshToken = errors.New("invalid refresh token")
	ErrExpiredRefreshToken = errors.New("refresh token expired")
)

type AuthService struct {
	Repo          *repo.Repo
	JWTSecret     []byte
	RefreshSecret []byte
	AccessTTL     time.Duration
	RefreshTTL    time.Duration

	Events *events.Producer
	Audit  *audit.Recorder
}

type TokenPair struct {
	AccessToken  string
	RefreshToken string
	TokenType    string
	AccessExp    time.Time
	RefreshExp   time.Time
}

func (h *AuthService) accessTTL() time.Duration {
	if h.AccessTTL > 0 {
		return h.AccessTTL
	}
	return 15 * time.Minute
}

func (h *AuthService) refreshTTL() time.Duration {
	if h.RefreshTTL > 0 {
		return h.RefreshTTL
	}
	return 7 * 24 * time.Hour
}

func (h *AuthService) Register(ctx context.Context, email, password string) (*models.User, error) {
	l := logging.FromContext(ctx).With("svc", "auth.register")

	if email == "" || password == "" {
		return nil, ErrValidation
	}

	pwHash, err := hash.HashPassword(password)
	if err != nil {
		l.Error("register_failed", "reason", "cannot hash password", "error", err)
		return nil, err
	}

	user := &models.User{
		Email:        email,
		PasswordHash: pwHash,
		Active:       true,
	}
	if err := h.Repo.CreateUser(ctx, user); err != nil {
		if errors.Is(err, repo.ErrUserAlreadyExist) {
			l.Warn("register_failed", "status", 400, "reason", "duplicate email")
			return nil, ErrConflict
		}
		l.Error("register_failed", "status", 500, "error", err)
		return nil, err
	}

	h.publish(ctx, events.Event{Type: events.TypeUserRegistered, UserID: user.ID.String(), Email: email})
	h.Audit.Record(ctx, audit.Entry{Kind: "register", UserID: user.ID.String(), Email: email})

	return user, nil
}

// Login verifies credentials and mints a fresh access/refresh pair. The error
// never states whether the email or the password was wrong.
func (h *AuthService) Login(ctx context.Context, email, password string) (*TokenPair, error) {
	l := logging.FromContext(ctx).With("svc", "auth.login")

	if email == "" || password == "" {
		return nil, ErrValidation
	}

	user, err := h.Repo.FindUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, repo.ErrUserNotFound) {
			l.Warn("login_failed", "status", 401, "reason", "unknown email")
			h.Audit.Record(ctx, audit.Entry{Kind: "login_failed", Email: email, Reason: "unknown email"})
			return nil, ErrInvalidCredentials
		}
		l.Error("login_failed", "status", 500, "error", err)
		return nil, err
	}

	if !hash.CheckPassword(user.PasswordHash, password) {
		l.Warn("login_failed", "status", 401, "reason", "password mismatch", "user_id", user.ID)
		h.Audit.Record(ctx, audit.Entry{Kind: "login_failed", UserID: user.ID.String(), Reason: "password mismatch"})
		return nil, ErrInvalidCredentials
	}

	if !user.Active {
		l.Warn("login_failed", "status", 401, "reason", "inactive user", "user_id", user.ID)
		return nil, ErrInactiveUser
	}

	pair, err := h.issuePair(ctx, user.ID)
	if err != nil {
		l.Error("login_failed", "status", 500, "error", err)
		return nil, err
	}

	h.publish(ctx, events.Event{Type: events.TypeUserLogin, UserID: user.ID.String(), Email: email})
	h.Audit.Record(ctx, audit.Entry{Kind: "login", UserID: user.ID.String()})
	l.Info("login_successful", "user_id", user.ID)

	return pair, nil
}

// VerifyAccess checks a bearer token and resolves it to an active user.
// Detailed failure causes are logged here and kept out of client responses.
func (h *AuthService) VerifyAccess(ctx context.Context, tokenStr string) (*models.User, error) {
	l := logging.FromContext(ctx).With("svc", "auth.verify")

	claims, err := tokens.AccessClaimsFromToken(tokenStr, h.JWTSecret)
	if err != nil {
		l.Warn("token_rejected", "status", 401, "error", err)
		h.Audit.Record(ctx, audit.Entry{Kind: "token_rejected", Reason: err.Error()})
		return nil, err
	}

	userID, err := uuid.Parse(claims.Subject)
	if err != nil {
		l.Warn("token_rejected", "status", 401, "reason", "bad subject")
		return nil, tokens.ErrMalformedToken
	}

	user, err := h.Repo.GetUserByID(ctx, userID)
	if err != nil {
		if errors.Is(err, repo.ErrUserNotFound) {
			l.Warn("token_rejected", "status", 401, "reason", "subject not found")
			return nil, tokens.ErrMalformedToken
		}
		return nil, err
	}
	if !user.Active {
		l.Warn("token_rejected", "status", 401, "reason", "inactive user", "user_id", user.ID)
		return nil, ErrInactiveUser
	}

	return user, nil
}

// Refresh exchanges a valid refresh token for a new pair, revoking the old
// token in the same transaction that records the new one. Of concurrent calls
// with the same token exactly one wins; the rest see ErrInvalidRefreshToken.
func (h *AuthService) Refresh(ctx context.Context, refreshToken string) (*TokenPair, error) {
	l := logging.FromContext(ctx).With("svc", "auth.refresh")

	claims, err := tokens.RefreshClaimsFromToken(refreshToken, h.RefreshSecret)
	if err != nil {
		l.Warn("refresh_failed", "status", 401, "error", err)
		if errors.Is(err, tokens.ErrExpiredToken) {
			return nil, ErrExpiredRefreshToken
		}
		return nil, ErrInvalidRefreshToken
	}

	userID, err := uuid.Parse(claims.Subject)
	if err != nil {
		l.Warn("refresh_failed", "status", 401, "reason", "bad subject")
		return nil, ErrInvalidRefreshToken
	}

	user, err := h.Repo.GetUserByID(ctx, userID)
	if err != nil {
		if errors.Is(err, repo.ErrUserNotFound) {
			return nil, ErrInvalidRefreshToken
		}
		return nil, err
	}
	if !user.Active {
		return nil, ErrInactiveUser
	}

	now := time.Now().UTC()
	accessToken, err := tokens.NewAccessToken(user.ID.String(), h.JWTSecret, now, h.accessTTL())
	if err != nil {
		return nil, err
	}
	newRefresh, jti, err := tokens.NewRefreshToken(user.ID.String(), h.RefreshSecret, now, h.refreshTTL())
	if err != nil {
		return nil, err
	}

	newRow := &models.RefreshToken{
		TokenHash: tokens.Sha256Hex(newRefresh),
		UserID:    user.ID,
		JTI:       jti,
		ExpiresAt: now.Add(h.refreshTTL()).Unix(),
	}
	if err := h.Repo.RotateRefreshToken(ctx, claims.ID, newRow, now); err != nil {
		switch {
		case errors.Is(err, repo.ErrRefreshExpired):
			l.Warn("refresh_failed", "status", 401, "reason", "expired", "user_id", user.ID)
			return nil, ErrExpiredRefreshToken
		case errors.Is(err, repo.ErrRefreshNotFound), errors.Is(err, repo.ErrRefreshConsumed):
			l.Warn("refresh_failed", "status", 401, "reason", "rotation lost", "user_id", user.ID)
			h.Audit.Record(ctx, audit.Entry{Kind: "refresh_reuse", UserID: user.ID.String()})
			return nil, ErrInvalidRefreshToken
		default:
			l.Error("refresh_failed", "status", 500, "error", err)
			return nil, err
		}
	}

	h.publish(ctx, events.Event{Type: events.TypeTokenRefreshed, UserID: user.ID.String()})

	return &TokenPair{
		AccessToken:  accessToken,
		RefreshToken: newRefresh,
		TokenType:    "bearer",
		AccessExp:    now.Add(h.accessTTL()),
		RefreshExp:   now.Add(h.refreshTTL()),
	}, nil
}

// Logout revokes every outstanding refresh token of the user. Calling it for
// a user with nothing to revoke is fine; the operation is idempotent.
func (h *AuthService) Logout(ctx context.Context, userID uuid.UUID) error {
	l := logging.FromContext(ctx).With("svc", "auth.logout")

	if err := h.Repo.RevokeAllForUser(ctx, userID); err != nil {
		l.Error("logout_failed", "status", 500, "error", err)
		return err
	}

	h.publish(ctx, events.Event{Type: events.TypeUserLogout, UserID: userID.String()})
	h.Audit.Record(ctx, audit.Entry{Kind: "logout", UserID: userID.String()})
	l.Info("logout_successful", "user_id", userID)
	return nil
}

// ChangePassword re-hashes the secret after verifying the current one and
// revokes all outstanding refresh tokens so other sessions must log in again.
func (h *AuthService) ChangePassword(ctx context.Context, userID uuid.UUID, current, newPassword string) error {
	l := logging.FromContext(ctx).With("svc", "auth.change_password")

	if newPassword == "" {
		return ErrValidation
	}

	user, err := h.Repo.GetUserByID(ctx, userID)
	if err != nil {
		return err
	}
	if !hash.CheckPassword(user.PasswordHash, current) {
		l.Warn("change_password_failed", "status", 401, "reason", "password mismatch", "user_id", userID)
		return ErrInvalidCredentials
	}

	newHash, err := hash.HashPassword(newPassword)
	if err != nil {
		return err
	}
	if err := h.Repo.UpdatePasswordHash(ctx, userID, newHash); err != nil {
		return err
	}
	if err := h.Repo.RevokeAllForUser(ctx, userID); err != nil {
		return err
	}

	h.Audit.Record(ctx, audit.Entry{Kind: "password_changed", UserID: userID.String()})
	l.Info("password_changed", "user_id", userID)
	return nil
}

func (h *AuthService) issuePair(ctx context.Context, userID uuid.UUID) (*TokenPair, error) {
	now := time.Now().UTC()

	accessToken, err := tokens.NewAccessToken(userID.String(), h.JWTSecret, now, h.accessTTL())
	if err != nil {
		return nil, err
	}
	refreshToken, jti, err := tokens.NewRefreshToken(userID.String(), h.RefreshSecret, now, h.refreshTTL())
	if err != nil {
		return nil, err
	}

	row := &models.RefreshToken{
		TokenHash: tokens.Sha256Hex(refreshToken),
		UserID:    userID,
		JTI:       jti,
		ExpiresAt: now.Add(h.refreshTTL()).Unix(),
	}
	if err := h.Repo.AddRefreshToken(ctx, row); err != nil {
		return nil, err
	}

	return &TokenPair{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		TokenType:    "bearer",
		AccessExp:    now.Add(h.accessTTL()),
		RefreshExp:   now.Add(h.refreshTTL()),
	}, nil
}

func (h *AuthService) publish(ctx context.Context, evt events.Event) {
	if err := h.Events.Publish(ctx, evt); err != nil {
		logging.FromContext(ctx).Warn("event_publish_failed", "type", evt.Type, "error", err)
	}
}
