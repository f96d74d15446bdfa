package service

import (
	"context"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/avorobev/authcore/internal/models"
	"github.com/avorobev/authcore/internal/repo"
	"github.com/avorobev/authcore/internal/tokens"
)

func newTestService(t *testing.T) *AuthService {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.User{}, &models.RefreshToken{}))

	return &AuthService{
		Repo:          repo.New(db),
		JWTSecret:     []byte("test-jwt-secret"),
		RefreshSecret: []byte("test-refresh-secret"),
	}
}

func TestRegister_SuccessAndDuplicate(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)

	user, err := svc.Register(ctx, "a@b.com", "Password1")
	require.NoError(t, err)
	require.NotNil(t, user)
	assert.Equal(t, "a@b.com", user.Email)
	assert.True(t, user.Active)
	assert.NotEqual(t, uuid.Nil, user.ID)
	assert.NotEqual(t, "Password1", user.PasswordHash)

	dup, err := svc.Register(ctx, "a@b.com", "OtherPassword")
	require.Error(t, err)
	assert.Nil(t, dup)
	assert.ErrorIs(t, err, ErrConflict)

	var count int64
	require.NoError(t, svc.Repo.DB.Model(&models.User{}).Where("email = ?", "a@b.com").Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestRegister_Validation(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)

	tests := []struct {
		name     string
		email    string
		password string
	}{
		{name: "empty email", email: "", password: "secret"},
		{name: "empty password", email: "a@b.com", password: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			user, err := svc.Register(ctx, tt.email, tt.password)
			require.Error(t, err)
			assert.Nil(t, user)
			assert.ErrorIs(t, err, ErrValidation)
		})
	}
}

func TestLogin_SubjectMatchesUser(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)

	user, err := svc.Register(ctx, "a@b.com", "Password1")
	require.NoError(t, err)

	pair, err := svc.Login(ctx, "a@b.com", "Password1")
	require.NoError(t, err)
	require.NotEmpty(t, pair.AccessToken)
	require.NotEmpty(t, pair.RefreshToken)
	assert.Equal(t, "bearer", pair.TokenType)

	claims, err := tokens.AccessClaimsFromToken(pair.AccessToken, svc.JWTSecret)
	require.NoError(t, err)
	assert.Equal(t, user.ID.String(), claims.Subject)

	resolved, err := svc.VerifyAccess(ctx, pair.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, user.ID, resolved.ID)
	assert.Equal(t, "a@b.com", resolved.Email)
}

func TestLogin_BadCredentials(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)

	_, err := svc.Register(ctx, "a@b.com", "Password1")
	require.NoError(t, err)

	tests := []struct {
		name     string
		email    string
		password string
	}{
		{name: "unknown email", email: "nobody@b.com", password: "Password1"},
		{name: "wrong password", email: "a@b.com", password: "wrong"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pair, err := svc.Login(ctx, tt.email, tt.password)
			require.Error(t, err)
			assert.Nil(t, pair)
			assert.ErrorIs(t, err, ErrInvalidCredentials)
		})
	}
}

func TestVerifyAccess_ErrorTaxonomy(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)

	user, err := svc.Register(ctx, "a@b.com", "Password1")
	require.NoError(t, err)

	now := time.Now().UTC()

	expired, err := tokens.NewAccessToken(user.ID.String(), svc.JWTSecret, now.Add(-time.Hour), time.Minute)
	require.NoError(t, err)
	_, err = svc.VerifyAccess(ctx, expired)
	assert.ErrorIs(t, err, tokens.ErrExpiredToken)
	assert.NotErrorIs(t, err, tokens.ErrInvalidSignature)

	foreign, err := tokens.NewAccessToken(user.ID.String(), []byte("attacker-secret"), now, time.Minute)
	require.NoError(t, err)
	_, err = svc.VerifyAccess(ctx, foreign)
	assert.ErrorIs(t, err, tokens.ErrInvalidSignature)

	_, err = svc.VerifyAccess(ctx, "garbage")
	assert.ErrorIs(t, err, tokens.ErrMalformedToken)

	_, err = svc.VerifyAccess(ctx, "")
	assert.ErrorIs(t, err, tokens.ErrMissingToken)
}

func TestVerifyAccess_InactiveUser(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)

	user, err := svc.Register(ctx, "a@b.com", "Password1")
	require.NoError(t, err)
	pair, err := svc.Login(ctx, "a@b.com", "Password1")
	require.NoError(t, err)

	require.NoError(t, svc.Repo.DB.Model(&models.User{}).
		Where("id = ?", user.ID).Update("active", false).Error)

	_, err = svc.VerifyAccess(ctx, pair.AccessToken)
	assert.ErrorIs(t, err, ErrInactiveUser)
}

func TestRefresh_RotatesAndInvalidatesOldToken(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)

	_, err := svc.Register(ctx, "a@b.com", "Password1")
	require.NoError(t, err)
	loginPair, err := svc.Login(ctx, "a@b.com", "Password1")
	require.NoError(t, err)

	oldClaims, err := tokens.RefreshClaimsFromToken(loginPair.RefreshToken, svc.RefreshSecret)
	require.NoError(t, err)

	refreshed, err := svc.Refresh(ctx, loginPair.RefreshToken)
	require.NoError(t, err)
	require.NotEmpty(t, refreshed.AccessToken)
	require.NotEmpty(t, refreshed.RefreshToken)
	assert.NotEqual(t, loginPair.RefreshToken, refreshed.RefreshToken)

	oldRow, err := svc.Repo.FindRefreshByJTI(ctx, oldClaims.ID)
	require.NoError(t, err)
	assert.True(t, oldRow.Revoked)

	// The consumed token loses the rotation race unconditionally.
	again, err := svc.Refresh(ctx, loginPair.RefreshToken)
	require.Error(t, err)
	assert.Nil(t, again)
	assert.ErrorIs(t, err, ErrInvalidRefreshToken)

	// The replacement still works.
	next, err := svc.Refresh(ctx, refreshed.RefreshToken)
	require.NoError(t, err)
	require.NotEmpty(t, next.RefreshToken)
}

func TestRefresh_ExpiredToken(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)

	user, err := svc.Register(ctx, "a@b.com", "Password1")
	require.NoError(t, err)

	staleJWT, _, err := tokens.NewRefreshToken(user.ID.String(), svc.RefreshSecret, time.Now().UTC().Add(-time.Hour), time.Minute)
	require.NoError(t, err)

	pair, err := svc.Refresh(ctx, staleJWT)
	require.Error(t, err)
	assert.Nil(t, pair)
	assert.ErrorIs(t, err, ErrExpiredRefreshToken)
}

func TestRefresh_ExpiredServerSideRecord(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)

	user, err := svc.Register(ctx, "a@b.com", "Password1")
	require.NoError(t, err)

	// JWT still valid, but the stored record has already lapsed.
	token, jti, err := tokens.NewRefreshToken(user.ID.String(), svc.RefreshSecret, time.Now().UTC(), time.Hour)
	require.NoError(t, err)
	require.NoError(t, svc.Repo.AddRefreshToken(ctx, &models.RefreshToken{
		TokenHash: tokens.Sha256Hex(token),
		UserID:    user.ID,
		JTI:       jti,
		ExpiresAt: time.Now().UTC().Add(-time.Minute).Unix(),
	}))

	pair, err := svc.Refresh(ctx, token)
	require.Error(t, err)
	assert.Nil(t, pair)
	assert.ErrorIs(t, err, ErrExpiredRefreshToken)
}

func TestRefresh_UnknownToken(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)

	pair, err := svc.Refresh(ctx, "not-a-valid-jwt")
	require.Error(t, err)
	assert.Nil(t, pair)
	assert.ErrorIs(t, err, ErrInvalidRefreshToken)
}

func TestLogout_IdempotentAndRevokes(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)

	user, err := svc.Register(ctx, "a@b.com", "Password1")
	require.NoError(t, err)
	pair, err := svc.Login(ctx, "a@b.com", "Password1")
	require.NoError(t, err)

	require.NoError(t, svc.Logout(ctx, user.ID))
	require.NoError(t, svc.Logout(ctx, user.ID))

	refreshed, err := svc.Refresh(ctx, pair.RefreshToken)
	require.Error(t, err)
	assert.Nil(t, refreshed)
	assert.ErrorIs(t, err, ErrInvalidRefreshToken)
}

func TestChangePassword_RevokesOutstandingRefreshTokens(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)

	user, err := svc.Register(ctx, "a@b.com", "Password1")
	require.NoError(t, err)
	pair, err := svc.Login(ctx, "a@b.com", "Password1")
	require.NoError(t, err)

	require.ErrorIs(t, svc.ChangePassword(ctx, user.ID, "wrong", "NewPassword1"), ErrInvalidCredentials)
	require.NoError(t, svc.ChangePassword(ctx, user.ID, "Password1", "NewPassword1"))

	_, err = svc.Login(ctx, "a@b.com", "Password1")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = svc.Login(ctx, "a@b.com", "NewPassword1")
	require.NoError(t, err)

	refreshed, err := svc.Refresh(ctx, pair.RefreshToken)
	require.Error(t, err)
	assert.Nil(t, refreshed)
	assert.ErrorIs(t, err, ErrInvalidRefreshToken)
}
