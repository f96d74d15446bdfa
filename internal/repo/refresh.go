package repo

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/avorobev/authcore/internal/models"
)

func (r *Repo) AddRefreshToken(ctx context.Context, t *models.RefreshToken) error {
	return r.DB.WithContext(ctx).Create(t).Error
}

func (r *Repo) FindRefreshByJTI(ctx context.Context, jti string) (*models.RefreshToken, error) {
	var token models.RefreshToken
	if err := r.DB.WithContext(ctx).Where("jti = ?", jti).First(&token).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRefreshNotFound
		}
		return nil, err
	}
	return &token, nil
}

// consumeRefresh is the rotation primitive: a single conditional UPDATE so
// that of any number of concurrent callers holding the same token, exactly
// one observes RowsAffected == 1.
func (r *Repo) consumeRefresh(db *gorm.DB, jti string, now time.Time) error {
	result := db.Model(&models.RefreshToken{}).
		Where("jti = ? AND revoked = ? AND expires_at > ?", jti, false, now.Unix()).
		Update("revoked", true)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 1 {
		return nil
	}

	var token models.RefreshToken
	if err := db.Where("jti = ?", jti).First(&token).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrRefreshNotFound
		}
		return err
	}
	if !token.Revoked && token.ExpiresAt <= now.Unix() {
		return ErrRefreshExpired
	}
	return ErrRefreshConsumed
}

// RotateRefreshToken consumes the old token and records its replacement in
// one transaction. Losers of a concurrent rotation get ErrRefreshConsumed.
func (r *Repo) RotateRefreshToken(ctx context.Context, oldJTI string, newToken *models.RefreshToken, now time.Time) error {
	return r.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := r.consumeRefresh(tx, oldJTI, now); err != nil {
			return err
		}
		return tx.Create(newToken).Error
	})
}

// RevokeRefreshByHash revokes a single stored token. Revoking an unknown or
// already revoked token is not an error; logout is idempotent.
func (r *Repo) RevokeRefreshByHash(ctx context.Context, tokenHash string) error {
	return r.DB.WithContext(ctx).Model(&models.RefreshToken{}).
		Where("token_hash = ?", tokenHash).
		Update("revoked", true).Error
}

// RevokeAllForUser revokes every outstanding refresh token of a user, used by
// logout and by password change to force re-authentication everywhere.
func (r *Repo) RevokeAllForUser(ctx context.Context, userID uuid.UUID) error {
	return r.DB.WithContext(ctx).Model(&models.RefreshToken{}).
		Where("user_id = ? AND revoked = ?", userID, false).
		Update("revoked", true).Error
}
