package repo

import (
	"errors"

	"gorm.io/gorm"
)

var (
	ErrUserNotFound     = errors.New("user not found")
	ErrUserAlreadyExist = errors.New("user already exists")
	ErrRefreshNotFound  = errors.New("refresh token not found")
	ErrRefreshConsumed  = errors.New("refresh token revoked or already used")
	ErrRefreshExpired   = errors.New("refresh token expired")
)

type Repo struct {
	DB *gorm.DB
}

func New(db *gorm.DB) *Repo {
	return &Repo{DB: db}
}
