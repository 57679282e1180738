package scylla

import (
	"errors"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"security-core/internal/models"
	"security-core/internal/util"
)

var ErrUserNotFound = errors.New("user not found")

type UserRepository struct {
	client *ScyllaClient
}

func NewUserRepository(client *ScyllaClient) *UserRepository {
	return &UserRepository{client: client}
}

func (r *UserRepository) GetByUsername(username string) (*models.User, error) {
	user := &models.User{}

	err := r.client.Prepared.GetUserByUsername.Bind(username).Scan(
		&user.UserID, &user.Username, &user.PasswordHash, &user.Role,
		&user.TOTPSecret, &user.Active, &user.CreatedAt, &user.LastLogin)
	if err != nil {
		if err == gocql.ErrNotFound {
			return nil, ErrUserNotFound
		}
		util.Error("Failed to get user by username",
			zap.String("username", username),
			zap.Error(err))
		return nil, fmt.Errorf("failed to get user by username: %w", err)
	}

	return user, nil
}

func (r *UserRepository) Create(user *models.User) error {
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	err := r.client.Prepared.CreateUser.Bind(
		user.UserID, user.Username, user.PasswordHash, user.Role,
		user.TOTPSecret, user.Active, user.CreatedAt, user.LastLogin).Exec()
	if err != nil {
		util.Error("Failed to create user",
			zap.String("username", user.Username),
			zap.Error(err))
		return fmt.Errorf("failed to create user: %w", err)
	}

	util.Info("User created", zap.String("username", user.Username))
	return nil
}

func (r *UserRepository) UpdateLastLogin(username string, at time.Time) error {
	if err := r.client.Prepared.UpdateUserLastLogin.Bind(at, username).Exec(); err != nil {
		return fmt.Errorf("failed to update last login: %w", err)
	}
	return nil
}
