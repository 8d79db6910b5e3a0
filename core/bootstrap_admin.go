package core

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"os"

	log "github.com/sirupsen/logrus"
)

const (
	bootstrapAdminUsername = "admin"
	bootstrapAdminRole     = "ADMIN"
)

// BootstrapAdmin creates an initial GRAND_PERMISSION account when no role grants it.
// It is idempotent: once such an account exists it does nothing.
func BootstrapAdmin(ctx context.Context, users CredentialStore, hasher PasswordHasher, cfg Config) error {
	if !cfg.BootstrapAdminEnabled {
		return nil
	}

	has, err := users.HasPermission(ctx, GrandPermission)
	if err != nil {
		return err
	}
	if has {
		return nil
	}

	password, err := generatePassword(32)
	if err != nil {
		return err
	}
	hash, err := hasher.Hash(password)
	if err != nil {
		return err
	}

	rec, err := users.Save(ctx, CredentialRecord{
		Username:     bootstrapAdminUsername,
		PasswordHash: hash,
		Roles: []Role{{
			Name:        bootstrapAdminRole,
			Permissions: []PermissionType{GrandPermission, GenerateTests},
		}},
	})
	if err != nil {
		return err
	}

	if cfg.InitialAdminPasswordPath != "" {
		if err := os.WriteFile(cfg.InitialAdminPasswordPath, []byte(password+"\n"), 0o600); err != nil {
			return err
		}
		log.WithField("path", cfg.InitialAdminPasswordPath).Info("initial admin created; credentials written to file")
	} else {
		log.WithFields(log.Fields{"user_id": rec.ID, "username": rec.Username, "password": password}).Warn("initial admin created")
	}
	return nil
}

func generatePassword(length int) (string, error) {
	if length <= 0 {
		return "", errors.New("password length must be positive")
	}
	raw := make([]byte, length)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw)[:length], nil
}
