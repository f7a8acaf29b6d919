package redis

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"coliving-admin-auth/internal/client"
	"coliving-admin-auth/internal/models"
	"coliving-admin-auth/internal/util"
)

const (
	baseSessionPrefix  = "admin_base_session:"
	adminSessionPrefix = "admin_session:"
	userSessionsPrefix = "admin_user_sessions:"
)

var ErrSessionNotFound = errors.New("session not found")

// SessionCache keeps base sessions (password verified) and admin sessions
// (second factor satisfied). Keys use a digest of the token, never the token.
type SessionCache struct {
	client *client.RedisClient
}

func NewSessionCache(client *client.RedisClient) *SessionCache {
	return &SessionCache{client: client}
}

func tokenKey(prefix, token string) string {
	sum := sha256.Sum256([]byte(token))
	return prefix + hex.EncodeToString(sum[:])
}

func (c *SessionCache) SetBaseSession(ctx context.Context, session *models.AdminSession, ttl time.Duration) error {
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to marshal base session: %w", err)
	}

	if err := c.client.Set(ctx, tokenKey(baseSessionPrefix, session.Token), data, ttl); err != nil {
		util.Error("Failed to set base session",
			zap.String("user_id", session.UserID),
			zap.Duration("ttl", ttl),
			zap.Error(err))
		return fmt.Errorf("failed to set base session: %w", err)
	}

	util.Debug("Base session set", zap.String("user_id", session.UserID), zap.Duration("ttl", ttl))
	return nil
}

func (c *SessionCache) DeleteBaseSession(ctx context.Context, token string) error {
	if err := c.client.Del(ctx, tokenKey(baseSessionPrefix, token)); err != nil {
		util.Error("Failed to delete base session", zap.Error(err))
		return fmt.Errorf("failed to delete base session: %w", err)
	}
	return nil
}

// PromoteSession consumes the base session and stores an admin session under
// adminToken. The base session is read under WATCH and deleted in the same MULTI
// that writes the admin session, so a base session can be promoted once.
func (c *SessionCache) PromoteSession(ctx context.Context, baseToken, adminToken string, role models.Role, ttl time.Duration, now time.Time) (*models.AdminSession, error) {
	baseKey := tokenKey(baseSessionPrefix, baseToken)
	adminKey := tokenKey(adminSessionPrefix, adminToken)

	var admin *models.AdminSession
	err := c.client.Watch(ctx, func(tx *goredis.Tx) error {
		raw, err := tx.Get(ctx, baseKey).Result()
		if err != nil {
			if errors.Is(err, goredis.Nil) {
				return ErrSessionNotFound
			}
			return fmt.Errorf("failed to read base session: %w", err)
		}

		var base models.AdminSession
		if err := json.Unmarshal([]byte(raw), &base); err != nil {
			return fmt.Errorf("failed to unmarshal base session: %w", err)
		}

		promoted := &models.AdminSession{
			Token:             adminToken,
			UserID:            base.UserID,
			Email:             base.Email,
			Role:              role,
			SecondFactor:      true,
			ClientFingerprint: base.ClientFingerprint,
			CreatedAt:         now,
			ExpiresAt:         now.Add(ttl),
		}
		data, err := json.Marshal(promoted)
		if err != nil {
			return fmt.Errorf("failed to marshal admin session: %w", err)
		}

		userKey := userSessionsPrefix + promoted.UserID
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.Del(ctx, baseKey)
			pipe.Set(ctx, adminKey, data, ttl)
			pipe.SAdd(ctx, userKey, adminKey)
			pipe.Expire(ctx, userKey, ttl)
			return nil
		})
		if err != nil {
			return err
		}
		admin = promoted
		return nil
	}, baseKey)

	switch {
	case err == nil:
	case errors.Is(err, ErrSessionNotFound):
		return nil, ErrSessionNotFound
	case errors.Is(err, goredis.TxFailedErr):
		// A concurrent promotion or sign-out touched the base session first.
		return nil, ErrSessionNotFound
	default:
		util.Error("Failed to promote session", zap.Error(err))
		return nil, fmt.Errorf("failed to promote session: %w", err)
	}

	util.Info("Admin session established",
		zap.String("user_id", admin.UserID),
		zap.String("email", admin.Email),
		zap.Duration("ttl", ttl))
	return admin, nil
}

func (c *SessionCache) GetAdminSession(ctx context.Context, token string) (*models.AdminSession, error) {
	return c.get(ctx, tokenKey(adminSessionPrefix, token), token)
}

func (c *SessionCache) DeleteAdminSession(ctx context.Context, token string) error {
	session, err := c.GetAdminSession(ctx, token)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			return nil
		}
		return err
	}

	adminKey := tokenKey(adminSessionPrefix, token)
	pipe := c.client.Pipeline()
	pipe.Del(ctx, adminKey)
	pipe.SRem(ctx, userSessionsPrefix+session.UserID, adminKey)
	if _, err := pipe.Exec(ctx); err != nil {
		util.Error("Failed to delete admin session", zap.String("user_id", session.UserID), zap.Error(err))
		return fmt.Errorf("failed to delete admin session: %w", err)
	}

	util.Info("Admin session invalidated", zap.String("user_id", session.UserID))
	return nil
}

// InvalidateAllUserSessions drops every admin session of userID.
func (c *SessionCache) InvalidateAllUserSessions(ctx context.Context, userID string) error {
	userKey := userSessionsPrefix + userID
	keys, err := c.client.Client.SMembers(ctx, userKey).Result()
	if err != nil {
		return fmt.Errorf("failed to list user sessions: %w", err)
	}

	pipe := c.client.Pipeline()
	for _, key := range keys {
		pipe.Del(ctx, key)
	}
	pipe.Del(ctx, userKey)
	if _, err := pipe.Exec(ctx); err != nil {
		util.Error("Failed to invalidate user sessions", zap.String("user_id", userID), zap.Error(err))
		return fmt.Errorf("failed to invalidate user sessions: %w", err)
	}

	util.Info("All admin sessions invalidated",
		zap.String("user_id", userID),
		zap.Int("sessions", len(keys)))
	return nil
}

func (c *SessionCache) get(ctx context.Context, key, token string) (*models.AdminSession, error) {
	raw, err := c.client.Get(ctx, key)
	if err != nil {
		if errors.Is(err, client.ErrKeyNotFound) {
			return nil, ErrSessionNotFound
		}
		util.Error("Failed to get session", zap.Error(err))
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	var session models.AdminSession
	if err := json.Unmarshal([]byte(raw), &session); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}
	session.Token = token
	return &session, nil
}
