// Package pushsub bridges browser push permission and token APIs to the
// user's persisted push token set, and defines the payload contract the
// service worker renders.
package pushsub

import (
	"context"
	"errors"
	"sync"

	apperrors "fidelya-notifications/internal/common/errors"
	"fidelya-notifications/internal/common/logger"
)

var (
	ErrNotSupported     = errors.New("push notifications are not supported on this platform")
	ErrPermissionDenied = errors.New("notification permission denied")
	ErrMissingVAPIDKey  = errors.New("push application key is not configured")
)

type Permission string

const (
	PermissionDefault Permission = "default"
	PermissionGranted Permission = "granted"
	PermissionDenied  Permission = "denied"
)

// Platform is the browser surface: feature detection, the permission
// prompt and service worker registration.
type Platform interface {
	Supported() bool
	Permission() Permission
	RequestPermission(ctx context.Context) (Permission, error)
	RegisterServiceWorker(ctx context.Context, scriptURL string) error
}

// TokenProvider issues and revokes the push channel token.
type TokenProvider interface {
	GetToken(ctx context.Context, vapidKey string) (string, error)
	DeleteToken(ctx context.Context) error
}

// TokenStore persists tokens against a user record.
type TokenStore interface {
	AddPushToken(ctx context.Context, userID, token string) error
	RemovePushToken(ctx context.Context, userID, token string) error
}

type Config struct {
	VAPIDKey         string
	ServiceWorkerURL string
}

// Manager holds at most one token for the current user.
type Manager struct {
	cfg      Config
	userID   string
	platform Platform
	provider TokenProvider
	store    TokenStore
	logger   logger.Logger

	mu    sync.Mutex
	token string
}

func NewManager(cfg Config, userID string, platform Platform, provider TokenProvider, store TokenStore, log logger.Logger) *Manager {
	if cfg.ServiceWorkerURL == "" {
		cfg.ServiceWorkerURL = "/firebase-messaging-sw.js"
	}
	return &Manager{
		cfg:      cfg,
		userID:   userID,
		platform: platform,
		provider: provider,
		store:    store,
		logger:   logger.Component(log, "push-subscription").WithFields(map[string]interface{}{"userId": userID}),
	}
}

// Token returns the token currently held, if any.
func (m *Manager) Token() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.token
}

// RequestPermission prompts for permission and, when granted, registers the
// service worker, obtains a token and persists it. It returns the token.
func (m *Manager) RequestPermission(ctx context.Context) (string, error) {
	if !m.platform.Supported() {
		m.logger.Info("Push notifications not supported", nil)
		return "", ErrNotSupported
	}

	perm := m.platform.Permission()
	if perm == PermissionDenied {
		return "", ErrPermissionDenied
	}
	if perm != PermissionGranted {
		var err error
		perm, err = m.platform.RequestPermission(ctx)
		if err != nil {
			return "", apperrors.NewPushRegistrationFailedError("permission request failed", err)
		}
	}
	if perm != PermissionGranted {
		m.logger.Info("Notification permission not granted", map[string]interface{}{"permission": perm})
		return "", ErrPermissionDenied
	}

	if m.cfg.VAPIDKey == "" {
		return "", ErrMissingVAPIDKey
	}

	// registering twice is harmless, so it is not rolled back below
	if err := m.platform.RegisterServiceWorker(ctx, m.cfg.ServiceWorkerURL); err != nil {
		return "", apperrors.NewPushRegistrationFailedError("service worker registration failed", err)
	}

	token, err := m.provider.GetToken(ctx, m.cfg.VAPIDKey)
	if err != nil {
		return "", apperrors.NewPushRegistrationFailedError("token request failed", err)
	}
	if token == "" {
		return "", apperrors.NewPushRegistrationFailedError("provider returned an empty token", nil)
	}

	if err := m.store.AddPushToken(ctx, m.userID, token); err != nil {
		return "", apperrors.NewPushRegistrationFailedError("persist token failed", err)
	}

	m.mu.Lock()
	m.token = token
	m.mu.Unlock()

	m.logger.Info("Push subscription registered", nil)
	return token, nil
}

// Unsubscribe removes the held token from the user's set and forgets it.
// Without a token it does nothing.
func (m *Manager) Unsubscribe(ctx context.Context) error {
	m.mu.Lock()
	token := m.token
	m.mu.Unlock()
	if token == "" {
		return nil
	}

	if err := m.store.RemovePushToken(ctx, m.userID, token); err != nil {
		return apperrors.NewPushRegistrationFailedError("remove token failed", err)
	}
	if err := m.provider.DeleteToken(ctx); err != nil {
		m.logger.Warn("Failed to revoke push token at the provider", map[string]interface{}{"error": err})
	}

	m.mu.Lock()
	if m.token == token {
		m.token = ""
	}
	m.mu.Unlock()

	m.logger.Info("Push subscription removed", nil)
	return nil
}

// Load reconciles the provider's current token with the persisted set when
// permission was granted earlier. Providers rotate tokens silently, so a
// changed token replaces the stale one. Failures are logged, not returned.
func (m *Manager) Load(ctx context.Context) {
	if !m.platform.Supported() || m.platform.Permission() != PermissionGranted || m.cfg.VAPIDKey == "" {
		return
	}

	current, err := m.provider.GetToken(ctx, m.cfg.VAPIDKey)
	if err != nil || current == "" {
		m.logger.Warn("Could not re-derive push token", map[string]interface{}{"error": err})
		return
	}

	m.mu.Lock()
	previous := m.token
	m.mu.Unlock()

	// AddPushToken is idempotent, so an unchanged token is re-asserted as well
	if err := m.store.AddPushToken(ctx, m.userID, current); err != nil {
		m.logger.Warn("Failed to persist push token", map[string]interface{}{"error": err})
		return
	}
	if previous != "" && previous != current {
		if err := m.store.RemovePushToken(ctx, m.userID, previous); err != nil {
			m.logger.Warn("Failed to remove rotated push token", map[string]interface{}{"error": err})
		}
		m.logger.Info("Push token rotated", nil)
	}

	m.mu.Lock()
	m.token = current
	m.mu.Unlock()
}

// Restore sets the token known from a previous session, before Load.
func (m *Manager) Restore(token string) {
	m.mu.Lock()
	m.token = token
	m.mu.Unlock()
}
