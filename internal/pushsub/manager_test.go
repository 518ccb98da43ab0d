package pushsub

import (
	"context"
	"errors"
	"testing"

	apperrors "fidelya-notifications/internal/common/errors"
	"fidelya-notifications/internal/common/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ==========================
// Mocks
// ==========================

type MockPlatform struct {
	supported  bool
	permission Permission
	prompt     Permission
	promptErr  error
	swErr      error

	prompts       int
	registrations int
}

func (m *MockPlatform) Supported() bool        { return m.supported }
func (m *MockPlatform) Permission() Permission { return m.permission }

func (m *MockPlatform) RequestPermission(context.Context) (Permission, error) {
	m.prompts++
	if m.promptErr != nil {
		return PermissionDefault, m.promptErr
	}
	m.permission = m.prompt
	return m.prompt, nil
}

func (m *MockPlatform) RegisterServiceWorker(context.Context, string) error {
	m.registrations++
	return m.swErr
}

type MockTokenProvider struct {
	token    string
	err      error
	deletes  int
	vapidKey string
}

func (m *MockTokenProvider) GetToken(_ context.Context, vapidKey string) (string, error) {
	m.vapidKey = vapidKey
	return m.token, m.err
}

func (m *MockTokenProvider) DeleteToken(context.Context) error {
	m.deletes++
	return nil
}

type MockTokenStore struct {
	AddFunc    func(userID, token string) error
	RemoveFunc func(userID, token string) error

	added   []string
	removed []string
}

func (m *MockTokenStore) AddPushToken(_ context.Context, userID, token string) error {
	m.added = append(m.added, token)
	if m.AddFunc != nil {
		return m.AddFunc(userID, token)
	}
	return nil
}

func (m *MockTokenStore) RemovePushToken(_ context.Context, userID, token string) error {
	m.removed = append(m.removed, token)
	if m.RemoveFunc != nil {
		return m.RemoveFunc(userID, token)
	}
	return nil
}

func newTestManager(t *testing.T, cfg Config, p *MockPlatform, tp *MockTokenProvider, ts *MockTokenStore) *Manager {
	t.Helper()
	return NewManager(cfg, "user-1", p, tp, ts, logger.NewTestLogger(t))
}

var testConfig = Config{VAPIDKey: "BPublicVapidKey", ServiceWorkerURL: "/firebase-messaging-sw.js"}

// ==========================
// RequestPermission
// ==========================

func TestManager_RequestPermission_Granted(t *testing.T) {
	p := &MockPlatform{supported: true, permission: PermissionDefault, prompt: PermissionGranted}
	tp := &MockTokenProvider{token: "fcm-token-1"}
	ts := &MockTokenStore{}
	m := newTestManager(t, testConfig, p, tp, ts)

	token, err := m.RequestPermission(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "fcm-token-1", token)
	assert.Equal(t, "fcm-token-1", m.Token())
	assert.Equal(t, 1, p.prompts)
	assert.Equal(t, 1, p.registrations)
	assert.Equal(t, "BPublicVapidKey", tp.vapidKey)
	assert.Equal(t, []string{"fcm-token-1"}, ts.added)
}

func TestManager_RequestPermission_DeniedHasNoSideEffects(t *testing.T) {
	tests := []struct {
		name     string
		platform *MockPlatform
		prompts  int
	}{
		{"already denied", &MockPlatform{supported: true, permission: PermissionDenied}, 0},
		{"denied at prompt", &MockPlatform{supported: true, permission: PermissionDefault, prompt: PermissionDenied}, 1},
		{"prompt dismissed", &MockPlatform{supported: true, permission: PermissionDefault, prompt: PermissionDefault}, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tp := &MockTokenProvider{token: "tok"}
			ts := &MockTokenStore{}
			m := newTestManager(t, testConfig, tt.platform, tp, ts)

			token, err := m.RequestPermission(context.Background())
			assert.ErrorIs(t, err, ErrPermissionDenied)
			assert.Empty(t, token)
			assert.Equal(t, tt.prompts, tt.platform.prompts)
			assert.Zero(t, tt.platform.registrations, "no service worker registration")
			assert.Empty(t, tp.vapidKey, "no token request")
			assert.Empty(t, ts.added, "nothing persisted")
		})
	}
}

func TestManager_RequestPermission_NotSupported(t *testing.T) {
	p := &MockPlatform{supported: false}
	m := newTestManager(t, testConfig, p, &MockTokenProvider{}, &MockTokenStore{})

	token, err := m.RequestPermission(context.Background())
	assert.ErrorIs(t, err, ErrNotSupported)
	assert.Empty(t, token)
	assert.Zero(t, p.prompts)
}

func TestManager_RequestPermission_MissingVAPIDKey(t *testing.T) {
	p := &MockPlatform{supported: true, permission: PermissionGranted}
	ts := &MockTokenStore{}
	m := newTestManager(t, Config{}, p, &MockTokenProvider{token: "tok"}, ts)

	_, err := m.RequestPermission(context.Background())
	assert.ErrorIs(t, err, ErrMissingVAPIDKey)
	assert.Zero(t, p.registrations)
	assert.Empty(t, ts.added)
}

func TestManager_RequestPermission_StepFailures(t *testing.T) {
	tests := []struct {
		name              string
		platform          *MockPlatform
		provider          *MockTokenProvider
		store             *MockTokenStore
		wantRegistrations int
	}{
		{
			name:     "service worker registration fails",
			platform: &MockPlatform{supported: true, permission: PermissionGranted, swErr: errors.New("sw 404")},
			provider: &MockTokenProvider{token: "tok"},
			store:    &MockTokenStore{},
		},
		{
			name:              "token request fails after registration",
			platform:          &MockPlatform{supported: true, permission: PermissionGranted},
			provider:          &MockTokenProvider{err: errors.New("messaging/token-subscribe-failed")},
			store:             &MockTokenStore{},
			wantRegistrations: 1,
		},
		{
			name:              "persist fails",
			platform:          &MockPlatform{supported: true, permission: PermissionGranted},
			provider:          &MockTokenProvider{token: "tok"},
			store:             &MockTokenStore{AddFunc: func(string, string) error { return errors.New("store down") }},
			wantRegistrations: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newTestManager(t, testConfig, tt.platform, tt.provider, tt.store)

			token, err := m.RequestPermission(context.Background())
			require.Error(t, err)
			assert.True(t, apperrors.HasCode(err, apperrors.ErrCodePushRegistrationFailed))
			assert.Empty(t, token)
			assert.Empty(t, m.Token(), "no token held after a failed step")
			if tt.wantRegistrations > 0 {
				assert.Equal(t, tt.wantRegistrations, tt.platform.registrations)
			}
		})
	}
}

// ==========================
// Unsubscribe and Load
// ==========================

func TestManager_Unsubscribe(t *testing.T) {
	p := &MockPlatform{supported: true, permission: PermissionGranted}
	tp := &MockTokenProvider{token: "tok-1"}
	ts := &MockTokenStore{}
	m := newTestManager(t, testConfig, p, tp, ts)

	require.NoError(t, m.Unsubscribe(context.Background()), "no-op without a token")
	assert.Empty(t, ts.removed)

	_, err := m.RequestPermission(context.Background())
	require.NoError(t, err)

	require.NoError(t, m.Unsubscribe(context.Background()))
	assert.Equal(t, []string{"tok-1"}, ts.removed)
	assert.Equal(t, 1, tp.deletes)
	assert.Empty(t, m.Token())
}

func TestManager_Unsubscribe_StoreFailureKeepsToken(t *testing.T) {
	ts := &MockTokenStore{RemoveFunc: func(string, string) error { return errors.New("timeout") }}
	m := newTestManager(t, testConfig, &MockPlatform{supported: true}, &MockTokenProvider{}, ts)
	m.Restore("tok-1")

	assert.Error(t, m.Unsubscribe(context.Background()))
	assert.Equal(t, "tok-1", m.Token())
}

func TestManager_Load(t *testing.T) {
	tests := []struct {
		name        string
		permission  Permission
		previous    string
		current     string
		wantAdded   []string
		wantRemoved []string
		wantToken   string
	}{
		{"rotated token replaces stale one", PermissionGranted, "tok-old", "tok-new", []string{"tok-new"}, []string{"tok-old"}, "tok-new"},
		{"missing token is added", PermissionGranted, "", "tok-new", []string{"tok-new"}, nil, "tok-new"},
		{"unchanged token is re-asserted", PermissionGranted, "tok-1", "tok-1", []string{"tok-1"}, nil, "tok-1"},
		{"permission not granted", PermissionDefault, "tok-1", "tok-2", nil, nil, "tok-1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := &MockTokenStore{}
			m := newTestManager(t, testConfig,
				&MockPlatform{supported: true, permission: tt.permission},
				&MockTokenProvider{token: tt.current}, ts)
			m.Restore(tt.previous)

			m.Load(context.Background())

			assert.Equal(t, tt.wantAdded, ts.added)
			assert.Equal(t, tt.wantRemoved, ts.removed)
			assert.Equal(t, tt.wantToken, m.Token())
		})
	}
}

func TestManager_Load_ProviderErrorIsSwallowed(t *testing.T) {
	ts := &MockTokenStore{}
	m := newTestManager(t, testConfig,
		&MockPlatform{supported: true, permission: PermissionGranted},
		&MockTokenProvider{err: errors.New("offline")}, ts)
	m.Restore("tok-1")

	assert.NotPanics(t, func() { m.Load(context.Background()) })
	assert.Empty(t, ts.added)
	assert.Equal(t, "tok-1", m.Token())
}
