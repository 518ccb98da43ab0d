package pushsub

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	apphttp "fidelya-notifications/internal/common/http"
)

// APITokenStore persists tokens through the notification server's push
// token endpoints. It is what a Manager outside the server process uses.
type APITokenStore struct {
	baseURL string
	client  *apphttp.Client
	headers map[string]string
}

func NewAPITokenStore(baseURL string, timeout time.Duration, headers map[string]string) *APITokenStore {
	return &APITokenStore{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  apphttp.NewClient(timeout),
		headers: headers,
	}
}

func (s *APITokenStore) AddPushToken(ctx context.Context, userID, token string) error {
	endpoint := fmt.Sprintf("%s/api/v1/users/%s/push-tokens", s.baseURL, url.PathEscape(userID))
	resp, err := s.client.PostJSON(ctx, endpoint, tokenRequest{Token: token}, s.headers)
	if err != nil {
		return fmt.Errorf("add push token: %w", err)
	}
	if !resp.IsSuccess() {
		return fmt.Errorf("add push token: status %d: %s", resp.StatusCode, resp.Body)
	}
	return nil
}

func (s *APITokenStore) RemovePushToken(ctx context.Context, userID, token string) error {
	endpoint := fmt.Sprintf("%s/api/v1/users/%s/push-tokens/%s", s.baseURL, url.PathEscape(userID), url.PathEscape(token))
	req, err := http.NewRequest(http.MethodDelete, endpoint, nil)
	if err != nil {
		return err
	}
	for k, v := range s.headers {
		req.Header.Set(k, v)
	}

	resp, err := s.client.Do(ctx, req)
	if err != nil {
		return fmt.Errorf("remove push token: %w", err)
	}
	if !resp.IsSuccess() {
		return fmt.Errorf("remove push token: status %d: %s", resp.StatusCode, resp.Body)
	}
	return nil
}
