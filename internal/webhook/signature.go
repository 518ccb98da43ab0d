package webhook

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"net/http"
	"strings"

	apperrors "fidelya-notifications/internal/common/errors"
)

const (
	SignatureHeader       = "X-Signature"
	TwilioSignatureHeader = "X-Twilio-Signature"
)

// Verifier checks provider signatures with one shared secret per provider.
// A provider without a secret rejects every request.
type Verifier struct {
	secrets map[string]string
	// publicURL replaces scheme and host when rebuilding the URL Twilio
	// signed, for deployments behind a proxy.
	publicURL string
}

func NewVerifier(secrets map[string]string, publicURL string) *Verifier {
	copied := make(map[string]string, len(secrets))
	for k, v := range secrets {
		copied[k] = v
	}
	return &Verifier{secrets: copied, publicURL: strings.TrimSuffix(publicURL, "/")}
}

// Verify returns a WEBHOOK_SIGNATURE_INVALID error when the request is not
// signed by provider.
func (v *Verifier) Verify(provider string, r *http.Request, body []byte) error {
	secret := v.secrets[provider]
	if secret == "" {
		return apperrors.NewWebhookSignatureInvalidError(provider, "no secret configured")
	}

	header := SignatureHeader
	if provider == ProviderTwilio {
		header = TwilioSignatureHeader
	}
	got := strings.TrimSpace(r.Header.Get(header))
	if got == "" {
		return apperrors.NewWebhookSignatureInvalidError(provider, "missing "+header)
	}

	var want string
	if provider == ProviderTwilio {
		want = SignTwilio(secret, v.requestURL(r), body)
	} else {
		want = Sign(secret, body)
		got = strings.TrimPrefix(got, "sha256=")
	}

	if !hmac.Equal([]byte(got), []byte(want)) {
		return apperrors.NewWebhookSignatureInvalidError(provider, "signature mismatch")
	}
	return nil
}

func (v *Verifier) requestURL(r *http.Request) string {
	if v.publicURL != "" {
		return v.publicURL + r.URL.RequestURI()
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if fwd := r.Header.Get("X-Forwarded-Proto"); fwd != "" {
		scheme = fwd
	}
	return scheme + "://" + r.Host + r.URL.RequestURI()
}

// Sign is the hex HMAC-SHA256 of body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// SignTwilio is the base64 HMAC-SHA1 of url followed by body.
func SignTwilio(secret, url string, body []byte) string {
	mac := hmac.New(sha1.New, []byte(secret))
	mac.Write([]byte(url))
	mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
