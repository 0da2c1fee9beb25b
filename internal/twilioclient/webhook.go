package twilioclient

import (
	"net/http"
	"strings"

	twclient "github.com/twilio/twilio-go/client"
)

// SignatureHeader carries Twilio's HMAC signature of a webhook request.
const SignatureHeader = "X-Twilio-Signature"

// WebhookValidator checks that webhook requests were signed by Twilio.
type WebhookValidator struct {
	validator twclient.RequestValidator
	baseURL   string
}

// NewWebhookValidator returns a validator for the account's auth token.
// baseURL is the public scheme and host Twilio was configured with; when empty
// the URL is rebuilt from the request's Host header.
func NewWebhookValidator(authToken, baseURL string) *WebhookValidator {
	return &WebhookValidator{
		validator: twclient.NewRequestValidator(authToken),
		baseURL:   strings.TrimRight(baseURL, "/"),
	}
}

// Validate reports whether r carries a valid signature. It parses the form.
func (v *WebhookValidator) Validate(r *http.Request) bool {
	sig := r.Header.Get(SignatureHeader)
	if sig == "" {
		return false
	}
	if err := r.ParseForm(); err != nil {
		return false
	}
	params := make(map[string]string, len(r.PostForm))
	for k, vals := range r.PostForm {
		if len(vals) > 0 {
			params[k] = vals[0]
		}
	}
	return v.validator.Validate(v.requestURL(r), params, sig)
}

func (v *WebhookValidator) requestURL(r *http.Request) string {
	if v.baseURL != "" {
		return v.baseURL + r.URL.RequestURI()
	}
	scheme := "https"
	if r.TLS == nil && r.Header.Get("X-Forwarded-Proto") != "https" {
		scheme = "http"
	}
	return scheme + "://" + r.Host + r.URL.RequestURI()
}
