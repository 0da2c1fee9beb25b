package twilioclient

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strings"
	"testing"
)

func TestNewClient_RequiresCredentials(t *testing.T) {
	if _, err := NewClient(WithFromNumber("+15550000000")); err == nil {
		t.Error("expected error without credentials")
	}
	if _, err := NewClient(WithAccountSID("AC1"), WithAuthToken("tok")); err == nil {
		t.Error("expected error without any sender")
	}
}

func TestNewClient_NormalisesWhatsAppSender(t *testing.T) {
	c, err := NewClient(WithAccountSID("AC1"), WithAuthToken("tok"), WithWhatsAppFrom("+15550000000"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.fromWhatsApp != "whatsapp:+15550000000" {
		t.Errorf("fromWhatsApp = %q", c.fromWhatsApp)
	}
	if c.SupportsSMS() || !c.SupportsWhatsApp() {
		t.Errorf("SupportsSMS = %v, SupportsWhatsApp = %v", c.SupportsSMS(), c.SupportsWhatsApp())
	}
}

func TestSend_NoSenderForChannel(t *testing.T) {
	c, err := NewClient(WithAccountSID("AC1"), WithAuthToken("tok"), WithWhatsAppFrom("+15550000000"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := c.Send(context.Background(), "+15551112222", "hi"); !errors.Is(err, ErrNoSender) {
		t.Errorf("Send over SMS without sender: got %v, want ErrNoSender", err)
	}
}

func TestMockClient_Send(t *testing.T) {
	ctx := context.Background()
	mock := NewMockClient()

	sid, err := mock.Send(ctx, "+15551112222", "Hello Test")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sid == "" {
		t.Error("expected a synthetic SID")
	}
	if mock.Count() != 1 {
		t.Fatalf("expected 1 message, got %d", mock.Count())
	}
	if got := mock.Sent()[0]; got.Body != "Hello Test" || got.SID != sid {
		t.Errorf("recorded %+v", got)
	}
}

func TestMockClient_SendFuncError(t *testing.T) {
	mock := NewMockClient()
	mock.SendFunc = func(ctx context.Context, to, body string) (string, error) {
		return "", errors.New("carrier rejected")
	}
	if _, err := mock.Send(context.Background(), "+1", "x"); err == nil {
		t.Fatal("expected error")
	}
	if mock.Count() != 0 {
		t.Errorf("failed sends must not be recorded, got %d", mock.Count())
	}
}

// sign computes a Twilio webhook signature: base64(HMAC-SHA1(token, url + sorted key/value pairs)).
func sign(token, fullURL string, form url.Values) string {
	keys := make([]string, 0, len(form))
	for k := range form {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(fullURL)
	for _, k := range keys {
		b.WriteString(k)
		b.WriteString(form.Get(k))
	}
	mac := hmac.New(sha1.New, []byte(token))
	mac.Write([]byte(b.String()))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func TestWebhookValidator(t *testing.T) {
	form := url.Values{"From": {"+15551112222"}, "Body": {"STOP"}}
	base := "https://lockstep.example.com"
	path := "/webhooks/twilio/inbound"

	newReq := func(sig string) *http.Request {
		req := httptest.NewRequest("POST", path, strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		if sig != "" {
			req.Header.Set(SignatureHeader, sig)
		}
		return req
	}

	v := NewWebhookValidator("secret-token", base+"/")
	if !v.Validate(newReq(sign("secret-token", base+path, form))) {
		t.Error("valid signature rejected")
	}
	if v.Validate(newReq(sign("other-token", base+path, form))) {
		t.Error("signature from another token accepted")
	}
	if v.Validate(newReq("")) {
		t.Error("missing signature accepted")
	}
}
