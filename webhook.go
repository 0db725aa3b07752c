package pokeshell

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// ============================================================================
// Push Webhook
// ============================================================================

// SignatureHeader carries "sha256=<hex hmac>" of the raw push body.
const SignatureHeader = "X-Pokeshell-Signature"

// maxPushBody bounds a webhook body.
const maxPushBody = 64 << 10

// VerifyPushSignature checks an HMAC-SHA256 signature in constant time. The
// "sha256=" prefix is optional.
func VerifyPushSignature(body []byte, signature, secret string) bool {
	if len(body) == 0 || signature == "" || secret == "" {
		return false
	}
	sig := strings.TrimPrefix(signature, "sha256=")
	if sig == "" {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	if len(sig) != len(expected) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(sig), []byte(expected)) == 1
}

// SignPush returns the signature header value for body.
func SignPush(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// PushWebhook accepts signed push deliveries over HTTP and hands them to
// the Dispatcher.
type PushWebhook struct {
	secret   string
	dispatch *Dispatcher
}

func NewPushWebhook(secret string, d *Dispatcher) (*PushWebhook, error) {
	if secret == "" {
		return nil, fmt.Errorf("push webhook secret is required")
	}
	if d == nil {
		return nil, fmt.Errorf("push webhook needs a dispatcher")
	}
	return &PushWebhook{secret: secret, dispatch: d}, nil
}

// Handle verifies and dispatches one delivery. It returns the status code
// and the JSON body to write. A verified but malformed payload still shows
// the generic notification.
func (w *PushWebhook) Handle(r *http.Request, body []byte, signature string) (int, any) {
	if !VerifyPushSignature(body, signature, w.secret) {
		return http.StatusUnauthorized, map[string]string{"error": "Invalid signature"}
	}
	rec := w.dispatch.Push(r.Context(), body)
	return http.StatusOK, map[string]any{"ok": true, "tag": rec.Tag, "url": rec.URL}
}

// HTTPHandler returns an http.Handler that processes push deliveries.
func (w *PushWebhook) HTTPHandler() http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeJSON(rw, http.StatusMethodNotAllowed, map[string]string{"error": "Method not allowed"})
			return
		}
		defer r.Body.Close()
		body, err := io.ReadAll(io.LimitReader(r.Body, maxPushBody+1))
		if err != nil {
			writeJSON(rw, http.StatusBadRequest, map[string]string{"error": "Failed to read body"})
			return
		}
		if len(body) > maxPushBody {
			writeJSON(rw, http.StatusRequestEntityTooLarge, map[string]string{"error": "Body too large"})
			return
		}
		status, data := w.Handle(r, body, r.Header.Get(SignatureHeader))
		writeJSON(rw, status, data)
	})
}

func writeJSON(rw http.ResponseWriter, status int, data any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	_ = json.NewEncoder(rw).Encode(data)
}
