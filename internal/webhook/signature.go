package webhook

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"net/http"
	"strings"

	"github.com/cockroachdb/errors"
)

// GitHub delivery headers
const (
	HeaderSignature256 = "X-Hub-Signature-256"
	HeaderSignature    = "X-Hub-Signature"
	HeaderEvent        = "X-GitHub-Event"
	HeaderDelivery     = "X-GitHub-Delivery"
)

// VerifySignature checks the HMAC of body against the delivery headers.
// The SHA-256 header wins; the legacy SHA-1 header is only consulted when
// the SHA-256 one is absent.
func VerifySignature(h http.Header, body []byte, secret string) error {
	if secret == "" {
		return errors.Wrap(ErrSignature, "no webhook secret configured")
	}

	if sig := h.Get(HeaderSignature256); sig != "" {
		return verifyHMAC(sig, "sha256=", sha256.New, body, secret)
	}
	if sig := h.Get(HeaderSignature); sig != "" {
		return verifyHMAC(sig, "sha1=", sha1.New, body, secret)
	}
	return errors.Wrap(ErrSignature, "missing signature header")
}

func verifyHMAC(header, prefix string, newHash func() hash.Hash, body []byte, secret string) error {
	if !strings.HasPrefix(header, prefix) {
		return errors.Wrapf(ErrSignature, "signature must start with %q", prefix)
	}
	got, err := hex.DecodeString(strings.TrimPrefix(header, prefix))
	if err != nil {
		return errors.Wrap(ErrSignature, "signature is not hex encoded")
	}

	mac := hmac.New(newHash, []byte(secret))
	mac.Write(body)
	if !hmac.Equal(mac.Sum(nil), got) {
		return errors.Wrap(ErrSignature, "signature mismatch")
	}
	return nil
}

// Sign returns the X-Hub-Signature-256 value for body
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
