package handler

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
)

const hmacHeader = "X-Shopify-Hmac-Sha256"

// validSignature checks the base64 HMAC-SHA256 of body sent by the commerce
// platform. An empty secret disables verification.
func (h *Handler) validSignature(body []byte, signature string) bool {
	if len(h.webhookSecret) == 0 {
		return true
	}
	got, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, h.webhookSecret)
	mac.Write(body)
	return subtle.ConstantTimeCompare(mac.Sum(nil), got) == 1
}
