package hook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"net/url"
)

const (
	// HeaderSignature carries the HMAC of the raw body
	HeaderSignature = "Content-HMAC"
	// HeaderEncodedSignature carries the HMAC of the URL-encoded body
	HeaderEncodedSignature = "X-Content-HMAC"
)

func mac(secret string, data []byte) []byte {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(data)
	return h.Sum(nil)
}

// Sign returns the base64 HMAC-SHA256 of body
func Sign(secret string, body []byte) string {
	return base64.StdEncoding.EncodeToString(mac(secret, body))
}

// SignEncoded returns the base64 HMAC-SHA256 of the URL-encoded body
func SignEncoded(secret string, body []byte) string {
	return base64.StdEncoding.EncodeToString(mac(secret, []byte(url.QueryEscape(string(body)))))
}

// Verify reports whether signature matches body in either signing form
func Verify(secret string, body []byte, signature string) bool {
	got, err := base64.StdEncoding.DecodeString(signature)
	if err != nil || secret == "" {
		return false
	}
	raw := hmac.Equal(got, mac(secret, body))
	encoded := hmac.Equal(got, mac(secret, []byte(url.QueryEscape(string(body)))))
	return raw || encoded
}
