package utils

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/Dan9191/card-gateway/internal/models"
)

const (
	cryptogramVersion   = 1
	cryptogramDelimiter = "|"
)

// envelope is the JSON wrapper carried inside the base64 cryptogram
type envelope struct {
	Version int    `json:"v"`
	KeyID   string `json:"kid"`
	Time    int64  `json:"ts"`
	Data    string `json:"data"`
}

// CryptogramDecoder decrypts card cryptograms with the server private key
type CryptogramDecoder struct {
	key *rsa.PrivateKey
}

// NewCryptogramDecoder initializes a decoder for the given key
func NewCryptogramDecoder(key *rsa.PrivateKey) *CryptogramDecoder {
	return &CryptogramDecoder{key: key}
}

// LoadPrivateKey reads a PKCS#1 or PKCS#8 PEM private key
func LoadPrivateKey(path string) (*rsa.PrivateKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}
	return ParsePrivateKey(raw)
}

// ParsePrivateKey parses a PKCS#1 or PKCS#8 PEM private key
func ParsePrivateKey(raw []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, errors.New("no PEM block found")
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New("private key is not RSA")
	}
	return key, nil
}

// Decode unwraps and decrypts a cryptogram. Every failure is reported as ErrWrongCryptogram.
func (d *CryptogramDecoder) Decode(cryptogram string) (*models.CardData, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(cryptogram))
	if err != nil {
		return nil, fmt.Errorf("%w: bad base64", models.ErrWrongCryptogram)
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: bad envelope", models.ErrWrongCryptogram)
	}
	if env.Version != cryptogramVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", models.ErrWrongCryptogram, env.Version)
	}

	cipherText, err := base64.StdEncoding.DecodeString(env.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: bad payload", models.ErrWrongCryptogram)
	}

	plain, err := rsa.DecryptPKCS1v15(nil, d.key, cipherText)
	if err != nil {
		return nil, fmt.Errorf("%w: decrypt failed", models.ErrWrongCryptogram)
	}

	parts := strings.Split(string(plain), cryptogramDelimiter)
	if len(parts) != 3 {
		return nil, fmt.Errorf("%w: expected 3 fields, got %d", models.ErrWrongCryptogram, len(parts))
	}

	pan := parts[0]
	if len(pan) < 12 || len(pan) > 19 || !isDigits(pan) {
		return nil, fmt.Errorf("%w: bad pan", models.ErrWrongCryptogram)
	}

	expiry, err := normalizeExpiry(parts[1])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrWrongCryptogram, err)
	}

	return &models.CardData{Pan: pan, Expiry: expiry, Login: parts[2]}, nil
}

// EncodeCryptogram builds a cryptogram the way a payment form does. expiry is YYMM.
func EncodeCryptogram(pub *rsa.PublicKey, keyID, pan, expiry, login string) (string, error) {
	if len(expiry) != 4 {
		return "", fmt.Errorf("expiry must be YYMM, got %q", expiry)
	}
	// Payment forms send MMYY
	plain := strings.Join([]string{pan, expiry[2:] + expiry[:2], login}, cryptogramDelimiter)

	cipherText, err := rsa.EncryptPKCS1v15(rand.Reader, pub, []byte(plain))
	if err != nil {
		return "", fmt.Errorf("failed to encrypt card data: %w", err)
	}

	raw, err := json.Marshal(envelope{
		Version: cryptogramVersion,
		KeyID:   keyID,
		Time:    time.Now().Unix(),
		Data:    base64.StdEncoding.EncodeToString(cipherText),
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal envelope: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// normalizeExpiry turns MMYY or MM/YY into YYMM
func normalizeExpiry(value string) (string, error) {
	value = strings.ReplaceAll(value, "/", "")
	if len(value) != 4 || !isDigits(value) {
		return "", fmt.Errorf("bad expiry %q", value)
	}
	month, year := value[:2], value[2:]
	if month < "01" || month > "12" {
		return "", fmt.Errorf("bad expiry month %q", month)
	}
	return year + month, nil
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}
