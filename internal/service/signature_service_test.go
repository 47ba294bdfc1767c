package service

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHMACSignatureService_SignAndVerify(t *testing.T) {
	svc := NewHMACSignatureService()
	secretKey := "gateway-secret"
	payload := `POST|/api/v1/payments/callback|1708092000|abc123nonce|{"purchase_id":"p-1","status":"COMPLETED"}`

	signature := svc.Sign(secretKey, payload)

	assert.Regexp(t, `^[0-9a-f]{64}$`, signature, "signature should be 64-char lowercase hex (SHA-256)")
	assert.True(t, svc.Verify(secretKey, payload, signature))
}

func TestHMACSignatureService_VerifyFails(t *testing.T) {
	svc := NewHMACSignatureService()
	signature := svc.Sign("correct-key", "original payload")

	tests := []struct {
		name      string
		key       string
		payload   string
		signature string
	}{
		{"wrong key", "wrong-key", "original payload", signature},
		{"tampered payload", "correct-key", "tampered payload", signature},
		{"garbage signature", "correct-key", "original payload", "invalidsignature"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.False(t, svc.Verify(tt.key, tt.payload, tt.signature))
		})
	}
}

func TestHMACSignatureService_BuildCanonicalString(t *testing.T) {
	svc := NewHMACSignatureService()

	result := svc.BuildCanonicalString("POST", "/api/v1/payments/callback", 1708092000, "abc123", `{"status":"FAILED"}`)
	assert.Equal(t, `POST|/api/v1/payments/callback|1708092000|abc123|{"status":"FAILED"}`, result)

	empty := svc.BuildCanonicalString("GET", "/health", 1708092000, "nonce1", "")
	assert.Equal(t, "GET|/health|1708092000|nonce1|", empty)
}

func TestHMACSignatureService_SignEnvelope(t *testing.T) {
	svc := NewHMACSignatureService()
	body := []byte(`{"event_type":"PURCHASE_COMPLETED"}`)

	sig := svc.SignEnvelope("notify-secret", 1708092000, body)

	assert.Equal(t, svc.Sign("notify-secret", `1708092000.{"event_type":"PURCHASE_COMPLETED"}`), sig)
	assert.NotEqual(t, sig, svc.SignEnvelope("notify-secret", 1708092001, body))
}
