package service

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"electricity-vending/internal/core/domain"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/hkdf"
)

const (
	defaultTokenLength    = 20
	defaultTokenGroupSize = 4
	meterFieldWidth       = 20
	maxIssueAttempts      = 5
	tokenKeyInfo          = "token-issuer"
)

// TokenIssuerConfig configures token minting.
type TokenIssuerConfig struct {
	Secret    string
	VendorID  string
	Length    int
	GroupSize int
	Expiry    time.Duration
}

// TokenIssuerImpl implements ports.TokenIssuer.
type TokenIssuerImpl struct {
	key       []byte
	vendorID  string
	length    int
	groupSize int
	expiry    time.Duration
	random    io.Reader
	now       func() time.Time
	log       zerolog.Logger
}

// NewTokenIssuer derives the signing key from cfg.Secret and returns an issuer.
func NewTokenIssuer(cfg TokenIssuerConfig, log zerolog.Logger) (*TokenIssuerImpl, error) {
	if cfg.Secret == "" {
		return nil, errors.New("token issuer secret is required")
	}
	if cfg.Length <= 0 {
		cfg.Length = defaultTokenLength
	}
	if cfg.GroupSize <= 0 {
		cfg.GroupSize = defaultTokenGroupSize
	}
	if cfg.Expiry <= 0 {
		cfg.Expiry = 30 * 24 * time.Hour
	}

	key := make([]byte, sha256.Size)
	kdf := hkdf.New(sha256.New, []byte(cfg.Secret), []byte(cfg.VendorID), []byte(tokenKeyInfo))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("derive token key: %w", err)
	}

	return &TokenIssuerImpl{
		key:       key,
		vendorID:  cfg.VendorID,
		length:    cfg.Length,
		groupSize: cfg.GroupSize,
		expiry:    cfg.Expiry,
		random:    rand.Reader,
		now:       func() time.Time { return time.Now().UTC() },
		log:       log,
	}, nil
}

// Mint builds a token from its binding data. Identical inputs give the same value.
func (s *TokenIssuerImpl) Mint(meterID string, amountCents int64, sequence uint64, issuedAt time.Time) domain.Token {
	payload := strings.Join([]string{
		padMeter(meterID),
		strconv.FormatInt(amountCents, 10),
		strconv.FormatUint(sequence, 10),
		s.vendorID,
		strconv.FormatInt(issuedAt.UnixNano(), 10),
	}, "|")

	return domain.Token{
		Value:     s.extractDigits(payload),
		Type:      domain.TokenTypeCredit,
		IssuedAt:  issuedAt,
		ExpiresAt: issuedAt.Add(s.expiry),
	}
}

// IssueUnique mints tokens with fresh random sequences until persist accepts one.
func (s *TokenIssuerImpl) IssueUnique(ctx context.Context, meterID string, amountCents int64, persist func(domain.Token) error) (domain.Token, error) {
	for attempt := 1; attempt <= maxIssueAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return domain.Token{}, err
		}

		seq, err := s.sequence()
		if err != nil {
			return domain.Token{}, fmt.Errorf("draw token sequence: %w", err)
		}
		token := s.Mint(meterID, amountCents, seq, s.now())

		err = persist(token)
		if err == nil {
			return token, nil
		}
		if !errors.Is(err, domain.ErrTokenCollision) {
			return domain.Token{}, err
		}
		s.log.Warn().
			Str("meter_id", meterID).
			Int("attempt", attempt).
			Msg("token collision, regenerating")
	}
	return domain.Token{}, fmt.Errorf("token issue: %w after %d attempts", domain.ErrTokenCollision, maxIssueAttempts)
}

// ValidateFormat checks digit count after removing grouping spaces.
func (s *TokenIssuerImpl) ValidateFormat(token string) bool {
	value := strings.ReplaceAll(token, " ", "")
	if len(value) != s.length {
		return false
	}
	for i := 0; i < len(value); i++ {
		if value[i] < '0' || value[i] > '9' {
			return false
		}
	}
	return true
}

// Format groups a canonical token value for display.
func (s *TokenIssuerImpl) Format(value string) string {
	return domain.FormatToken(value, s.groupSize)
}

// GroupSize is the display group width.
func (s *TokenIssuerImpl) GroupSize() int {
	return s.groupSize
}

// extractDigits keeps the decimal digits of the hex digest, re-hashing the
// digest until enough digits are collected.
func (s *TokenIssuerImpl) extractDigits(payload string) string {
	mac := hmac.New(sha256.New, s.key)
	mac.Write([]byte(payload))
	sum := mac.Sum(nil)

	digits := make([]byte, 0, s.length)
	for len(digits) < s.length {
		for _, c := range []byte(hex.EncodeToString(sum)) {
			if c >= '0' && c <= '9' {
				digits = append(digits, c)
				if len(digits) == s.length {
					break
				}
			}
		}
		mac.Reset()
		mac.Write(sum)
		sum = mac.Sum(nil)
	}
	return string(digits)
}

func (s *TokenIssuerImpl) sequence() (uint64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(s.random, buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(buf[:]), nil
}

// padMeter left-pads the meter identifier with zeros to a fixed width.
func padMeter(meterID string) string {
	if len(meterID) >= meterFieldWidth {
		return meterID
	}
	return strings.Repeat("0", meterFieldWidth-len(meterID)) + meterID
}
