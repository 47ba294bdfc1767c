package ports

//go:generate mockgen -source=services.go -destination=mocks/mock_services.go -package=mocks

import (
	"context"
	"time"

	"electricity-vending/internal/core/domain"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

// EncryptionService handles AES-256-GCM encryption/decryption.
type EncryptionService interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
}

// SignatureService handles HMAC-SHA256 signing and verification.
type SignatureService interface {
	Sign(secretKey string, payload string) string
	Verify(secretKey string, payload string, signature string) bool
	BuildCanonicalString(method, path string, timestamp int64, nonce string, body string) string
	// SignEnvelope signs "timestamp.body" for outbound webhooks.
	SignEnvelope(secretKey string, timestamp int64, body []byte) string
}

// TokenService handles JWT bearer tokens for customers and operators.
type TokenService interface {
	Generate(userID string, role string) (string, time.Time, error)
	Validate(tokenString string) (*TokenClaims, error)
}

// Roles carried in bearer tokens.
const (
	RoleCustomer = "customer"
	RoleAdmin    = "admin"
)

// TokenClaims holds the parsed JWT claims.
type TokenClaims struct {
	UserID string
	Role   string
}

// IdempotencyCache is the Redis-layer idempotency check (fast path).
type IdempotencyCache interface {
	Get(ctx context.Context, key string) ([]byte, error) // Returns cached response JSON or nil
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// NonceStore manages nonce uniqueness for replay attack prevention.
type NonceStore interface {
	// CheckAndSet atomically checks if nonce exists, sets it if not.
	// Returns true if nonce is new (valid), false if already used.
	CheckAndSet(ctx context.Context, scope string, nonce string, ttl time.Duration) (bool, error)
}

// Locker hands out short-lived exclusive locks.
type Locker interface {
	// Acquire returns ok=false without error when the lock is held elsewhere.
	Acquire(ctx context.Context, key string, ttl time.Duration) (release func(context.Context) error, ok bool, err error)
}

// --- Outbound collaborators ---

// DeliveryChannel sends a token to the customer.
type DeliveryChannel interface {
	Send(ctx context.Context, msg domain.DeliveryMessage) error
	Name() string
}

// PaymentGateway resolves a pending purchase into a payment outcome.
// A returned error means the gateway could not be reached, not a declined payment.
type PaymentGateway interface {
	Charge(ctx context.Context, purchase *domain.Purchase) (domain.PaymentOutcome, error)
}

// Notifier is told about every settled or refunded purchase.
type Notifier interface {
	NotifyPurchaseOutcome(ctx context.Context, purchase *domain.Purchase) error
}

// SettlementQueue accepts purchases awaiting payment resolution.
type SettlementQueue interface {
	Enqueue(purchaseID uuid.UUID) error
}

// --- Service Ports (Business Logic) ---

// TokenIssuer mints unique credit tokens.
type TokenIssuer interface {
	// IssueUnique mints tokens until persist accepts one. persist returns
	// domain.ErrTokenCollision to request another attempt.
	IssueUnique(ctx context.Context, meterID string, amountCents int64, persist func(domain.Token) error) (domain.Token, error)
	ValidateFormat(token string) bool
}

// PurchaseService is the purchase ledger state machine.
type PurchaseService interface {
	CreatePurchase(ctx context.Context, req CreatePurchaseRequest) (*domain.Purchase, error)
	GetPurchase(ctx context.Context, id uuid.UUID) (*domain.Purchase, error)
	SettlePayment(ctx context.Context, id uuid.UUID, outcome domain.PaymentOutcome) (*domain.Purchase, error)
	ProcessRefund(ctx context.Context, req RefundRequest) (*domain.RefundRecord, error)
	UseToken(ctx context.Context, id uuid.UUID, actor string) (*TokenUsage, error)
}

// CreatePurchaseRequest holds validated input for a purchase.
type CreatePurchaseRequest struct {
	UserID              string
	UnitID              string
	Amount              decimal.Decimal
	PaymentMethod       domain.PaymentMethod
	DeliveryMethod      domain.DeliveryMethod
	DeliveryDestination string
	IdempotencyKey      string // optional
}

// RefundRequest holds validated input for an admin refund.
type RefundRequest struct {
	PurchaseID uuid.UUID
	Reason     string
	Amount     *decimal.Decimal // nil = full refund
	ActorID    string
}

// TokenUsage is the result of redeeming a token on the meter.
type TokenUsage struct {
	PurchaseID uuid.UUID       `json:"purchase_id"`
	UnitsAdded decimal.Decimal `json:"units_added"`
	UsedAt     time.Time       `json:"used_at"`
}

// DeliveryService tracks token delivery attempts.
type DeliveryService interface {
	AttemptDelivery(ctx context.Context, purchase *domain.Purchase) (domain.DeliveryStatus, error)
	RetryDelivery(ctx context.Context, purchaseID uuid.UUID) (domain.DeliveryStatus, error)
}

// MeterService owns meter balance changes.
type MeterService interface {
	Credit(ctx context.Context, tx pgx.Tx, meterID uuid.UUID, units decimal.Decimal) (decimal.Decimal, error)
	GetMeter(ctx context.Context, meterID uuid.UUID) (*domain.Meter, error)
	// GetMeterForCustomer hides meters the customer never bought for.
	GetMeterForCustomer(ctx context.Context, meterID uuid.UUID, userID string) (*domain.Meter, error)
}
