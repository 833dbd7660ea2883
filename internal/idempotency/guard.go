// Package idempotency keeps payment-affecting operations to one execution per
// logical intent.
package idempotency

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/sambitmohanty1/rentpay/internal/apperrors"
	"github.com/sambitmohanty1/rentpay/internal/models"
	"github.com/sambitmohanty1/rentpay/internal/store"
)

// Reservation is the outcome of reserving an idempotency key
type Reservation struct {
	Key      string
	Accepted bool
	// Existing is set when the key already belongs to a stored payment. The
	// caller returns it as a successful result.
	Existing *models.Payment
}

// Guard reserves idempotency keys against the payment store
type Guard struct {
	store store.PaymentStore
}

func NewGuard(s store.PaymentStore) *Guard {
	return &Guard{store: s}
}

// Reserve accepts key if no payment carries it yet. An empty key is replaced
// with a fresh one and always accepted.
func (g *Guard) Reserve(ctx context.Context, key string) (*Reservation, error) {
	if key == "" {
		return &Reservation{Key: uuid.NewString(), Accepted: true}, nil
	}
	existing, err := g.store.FindByIdempotencyKey(ctx, key)
	switch {
	case err == nil:
		return &Reservation{Key: key, Existing: existing}, nil
	case apperrors.IsKind(err, apperrors.KindNotFound):
		return &Reservation{Key: key, Accepted: true}, nil
	default:
		return nil, fmt.Errorf("failed to reserve idempotency key: %w", err)
	}
}

// CheckDuplicate reports whether the tenant already has a completed payment of
// the same amount on the same calendar date. It is a warning heuristic only.
func (g *Guard) CheckDuplicate(ctx context.Context, tenantID string, date time.Time, amount decimal.Decimal) (bool, error) {
	completed, err := g.store.FindCompletedOn(ctx, tenantID, date.UTC())
	if err != nil {
		return false, err
	}
	for _, p := range completed {
		if p.Amount.Equal(amount) {
			return true, nil
		}
	}
	return false, nil
}

// Claimer marks a key as seen for a while. Claim returns true for the first
// caller only.
type Claimer interface {
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

// RedisClaimer claims keys with SETNX so every replica sees the same state
type RedisClaimer struct {
	client *redis.Client
	prefix string
}

func NewRedisClaimer(client *redis.Client, prefix string) *RedisClaimer {
	return &RedisClaimer{client: client, prefix: prefix}
}

func (c *RedisClaimer) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := c.client.SetNX(ctx, c.prefix+key, "processing", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to claim %s: %w", key, err)
	}
	return ok, nil
}

func (c *RedisClaimer) Release(ctx context.Context, key string) error {
	return c.client.Del(ctx, c.prefix+key).Err()
}
