package anchor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Minter wraps the mint client with the retry policy: up to three
// attempts, exponential backoff starting at one second, 30s per
// attempt. A duplicate-token response counts as success.
type Minter struct {
	client   Client
	logger   *slog.Logger
	attempts int
	baseWait time.Duration
	timeout  time.Duration
}

func NewMinter(client Client, logger *slog.Logger) *Minter {
	return &Minter{
		client:   client,
		logger:   logger,
		attempts: 3,
		baseWait: time.Second,
		timeout:  30 * time.Second,
	}
}

func (m *Minter) Mint(ctx context.Context, req MintRequest) (*MintReceipt, error) {
	var lastErr error
	for attempt := 1; attempt <= m.attempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, m.timeout)
		receipt, err := m.client.MintBatch(attemptCtx, req)
		cancel()

		if err == nil {
			return receipt, nil
		}
		if errors.Is(err, ErrAlreadyMinted) {
			m.logger.Info("token already minted, treating as success",
				slog.String("token_id", req.TokenID))
			if receipt == nil {
				receipt = &MintReceipt{TokenID: req.TokenID, AlreadyMinted: true}
			}
			return receipt, nil
		}
		lastErr = err
		m.logger.Warn("mint attempt failed",
			slog.String("token_id", req.TokenID),
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()),
		)
		if attempt < m.attempts {
			wait := m.baseWait << (attempt - 1)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(wait):
			}
		}
	}
	return nil, fmt.Errorf("%w: token %s after %d attempts: %v", ErrMintFailed, req.TokenID, m.attempts, lastErr)
}
