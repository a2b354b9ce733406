package market

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"

	"github.com/algorand/go-algorand-sdk/v2/types"
	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/sbmarket/internal/domain"
)

// BoxName returns the storage key for addr's balance under prefix: the
// prefix bytes followed by the 32-byte public key.
func BoxName(prefix, addr string) ([]byte, error) {
	a, err := types.DecodeAddress(addr)
	if err != nil {
		return nil, fmt.Errorf("market: decode address: %w", err)
	}
	name := make([]byte, 0, len(prefix)+len(a))
	name = append(name, prefix...)
	name = append(name, a[:]...)
	return name, nil
}

// BalanceReader reads per-account share counts from the contract's boxes.
type BalanceReader struct {
	ledger Ledger
	appID  uint64
	logger *slog.Logger
}

// NewBalanceReader creates a reader for the application appID.
func NewBalanceReader(ledger Ledger, appID uint64, logger *slog.Logger) *BalanceReader {
	return &BalanceReader{
		ledger: ledger,
		appID:  appID,
		logger: logger.With(slog.String("component", "balance_reader")),
	}
}

// Fetch reads both outcome balances concurrently. A missing box, a box of
// the wrong size, or a failed read all count as zero shares. Only an
// unparseable address is an error.
func (b *BalanceReader) Fetch(ctx context.Context, addr string) (domain.UserBalances, error) {
	seaName, err := BoxName(domain.SeaBoxPrefix, addr)
	if err != nil {
		return domain.UserBalances{}, err
	}
	patName, err := BoxName(domain.PatBoxPrefix, addr)
	if err != nil {
		return domain.UserBalances{}, err
	}

	out := domain.UserBalances{Account: addr}
	if b.appID == 0 {
		return out, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		out.SeaShares = b.readBalance(gctx, seaName)
		return nil
	})
	g.Go(func() error {
		out.PatShares = b.readBalance(gctx, patName)
		return nil
	})
	_ = g.Wait()

	return out, nil
}

func (b *BalanceReader) readBalance(ctx context.Context, name []byte) uint64 {
	v, err := b.ledger.Box(ctx, b.appID, name)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			b.logger.DebugContext(ctx, "box read failed, treating as zero", slog.String("error", err.Error()))
		}
		return 0
	}
	if len(v) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(v)
}

// BoxExists reports whether addr already has a balance box under prefix.
// Any read failure counts as absent.
func (b *BalanceReader) BoxExists(ctx context.Context, prefix, addr string) (bool, error) {
	name, err := BoxName(prefix, addr)
	if err != nil {
		return false, err
	}
	if b.appID == 0 {
		return false, nil
	}
	if _, err := b.ledger.Box(ctx, b.appID, name); err != nil {
		return false, nil
	}
	return true, nil
}
