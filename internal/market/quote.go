package market

import (
	"fmt"
	"math"
	"math/big"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/sbmarket/internal/domain"
)

// Quote is the pre-trade summary shown before a buy is signed.
type Quote struct {
	Outcome         domain.Outcome  `json:"outcome"`
	Team            string          `json:"team"`
	AmountMicro     uint64          `json:"amount_micro"`
	SharePrice      uint64          `json:"share_price"`
	EstimatedShares decimal.Decimal `json:"estimated_shares"`
	PotentialPayout decimal.Decimal `json:"potential_payout_voi"`
	NetworkFee      uint64          `json:"network_fee"`
	StorageDeposit  uint64          `json:"storage_deposit"`
	TotalMicro      uint64          `json:"total_micro"`
	Probability     int             `json:"probability"`
}

// QuoteFees are the flat costs added on top of the purchase amount.
type QuoteFees struct {
	NetworkFee uint64
	BoxMBR     uint64
}

// NewQuote prices a purchase of amount microVOI of outcome against state.
// The storage deposit is only charged when firstPurchase is set. Each
// winning share pays out one VOI.
func NewQuote(state domain.MarketState, outcome domain.Outcome, amount uint64, fees QuoteFees, firstPurchase bool) (Quote, error) {
	if !outcome.Valid() {
		return Quote{}, fmt.Errorf("%w: %v", domain.ErrInvalidOutcome, outcome)
	}
	if amount == 0 {
		return Quote{}, fmt.Errorf("%w: amount must be positive", domain.ErrInvalidAmount)
	}

	price := state.PriceOf(outcome)
	shares := decimal.Zero
	if price > 0 {
		shares = decimal.NewFromBigInt(new(big.Int).SetUint64(amount), 0).Div(decimal.NewFromBigInt(new(big.Int).SetUint64(price), 0)).Truncate(2)
	}

	q := Quote{
		Outcome:         outcome,
		Team:            outcome.TeamName(),
		AmountMicro:     amount,
		SharePrice:      price,
		EstimatedShares: shares,
		PotentialPayout: shares,
		NetworkFee:      fees.NetworkFee,
		Probability:     state.SeaProb,
	}
	if outcome == domain.OutcomePat {
		q.Probability = state.PatProb
	}
	if firstPurchase {
		q.StorageDeposit = fees.BoxMBR
	}
	extra := q.NetworkFee + q.StorageDeposit
	if extra < q.NetworkFee || amount > math.MaxUint64-extra {
		return Quote{}, fmt.Errorf("%w: amount plus fees overflows", domain.ErrInvalidAmount)
	}
	q.TotalMicro = amount + extra
	return q, nil
}
