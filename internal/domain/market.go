package domain

import (
	"fmt"
	"strings"
	"time"
)

// Outcome identifies one side of the binary market. The numeric values match
// the contract's "winner" global (0 = unresolved).
type Outcome uint8

const (
	OutcomeNone Outcome = 0
	OutcomeSea  Outcome = 1
	OutcomePat  Outcome = 2
)

// Box prefixes used by the contract for per-account share balances.
const (
	SeaBoxPrefix = "balances_sea"
	PatBoxPrefix = "balances_pat"
)

// String returns the short outcome code.
func (o Outcome) String() string {
	switch o {
	case OutcomeSea:
		return "sea"
	case OutcomePat:
		return "pat"
	default:
		return "none"
	}
}

// TeamName returns the display name of the team backing the outcome.
func (o Outcome) TeamName() string {
	switch o {
	case OutcomeSea:
		return "Seattle Seahawks"
	case OutcomePat:
		return "New England Patriots"
	default:
		return ""
	}
}

// BoxPrefix returns the storage-record prefix for the outcome, or "" for
// OutcomeNone.
func (o Outcome) BoxPrefix() string {
	switch o {
	case OutcomeSea:
		return SeaBoxPrefix
	case OutcomePat:
		return PatBoxPrefix
	default:
		return ""
	}
}

// Valid reports whether o is one of the two tradable outcomes.
func (o Outcome) Valid() bool {
	return o == OutcomeSea || o == OutcomePat
}

// MarshalText implements encoding.TextMarshaler.
func (o Outcome) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (o *Outcome) UnmarshalText(text []byte) error {
	parsed, err := ParseOutcome(string(text))
	if err != nil {
		return err
	}
	*o = parsed
	return nil
}

// ParseOutcome accepts the short code or the team nickname.
func ParseOutcome(s string) (Outcome, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "sea", "seahawks", "1":
		return OutcomeSea, nil
	case "pat", "patriots", "2":
		return OutcomePat, nil
	case "none", "", "0":
		return OutcomeNone, nil
	default:
		return OutcomeNone, fmt.Errorf("unknown outcome %q (valid: sea, pat)", s)
	}
}

// Default market parameters used before the first successful chain read.
const (
	DefaultBasePrice uint64 = 510_000
	DefaultSeaProb          = 52
	DefaultPatProb          = 48
)

// MarketState is a decoded snapshot of the contract's global state plus the
// fields derived from it. Snapshots are replaced wholesale, never patched.
type MarketState struct {
	TotalSeaSold uint64    `json:"total_sea_sold"`
	TotalPatSold uint64    `json:"total_pat_sold"`
	IsResolved   bool      `json:"is_resolved"`
	MarketPaused bool      `json:"market_paused"`
	Winner       Outcome   `json:"winner"`
	BasePrice    uint64    `json:"base_price"`
	SeaPrice     uint64    `json:"sea_price"`
	PatPrice     uint64    `json:"pat_price"`
	SeaProb      int       `json:"sea_prob"`
	PatProb      int       `json:"pat_prob"`
	FetchedAt    time.Time `json:"fetched_at"`
}

// DefaultMarketState returns the snapshot shown before any chain data has
// been read (or when the contract is not deployed).
func DefaultMarketState() MarketState {
	return MarketState{
		BasePrice: DefaultBasePrice,
		SeaPrice:  DefaultBasePrice,
		PatPrice:  DefaultBasePrice,
		SeaProb:   DefaultSeaProb,
		PatProb:   DefaultPatProb,
	}
}

// PriceOf returns the current per-share price of the outcome in microVOI.
func (m MarketState) PriceOf(o Outcome) uint64 {
	if o == OutcomePat {
		return m.PatPrice
	}
	return m.SeaPrice
}

// Tradable reports whether new purchases are accepted.
func (m MarketState) Tradable() bool {
	return !m.IsResolved && !m.MarketPaused
}

// UserBalances holds one account's share count per outcome. A missing
// on-chain record is represented as zero.
type UserBalances struct {
	Account   string `json:"account"`
	SeaShares uint64 `json:"sea_shares"`
	PatShares uint64 `json:"pat_shares"`
}

// Of returns the share count for the given outcome.
func (b UserBalances) Of(o Outcome) uint64 {
	switch o {
	case OutcomeSea:
		return b.SeaShares
	case OutcomePat:
		return b.PatShares
	default:
		return 0
	}
}

// ClaimEligible reports whether the account holds winning shares in a
// resolved market.
func ClaimEligible(m MarketState, b UserBalances) bool {
	return m.IsResolved && m.Winner.Valid() && b.Of(m.Winner) > 0
}

// Winning returns the account's share count on the winning side, or zero
// while the market is unresolved.
func (b UserBalances) Winning(winner Outcome) uint64 {
	return b.Of(winner)
}
