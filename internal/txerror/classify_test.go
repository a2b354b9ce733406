package txerror

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifyMessage(t *testing.T) {
	cases := []struct {
		msg      string
		category Category
		title    string
	}{
		{"User Rejected the request", CategoryCancelled, "Transaction Cancelled"},
		{"Proposal expired", CategoryCancelled, "Transaction Cancelled"},
		{"TransactionPool.Remember: overspend", CategoryInsufficient, "Insufficient Funds"},
		{"account balance 0 below min 100000", CategoryInsufficient, "Insufficient Funds"},
		{"logic eval error: assert failed pc=123 market_paused", CategoryContract, "Market Paused"},
		{"logic eval error: is_resolved check", CategoryContract, "Market Closed"},
		{"logic eval error: max_bet exceeded", CategoryContract, "Bet Too Large"},
		{"TEAL runtime error: err opcode executed", CategoryContract, "Contract Error"},
		{"Failed to fetch", CategoryNetwork, "Network Error"},
		{"dial tcp: ECONNREFUSED", CategoryNetwork, "Network Error"},
		{"Session is not active", CategorySession, "Wallet Disconnected"},
		{"walletconnect session expired", CategorySession, "Wallet Disconnected"},
		{"weird thing", CategoryUnknown, "Transaction Failed"},
	}
	for _, tc := range cases {
		t.Run(tc.msg, func(t *testing.T) {
			c := ClassifyMessage(tc.msg)
			assert.Equal(t, tc.category, c.Category)
			assert.Equal(t, tc.title, c.Title)
		})
	}
}

func TestEarlierListWins(t *testing.T) {
	c := ClassifyMessage("Cancelled: insufficient funds")
	assert.Equal(t, CategoryCancelled, c.Category)
	assert.True(t, c.Cancelled())

	// "balance" is an insufficient-funds pattern and is checked before the
	// contract list.
	c = ClassifyMessage("logic eval error: balance check")
	assert.Equal(t, CategoryInsufficient, c.Category)

	// A paused hint without a contract pattern is not a contract error.
	c = ClassifyMessage("market paused")
	assert.Equal(t, CategoryUnknown, c.Category)
}

func TestSessionNeedsQualifier(t *testing.T) {
	assert.Equal(t, CategoryUnknown, ClassifyMessage("session").Category)
	assert.Equal(t, CategoryCancelled, ClassifyMessage("session not approved").Category)
}

func TestFallbackKeepsRawMessage(t *testing.T) {
	c := Classify(errors.New("Something Odd"))
	assert.Equal(t, "Something Odd", c.Description)

	c = Classify(nil)
	assert.Equal(t, CategoryUnknown, c.Category)
	assert.Equal(t, fallbackDescription, c.Description)
}

func TestClassifyWrappedError(t *testing.T) {
	err := fmt.Errorf("service: buy: %w", errors.New("request rejected"))
	assert.Equal(t, CategoryCancelled, Classify(err).Category)
}
