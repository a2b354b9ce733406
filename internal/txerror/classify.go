// Package txerror turns wallet, node and contract failures into a short
// title and description suitable for a notification.
package txerror

import (
	"strings"
)

// Category groups failures by what the user can do about them.
type Category string

const (
	CategoryCancelled    Category = "cancelled"
	CategoryInsufficient Category = "insufficient_funds"
	CategoryContract     Category = "contract"
	CategoryNetwork      Category = "network"
	CategorySession      Category = "session"
	CategoryUnknown      Category = "unknown"
)

// Classified is the display form of a failure.
type Classified struct {
	Category    Category `json:"category"`
	Reason      string   `json:"reason,omitempty"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
}

// Cancelled reports whether the user aborted in the wallet. Such outcomes
// are informational rather than errors.
func (c Classified) Cancelled() bool { return c.Category == CategoryCancelled }

// Pattern lists are matched against the lowercased message. The checks run
// in a fixed order and the first matching list wins.
var (
	cancelPatterns = []string{
		"user rejected",
		"user cancelled",
		"user denied",
		"rejected by user",
		"request rejected",
		"cancelled",
		"user canceled",
		"proposal expired",
		"session not approved",
	}

	insufficientPatterns = []string{
		"overspend",
		"insufficient funds",
		"below min",
		"underflow",
		"balance",
	}

	contractPatterns = []string{
		"logic eval error",
		"app call rejected",
		"teal runtime error",
		"assert failed",
		"err opcode",
		"global state",
		"box not found",
	}

	networkPatterns = []string{
		"network",
		"timeout",
		"fetch",
		"econnrefused",
		"enotfound",
		"failed to fetch",
		"load failed",
		"net::err",
		"cors",
		"aborted",
	}

	sessionQualifiers = []string{"not active", "expired", "disconnect"}
)

const fallbackDescription = "Something went wrong. Please try again."

// Classify maps err to a display category. A nil error classifies as an
// unknown failure with the generic description.
func Classify(err error) Classified {
	if err == nil {
		return ClassifyMessage("")
	}
	return ClassifyMessage(err.Error())
}

// ClassifyMessage classifies a raw error message.
func ClassifyMessage(raw string) Classified {
	msg := strings.ToLower(raw)
	if msg == "" {
		msg = "unknown error"
	}

	switch {
	case containsAny(msg, cancelPatterns):
		return Classified{
			Category:    CategoryCancelled,
			Title:       "Transaction Cancelled",
			Description: "You cancelled the transaction in your wallet.",
		}

	case containsAny(msg, insufficientPatterns):
		return Classified{
			Category:    CategoryInsufficient,
			Title:       "Insufficient Funds",
			Description: "Your wallet doesn't have enough VOI to cover this transaction plus fees.",
		}

	case containsAny(msg, contractPatterns):
		return classifyContract(msg)

	case containsAny(msg, networkPatterns):
		return Classified{
			Category:    CategoryNetwork,
			Title:       "Network Error",
			Description: "Could not reach the Voi network. Check your internet connection and try again.",
		}

	case strings.Contains(msg, "session") && containsAny(msg, sessionQualifiers):
		return Classified{
			Category:    CategorySession,
			Title:       "Wallet Disconnected",
			Description: "Your wallet session has expired. Please reconnect your wallet and try again.",
		}
	}

	desc := raw
	if desc == "" {
		desc = fallbackDescription
	}
	return Classified{
		Category:    CategoryUnknown,
		Title:       "Transaction Failed",
		Description: desc,
	}
}

func classifyContract(msg string) Classified {
	switch {
	case strings.Contains(msg, "paused"):
		return Classified{
			Category:    CategoryContract,
			Reason:      "paused",
			Title:       "Market Paused",
			Description: "The prediction market is currently paused by the admin.",
		}
	case strings.Contains(msg, "resolved"):
		return Classified{
			Category:    CategoryContract,
			Reason:      "resolved",
			Title:       "Market Closed",
			Description: "This market has already been resolved. No more bets can be placed.",
		}
	case strings.Contains(msg, "max_bet"):
		return Classified{
			Category:    CategoryContract,
			Reason:      "bet_too_large",
			Title:       "Bet Too Large",
			Description: "Your bet exceeds the maximum allowed amount. Try a smaller amount.",
		}
	}
	return Classified{
		Category:    CategoryContract,
		Title:       "Contract Error",
		Description: "The smart contract rejected this transaction. The market rules may have changed.",
	}
}

func containsAny(msg string, patterns []string) bool {
	for _, p := range patterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}
