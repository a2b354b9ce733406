package domain

import (
	"fmt"
	"strings"
)

// ProviderKind tags the wallet protocol that backs a session.
type ProviderKind string

const (
	ProviderNone          ProviderKind = ""
	ProviderExtension     ProviderKind = "extension"
	ProviderWalletConnect ProviderKind = "walletconnect"
	ProviderLocal         ProviderKind = "local"
)

// ParseProviderKind normalises a user-supplied provider name.
func ParseProviderKind(s string) (ProviderKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "extension", "kibisis", "arc27":
		return ProviderExtension, nil
	case "walletconnect", "wc", "mobile":
		return ProviderWalletConnect, nil
	case "local", "keystore":
		return ProviderLocal, nil
	default:
		return ProviderNone, fmt.Errorf("%w: %q", ErrNoProvider, s)
	}
}

// WalletSession is the observable state of the active wallet connection.
type WalletSession struct {
	Address    string       `json:"address,omitempty"`
	Connected  bool         `json:"connected"`
	Provider   ProviderKind `json:"provider,omitempty"`
	Connecting bool         `json:"connecting"`
}

// TxPhase is a UI progress indicator for the buy/claim flow. It is reset to
// PhaseNone when a flow completes or fails.
type TxPhase string

const (
	PhaseNone       TxPhase = "none"
	PhaseBuilding   TxPhase = "building"
	PhaseSigning    TxPhase = "signing"
	PhaseSubmitting TxPhase = "submitting"
	PhaseConfirming TxPhase = "confirming"
)

// TxKind names the two supported contract interactions.
type TxKind string

const (
	TxKindBuy   TxKind = "buy"
	TxKindClaim TxKind = "claim"
)

// PendingTransaction is an ordered group of unsigned, msgpack-encoded
// transactions that must be submitted together or not at all.
type PendingTransaction struct {
	ID          string   `json:"id"`
	Kind        TxKind   `json:"kind"`
	Account     string   `json:"account"`
	Outcome     Outcome  `json:"outcome"`
	AmountMicro uint64   `json:"amount_micro"`
	Surcharged  bool     `json:"surcharged"`
	Unsigned    [][]byte `json:"unsigned"`
}

// PhaseSteps is the number of visible steps in a flow.
const PhaseSteps = 4

// PhaseInfo is the display form of a TxPhase.
type PhaseInfo struct {
	Phase    TxPhase `json:"phase"`
	Label    string  `json:"label,omitempty"`
	Sublabel string  `json:"sublabel,omitempty"`
	Step     int     `json:"step"`
	Steps    int     `json:"steps"`
}

// Info returns the label and step number for p. PhaseNone has step 0.
func (p TxPhase) Info() PhaseInfo {
	info := PhaseInfo{Phase: p, Steps: PhaseSteps}
	switch p {
	case PhaseBuilding:
		info.Label, info.Sublabel, info.Step = "Preparing Transaction", "Building transaction group…", 1
	case PhaseSigning:
		info.Label, info.Sublabel, info.Step = "Awaiting Signature", "Please sign in your wallet", 2
	case PhaseSubmitting:
		info.Label, info.Sublabel, info.Step = "Submitting", "Sending to Voi network…", 3
	case PhaseConfirming:
		info.Label, info.Sublabel, info.Step = "Confirming", "Waiting for on-chain confirmation…", 4
	default:
		info.Phase = PhaseNone
	}
	return info
}
