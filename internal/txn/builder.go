// Package txn builds unsigned transaction groups for the market contract
// and submits signed groups to the node.
package txn

import (
	"context"
	"fmt"
	"math"

	"github.com/algorand/go-algorand-sdk/v2/abi"
	avmcrypto "github.com/algorand/go-algorand-sdk/v2/crypto"
	"github.com/algorand/go-algorand-sdk/v2/encoding/msgpack"
	"github.com/algorand/go-algorand-sdk/v2/types"
	"github.com/google/uuid"

	"github.com/alanyoungcy/sbmarket/internal/domain"
	"github.com/alanyoungcy/sbmarket/internal/market"
)

// ParamsSource provides current network parameters.
type ParamsSource interface {
	SuggestedParams(ctx context.Context) (types.SuggestedParams, error)
}

// BoxChecker reports whether an account already owns a balance box.
type BoxChecker interface {
	BoxExists(ctx context.Context, prefix, addr string) (bool, error)
}

// Fees are the flat per-transaction fees and the first-purchase deposit,
// all in microVOI.
type Fees struct {
	BoxMBR   uint64
	PayFee   uint64
	BuyFee   uint64
	ClaimFee uint64
}

// BuilderConfig identifies the contract and its ABI methods.
type BuilderConfig struct {
	AppID       uint64
	BuyMethod   string
	ClaimMethod string
	Fees        Fees
}

// Builder assembles unsigned groups for buy and claim.
type Builder struct {
	cfg        BuilderConfig
	params     ParamsSource
	boxes      BoxChecker
	buySel     []byte
	claimSel   []byte
	boolType   abi.Type
	appAddress types.Address
}

// NewBuilder parses the method signatures up front so a bad configuration
// fails at startup rather than on the first trade.
func NewBuilder(cfg BuilderConfig, params ParamsSource, boxes BoxChecker) (*Builder, error) {
	buy, err := abi.MethodFromSignature(cfg.BuyMethod)
	if err != nil {
		return nil, fmt.Errorf("txn: buy method %q: %w", cfg.BuyMethod, err)
	}
	claim, err := abi.MethodFromSignature(cfg.ClaimMethod)
	if err != nil {
		return nil, fmt.Errorf("txn: claim method %q: %w", cfg.ClaimMethod, err)
	}
	boolType, err := abi.TypeOf("bool")
	if err != nil {
		return nil, fmt.Errorf("txn: bool type: %w", err)
	}
	b := &Builder{
		cfg:      cfg,
		params:   params,
		boxes:    boxes,
		buySel:   buy.GetSelector(),
		claimSel: claim.GetSelector(),
		boolType: boolType,
	}
	if cfg.AppID > 0 {
		b.appAddress = avmcrypto.GetApplicationAddress(cfg.AppID)
	}
	return b, nil
}

// Deployed reports whether a contract id is configured.
func (b *Builder) Deployed() bool { return b.cfg.AppID > 0 }

// AppAddress returns the contract's escrow address.
func (b *Builder) AppAddress() string { return b.appAddress.String() }

// BuildBuy returns the two-transaction group that pays amount to the
// contract and calls buy_shares for outcome. The payment carries the box
// deposit when the sender has no balance record for that outcome yet.
func (b *Builder) BuildBuy(ctx context.Context, sender string, outcome domain.Outcome, amount uint64) (domain.PendingTransaction, error) {
	if !b.Deployed() {
		return domain.PendingTransaction{}, domain.ErrNotDeployed
	}
	if !outcome.Valid() {
		return domain.PendingTransaction{}, fmt.Errorf("%w: %v", domain.ErrInvalidOutcome, outcome)
	}
	if amount == 0 {
		return domain.PendingTransaction{}, fmt.Errorf("%w: amount must be positive", domain.ErrInvalidAmount)
	}
	from, err := types.DecodeAddress(sender)
	if err != nil {
		return domain.PendingTransaction{}, fmt.Errorf("txn: sender: %w", err)
	}
	boxName, err := market.BoxName(outcome.BoxPrefix(), sender)
	if err != nil {
		return domain.PendingTransaction{}, err
	}

	sp, err := b.params.SuggestedParams(ctx)
	if err != nil {
		return domain.PendingTransaction{}, fmt.Errorf("txn: suggested params: %w", err)
	}

	hasBox, err := b.boxes.BoxExists(ctx, outcome.BoxPrefix(), sender)
	if err != nil {
		return domain.PendingTransaction{}, fmt.Errorf("txn: box lookup: %w", err)
	}
	total := amount
	if !hasBox {
		if amount > math.MaxUint64-b.cfg.Fees.BoxMBR {
			return domain.PendingTransaction{}, fmt.Errorf("%w: amount plus box deposit overflows", domain.ErrInvalidAmount)
		}
		total += b.cfg.Fees.BoxMBR
	}

	wantSea, err := b.boolType.Encode(outcome == domain.OutcomeSea)
	if err != nil {
		return domain.PendingTransaction{}, fmt.Errorf("txn: encode outcome: %w", err)
	}

	pay := types.Transaction{
		Type:   types.PaymentTx,
		Header: header(from, sp, b.cfg.Fees.PayFee),
		PaymentTxnFields: types.PaymentTxnFields{
			Receiver: b.appAddress,
			Amount:   types.MicroAlgos(total),
		},
	}
	call := b.appCall(from, sp, b.cfg.Fees.BuyFee, [][]byte{b.buySel, wantSea}, boxName)

	encoded, err := group(pay, call)
	if err != nil {
		return domain.PendingTransaction{}, err
	}
	return domain.PendingTransaction{
		ID:          uuid.NewString(),
		Kind:        domain.TxKindBuy,
		Account:     sender,
		Outcome:     outcome,
		AmountMicro: total,
		Surcharged:  !hasBox,
		Unsigned:    encoded,
	}, nil
}

// BuildClaim returns a single claim_winnings call referencing both of the
// sender's balance boxes, since the winning side is resolved on-chain.
func (b *Builder) BuildClaim(ctx context.Context, sender string) (domain.PendingTransaction, error) {
	if !b.Deployed() {
		return domain.PendingTransaction{}, domain.ErrNotDeployed
	}
	from, err := types.DecodeAddress(sender)
	if err != nil {
		return domain.PendingTransaction{}, fmt.Errorf("txn: sender: %w", err)
	}
	seaBox, err := market.BoxName(domain.SeaBoxPrefix, sender)
	if err != nil {
		return domain.PendingTransaction{}, err
	}
	patBox, err := market.BoxName(domain.PatBoxPrefix, sender)
	if err != nil {
		return domain.PendingTransaction{}, err
	}

	sp, err := b.params.SuggestedParams(ctx)
	if err != nil {
		return domain.PendingTransaction{}, fmt.Errorf("txn: suggested params: %w", err)
	}

	call := b.appCall(from, sp, b.cfg.Fees.ClaimFee, [][]byte{b.claimSel}, seaBox, patBox)
	return domain.PendingTransaction{
		ID:       uuid.NewString(),
		Kind:     domain.TxKindClaim,
		Account:  sender,
		Unsigned: [][]byte{msgpack.Encode(call)},
	}, nil
}

func (b *Builder) appCall(from types.Address, sp types.SuggestedParams, fee uint64, args [][]byte, boxes ...[]byte) types.Transaction {
	refs := make([]types.BoxReference, 0, len(boxes))
	for _, name := range boxes {
		// Index 0 refers to the called application itself.
		refs = append(refs, types.BoxReference{ForeignAppIdx: 0, Name: name})
	}
	return types.Transaction{
		Type:   types.ApplicationCallTx,
		Header: header(from, sp, fee),
		ApplicationFields: types.ApplicationFields{
			ApplicationCallTxnFields: types.ApplicationCallTxnFields{
				ApplicationID:   types.AppIndex(b.cfg.AppID),
				OnCompletion:    types.NoOpOC,
				ApplicationArgs: args,
				BoxReferences:   refs,
			},
		},
	}
}

// header builds a flat-fee transaction header from the suggested params.
func header(from types.Address, sp types.SuggestedParams, fee uint64) types.Header {
	h := types.Header{
		Sender:     from,
		Fee:        types.MicroAlgos(fee),
		FirstValid: sp.FirstRoundValid,
		LastValid:  sp.LastRoundValid,
		GenesisID:  sp.GenesisID,
	}
	copy(h.GenesisHash[:], sp.GenesisHash)
	return h
}

// group stamps a shared group id on txns and returns them encoded in order.
func group(txns ...types.Transaction) ([][]byte, error) {
	gid, err := avmcrypto.ComputeGroupID(txns)
	if err != nil {
		return nil, fmt.Errorf("txn: compute group id: %w", err)
	}
	out := make([][]byte, len(txns))
	for i := range txns {
		txns[i].Group = gid
		out[i] = msgpack.Encode(txns[i])
	}
	return out, nil
}
