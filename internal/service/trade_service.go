// Package service runs the buy and claim flows end to end: build, sign,
// submit, confirm and refresh, recording every outcome.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/sbmarket/internal/domain"
	"github.com/alanyoungcy/sbmarket/internal/market"
	"github.com/alanyoungcy/sbmarket/internal/notify"
	"github.com/alanyoungcy/sbmarket/internal/txerror"
)

// EventPhase is the bus event type carrying a domain.PhaseInfo.
const EventPhase = "phase"

// pendingTTL bounds how long an externally signed group may take to come
// back through SubmitSigned.
const pendingTTL = 10 * time.Minute

// Builder assembles unsigned groups. Deployed reports whether a contract is
// configured at all; write actions are unavailable until it is.
type Builder interface {
	Deployed() bool
	BuildBuy(ctx context.Context, sender string, outcome domain.Outcome, amount uint64) (domain.PendingTransaction, error)
	BuildClaim(ctx context.Context, sender string) (domain.PendingTransaction, error)
}

// Wallet is the connected wallet session.
type Wallet interface {
	Session() domain.WalletSession
	Sign(ctx context.Context, unsigned [][]byte) ([][]byte, error)
	Submit(ctx context.Context, signed [][]byte) ([]string, error)
}

// Chain submits signed groups directly and waits for confirmation.
type Chain interface {
	Submit(ctx context.Context, signed [][]byte) ([]string, error)
	Wait(ctx context.Context, txid string) (uint64, error)
}

// MarketView is the market snapshot holder.
type MarketView interface {
	Refresh(ctx context.Context) bool
	State() domain.MarketState
}

// BalanceView refreshes and reads an account's balances.
type BalanceView interface {
	RefreshBalances(ctx context.Context, addr string) domain.UserBalances
}

// BoxChecker reports whether an account already owns a balance box.
type BoxChecker interface {
	BoxExists(ctx context.Context, prefix, addr string) (bool, error)
}

// Notifier delivers toasts.
type Notifier interface {
	Notify(ctx context.Context, n notify.Notification) error
}

// TradeDeps groups the collaborators of a TradeService. Submissions, Audit,
// Locks, Bus and Notifier may be nil.
type TradeDeps struct {
	Builder     Builder
	Wallet      Wallet
	Chain       Chain
	Market      MarketView
	Balances    BalanceView
	Boxes       BoxChecker
	Submissions domain.SubmissionStore
	Audit       domain.AuditStore
	Locks       domain.LockManager
	Bus         domain.SignalBus
	Notifier    Notifier
}

// TradeService runs one buy or claim flow at a time.
type TradeService struct {
	deps    TradeDeps
	fees    market.QuoteFees
	lockTTL time.Duration
	logger  *slog.Logger
	now     func() time.Time

	// local guards flows when no distributed lock manager is configured.
	local sync.Mutex

	mu      sync.Mutex
	phase   domain.TxPhase
	pending map[string]pendingEntry
}

type pendingEntry struct {
	tx      domain.PendingTransaction
	expires time.Time
}

// NewTradeService creates a TradeService. lockTTL bounds how long a crashed
// flow can hold the distributed flow lock.
func NewTradeService(deps TradeDeps, fees market.QuoteFees, lockTTL time.Duration, logger *slog.Logger) *TradeService {
	if lockTTL <= 0 {
		lockTTL = 2 * time.Minute
	}
	return &TradeService{
		deps:    deps,
		fees:    fees,
		lockTTL: lockTTL,
		logger:  logger.With(slog.String("component", "trade_service")),
		now:     time.Now,
		phase:   domain.PhaseNone,
		pending: make(map[string]pendingEntry),
	}
}

// Phase returns the progress of the flow in flight.
func (s *TradeService) Phase() domain.PhaseInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase.Info()
}

// Quote prices a purchase for the connected account, or for account when
// given explicitly.
func (s *TradeService) Quote(ctx context.Context, account string, outcome domain.Outcome, amount uint64) (market.Quote, error) {
	if account == "" && s.deps.Wallet != nil {
		account = s.deps.Wallet.Session().Address
	}
	first := true
	if account != "" && s.deps.Boxes != nil && outcome.Valid() {
		exists, err := s.deps.Boxes.BoxExists(ctx, outcome.BoxPrefix(), account)
		if err != nil {
			return market.Quote{}, fmt.Errorf("service: quote: %w", err)
		}
		first = !exists
	}
	return market.NewQuote(s.deps.Market.State(), outcome, amount, s.fees, first)
}

// ClaimEligible reports whether the connected account can claim right now.
func (s *TradeService) ClaimEligible(ctx context.Context) bool {
	addr := s.deps.Wallet.Session().Address
	if addr == "" {
		return false
	}
	bal := s.deps.Balances.RefreshBalances(ctx, addr)
	return domain.ClaimEligible(s.deps.Market.State(), bal)
}

// Buy purchases amount microVOI of outcome shares with the connected
// wallet. Argument and connection problems are returned without starting a
// flow; everything after that is recorded and toasted.
func (s *TradeService) Buy(ctx context.Context, outcome domain.Outcome, amount uint64) (domain.Submission, error) {
	if !outcome.Valid() {
		return domain.Submission{}, fmt.Errorf("%w: %v", domain.ErrInvalidOutcome, outcome)
	}
	if amount == 0 {
		return domain.Submission{}, fmt.Errorf("%w: amount must be positive", domain.ErrInvalidAmount)
	}
	return s.run(ctx, domain.TxKindBuy, func(ctx context.Context, sender string) (domain.PendingTransaction, error) {
		return s.deps.Builder.BuildBuy(ctx, sender, outcome, amount)
	}, outcome, amount)
}

// Claim collects the connected account's winnings.
func (s *TradeService) Claim(ctx context.Context) (domain.Submission, error) {
	return s.run(ctx, domain.TxKindClaim, func(ctx context.Context, sender string) (domain.PendingTransaction, error) {
		return s.deps.Builder.BuildClaim(ctx, sender)
	}, domain.OutcomeNone, 0)
}

type buildFunc func(ctx context.Context, sender string) (domain.PendingTransaction, error)

func (s *TradeService) run(ctx context.Context, kind domain.TxKind, build buildFunc, outcome domain.Outcome, amount uint64) (domain.Submission, error) {
	sess := s.deps.Wallet.Session()
	if !sess.Connected || sess.Address == "" {
		return domain.Submission{}, domain.ErrNotConnected
	}
	if !s.deps.Builder.Deployed() {
		return domain.Submission{}, domain.ErrNotDeployed
	}

	unlock, err := s.acquire(ctx, sess.Address)
	if err != nil {
		return domain.Submission{}, err
	}
	defer unlock()
	defer s.setPhase(ctx, domain.PhaseNone)

	sub := domain.Submission{
		ID:          uuid.NewString(),
		Kind:        kind,
		Account:     sess.Address,
		Provider:    sess.Provider,
		Outcome:     outcome,
		AmountMicro: amount,
		CreatedAt:   s.now().UTC(),
	}

	s.setPhase(ctx, domain.PhaseBuilding)
	pending, err := build(ctx, sess.Address)
	if err != nil {
		return s.fail(ctx, sub, err)
	}
	if pending.ID != "" {
		sub.ID = pending.ID
	}

	s.setPhase(ctx, domain.PhaseSigning)
	signed, err := s.deps.Wallet.Sign(ctx, pending.Unsigned)
	if err != nil {
		return s.fail(ctx, sub, err)
	}

	s.setPhase(ctx, domain.PhaseSubmitting)
	ids, err := s.deps.Wallet.Submit(ctx, signed)
	if err != nil {
		return s.fail(ctx, sub, err)
	}
	return s.confirm(ctx, sub, ids)
}

// BuildBuy returns an unsigned buy group for a wallet that signs outside
// this process. The group is remembered so SubmitSigned can record it.
func (s *TradeService) BuildBuy(ctx context.Context, sender string, outcome domain.Outcome, amount uint64) (domain.PendingTransaction, error) {
	if !s.deps.Builder.Deployed() {
		return domain.PendingTransaction{}, domain.ErrNotDeployed
	}
	tx, err := s.deps.Builder.BuildBuy(ctx, sender, outcome, amount)
	if err != nil {
		return domain.PendingTransaction{}, err
	}
	s.remember(tx)
	return tx, nil
}

// BuildClaim returns an unsigned claim group for an external signer.
func (s *TradeService) BuildClaim(ctx context.Context, sender string) (domain.PendingTransaction, error) {
	if !s.deps.Builder.Deployed() {
		return domain.PendingTransaction{}, domain.ErrNotDeployed
	}
	tx, err := s.deps.Builder.BuildClaim(ctx, sender)
	if err != nil {
		return domain.PendingTransaction{}, err
	}
	s.remember(tx)
	return tx, nil
}

// SubmitSigned broadcasts a group signed outside this process, then confirms
// and records it like any other flow. pendingID links it to an earlier
// BuildBuy or BuildClaim and may be empty.
func (s *TradeService) SubmitSigned(ctx context.Context, pendingID string, signed [][]byte) (domain.Submission, error) {
	if len(signed) == 0 {
		return domain.Submission{}, fmt.Errorf("%w: no signed transactions", domain.ErrSigningFailed)
	}
	if !s.deps.Builder.Deployed() {
		return domain.Submission{}, domain.ErrNotDeployed
	}

	sub := domain.Submission{ID: pendingID, CreatedAt: s.now().UTC()}
	if sub.ID == "" {
		sub.ID = uuid.NewString()
	}
	if tx, ok := s.takePending(pendingID); ok {
		sub.Kind, sub.Account = tx.Kind, tx.Account
		sub.Outcome, sub.AmountMicro = tx.Outcome, tx.AmountMicro
	}

	unlock, err := s.acquire(ctx, sub.Account)
	if err != nil {
		return domain.Submission{}, err
	}
	defer unlock()
	defer s.setPhase(ctx, domain.PhaseNone)

	s.setPhase(ctx, domain.PhaseSubmitting)
	ids, err := s.deps.Chain.Submit(ctx, signed)
	if err != nil {
		return s.fail(ctx, sub, err)
	}
	return s.confirm(ctx, sub, ids)
}

func (s *TradeService) confirm(ctx context.Context, sub domain.Submission, ids []string) (domain.Submission, error) {
	sub.TxIDs = ids
	sub.Status = domain.SubmissionSubmitted
	s.persist(ctx, sub)

	if len(ids) > 0 {
		s.setPhase(ctx, domain.PhaseConfirming)
		if _, err := s.deps.Chain.Wait(ctx, ids[0]); err != nil {
			return s.fail(ctx, sub, err)
		}
	}

	sub.Status = domain.SubmissionConfirmed
	s.persist(ctx, sub)
	s.audit(ctx, sub)

	s.deps.Market.Refresh(ctx)
	if sub.Account != "" {
		s.deps.Balances.RefreshBalances(ctx, sub.Account)
	}

	s.toast(ctx, successNotice(sub))
	s.logger.InfoContext(ctx, "flow confirmed",
		slog.String("kind", string(sub.Kind)),
		slog.String("account", sub.Account),
		slog.Any("tx_ids", sub.TxIDs),
	)
	return sub, nil
}

func (s *TradeService) fail(ctx context.Context, sub domain.Submission, cause error) (domain.Submission, error) {
	c := txerror.Classify(cause)
	sub.Status = domain.SubmissionFailed
	level := notify.LevelError
	if c.Cancelled() {
		sub.Status = domain.SubmissionCancelled
		level = notify.LevelInfo
		s.logger.InfoContext(ctx, "flow cancelled by user", slog.String("kind", string(sub.Kind)))
	} else {
		s.logger.ErrorContext(ctx, "flow failed",
			slog.String("kind", string(sub.Kind)),
			slog.String("category", string(c.Category)),
			slog.String("error", cause.Error()),
		)
	}
	sub.ErrorTitle, sub.ErrorDetail = c.Title, c.Description

	// The record and the toast must survive a cancelled request context.
	rctx := context.WithoutCancel(ctx)
	s.persist(rctx, sub)
	s.audit(rctx, sub)
	s.toast(rctx, notify.Notification{
		Event:   notify.EventTrade,
		Level:   level,
		Title:   c.Title,
		Message: c.Description,
	})
	return sub, fmt.Errorf("service: %s: %w", sub.Kind, cause)
}

func successNotice(sub domain.Submission) notify.Notification {
	n := notify.Notification{Event: notify.EventTrade, Level: notify.LevelSuccess}
	switch sub.Kind {
	case domain.TxKindBuy:
		n.Title = fmt.Sprintf("Purchased %s VOI of %s shares!", domain.FormatVoi(sub.AmountMicro), sub.Outcome.TeamName())
		n.Message = "Your position has been updated."
	case domain.TxKindClaim:
		n.Title = "Winnings Claimed"
		n.Message = "Your winnings have been sent to your wallet."
	default:
		n.Title = "Transaction Confirmed"
		n.Message = "Your transaction was confirmed on-chain."
	}
	return n
}

// acquire takes the flow lock for account. A held lock maps to
// ErrFlowInProgress.
func (s *TradeService) acquire(ctx context.Context, account string) (func(), error) {
	if s.deps.Locks == nil {
		if !s.local.TryLock() {
			return nil, domain.ErrFlowInProgress
		}
		return s.local.Unlock, nil
	}
	unlock, err := s.deps.Locks.Acquire(ctx, "flow:"+account, s.lockTTL)
	if errors.Is(err, domain.ErrLockHeld) {
		return nil, domain.ErrFlowInProgress
	}
	if err != nil {
		return nil, fmt.Errorf("service: flow lock: %w", err)
	}
	return unlock, nil
}

func (s *TradeService) setPhase(ctx context.Context, p domain.TxPhase) {
	s.mu.Lock()
	s.phase = p
	s.mu.Unlock()

	if s.deps.Bus == nil {
		return
	}
	raw, err := domain.EncodeEvent(EventPhase, p.Info())
	if err != nil {
		return
	}
	if err := s.deps.Bus.Publish(context.WithoutCancel(ctx), domain.ChannelPhase, raw); err != nil {
		s.logger.DebugContext(ctx, "publishing phase", slog.String("error", err.Error()))
	}
}

func (s *TradeService) persist(ctx context.Context, sub domain.Submission) {
	if s.deps.Submissions == nil {
		return
	}
	if err := s.deps.Submissions.Create(ctx, sub); err != nil {
		s.logger.WarnContext(ctx, "persisting submission failed",
			slog.String("id", sub.ID),
			slog.String("error", err.Error()),
		)
	}
}

func (s *TradeService) audit(ctx context.Context, sub domain.Submission) {
	if s.deps.Audit == nil {
		return
	}
	detail := map[string]any{
		"id":      sub.ID,
		"account": sub.Account,
		"status":  string(sub.Status),
		"amount":  sub.AmountMicro,
		"tx_ids":  sub.TxIDs,
	}
	if sub.Outcome.Valid() {
		detail["outcome"] = sub.Outcome.String()
	}
	if sub.ErrorTitle != "" {
		detail["error"] = sub.ErrorTitle
	}
	if err := s.deps.Audit.Log(ctx, "trade."+string(sub.Kind), detail); err != nil {
		s.logger.WarnContext(ctx, "audit log failed", slog.String("error", err.Error()))
	}
}

func (s *TradeService) toast(ctx context.Context, n notify.Notification) {
	if s.deps.Notifier == nil {
		return
	}
	if err := s.deps.Notifier.Notify(ctx, n); err != nil {
		s.logger.WarnContext(ctx, "trade notification failed", slog.String("error", err.Error()))
	}
}

func (s *TradeService) remember(tx domain.PendingTransaction) {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, e := range s.pending {
		if now.After(e.expires) {
			delete(s.pending, id)
		}
	}
	s.pending[tx.ID] = pendingEntry{tx: tx, expires: now.Add(pendingTTL)}
}

func (s *TradeService) takePending(id string) (domain.PendingTransaction, bool) {
	if id == "" {
		return domain.PendingTransaction{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.pending[id]
	if !ok || s.now().After(e.expires) {
		return domain.PendingTransaction{}, false
	}
	delete(s.pending, id)
	return e.tx, true
}
