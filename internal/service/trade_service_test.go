package service

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/sbmarket/internal/domain"
	"github.com/alanyoungcy/sbmarket/internal/market"
	"github.com/alanyoungcy/sbmarket/internal/notify"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

const account = "ACCOUNTADDRESS"

type fakeBuilder struct {
	err        error
	calls      int
	undeployed bool
}

func (f *fakeBuilder) Deployed() bool { return !f.undeployed }

func (f *fakeBuilder) BuildBuy(ctx context.Context, sender string, outcome domain.Outcome, amount uint64) (domain.PendingTransaction, error) {
	f.calls++
	if f.err != nil {
		return domain.PendingTransaction{}, f.err
	}
	return domain.PendingTransaction{
		ID:          "pending-buy",
		Kind:        domain.TxKindBuy,
		Account:     sender,
		Outcome:     outcome,
		AmountMicro: amount + 23_300,
		Unsigned:    [][]byte{[]byte("pay"), []byte("call")},
	}, nil
}

func (f *fakeBuilder) BuildClaim(ctx context.Context, sender string) (domain.PendingTransaction, error) {
	f.calls++
	if f.err != nil {
		return domain.PendingTransaction{}, f.err
	}
	return domain.PendingTransaction{
		ID:       "pending-claim",
		Kind:     domain.TxKindClaim,
		Account:  sender,
		Unsigned: [][]byte{[]byte("claim")},
	}, nil
}

type fakeWallet struct {
	session   domain.WalletSession
	signErr   error
	submitErr error
	signed    [][]byte
	// block, when set, holds Sign until it is closed.
	block   chan struct{}
	signing chan struct{}
}

func (f *fakeWallet) Session() domain.WalletSession { return f.session }

func (f *fakeWallet) Sign(ctx context.Context, unsigned [][]byte) ([][]byte, error) {
	if f.signing != nil {
		close(f.signing)
	}
	if f.block != nil {
		<-f.block
	}
	if f.signErr != nil {
		return nil, f.signErr
	}
	out := make([][]byte, len(unsigned))
	for i, u := range unsigned {
		out[i] = append([]byte("signed:"), u...)
	}
	f.signed = out
	return out, nil
}

func (f *fakeWallet) Submit(ctx context.Context, signed [][]byte) ([]string, error) {
	if f.submitErr != nil {
		return nil, f.submitErr
	}
	return []string{"TX1", "TX2"}, nil
}

type fakeChain struct {
	waitErr   error
	submitted [][]byte
	waited    []string
}

func (f *fakeChain) Submit(ctx context.Context, signed [][]byte) ([]string, error) {
	f.submitted = signed
	return []string{"EXT1"}, nil
}

func (f *fakeChain) Wait(ctx context.Context, txid string) (uint64, error) {
	f.waited = append(f.waited, txid)
	return 100, f.waitErr
}

type fakeMarket struct {
	state     domain.MarketState
	refreshes int
}

func (f *fakeMarket) Refresh(ctx context.Context) bool {
	f.refreshes++
	return true
}

func (f *fakeMarket) State() domain.MarketState { return f.state }

type fakeBalances struct {
	bal       domain.UserBalances
	refreshed []string
}

func (f *fakeBalances) RefreshBalances(ctx context.Context, addr string) domain.UserBalances {
	f.refreshed = append(f.refreshed, addr)
	return f.bal
}

type fakeBoxes struct{ exists bool }

func (f fakeBoxes) BoxExists(ctx context.Context, prefix, addr string) (bool, error) {
	return f.exists, nil
}

type recordingNotifier struct {
	mu    sync.Mutex
	notes []notify.Notification
}

func (r *recordingNotifier) Notify(ctx context.Context, n notify.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notes = append(r.notes, n)
	return nil
}

type fakeBus struct {
	mu     sync.Mutex
	phases []domain.TxPhase
}

func (b *fakeBus) Publish(ctx context.Context, channel string, payload []byte) error {
	if channel != domain.ChannelPhase {
		return nil
	}
	var ev domain.Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return err
	}
	var info domain.PhaseInfo
	if err := json.Unmarshal(ev.Payload, &info); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.phases = append(b.phases, info.Phase)
	return nil
}

func (b *fakeBus) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	return make(chan []byte), nil
}

func (b *fakeBus) StreamAppend(ctx context.Context, stream string, payload []byte) error { return nil }

func (b *fakeBus) StreamRead(ctx context.Context, stream, lastID string, count int) ([]domain.StreamMessage, error) {
	return nil, nil
}

type memSubmissions struct {
	mu   sync.Mutex
	rows map[string]domain.Submission
}

func (m *memSubmissions) Create(ctx context.Context, s domain.Submission) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rows == nil {
		m.rows = map[string]domain.Submission{}
	}
	m.rows[s.ID] = s
	return nil
}

func (m *memSubmissions) UpdateStatus(ctx context.Context, id string, status domain.SubmissionStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.rows[id]
	if !ok {
		return domain.ErrNotFound
	}
	s.Status = status
	m.rows[id] = s
	return nil
}

func (m *memSubmissions) Get(ctx context.Context, id string) (domain.Submission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.rows[id]
	if !ok {
		return domain.Submission{}, domain.ErrNotFound
	}
	return s, nil
}

func (m *memSubmissions) ListByAccount(ctx context.Context, account string, opts domain.ListOpts) ([]domain.Submission, error) {
	return nil, nil
}

type memAudit struct {
	events []string
}

func (m *memAudit) Log(ctx context.Context, event string, detail map[string]any) error {
	m.events = append(m.events, event)
	return nil
}

func (m *memAudit) List(ctx context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	return nil, nil
}

type heldLocks struct{}

func (heldLocks) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	return nil, domain.ErrLockHeld
}

type fixture struct {
	svc      *TradeService
	builder  *fakeBuilder
	wallet   *fakeWallet
	chain    *fakeChain
	market   *fakeMarket
	balances *fakeBalances
	notifier *recordingNotifier
	bus      *fakeBus
	subs     *memSubmissions
	audit    *memAudit
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		builder: &fakeBuilder{},
		wallet: &fakeWallet{session: domain.WalletSession{
			Address:   account,
			Connected: true,
			Provider:  domain.ProviderLocal,
		}},
		chain:    &fakeChain{},
		market:   &fakeMarket{state: domain.DefaultMarketState()},
		balances: &fakeBalances{},
		notifier: &recordingNotifier{},
		bus:      &fakeBus{},
		subs:     &memSubmissions{},
		audit:    &memAudit{},
	}
	f.svc = NewTradeService(TradeDeps{
		Builder:     f.builder,
		Wallet:      f.wallet,
		Chain:       f.chain,
		Market:      f.market,
		Balances:    f.balances,
		Boxes:       fakeBoxes{},
		Submissions: f.subs,
		Audit:       f.audit,
		Bus:         f.bus,
		Notifier:    f.notifier,
	}, market.QuoteFees{NetworkFee: 3_000, BoxMBR: 23_300}, 0, discard)
	return f
}

func TestBuyRunsEveryPhaseInOrder(t *testing.T) {
	f := newFixture(t)

	sub, err := f.svc.Buy(context.Background(), domain.OutcomeSea, 2_000_000)
	require.NoError(t, err)

	assert.Equal(t, []domain.TxPhase{
		domain.PhaseBuilding,
		domain.PhaseSigning,
		domain.PhaseSubmitting,
		domain.PhaseConfirming,
		domain.PhaseNone,
	}, f.bus.phases)
	assert.Equal(t, domain.PhaseNone, f.svc.Phase().Phase)

	assert.Equal(t, "pending-buy", sub.ID)
	assert.Equal(t, domain.SubmissionConfirmed, sub.Status)
	assert.Equal(t, []string{"TX1", "TX2"}, sub.TxIDs)
	assert.Equal(t, uint64(2_000_000), sub.AmountMicro)
	assert.Equal(t, []string{"TX1"}, f.chain.waited)

	stored, err := f.subs.Get(context.Background(), sub.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SubmissionConfirmed, stored.Status)
	assert.Equal(t, []string{"trade.buy"}, f.audit.events)

	assert.Equal(t, 1, f.market.refreshes)
	assert.Equal(t, []string{account}, f.balances.refreshed)

	require.Len(t, f.notifier.notes, 1)
	assert.Equal(t, notify.LevelSuccess, f.notifier.notes[0].Level)
	assert.Equal(t, "Purchased 2 VOI of Seattle Seahawks shares!", f.notifier.notes[0].Title)
}

func TestBuyRejectsArgumentsWithoutStartingFlow(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Buy(context.Background(), domain.OutcomeNone, 1)
	assert.ErrorIs(t, err, domain.ErrInvalidOutcome)
	_, err = f.svc.Buy(context.Background(), domain.OutcomePat, 0)
	assert.ErrorIs(t, err, domain.ErrInvalidAmount)

	f.wallet.session = domain.WalletSession{}
	_, err = f.svc.Buy(context.Background(), domain.OutcomePat, 1)
	assert.ErrorIs(t, err, domain.ErrNotConnected)

	assert.Zero(t, f.builder.calls)
	assert.Empty(t, f.bus.phases)
	assert.Empty(t, f.notifier.notes)
}

func TestBuyCancelledInWallet(t *testing.T) {
	f := newFixture(t)
	f.wallet.signErr = errors.New("arc0027: request rejected by user")

	sub, err := f.svc.Buy(context.Background(), domain.OutcomePat, 1_000_000)
	require.Error(t, err)
	assert.Equal(t, domain.SubmissionCancelled, sub.Status)
	assert.Equal(t, "Transaction Cancelled", sub.ErrorTitle)

	require.Len(t, f.notifier.notes, 1)
	assert.Equal(t, notify.LevelInfo, f.notifier.notes[0].Level)
	assert.Equal(t, domain.PhaseNone, f.bus.phases[len(f.bus.phases)-1])
	assert.Zero(t, f.market.refreshes, "a failed flow stops before refreshing")

	stored, err := f.subs.Get(context.Background(), "pending-buy")
	require.NoError(t, err)
	assert.Equal(t, domain.SubmissionCancelled, stored.Status)
}

func TestBuyBuildFailureIsRecorded(t *testing.T) {
	f := newFixture(t)
	f.builder.err = errors.New("algod: suggested params: connection refused")

	sub, err := f.svc.Buy(context.Background(), domain.OutcomeSea, 1_000_000)
	require.Error(t, err)
	assert.Equal(t, domain.SubmissionFailed, sub.Status)
	assert.NotEmpty(t, sub.ID)
	assert.Len(t, f.subs.rows, 1)
	assert.Equal(t, []domain.TxPhase{domain.PhaseBuilding, domain.PhaseNone}, f.bus.phases)
	require.Len(t, f.notifier.notes, 1)
	assert.Equal(t, notify.LevelError, f.notifier.notes[0].Level)
}

func TestUndeployedContractDisablesWrites(t *testing.T) {
	f := newFixture(t)
	f.builder.undeployed = true
	ctx := context.Background()

	_, err := f.svc.Buy(ctx, domain.OutcomeSea, 1_000_000)
	assert.ErrorIs(t, err, domain.ErrNotDeployed)
	_, err = f.svc.Claim(ctx)
	assert.ErrorIs(t, err, domain.ErrNotDeployed)
	_, err = f.svc.BuildBuy(ctx, account, domain.OutcomeSea, 1_000_000)
	assert.ErrorIs(t, err, domain.ErrNotDeployed)
	_, err = f.svc.BuildClaim(ctx, account)
	assert.ErrorIs(t, err, domain.ErrNotDeployed)
	_, err = f.svc.SubmitSigned(ctx, "", [][]byte{[]byte("signed")})
	assert.ErrorIs(t, err, domain.ErrNotDeployed)

	assert.Zero(t, f.builder.calls)
	assert.Empty(t, f.subs.rows)
	assert.Empty(t, f.audit.events)
	assert.Empty(t, f.bus.phases)
	assert.Empty(t, f.notifier.notes)
	assert.Empty(t, f.chain.submitted)
	assert.Equal(t, domain.PhaseNone, f.svc.Phase().Phase)
}

func TestBuySubmitRejectedByContract(t *testing.T) {
	f := newFixture(t)
	f.wallet.submitErr = errors.New("logic eval error: assert failed: market_paused")

	sub, err := f.svc.Buy(context.Background(), domain.OutcomeSea, 1_000_000)
	require.Error(t, err)
	assert.Equal(t, "Market Paused", sub.ErrorTitle)
	assert.Empty(t, f.chain.waited)
}

func TestConfirmationFailureMarksFailed(t *testing.T) {
	f := newFixture(t)
	f.chain.waitErr = errors.New("network timeout")

	sub, err := f.svc.Claim(context.Background())
	require.Error(t, err)
	assert.Equal(t, domain.SubmissionFailed, sub.Status)
	assert.Equal(t, "Network Error", sub.ErrorTitle)
	assert.Equal(t, []string{"TX1", "TX2"}, sub.TxIDs)
}

func TestOneFlowAtATime(t *testing.T) {
	f := newFixture(t)
	f.wallet.block = make(chan struct{})
	f.wallet.signing = make(chan struct{})

	done := make(chan error, 1)
	go func() {
		_, err := f.svc.Buy(context.Background(), domain.OutcomeSea, 1_000_000)
		done <- err
	}()
	<-f.wallet.signing

	_, err := f.svc.Claim(context.Background())
	assert.ErrorIs(t, err, domain.ErrFlowInProgress)

	close(f.wallet.block)
	require.NoError(t, <-done)
}

func TestDistributedLockHeld(t *testing.T) {
	f := newFixture(t)
	f.svc.deps.Locks = heldLocks{}

	_, err := f.svc.Buy(context.Background(), domain.OutcomeSea, 1_000_000)
	assert.ErrorIs(t, err, domain.ErrFlowInProgress)
	assert.Zero(t, f.builder.calls)
}

func TestExternalSigningRoundTrip(t *testing.T) {
	f := newFixture(t)

	pending, err := f.svc.BuildClaim(context.Background(), account)
	require.NoError(t, err)

	sub, err := f.svc.SubmitSigned(context.Background(), pending.ID, [][]byte{[]byte("signed-claim")})
	require.NoError(t, err)
	assert.Equal(t, pending.ID, sub.ID)
	assert.Equal(t, domain.TxKindClaim, sub.Kind)
	assert.Equal(t, account, sub.Account)
	assert.Equal(t, []string{"EXT1"}, f.chain.waited)
	assert.Equal(t, [][]byte{[]byte("signed-claim")}, f.chain.submitted)

	require.Len(t, f.notifier.notes, 1)
	assert.Equal(t, "Winnings Claimed", f.notifier.notes[0].Title)

	// A pending group is consumed once.
	_, ok := f.svc.takePending(pending.ID)
	assert.False(t, ok)
}

func TestSubmitSignedRequiresPayload(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.SubmitSigned(context.Background(), "", nil)
	assert.ErrorIs(t, err, domain.ErrSigningFailed)
}

func TestQuoteUsesBoxExistence(t *testing.T) {
	f := newFixture(t)

	q, err := f.svc.Quote(context.Background(), "", domain.OutcomeSea, 510_000)
	require.NoError(t, err)
	assert.Equal(t, uint64(23_300), q.StorageDeposit)

	f.svc.deps.Boxes = fakeBoxes{exists: true}
	q, err = f.svc.Quote(context.Background(), "", domain.OutcomeSea, 510_000)
	require.NoError(t, err)
	assert.Zero(t, q.StorageDeposit)
	assert.Equal(t, "1", q.EstimatedShares.String())
}

func TestClaimEligible(t *testing.T) {
	f := newFixture(t)
	assert.False(t, f.svc.ClaimEligible(context.Background()))

	f.market.state.IsResolved = true
	f.market.state.Winner = domain.OutcomePat
	f.balances.bal = domain.UserBalances{Account: account, PatShares: 3}
	assert.True(t, f.svc.ClaimEligible(context.Background()))
}
