package registry

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"xscrow/internal/asset"
	"xscrow/internal/errs"
	"xscrow/internal/events"
	"xscrow/internal/oracle"
)

var (
	factoryAddr = common.HexToAddress("0x00000000000000000000000000000000000000F0")
	operator    = common.HexToAddress("0x00000000000000000000000000000000000000F1")
	creatorA    = common.HexToAddress("0x0000000000000000000000000000000000000A01")
	creatorB    = common.HexToAddress("0x0000000000000000000000000000000000000A02")
	depositor   = common.HexToAddress("0x0000000000000000000000000000000000000C01")
	lender      = common.HexToAddress("0x0000000000000000000000000000000000000B01")
	vendor      = common.HexToAddress("0x0000000000000000000000000000000000000B02")
	tokenAddr   = common.HexToAddress("0x0000000000000000000000000000000000000D01")
)

type harness struct {
	factory *Factory
	network *oracle.MemoryNetwork
	token   *asset.MemoryToken
	log     *events.Log
}

func newHarness(t *testing.T) harness {
	t.Helper()
	token := asset.NewMemoryToken()
	dir := asset.NewDirectory(false)
	dir.Register(tokenAddr, token)
	network := oracle.NewMemoryNetwork(operator)
	log := events.NewLog()

	f, err := NewFactory(context.Background(), Config{
		Address:  factoryAddr,
		Network:  network,
		Operator: operator,
		JobID:    []byte("verify-credit"),
		Assets:   dir,
		Log:      log,
		Now:      func() time.Time { return time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC) },
	})
	if err != nil {
		t.Fatalf("new factory: %v", err)
	}
	return harness{factory: f, network: network, token: token, log: log}
}

func params() CreateParams {
	return CreateParams{
		Name:           "token_xscrow",
		Asset:          tokenAddr,
		LenderTreasury: lender,
		VendorTreasury: vendor,
		Endpoint:       "https://verifier.example/score/",
	}
}

func TestCreateIndexesPerOwner(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	var first []Product
	for i := 0; i < 3; i++ {
		d, err := h.factory.Create(ctx, creatorA, params())
		if err != nil {
			t.Fatalf("create %d: %v", i, err)
		}
		if d.Index != uint64(i) {
			t.Fatalf("expected index %d got %d", i, d.Index)
		}
		first = append(first, d.Product)
	}
	d, err := h.factory.Create(ctx, creatorB, params())
	if err != nil {
		t.Fatalf("create for second owner: %v", err)
	}
	if d.Index != 0 {
		t.Fatalf("expected independent index 0 for second owner got %d", d.Index)
	}

	for i, want := range first {
		got, err := h.factory.ProductAt(ctx, creatorA, uint64(i))
		if err != nil {
			t.Fatalf("product at %d: %v", i, err)
		}
		if got != want {
			t.Fatalf("expected %+v got %+v", want, got)
		}
	}
	if n, _ := h.factory.Count(ctx, creatorA); n != 3 {
		t.Fatalf("expected 3 products got %d", n)
	}
	if n := len(h.factory.Deployments()); n != 4 {
		t.Fatalf("expected 4 deployments got %d", n)
	}
}

func TestCreateDerivesDistinctAddresses(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	a, err := h.factory.Create(ctx, creatorA, params())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	b, err := h.factory.Create(ctx, creatorB, params())
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if a.Product.Coordinator != crypto.CreateAddress(factoryAddr, 0) || a.Product.Ledger != crypto.CreateAddress(factoryAddr, 1) {
		t.Fatalf("unexpected addresses for first product %+v", a.Product)
	}
	seen := map[common.Address]bool{}
	for _, addr := range []common.Address{a.Product.Ledger, a.Product.Coordinator, b.Product.Ledger, b.Product.Coordinator} {
		if seen[addr] {
			t.Fatalf("address %s reused", addr.Hex())
		}
		seen[addr] = true
	}
}

func TestCreateWiresAndTransfersOwnership(t *testing.T) {
	h := newHarness(t)

	d, err := h.factory.Create(context.Background(), creatorA, params())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if d.Ledger.Owner() != creatorA || d.Coordinator.Owner() != creatorA {
		t.Fatalf("expected caller to own both components")
	}
	if d.Ledger.Oracle() != d.Product.Coordinator {
		t.Fatalf("ledger must trust its coordinator")
	}
	if d.Coordinator.Ledger() != d.Product.Ledger {
		t.Fatalf("coordinator must trust its ledger")
	}
	if d.Ledger.Asset() != tokenAddr || d.Ledger.Name() != "token_xscrow" {
		t.Fatalf("unexpected ledger asset/name")
	}
	if d.Ledger.LenderTreasury() != lender || d.Ledger.VendorTreasury() != vendor {
		t.Fatalf("unexpected treasuries")
	}
	if d.Ledger.DepositFee() != 0 || d.Ledger.Paused() {
		t.Fatalf("expected default fee 0 and unpaused")
	}
	if ep, err := d.Coordinator.Endpoint(creatorA); err != nil || ep != "https://verifier.example/score/" {
		t.Fatalf("expected endpoint readable by owner, got %q %v", ep, err)
	}
	if err := d.Ledger.Pause(factoryAddr); !errors.Is(err, errs.Unauthorized) {
		t.Fatalf("factory must not retain ownership, got %v", err)
	}

	deployed := h.log.Filter(events.KindDeployed)
	if len(deployed) != 1 {
		t.Fatalf("expected one deployed event got %d", len(deployed))
	}
	ev := deployed[0]
	if ev.Owner != creatorA || ev.Index != 0 || ev.Ledger != d.Product.Ledger || ev.Coordinator != d.Product.Coordinator {
		t.Fatalf("unexpected deployed event %+v", ev)
	}
}

func TestCreateValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	p := params()
	p.LenderTreasury = common.Address{}
	if _, err := h.factory.Create(ctx, creatorA, p); !errors.Is(err, errs.InvalidAddress) {
		t.Fatalf("expected InvalidAddress got %v", err)
	}

	p = params()
	p.Asset = common.HexToAddress("0x0000000000000000000000000000000000000DDD")
	if _, err := h.factory.Create(ctx, creatorA, p); !errors.Is(err, asset.ErrUnknownAsset) {
		t.Fatalf("expected unknown asset got %v", err)
	}
	if n, _ := h.factory.Count(ctx, creatorA); n != 0 {
		t.Fatalf("failed creates must not consume an index")
	}
}

func TestProductAtMissing(t *testing.T) {
	h := newHarness(t)

	if _, err := h.factory.ProductAt(context.Background(), creatorA, 0); !errors.Is(err, errs.NotFound) {
		t.Fatalf("expected NotFound got %v", err)
	}
	if _, err := h.factory.Lookup(creatorA); !errors.Is(err, errs.NotFound) {
		t.Fatalf("expected NotFound got %v", err)
	}
}

func TestLookupByComponent(t *testing.T) {
	h := newHarness(t)
	d, err := h.factory.Create(context.Background(), creatorA, params())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	byLedger, err := h.factory.Lookup(d.Product.Ledger)
	if err != nil || byLedger != d {
		t.Fatalf("lookup by ledger failed: %v", err)
	}
	byCoordinator, err := h.factory.LookupCoordinator(d.Product.Coordinator)
	if err != nil || byCoordinator != d {
		t.Fatalf("lookup by coordinator failed: %v", err)
	}
}

func TestFactoryResumesNonceFromStore(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	if err := store.Save(ctx, Record{Owner: creatorA, Index: 0, Ledger: common.HexToAddress("0x01"), Coordinator: common.HexToAddress("0x02")}); err != nil {
		t.Fatalf("seed store: %v", err)
	}
	dir := asset.NewDirectory(true)
	f, err := NewFactory(ctx, Config{Address: factoryAddr, Network: oracle.NewMemoryNetwork(operator), Operator: operator, Assets: dir, Store: store})
	if err != nil {
		t.Fatalf("new factory: %v", err)
	}

	d, err := f.Create(ctx, creatorA, params())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if d.Index != 1 {
		t.Fatalf("expected index 1 got %d", d.Index)
	}
	if d.Product.Coordinator != crypto.CreateAddress(factoryAddr, 2) {
		t.Fatalf("expected nonce to resume after stored products")
	}
}

func fundAndDeposit(t *testing.T, h harness, d *Deployment, amount int64) {
	t.Helper()
	h.token.Mint(depositor, big.NewInt(amount))
	h.token.Approve(depositor, d.Product.Ledger, big.NewInt(amount))
	if err := d.Ledger.Deposit(context.Background(), depositor, big.NewInt(amount)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
}

func balance(t *testing.T, tok *asset.MemoryToken, holder common.Address) int64 {
	t.Helper()
	b, err := tok.BalanceOf(context.Background(), holder)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	return b.Int64()
}

func TestEndToEndApprovedWithdrawal(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	d, err := h.factory.Create(ctx, creatorA, params())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := d.Ledger.SetDepositFee(creatorA, 2); err != nil {
		t.Fatalf("set fee: %v", err)
	}

	fundAndDeposit(t, h, d, 1_000_000)
	if got := d.Ledger.BalanceOf(depositor).Int64(); got != 980_000 {
		t.Fatalf("expected 980000 got %d", got)
	}
	if got := balance(t, h.token, vendor); got != 20_000 {
		t.Fatalf("expected vendor 20000 got %d", got)
	}

	id, err := d.Ledger.RequestWithdraw(ctx, depositor)
	if err != nil {
		t.Fatalf("request withdraw: %v", err)
	}
	jobs := h.network.Jobs()
	if len(jobs) != 1 || jobs[0].RequestID != id || jobs[0].Callback != d.Product.Coordinator {
		t.Fatalf("unexpected jobs %+v", jobs)
	}

	if err := h.network.Fulfill(ctx, id, true); err != nil {
		t.Fatalf("fulfill: %v", err)
	}
	if got := balance(t, h.token, depositor); got != 980_000 {
		t.Fatalf("expected depositor paid 980000 got %d", got)
	}
	if d.Ledger.BalanceOf(depositor).Sign() != 0 {
		t.Fatalf("expected ledger balance zero")
	}
	if err := d.Coordinator.Fulfill(ctx, operator, id, oracle.EncodeResult(true)); !errors.Is(err, errs.UnknownRequest) {
		t.Fatalf("expected replay to fail with UnknownRequest got %v", err)
	}

	kinds := []events.Kind{}
	for _, ev := range h.log.Events() {
		kinds = append(kinds, ev.Kind)
	}
	want := []events.Kind{
		events.KindDeployed, events.KindDeposit, events.KindRequested, events.KindWithdrawRequested,
		events.KindWithdrawSucceeded, events.KindFulfilled,
	}
	if len(kinds) != len(want) {
		t.Fatalf("expected events %v got %v", want, kinds)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("expected events %v got %v", want, kinds)
		}
	}
}

func TestEndToEndRejectedThenForceSettled(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	d, err := h.factory.Create(ctx, creatorA, params())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	fundAndDeposit(t, h, d, 500)

	id, err := d.Ledger.RequestWithdraw(ctx, depositor)
	if err != nil {
		t.Fatalf("request withdraw: %v", err)
	}
	if err := h.network.Fulfill(ctx, id, false); err != nil {
		t.Fatalf("fulfill: %v", err)
	}
	if got := d.Ledger.BalanceOf(depositor).Int64(); got != 500 {
		t.Fatalf("rejected withdrawal must keep balance, got %d", got)
	}
	if len(h.log.Filter(events.KindWithdrawRejected)) != 1 {
		t.Fatalf("expected WithdrawRejected")
	}

	amount, err := d.Ledger.ForceSettle(ctx, creatorA, depositor)
	if err != nil {
		t.Fatalf("force settle: %v", err)
	}
	if amount.Int64() != 500 || balance(t, h.token, lender) != 500 {
		t.Fatalf("expected lender treasury to receive 500")
	}
}

func TestEndToEndSettleWhilePausedStaysPending(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	d, err := h.factory.Create(ctx, creatorA, params())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	fundAndDeposit(t, h, d, 100)

	id, err := d.Ledger.RequestWithdraw(ctx, depositor)
	if err != nil {
		t.Fatalf("request withdraw: %v", err)
	}
	if err := d.Ledger.Pause(creatorA); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if err := h.network.Fulfill(ctx, id, true); !errors.Is(err, errs.SystemPaused) {
		t.Fatalf("expected SystemPaused got %v", err)
	}
	if _, ok := d.Coordinator.Pending(id); !ok {
		t.Fatalf("request must stay pending while ledger is paused")
	}

	if err := d.Ledger.Unpause(creatorA); err != nil {
		t.Fatalf("unpause: %v", err)
	}
	if err := h.network.Fulfill(ctx, id, true); err != nil {
		t.Fatalf("fulfill after unpause: %v", err)
	}
	if got := balance(t, h.token, depositor); got != 100 {
		t.Fatalf("expected payout 100 got %d", got)
	}
}

func TestMemoryStoreRejectsOutOfSequence(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	if err := s.Save(ctx, Record{Owner: creatorA, Index: 1}); err == nil {
		t.Fatalf("expected out-of-sequence save to fail")
	}
	if err := s.Save(ctx, Record{Owner: creatorA, Index: 0}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if rec, err := s.Get(ctx, creatorA, 5); err != nil || rec != nil {
		t.Fatalf("expected nil record on miss")
	}
	if total, _ := s.Total(ctx); total != 1 {
		t.Fatalf("expected total 1 got %d", total)
	}
}

func TestComponentLoggersTagOnce(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	token := asset.NewMemoryToken()
	dir := asset.NewDirectory(false)
	dir.Register(tokenAddr, token)
	f, err := NewFactory(context.Background(), Config{
		Address:  factoryAddr,
		Network:  oracle.NewMemoryNetwork(operator),
		Operator: operator,
		JobID:    []byte("verify-credit"),
		Assets:   dir,
		Logger:   logger,
	})
	if err != nil {
		t.Fatalf("new factory: %v", err)
	}

	ctx := context.Background()
	d, err := f.Create(ctx, creatorA, params())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	token.Mint(depositor, big.NewInt(1000))
	token.Approve(depositor, d.Product.Ledger, big.NewInt(1000))
	if err := d.Ledger.Deposit(ctx, depositor, big.NewInt(1000)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if _, err := d.Ledger.RequestWithdraw(ctx, depositor); err != nil {
		t.Fatalf("request withdraw: %v", err)
	}

	seen := map[string]bool{}
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if n := strings.Count(line, "component="); n != 1 {
			t.Fatalf("expected one component attr got %d in %q", n, line)
		}
		for _, c := range []string{"factory", "ledger", "coordinator"} {
			if strings.Contains(line, "component="+c+" ") {
				seen[c] = true
			}
		}
	}
	for _, c := range []string{"factory", "ledger", "coordinator"} {
		if !seen[c] {
			t.Fatalf("expected a %s log line in %q", c, buf.String())
		}
	}
}
