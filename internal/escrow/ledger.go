package escrow

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"xscrow/internal/asset"
	"xscrow/internal/errs"
	"xscrow/internal/events"
)

const MaxDepositFee = 100

// Oracle opens verification requests on behalf of the ledger.
type Oracle interface {
	Address() common.Address
	Request(ctx context.Context, caller, subject common.Address) (common.Hash, error)
}

type Config struct {
	Address        common.Address
	Owner          common.Address
	Name           string
	Asset          common.Address
	Token          asset.Token
	LenderTreasury common.Address
	VendorTreasury common.Address
	Oracle         Oracle
	Log            *events.Log
	Logger         *slog.Logger
}

// Ledger holds depositor balances in custody. Withdrawals are released only
// once the bound oracle settles them.
//
// Balance changes commit before any outgoing asset transfer and the ledger
// lock is never held across a Token call, so a token that calls back into the
// ledger observes the already-updated state.
type Ledger struct {
	mu sync.Mutex

	address common.Address
	owner   common.Address
	name    string
	asset   common.Address
	token   asset.Token

	lenderTreasury common.Address
	vendorTreasury common.Address
	oracle         Oracle
	depositFee     int
	paused         bool
	balances       map[common.Address]*big.Int

	log    *events.Log
	logger *slog.Logger
}

func New(cfg Config) (*Ledger, error) {
	if cfg.Address == (common.Address{}) || cfg.Owner == (common.Address{}) {
		return nil, errs.New(errs.CodeInvalidAddress, "ledger and owner addresses are required")
	}
	if cfg.Asset == (common.Address{}) || cfg.Token == nil {
		return nil, errs.New(errs.CodeInvalidAddress, "asset is required")
	}
	if cfg.LenderTreasury == (common.Address{}) || cfg.VendorTreasury == (common.Address{}) {
		return nil, errs.New(errs.CodeInvalidAddress, "treasuries are required")
	}
	if cfg.Log == nil {
		cfg.Log = events.NewLog()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Ledger{
		address:        cfg.Address,
		owner:          cfg.Owner,
		name:           cfg.Name,
		asset:          cfg.Asset,
		token:          cfg.Token,
		lenderTreasury: cfg.LenderTreasury,
		vendorTreasury: cfg.VendorTreasury,
		oracle:         cfg.Oracle,
		balances:       make(map[common.Address]*big.Int),
		log:            cfg.Log,
		logger:         cfg.Logger.With(slog.String("component", "ledger"), slog.String("ledger", cfg.Address.Hex())),
	}, nil
}

// Deposit pulls amount from caller using its allowance to the ledger, routes
// the fee to the vendor treasury and credits the remainder to caller.
//
// The credit is the commit point: it happens under the lock together with the
// pause check, so a Pause that lands while the pull is in flight refunds the
// depositor instead of crediting.
func (l *Ledger) Deposit(ctx context.Context, caller common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return errs.New(errs.CodeInvalidAmount, "Deposit: amount must be > 0")
	}

	l.mu.Lock()
	if l.paused {
		l.mu.Unlock()
		return errs.Paused()
	}
	l.mu.Unlock()

	if err := l.token.TransferFrom(ctx, l.address, caller, l.address, amount); err != nil {
		return fmt.Errorf("pull deposit: %w", err)
	}

	l.mu.Lock()
	if l.paused {
		l.mu.Unlock()
		l.refund(ctx, caller, amount)
		return errs.Paused()
	}
	fee := FeeFor(amount, l.depositFee)
	vendor := l.vendorTreasury
	net := new(big.Int).Sub(amount, fee)
	l.credit(caller, net)
	l.mu.Unlock()

	if fee.Sign() > 0 {
		if err := l.token.Transfer(ctx, l.address, vendor, fee); err != nil {
			// Whatever part of net already left through a settlement stays paid.
			l.mu.Lock()
			reclaimed := l.debit(caller, net)
			l.mu.Unlock()
			l.refund(ctx, caller, reclaimed.Add(reclaimed, fee))
			return fmt.Errorf("transfer deposit fee: %w", err)
		}
	}

	l.log.Emit(ctx, events.Event{
		Kind:    events.KindDeposit,
		Emitter: l.address,
		Subject: caller,
		Amount:  net,
	})
	l.logger.Info("deposit credited",
		slog.String("depositor", caller.Hex()), slog.String("net", net.String()), slog.String("fee", fee.String()))
	return nil
}

func (l *Ledger) refund(ctx context.Context, depositor common.Address, amount *big.Int) {
	if err := l.token.Transfer(ctx, l.address, depositor, amount); err != nil {
		l.logger.Error("deposit refund failed",
			slog.String("depositor", depositor.Hex()), slog.String("amount", amount.String()), slog.Any("err", err))
	}
}

// RequestWithdraw asks the oracle to verify caller. The withdrawal itself
// happens when the oracle settles the returned request.
func (l *Ledger) RequestWithdraw(ctx context.Context, caller common.Address) (common.Hash, error) {
	l.mu.Lock()
	if l.paused {
		l.mu.Unlock()
		return common.Hash{}, errs.Paused()
	}
	if l.balance(caller).Sign() <= 0 {
		l.mu.Unlock()
		return common.Hash{}, errs.New(errs.CodeInvalidAmount, "Deposit: amount must be > 0")
	}
	oracle := l.oracle
	l.mu.Unlock()

	if oracle == nil {
		return common.Hash{}, errs.New(errs.CodeInvalidAddress, "oracle not configured")
	}

	id, err := oracle.Request(ctx, l.address, caller)
	if err != nil {
		return common.Hash{}, fmt.Errorf("request verification: %w", err)
	}

	l.log.Emit(ctx, events.Event{
		Kind:      events.KindWithdrawRequested,
		Emitter:   l.address,
		Subject:   caller,
		RequestID: id,
	})
	l.logger.Info("withdraw requested", slog.String("depositor", caller.Hex()), slog.String("request_id", id.Hex()))
	return id, nil
}

// SettleWithdrawal is the oracle callback. An approved settlement pays out the
// subject's balance as it stands now, including deposits made after the request.
func (l *Ledger) SettleWithdrawal(ctx context.Context, caller, subject common.Address, approved bool) error {
	l.mu.Lock()
	if l.oracle == nil || caller != l.oracle.Address() {
		l.mu.Unlock()
		return errs.New(errs.CodeUnauthorized, "Caller is not the oracle")
	}
	if l.paused {
		l.mu.Unlock()
		return errs.Paused()
	}

	if !approved {
		l.mu.Unlock()
		l.log.Emit(ctx, events.Event{Kind: events.KindWithdrawRejected, Emitter: l.address, Subject: subject})
		l.logger.Info("withdraw rejected", slog.String("depositor", subject.Hex()))
		return nil
	}

	amount := l.take(subject)
	l.mu.Unlock()

	if amount.Sign() > 0 {
		if err := l.token.Transfer(ctx, l.address, subject, amount); err != nil {
			l.restore(subject, amount)
			return fmt.Errorf("pay out withdrawal: %w", err)
		}
	}

	l.log.Emit(ctx, events.Event{
		Kind:    events.KindWithdrawSucceeded,
		Emitter: l.address,
		Subject: subject,
		Amount:  amount,
	})
	l.logger.Info("withdraw paid", slog.String("depositor", subject.Hex()), slog.String("amount", amount.String()))
	return nil
}

// ForceSettle moves subject's whole balance to the lender treasury.
func (l *Ledger) ForceSettle(ctx context.Context, caller, subject common.Address) (*big.Int, error) {
	l.mu.Lock()
	if caller != l.owner {
		l.mu.Unlock()
		return nil, errs.NotOwner()
	}
	if l.paused {
		l.mu.Unlock()
		return nil, errs.Paused()
	}
	if l.balance(subject).Sign() <= 0 {
		l.mu.Unlock()
		return nil, errs.New(errs.CodeInvalidAmount, "ForceSettle: balance must be > 0")
	}
	lender := l.lenderTreasury
	amount := l.take(subject)
	l.mu.Unlock()

	if err := l.token.Transfer(ctx, l.address, lender, amount); err != nil {
		l.restore(subject, amount)
		return nil, fmt.Errorf("transfer to lender treasury: %w", err)
	}

	l.log.Emit(ctx, events.Event{
		Kind:    events.KindForcedSettlement,
		Emitter: l.address,
		Subject: subject,
		Amount:  amount,
	})
	l.logger.Info("forced settlement",
		slog.String("depositor", subject.Hex()), slog.String("amount", amount.String()), slog.String("lender", lender.Hex()))
	return amount, nil
}

func (l *Ledger) Pause(caller common.Address) error {
	return l.setPaused(caller, true)
}

func (l *Ledger) Unpause(caller common.Address) error {
	return l.setPaused(caller, false)
}

func (l *Ledger) setPaused(caller common.Address, paused bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if caller != l.owner {
		return errs.NotOwner()
	}
	l.paused = paused
	l.logger.Info("pause state changed", slog.Bool("paused", paused))
	return nil
}

func (l *Ledger) SetDepositFee(caller common.Address, fee int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if caller != l.owner {
		return errs.NotOwner()
	}
	if fee < 0 || fee > MaxDepositFee {
		return errs.New(errs.CodeFeeOutOfBounds, "Fee value out-of-bounds")
	}
	l.depositFee = fee
	return nil
}

func (l *Ledger) SetLenderTreasury(caller, treasury common.Address) error {
	return l.setAddress(caller, treasury, &l.lenderTreasury)
}

func (l *Ledger) SetVendorTreasury(caller, treasury common.Address) error {
	return l.setAddress(caller, treasury, &l.vendorTreasury)
}

// TransferOwnership hands every owner-gated operation to newOwner.
func (l *Ledger) TransferOwnership(caller, newOwner common.Address) error {
	return l.setAddress(caller, newOwner, &l.owner)
}

func (l *Ledger) setAddress(caller, value common.Address, field *common.Address) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if caller != l.owner {
		return errs.NotOwner()
	}
	if value == (common.Address{}) {
		return errs.New(errs.CodeInvalidAddress, "zero address")
	}
	*field = value
	return nil
}

// SetOracle re-points which coordinator the ledger trusts for settlement.
func (l *Ledger) SetOracle(caller common.Address, oracle Oracle) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if caller != l.owner {
		return errs.NotOwner()
	}
	if oracle == nil || oracle.Address() == (common.Address{}) {
		return errs.New(errs.CodeInvalidAddress, "zero address")
	}
	l.oracle = oracle
	return nil
}

func (l *Ledger) Address() common.Address { return l.address }
func (l *Ledger) Name() string            { return l.name }
func (l *Ledger) Asset() common.Address   { return l.asset }

func (l *Ledger) Owner() common.Address {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.owner
}

func (l *Ledger) Paused() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.paused
}

func (l *Ledger) DepositFee() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.depositFee
}

func (l *Ledger) LenderTreasury() common.Address {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lenderTreasury
}

func (l *Ledger) VendorTreasury() common.Address {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.vendorTreasury
}

// Oracle returns the trusted coordinator address, zero if unbound.
func (l *Ledger) Oracle() common.Address {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.oracle == nil {
		return common.Address{}
	}
	return l.oracle.Address()
}

func (l *Ledger) BalanceOf(holder common.Address) *big.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balance(holder)
}

// FeeFor returns floor(amount * fee / 100).
func FeeFor(amount *big.Int, fee int) *big.Int {
	out := new(big.Int).Mul(amount, big.NewInt(int64(fee)))
	return out.Quo(out, big.NewInt(100))
}

func (l *Ledger) balance(holder common.Address) *big.Int {
	if b, ok := l.balances[holder]; ok {
		return new(big.Int).Set(b)
	}
	return new(big.Int)
}

func (l *Ledger) credit(holder common.Address, amount *big.Int) {
	cur := l.balance(holder)
	l.balances[holder] = cur.Add(cur, amount)
}

// debit removes up to amount from holder and returns what was removed. Caller holds mu.
func (l *Ledger) debit(holder common.Address, amount *big.Int) *big.Int {
	cur := l.balance(holder)
	if cur.Cmp(amount) <= 0 {
		delete(l.balances, holder)
		return cur
	}
	l.balances[holder] = cur.Sub(cur, amount)
	return new(big.Int).Set(amount)
}

// take zeroes holder's balance and returns what it was. Caller holds mu.
func (l *Ledger) take(holder common.Address) *big.Int {
	amount := l.balance(holder)
	delete(l.balances, holder)
	return amount
}

func (l *Ledger) restore(holder common.Address, amount *big.Int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.credit(holder, amount)
}
