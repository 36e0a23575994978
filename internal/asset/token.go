package asset

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrInsufficientBalance   = errors.New("ERC20: transfer amount exceeds balance")
	ErrInsufficientAllowance = errors.New("ERC20: insufficient allowance")
	ErrUnknownAsset          = errors.New("unknown asset")
)

// Token is the fungible-asset surface the ledger consumes. The from/spender
// arguments name the principal the call is made as.
type Token interface {
	BalanceOf(ctx context.Context, holder common.Address) (*big.Int, error)
	Transfer(ctx context.Context, from, to common.Address, amount *big.Int) error
	TransferFrom(ctx context.Context, spender, from, to common.Address, amount *big.Int) error
}

// Resolver maps an asset address to a Token.
type Resolver interface {
	Resolve(address common.Address) (Token, error)
}

// Directory is an in-process Resolver. When autoCreate is set unknown addresses
// get a fresh MemoryToken, which is what local development runs with.
type Directory struct {
	mu         sync.RWMutex
	tokens     map[common.Address]Token
	autoCreate bool
}

func NewDirectory(autoCreate bool) *Directory {
	return &Directory{
		tokens:     make(map[common.Address]Token),
		autoCreate: autoCreate,
	}
}

func (d *Directory) Register(address common.Address, token Token) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tokens[address] = token
}

func (d *Directory) Resolve(address common.Address) (Token, error) {
	d.mu.RLock()
	token, ok := d.tokens[address]
	d.mu.RUnlock()
	if ok {
		return token, nil
	}
	if !d.autoCreate {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAsset, address.Hex())
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if token, ok := d.tokens[address]; ok {
		return token, nil
	}
	created := NewMemoryToken()
	d.tokens[address] = created
	return created, nil
}

// MemoryToken is an ERC-20 style ledger held in memory.
type MemoryToken struct {
	mu         sync.Mutex
	balances   map[common.Address]*big.Int
	allowances map[common.Address]map[common.Address]*big.Int
}

func NewMemoryToken() *MemoryToken {
	return &MemoryToken{
		balances:   make(map[common.Address]*big.Int),
		allowances: make(map[common.Address]map[common.Address]*big.Int),
	}
}

func (t *MemoryToken) Mint(to common.Address, amount *big.Int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.credit(to, amount)
}

func (t *MemoryToken) Approve(owner, spender common.Address, amount *big.Int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.allowances[owner] == nil {
		t.allowances[owner] = make(map[common.Address]*big.Int)
	}
	t.allowances[owner][spender] = new(big.Int).Set(amount)
}

func (t *MemoryToken) Allowance(owner, spender common.Address) *big.Int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if a, ok := t.allowances[owner][spender]; ok {
		return new(big.Int).Set(a)
	}
	return new(big.Int)
}

func (t *MemoryToken) BalanceOf(_ context.Context, holder common.Address) (*big.Int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.balance(holder), nil
}

func (t *MemoryToken) Transfer(_ context.Context, from, to common.Address, amount *big.Int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.move(from, to, amount)
}

func (t *MemoryToken) TransferFrom(_ context.Context, spender, from, to common.Address, amount *big.Int) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	allowed := t.allowances[from][spender]
	if allowed == nil || allowed.Cmp(amount) < 0 {
		return ErrInsufficientAllowance
	}
	if err := t.move(from, to, amount); err != nil {
		return err
	}
	allowed.Sub(allowed, amount)
	return nil
}

func (t *MemoryToken) move(from, to common.Address, amount *big.Int) error {
	if amount.Sign() < 0 {
		return fmt.Errorf("negative amount %s", amount)
	}
	if t.balance(from).Cmp(amount) < 0 {
		return ErrInsufficientBalance
	}
	t.balances[from] = new(big.Int).Sub(t.balance(from), amount)
	t.credit(to, amount)
	return nil
}

func (t *MemoryToken) credit(to common.Address, amount *big.Int) {
	cur := t.balance(to)
	t.balances[to] = cur.Add(cur, amount)
}

func (t *MemoryToken) balance(holder common.Address) *big.Int {
	if b, ok := t.balances[holder]; ok {
		return new(big.Int).Set(b)
	}
	return new(big.Int)
}
