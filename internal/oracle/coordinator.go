package oracle

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"xscrow/internal/errs"
	"xscrow/internal/events"
)

// Settler is the ledger side of a verification round trip.
type Settler interface {
	Address() common.Address
	SettleWithdrawal(ctx context.Context, caller, subject common.Address, approved bool) error
}

type Config struct {
	Address  common.Address
	Owner    common.Address
	Operator common.Address
	JobID    []byte
	Endpoint string
	Network  Network
	Log      *events.Log
	Logger   *slog.Logger
}

// Coordinator issues correlation ids for outbound verification requests and
// resolves each of them at most once.
type Coordinator struct {
	mu sync.Mutex

	address  common.Address
	owner    common.Address
	operator common.Address
	ledger   Settler
	jobID    []byte
	endpoint string
	network  Network

	nonce   uint64
	pending map[common.Hash]common.Address

	log    *events.Log
	logger *slog.Logger
}

func New(cfg Config) (*Coordinator, error) {
	if cfg.Address == (common.Address{}) || cfg.Owner == (common.Address{}) {
		return nil, errs.New(errs.CodeInvalidAddress, "coordinator and owner addresses are required")
	}
	if cfg.Network == nil {
		return nil, fmt.Errorf("verification network is required")
	}
	if cfg.Log == nil {
		cfg.Log = events.NewLog()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Coordinator{
		address:  cfg.Address,
		owner:    cfg.Owner,
		operator: cfg.Operator,
		jobID:    bytes.Clone(cfg.JobID),
		endpoint: cfg.Endpoint,
		network:  cfg.Network,
		pending:  make(map[common.Hash]common.Address),
		log:      cfg.Log,
		logger:   cfg.Logger.With(slog.String("component", "coordinator"), slog.String("coordinator", cfg.Address.Hex())),
	}, nil
}

// RequestID derives the correlation id for the nonce-th request of coordinator.
func RequestID(coordinator common.Address, nonce uint64) common.Hash {
	n := new(big.Int).SetUint64(nonce)
	return crypto.Keccak256Hash(coordinator.Bytes(), common.LeftPadBytes(n.Bytes(), 32))
}

// Request opens a verification request for subject. Only the bound ledger may call it.
func (c *Coordinator) Request(ctx context.Context, caller, subject common.Address) (common.Hash, error) {
	c.mu.Lock()
	if c.ledger == nil || caller != c.ledger.Address() {
		c.mu.Unlock()
		return common.Hash{}, errs.New(errs.CodeUnauthorized, "Caller is not the xscrow")
	}
	id := RequestID(c.address, c.nonce)
	c.nonce++
	c.pending[id] = subject
	job := Job{
		JobID:     bytes.Clone(c.jobID),
		RequestID: id,
		Subject:   subject,
		Callback:  c.address,
		URL:       c.endpoint + strings.ToLower(subject.Hex()),
	}
	network := c.network
	c.mu.Unlock()

	if err := network.Submit(ctx, job, c); err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return common.Hash{}, fmt.Errorf("submit job: %w", err)
	}

	c.log.Emit(ctx, events.Event{
		Kind:      events.KindRequested,
		Emitter:   c.address,
		Subject:   subject,
		RequestID: id,
	})
	c.logger.Info("verification requested", slog.String("request_id", id.Hex()), slog.String("subject", subject.Hex()))
	return id, nil
}

// Fulfill resolves request id with the operator's encoded decision and hands it
// to the ledger. If the ledger refuses, the request stays pending.
func (c *Coordinator) Fulfill(ctx context.Context, caller common.Address, id common.Hash, result []byte) error {
	c.mu.Lock()
	if caller != c.operator {
		c.mu.Unlock()
		return errs.New(errs.CodeUnauthorized, "Source must be the oracle of the request")
	}
	subject, ok := c.pending[id]
	if !ok {
		c.mu.Unlock()
		return errs.New(errs.CodeUnknownRequest, "unknown request "+id.Hex())
	}
	approved, err := DecodeResult(result)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	delete(c.pending, id)
	ledger := c.ledger
	c.mu.Unlock()

	if err := ledger.SettleWithdrawal(ctx, c.address, subject, approved); err != nil {
		c.mu.Lock()
		c.pending[id] = subject
		c.mu.Unlock()
		return fmt.Errorf("settle withdrawal: %w", err)
	}

	c.log.Emit(ctx, events.Event{
		Kind:      events.KindFulfilled,
		Emitter:   c.address,
		Subject:   subject,
		RequestID: id,
		Approved:  approved,
	})
	c.logger.Info("verification fulfilled",
		slog.String("request_id", id.Hex()), slog.String("subject", subject.Hex()), slog.Bool("approved", approved))
	return nil
}

// Pending reports the subject of an unresolved request.
func (c *Coordinator) Pending(id common.Hash) (common.Address, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	subject, ok := c.pending[id]
	return subject, ok
}

func (c *Coordinator) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *Coordinator) Address() common.Address { return c.address }

func (c *Coordinator) Owner() common.Address {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.owner
}

// Ledger returns the trusted ledger address, zero if unbound.
func (c *Coordinator) Ledger() common.Address {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ledger == nil {
		return common.Address{}
	}
	return c.ledger.Address()
}

func (c *Coordinator) SetLedger(caller common.Address, ledger Settler) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if caller != c.owner {
		return errs.NotOwner()
	}
	if ledger == nil || ledger.Address() == (common.Address{}) {
		return errs.New(errs.CodeInvalidAddress, "zero address")
	}
	c.ledger = ledger
	return nil
}

func (c *Coordinator) Operator(caller common.Address) (common.Address, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if caller != c.owner {
		return common.Address{}, errs.NotOwner()
	}
	return c.operator, nil
}

func (c *Coordinator) SetOperator(caller, operator common.Address) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if caller != c.owner {
		return errs.NotOwner()
	}
	if operator == (common.Address{}) {
		return errs.New(errs.CodeInvalidAddress, "zero address")
	}
	c.operator = operator
	return nil
}

func (c *Coordinator) JobID(caller common.Address) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if caller != c.owner {
		return nil, errs.NotOwner()
	}
	return bytes.Clone(c.jobID), nil
}

func (c *Coordinator) SetJobID(caller common.Address, jobID []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if caller != c.owner {
		return errs.NotOwner()
	}
	c.jobID = bytes.Clone(jobID)
	return nil
}

// Endpoint is confidential: only the owner may read it.
func (c *Coordinator) Endpoint(caller common.Address) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if caller != c.owner {
		return "", errs.NotOwner()
	}
	return c.endpoint, nil
}

func (c *Coordinator) SetEndpoint(caller common.Address, endpoint string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if caller != c.owner {
		return errs.NotOwner()
	}
	c.endpoint = endpoint
	return nil
}

func (c *Coordinator) TransferOwnership(caller, newOwner common.Address) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if caller != c.owner {
		return errs.NotOwner()
	}
	if newOwner == (common.Address{}) {
		return errs.New(errs.CodeInvalidAddress, "zero address")
	}
	c.owner = newOwner
	return nil
}
