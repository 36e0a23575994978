package registry

import (
	"bytes"
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"xscrow/internal/asset"
	"xscrow/internal/errs"
	"xscrow/internal/escrow"
	"xscrow/internal/events"
	"xscrow/internal/oracle"
)

// Product is the public handle of one deployed ledger/coordinator pair.
type Product struct {
	Ledger      common.Address `json:"xscrow"`
	Coordinator common.Address `json:"oracle"`
}

// Deployment is a live product together with its components.
type Deployment struct {
	Product     Product
	Owner       common.Address
	Index       uint64
	Name        string
	Asset       common.Address
	Ledger      *escrow.Ledger
	Coordinator *oracle.Coordinator
}

type Config struct {
	Address  common.Address
	Network  oracle.Network
	Operator common.Address
	JobID    []byte
	Assets   asset.Resolver
	Store    Store
	Log      *events.Log
	Logger   *slog.Logger
	Now      func() time.Time
}

type CreateParams struct {
	Name           string
	Asset          common.Address
	LenderTreasury common.Address
	VendorTreasury common.Address
	Endpoint       string
}

// Factory provisions matched ledger/coordinator pairs and indexes them per owner.
type Factory struct {
	mu sync.Mutex

	address  common.Address
	network  oracle.Network
	operator common.Address
	jobID    []byte
	assets   asset.Resolver
	store    Store
	nonce    uint64

	byLedger      map[common.Address]*Deployment
	byCoordinator map[common.Address]*Deployment

	log        *events.Log
	logger     *slog.Logger
	baseLogger *slog.Logger
	now        func() time.Time
}

func NewFactory(ctx context.Context, cfg Config) (*Factory, error) {
	if cfg.Address == (common.Address{}) {
		return nil, errs.New(errs.CodeInvalidAddress, "factory address is required")
	}
	if cfg.Network == nil || cfg.Assets == nil {
		return nil, fmt.Errorf("factory: network and asset resolver are required")
	}
	if cfg.Store == nil {
		cfg.Store = NewMemoryStore()
	}
	if cfg.Log == nil {
		cfg.Log = events.NewLog()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	total, err := cfg.Store.Total(ctx)
	if err != nil {
		return nil, fmt.Errorf("load product count: %w", err)
	}

	return &Factory{
		address:       cfg.Address,
		network:       cfg.Network,
		operator:      cfg.Operator,
		jobID:         bytes.Clone(cfg.JobID),
		assets:        cfg.Assets,
		store:         cfg.Store,
		nonce:         total * 2,
		byLedger:      make(map[common.Address]*Deployment),
		byCoordinator: make(map[common.Address]*Deployment),
		log:           cfg.Log,
		logger:        cfg.Logger.With(slog.String("component", "factory")),
		baseLogger:    cfg.Logger,
		now:           cfg.Now,
	}, nil
}

func (f *Factory) Address() common.Address { return f.address }

// Create builds a coordinator and a ledger owned by the factory, binds them to
// each other, hands both to caller and records them at caller's next index.
func (f *Factory) Create(ctx context.Context, caller common.Address, p CreateParams) (*Deployment, error) {
	if caller == (common.Address{}) {
		return nil, errs.New(errs.CodeInvalidAddress, "caller address is required")
	}
	if p.Asset == (common.Address{}) || p.LenderTreasury == (common.Address{}) || p.VendorTreasury == (common.Address{}) {
		return nil, errs.New(errs.CodeInvalidAddress, "asset and treasury addresses are required")
	}
	token, err := f.assets.Resolve(p.Asset)
	if err != nil {
		return nil, fmt.Errorf("resolve asset: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	index, err := f.store.Count(ctx, caller)
	if err != nil {
		return nil, fmt.Errorf("count products: %w", err)
	}

	coordinatorAddr := crypto.CreateAddress(f.address, f.nonce)
	ledgerAddr := crypto.CreateAddress(f.address, f.nonce+1)

	coordinator, err := oracle.New(oracle.Config{
		Address:  coordinatorAddr,
		Owner:    f.address,
		Operator: f.operator,
		JobID:    f.jobID,
		Endpoint: p.Endpoint,
		Network:  f.network,
		Log:      f.log,
		Logger:   f.baseLogger,
	})
	if err != nil {
		return nil, err
	}
	ledger, err := escrow.New(escrow.Config{
		Address:        ledgerAddr,
		Owner:          f.address,
		Name:           p.Name,
		Asset:          p.Asset,
		Token:          token,
		LenderTreasury: p.LenderTreasury,
		VendorTreasury: p.VendorTreasury,
		Oracle:         coordinator,
		Log:            f.log,
		Logger:         f.baseLogger,
	})
	if err != nil {
		return nil, err
	}
	if err := wire(f.address, caller, ledger, coordinator); err != nil {
		return nil, err
	}

	rec := Record{
		Owner:       caller,
		Index:       index,
		Name:        p.Name,
		Asset:       p.Asset,
		Ledger:      ledgerAddr,
		Coordinator: coordinatorAddr,
		CreatedAt:   f.now().UTC(),
	}
	if err := f.store.Save(ctx, rec); err != nil {
		return nil, fmt.Errorf("save product: %w", err)
	}
	f.nonce += 2

	d := &Deployment{
		Product:     Product{Ledger: ledgerAddr, Coordinator: coordinatorAddr},
		Owner:       caller,
		Index:       index,
		Name:        p.Name,
		Asset:       p.Asset,
		Ledger:      ledger,
		Coordinator: coordinator,
	}
	f.byLedger[ledgerAddr] = d
	f.byCoordinator[coordinatorAddr] = d

	f.log.Emit(ctx, events.Event{
		Kind:        events.KindDeployed,
		Emitter:     f.address,
		Owner:       caller,
		Index:       index,
		Ledger:      ledgerAddr,
		Coordinator: coordinatorAddr,
	})
	f.logger.Info("product deployed",
		slog.String("owner", caller.Hex()), slog.Uint64("index", index),
		slog.String("ledger", ledgerAddr.Hex()), slog.String("coordinator", coordinatorAddr.Hex()))
	return d, nil
}

// wire binds the pair while factory still owns both, then transfers ownership.
func wire(factory, owner common.Address, ledger *escrow.Ledger, coordinator *oracle.Coordinator) error {
	if err := coordinator.SetLedger(factory, ledger); err != nil {
		return fmt.Errorf("bind ledger: %w", err)
	}
	if err := coordinator.TransferOwnership(factory, owner); err != nil {
		return fmt.Errorf("transfer coordinator ownership: %w", err)
	}
	if err := ledger.TransferOwnership(factory, owner); err != nil {
		return fmt.Errorf("transfer ledger ownership: %w", err)
	}
	return nil
}

// ProductAt returns owner's index-th product.
func (f *Factory) ProductAt(ctx context.Context, owner common.Address, index uint64) (Product, error) {
	rec, err := f.store.Get(ctx, owner, index)
	if err != nil {
		return Product{}, err
	}
	if rec == nil {
		return Product{}, errs.New(errs.CodeNotFound, fmt.Sprintf("no product %d for %s", index, owner.Hex()))
	}
	return Product{Ledger: rec.Ledger, Coordinator: rec.Coordinator}, nil
}

func (f *Factory) Count(ctx context.Context, owner common.Address) (uint64, error) {
	return f.store.Count(ctx, owner)
}

// Lookup finds a live deployment by its ledger address.
func (f *Factory) Lookup(ledger common.Address) (*Deployment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.byLedger[ledger]
	if !ok {
		return nil, errs.New(errs.CodeNotFound, "unknown ledger "+ledger.Hex())
	}
	return d, nil
}

// LookupCoordinator finds a live deployment by its coordinator address.
func (f *Factory) LookupCoordinator(coordinator common.Address) (*Deployment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.byCoordinator[coordinator]
	if !ok {
		return nil, errs.New(errs.CodeNotFound, "unknown coordinator "+coordinator.Hex())
	}
	return d, nil
}

// Deployments lists live deployments ordered by owner and index.
func (f *Factory) Deployments() []*Deployment {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*Deployment, 0, len(f.byLedger))
	for _, d := range f.byLedger {
		out = append(out, d)
	}
	slices.SortFunc(out, func(a, b *Deployment) int {
		if c := bytes.Compare(a.Owner.Bytes(), b.Owner.Bytes()); c != 0 {
			return c
		}
		return cmp.Compare(a.Index, b.Index)
	})
	return out
}
