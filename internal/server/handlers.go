package server

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"

	"xscrow/internal/errs"
	"xscrow/internal/registry"
)

type createRequest struct {
	Name           string `json:"name"`
	Asset          string `json:"asset"`
	LenderTreasury string `json:"lenderTreasury"`
	VendorTreasury string `json:"vendorTreasury"`
	Endpoint       string `json:"endpoint"`
}

type createResponse struct {
	Owner  common.Address `json:"owner"`
	Index  uint64         `json:"index"`
	Xscrow common.Address `json:"xscrow"`
	Oracle common.Address `json:"oracle"`
}

type escrowInfo struct {
	Address        common.Address `json:"address"`
	Name           string         `json:"name"`
	Asset          common.Address `json:"asset"`
	Owner          common.Address `json:"owner"`
	Oracle         common.Address `json:"oracle"`
	DepositFee     int            `json:"depositFee"`
	LenderTreasury common.Address `json:"lenderTreasury"`
	VendorTreasury common.Address `json:"vendorTreasury"`
	Paused         bool           `json:"paused"`
}

type amountRequest struct {
	Amount string `json:"amount"`
}

type subjectRequest struct {
	Subject string `json:"subject"`
}

type feeRequest struct {
	Fee *int `json:"fee"`
}

type treasuriesRequest struct {
	Lender string `json:"lender"`
	Vendor string `json:"vendor"`
}

type balanceResponse struct {
	Holder  common.Address `json:"holder"`
	Balance string         `json:"balance"`
}

type settlementResponse struct {
	Subject common.Address `json:"subject"`
	Amount  string         `json:"amount"`
}

type withdrawResponse struct {
	Subject   common.Address `json:"subject"`
	RequestID common.Hash    `json:"requestId"`
}

type statusResponse struct {
	Status string `json:"status"`
}

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		http.Error(w, "invalid json payload", http.StatusBadRequest)
		return false
	}
	return true
}

func parseAmount(v string) (*big.Int, error) {
	amount, ok := new(big.Int).SetString(v, 10)
	if !ok {
		return nil, errs.New(errs.CodeInvalidAmount, "amount must be a base-10 integer")
	}
	return amount, nil
}

// deployment resolves the {ledger} path parameter.
func (s *Server) deployment(r *http.Request) (*registry.Deployment, error) {
	addr, err := parseAddress("ledger", chi.URLParam(r, "ledger"))
	if err != nil {
		return nil, err
	}
	return s.factory.Lookup(addr)
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	caller, err := callerFrom(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req createRequest
	if !decode(w, r, &req) {
		return
	}

	s.execute(w, r, caller, "create", func(ctx context.Context) (int, any, error) {
		var p registry.CreateParams
		var err error
		p.Name = req.Name
		p.Endpoint = req.Endpoint
		if p.Asset, err = parseAddress("asset", req.Asset); err != nil {
			return 0, nil, err
		}
		if p.LenderTreasury, err = parseAddress("lenderTreasury", req.LenderTreasury); err != nil {
			return 0, nil, err
		}
		if p.VendorTreasury, err = parseAddress("vendorTreasury", req.VendorTreasury); err != nil {
			return 0, nil, err
		}

		d, err := s.factory.Create(ctx, caller, p)
		if err != nil {
			return 0, nil, err
		}
		return http.StatusCreated, createResponse{
			Owner:  d.Owner,
			Index:  d.Index,
			Xscrow: d.Product.Ledger,
			Oracle: d.Product.Coordinator,
		}, nil
	})
}

func (s *Server) handleProductAt(w http.ResponseWriter, r *http.Request) {
	owner, err := parseAddress("owner", chi.URLParam(r, "owner"))
	if err != nil {
		writeError(w, err)
		return
	}
	index, err := strconv.ParseUint(chi.URLParam(r, "index"), 10, 64)
	if err != nil {
		http.Error(w, "index must be a non-negative integer", http.StatusBadRequest)
		return
	}

	p, err := s.factory.ProductAt(r.Context(), owner, index)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, createResponse{Owner: owner, Index: index, Xscrow: p.Ledger, Oracle: p.Coordinator})
}

func (s *Server) handleEscrowInfo(w http.ResponseWriter, r *http.Request) {
	d, err := s.deployment(r)
	if err != nil {
		writeError(w, err)
		return
	}
	l := d.Ledger
	writeJSON(w, http.StatusOK, escrowInfo{
		Address:        l.Address(),
		Name:           l.Name(),
		Asset:          l.Asset(),
		Owner:          l.Owner(),
		Oracle:         l.Oracle(),
		DepositFee:     l.DepositFee(),
		LenderTreasury: l.LenderTreasury(),
		VendorTreasury: l.VendorTreasury(),
		Paused:         l.Paused(),
	})
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	d, err := s.deployment(r)
	if err != nil {
		writeError(w, err)
		return
	}
	holder, err := parseAddress("address", chi.URLParam(r, "address"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, balanceResponse{Holder: holder, Balance: d.Ledger.BalanceOf(holder).String()})
}

// ledgerCall is the shared prologue of every caller-authenticated ledger route.
func (s *Server) ledgerCall(w http.ResponseWriter, r *http.Request, op string, fn func(ctx context.Context, d *registry.Deployment, caller common.Address) (int, any, error)) {
	caller, err := callerFrom(r)
	if err != nil {
		writeError(w, err)
		return
	}
	d, err := s.deployment(r)
	if err != nil {
		writeError(w, err)
		return
	}
	s.execute(w, r, caller, op, func(ctx context.Context) (int, any, error) {
		return fn(ctx, d, caller)
	})
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	var req amountRequest
	if !decode(w, r, &req) {
		return
	}
	s.ledgerCall(w, r, "deposit", func(ctx context.Context, d *registry.Deployment, caller common.Address) (int, any, error) {
		amount, err := parseAmount(req.Amount)
		if err != nil {
			return 0, nil, err
		}
		if err := d.Ledger.Deposit(ctx, caller, amount); err != nil {
			return 0, nil, err
		}
		return http.StatusOK, balanceResponse{Holder: caller, Balance: d.Ledger.BalanceOf(caller).String()}, nil
	})
}

func (s *Server) handleRequestWithdraw(w http.ResponseWriter, r *http.Request) {
	s.ledgerCall(w, r, "withdraw", func(ctx context.Context, d *registry.Deployment, caller common.Address) (int, any, error) {
		id, err := d.Ledger.RequestWithdraw(ctx, caller)
		if err != nil {
			return 0, nil, err
		}
		return http.StatusAccepted, withdrawResponse{Subject: caller, RequestID: id}, nil
	})
}

func (s *Server) handleForceSettle(w http.ResponseWriter, r *http.Request) {
	var req subjectRequest
	if !decode(w, r, &req) {
		return
	}
	s.ledgerCall(w, r, "force_settle", func(ctx context.Context, d *registry.Deployment, caller common.Address) (int, any, error) {
		subject, err := parseAddress("subject", req.Subject)
		if err != nil {
			return 0, nil, err
		}
		amount, err := d.Ledger.ForceSettle(ctx, caller, subject)
		if err != nil {
			return 0, nil, err
		}
		return http.StatusOK, settlementResponse{Subject: subject, Amount: amount.String()}, nil
	})
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	s.ledgerCall(w, r, "pause", func(_ context.Context, d *registry.Deployment, caller common.Address) (int, any, error) {
		if err := d.Ledger.Pause(caller); err != nil {
			return 0, nil, err
		}
		return http.StatusOK, statusResponse{Status: "paused"}, nil
	})
}

func (s *Server) handleUnpause(w http.ResponseWriter, r *http.Request) {
	s.ledgerCall(w, r, "unpause", func(_ context.Context, d *registry.Deployment, caller common.Address) (int, any, error) {
		if err := d.Ledger.Unpause(caller); err != nil {
			return 0, nil, err
		}
		return http.StatusOK, statusResponse{Status: "active"}, nil
	})
}

func (s *Server) handleSetFee(w http.ResponseWriter, r *http.Request) {
	var req feeRequest
	if !decode(w, r, &req) {
		return
	}
	s.ledgerCall(w, r, "set_fee", func(_ context.Context, d *registry.Deployment, caller common.Address) (int, any, error) {
		if req.Fee == nil {
			return 0, nil, errs.New(errs.CodeFeeOutOfBounds, "fee is required")
		}
		if err := d.Ledger.SetDepositFee(caller, *req.Fee); err != nil {
			return 0, nil, err
		}
		return http.StatusOK, struct {
			DepositFee int `json:"depositFee"`
		}{d.Ledger.DepositFee()}, nil
	})
}

func (s *Server) handleSetTreasuries(w http.ResponseWriter, r *http.Request) {
	var req treasuriesRequest
	if !decode(w, r, &req) {
		return
	}
	s.ledgerCall(w, r, "set_treasuries", func(_ context.Context, d *registry.Deployment, caller common.Address) (int, any, error) {
		if req.Lender == "" && req.Vendor == "" {
			return 0, nil, errs.New(errs.CodeInvalidAddress, "lender or vendor is required")
		}
		var lender, vendor common.Address
		var err error
		if req.Lender != "" {
			if lender, err = parseAddress("lender", req.Lender); err != nil {
				return 0, nil, err
			}
		}
		if req.Vendor != "" {
			if vendor, err = parseAddress("vendor", req.Vendor); err != nil {
				return 0, nil, err
			}
		}
		if lender != (common.Address{}) {
			if err := d.Ledger.SetLenderTreasury(caller, lender); err != nil {
				return 0, nil, err
			}
		}
		if vendor != (common.Address{}) {
			if err := d.Ledger.SetVendorTreasury(caller, vendor); err != nil {
				return 0, nil, err
			}
		}
		return http.StatusOK, struct {
			LenderTreasury common.Address `json:"lenderTreasury"`
			VendorTreasury common.Address `json:"vendorTreasury"`
		}{d.Ledger.LenderTreasury(), d.Ledger.VendorTreasury()}, nil
	})
}
