package server

import (
	"context"
	"net/http"

	"github.com/ethereum/go-ethereum/common"

	"xscrow/internal/errs"
	"xscrow/internal/oracle"
	"xscrow/internal/registry"
)

type oracleSettings struct {
	Coordinator common.Address `json:"coordinator"`
	Operator    common.Address `json:"operator"`
	JobID       string         `json:"jobId"`
	Endpoint    string         `json:"endpoint"`
}

type operatorRequest struct {
	Operator string `json:"operator"`
}

type jobRequest struct {
	JobID string `json:"jobId"`
}

type endpointRequest struct {
	Endpoint string `json:"endpoint"`
}

type oracleRefRequest struct {
	Oracle string `json:"oracle"`
}

type ownerRequest struct {
	Owner string `json:"owner"`
}

// trustedCoordinator returns the coordinator the ledger currently settles through.
func (s *Server) trustedCoordinator(d *registry.Deployment) (*oracle.Coordinator, error) {
	bound, err := s.factory.LookupCoordinator(d.Ledger.Oracle())
	if err != nil {
		return nil, err
	}
	return bound.Coordinator, nil
}

func (s *Server) oracleSettings(c *oracle.Coordinator, caller common.Address) (oracleSettings, error) {
	operator, err := c.Operator(caller)
	if err != nil {
		return oracleSettings{}, err
	}
	jobID, err := c.JobID(caller)
	if err != nil {
		return oracleSettings{}, err
	}
	endpoint, err := c.Endpoint(caller)
	if err != nil {
		return oracleSettings{}, err
	}
	return oracleSettings{Coordinator: c.Address(), Operator: operator, JobID: string(jobID), Endpoint: endpoint}, nil
}

// handleOracleSettings reads the confidential coordinator settings. Owner only.
func (s *Server) handleOracleSettings(w http.ResponseWriter, r *http.Request) {
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
	c, err := s.trustedCoordinator(d)
	if err != nil {
		writeError(w, err)
		return
	}
	out, err := s.oracleSettings(c, caller)
	if err != nil {
		s.metrics.incOperation("oracle_settings", "failed")
		writeError(w, err)
		return
	}
	s.metrics.incOperation("oracle_settings", "ok")
	writeJSON(w, http.StatusOK, out)
}

// coordinatorCall applies fn to the trusted coordinator and answers with its settings.
func (s *Server) coordinatorCall(w http.ResponseWriter, r *http.Request, op string, fn func(c *oracle.Coordinator, caller common.Address) error) {
	s.ledgerCall(w, r, op, func(_ context.Context, d *registry.Deployment, caller common.Address) (int, any, error) {
		c, err := s.trustedCoordinator(d)
		if err != nil {
			return 0, nil, err
		}
		if err := fn(c, caller); err != nil {
			return 0, nil, err
		}
		out, err := s.oracleSettings(c, caller)
		if err != nil {
			return 0, nil, err
		}
		return http.StatusOK, out, nil
	})
}

func (s *Server) handleSetOperator(w http.ResponseWriter, r *http.Request) {
	var req operatorRequest
	if !decode(w, r, &req) {
		return
	}
	s.coordinatorCall(w, r, "set_operator", func(c *oracle.Coordinator, caller common.Address) error {
		operator, err := parseAddress("operator", req.Operator)
		if err != nil {
			return err
		}
		return c.SetOperator(caller, operator)
	})
}

func (s *Server) handleSetJobID(w http.ResponseWriter, r *http.Request) {
	var req jobRequest
	if !decode(w, r, &req) {
		return
	}
	s.coordinatorCall(w, r, "set_job", func(c *oracle.Coordinator, caller common.Address) error {
		return c.SetJobID(caller, []byte(req.JobID))
	})
}

func (s *Server) handleSetEndpoint(w http.ResponseWriter, r *http.Request) {
	var req endpointRequest
	if !decode(w, r, &req) {
		return
	}
	s.coordinatorCall(w, r, "set_endpoint", func(c *oracle.Coordinator, caller common.Address) error {
		return c.SetEndpoint(caller, req.Endpoint)
	})
}

// handleSetOracleRef re-points the ledger at another coordinator known to the factory.
func (s *Server) handleSetOracleRef(w http.ResponseWriter, r *http.Request) {
	var req oracleRefRequest
	if !decode(w, r, &req) {
		return
	}
	s.ledgerCall(w, r, "set_oracle", func(_ context.Context, d *registry.Deployment, caller common.Address) (int, any, error) {
		addr, err := parseAddress("oracle", req.Oracle)
		if err != nil {
			return 0, nil, err
		}
		target, err := s.factory.LookupCoordinator(addr)
		if err != nil {
			return 0, nil, err
		}
		if err := d.Ledger.SetOracle(caller, target.Coordinator); err != nil {
			return 0, nil, err
		}
		return http.StatusOK, struct {
			Oracle common.Address `json:"oracle"`
		}{d.Ledger.Oracle()}, nil
	})
}

// handleTransferOwnership hands the ledger and its trusted coordinator to a new owner.
func (s *Server) handleTransferOwnership(w http.ResponseWriter, r *http.Request) {
	var req ownerRequest
	if !decode(w, r, &req) {
		return
	}
	s.ledgerCall(w, r, "transfer_ownership", func(_ context.Context, d *registry.Deployment, caller common.Address) (int, any, error) {
		owner, err := parseAddress("owner", req.Owner)
		if err != nil {
			return 0, nil, err
		}
		c, err := s.trustedCoordinator(d)
		if err != nil {
			return 0, nil, err
		}
		if d.Ledger.Owner() != caller || c.Owner() != caller {
			return 0, nil, errs.NotOwner()
		}
		if err := d.Ledger.TransferOwnership(caller, owner); err != nil {
			return 0, nil, err
		}
		if err := c.TransferOwnership(caller, owner); err != nil {
			return 0, nil, err
		}
		return http.StatusOK, struct {
			Owner common.Address `json:"owner"`
		}{owner}, nil
	})
}
