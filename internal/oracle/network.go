package oracle

import (
	"context"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// Job is one outbound verification request.
type Job struct {
	JobID     []byte         `json:"jobId"`
	RequestID common.Hash    `json:"requestId"`
	Subject   common.Address `json:"subject"`
	Callback  common.Address `json:"callback"`
	URL       string         `json:"url"`
}

// Fulfiller receives the verification network's answer.
type Fulfiller interface {
	Address() common.Address
	Fulfill(ctx context.Context, caller common.Address, id common.Hash, result []byte) error
}

// Network dispatches jobs to the off-chain verifier, which later answers
// through target.Fulfill.
type Network interface {
	Submit(ctx context.Context, job Job, target Fulfiller) error
}

type submission struct {
	job    Job
	target Fulfiller
}

// MemoryNetwork keeps submitted jobs until an operator collects and answers
// them. Answers are delivered as the configured operator address.
type MemoryNetwork struct {
	operator common.Address

	mu   sync.Mutex
	jobs map[common.Hash]submission
	open []common.Hash
}

func NewMemoryNetwork(operator common.Address) *MemoryNetwork {
	return &MemoryNetwork{
		operator: operator,
		jobs:     make(map[common.Hash]submission),
	}
}

func (n *MemoryNetwork) Submit(_ context.Context, job Job, target Fulfiller) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, dup := n.jobs[job.RequestID]; dup {
		return fmt.Errorf("job %s already submitted", job.RequestID.Hex())
	}
	n.jobs[job.RequestID] = submission{job: job, target: target}
	n.open = append(n.open, job.RequestID)
	return nil
}

// Jobs lists jobs not yet answered, oldest first.
func (n *MemoryNetwork) Jobs() []Job {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]Job, 0, len(n.open))
	for _, id := range n.open {
		out = append(out, n.jobs[id].job)
	}
	return out
}

// Fulfill answers job id with an encoded decision.
func (n *MemoryNetwork) Fulfill(ctx context.Context, id common.Hash, approved bool) error {
	return n.FulfillRaw(ctx, id, EncodeResult(approved))
}

// FulfillRaw delivers result verbatim. The job stays listed if delivery fails.
func (n *MemoryNetwork) FulfillRaw(ctx context.Context, id common.Hash, result []byte) error {
	n.mu.Lock()
	sub, ok := n.jobs[id]
	n.mu.Unlock()
	if !ok {
		return fmt.Errorf("no job submitted for %s", id.Hex())
	}

	if err := sub.target.Fulfill(ctx, n.operator, id, result); err != nil {
		return err
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.jobs, id)
	for i, open := range n.open {
		if open == id {
			n.open = append(n.open[:i], n.open[i+1:]...)
			break
		}
	}
	return nil
}
