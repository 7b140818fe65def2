// Package localcluster is an in-process stand-in for the computation cluster.
// It drains the queue, runs a pluggable circuit per request and reports the
// outputs through the callback path, like the real cluster does. It does no
// confidential computing and is meant for development and tests.
package localcluster

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"

	"github.com/i5heu/medshare/internal/ledger"
	"github.com/i5heu/medshare/internal/queue"
	"github.com/i5heu/medshare/pkg/errcode"
	"github.com/i5heu/medshare/pkg/model"
	workerpool "github.com/i5heu/medshare/pkg/workerPool"
)

// Inputs are the arguments of one request, grouped by kind in argument order.
// Accounts holds the referenced byte range of each account argument.
type Inputs struct {
	Request    model.ComputationRequest
	Keys       []model.EncryptionKey
	Plaintexts []model.U128
	Accounts   [][]byte
}

// Circuit computes the outputs of one request. An error is reported to the
// program as an aborted computation.
type Circuit func(ctx context.Context, in Inputs) (model.ComputationOutputs, error)

// CallbackFunc delivers the encoded outputs of the computation at offset.
type CallbackFunc func(ctx context.Context, offset uint64, payload []byte) error

// AccountReader reads committed accounts.
type AccountReader interface {
	Account(ctx context.Context, addr solana.PublicKey) (ledger.Account, error)
}

// PassthroughCircuit returns the referenced account bytes as ciphertexts
// keyed to the first public key and nonce. It does not re-encrypt anything.
func PassthroughCircuit(_ context.Context, in Inputs) (model.ComputationOutputs, error) {
	if len(in.Keys) == 0 || len(in.Plaintexts) == 0 || len(in.Accounts) == 0 {
		return nil, fmt.Errorf("passthrough needs a key, a nonce and an account")
	}
	data := in.Accounts[0]
	if len(data)%len(model.Ciphertext{}) != 0 {
		return nil, fmt.Errorf("account range of %d bytes is not a ciphertext multiple", len(data))
	}
	out := model.SuccessOutput{
		EncryptionKey: in.Keys[0],
		Nonce:         in.Plaintexts[0],
	}
	for len(data) > 0 {
		var c model.Ciphertext
		copy(c[:], data)
		out.Ciphertexts = append(out.Ciphertexts, c)
		data = data[len(c):]
	}
	return out, nil
}

type Config struct {
	PollInterval time.Duration
	Workers      int
	Logger       *slog.Logger
}

type Cluster struct {
	queue    *queue.Queue
	accounts AccountReader
	circuit  Circuit
	deliver  CallbackFunc
	pool     *workerpool.WorkerPool
	interval time.Duration
	log      *slog.Logger

	mu       sync.Mutex
	inFlight map[uint64]struct{}
}

func New(cfg Config, q *queue.Queue, accounts AccountReader, circuit Circuit, deliver CallbackFunc) *Cluster {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 200 * time.Millisecond
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Cluster{
		queue:    q,
		accounts: accounts,
		circuit:  circuit,
		deliver:  deliver,
		pool:     workerpool.NewWorkerPool(workerpool.Config{WorkerCount: cfg.Workers}),
		interval: cfg.PollInterval,
		log:      cfg.Logger,
		inFlight: make(map[uint64]struct{}),
	}
}

// Drain processes every request pending at the time of the call and waits
// for their callbacks. Requests already in flight are skipped.
func (c *Cluster) Drain(ctx context.Context) error {
	pending, err := c.queue.Pending(ctx)
	if err != nil {
		return fmt.Errorf("list pending: %w", err)
	}
	if len(pending) == 0 {
		return nil
	}

	room := c.pool.CreateRoom(len(pending))
	var submitErr error
	for _, req := range pending {
		if !c.claim(req.Offset) {
			continue
		}
		req := req
		err := room.Submit(ctx, func(ctx context.Context) error {
			defer c.release(req.Offset)
			return c.process(ctx, req)
		})
		if err != nil {
			c.release(req.Offset)
			submitErr = err
			break
		}
	}
	return errors.Join(append(room.Collect(), submitErr)...)
}

// Run drains the queue every poll interval until ctx is done.
func (c *Cluster) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		if err := c.Drain(ctx); err != nil && ctx.Err() == nil {
			c.log.WarnContext(ctx, "drain failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Close waits for running computations and stops the workers.
func (c *Cluster) Close() {
	c.pool.Close()
}

func (c *Cluster) claim(offset uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, busy := c.inFlight[offset]; busy {
		return false
	}
	c.inFlight[offset] = struct{}{}
	return true
}

func (c *Cluster) release(offset uint64) {
	c.mu.Lock()
	delete(c.inFlight, offset)
	c.mu.Unlock()
}

func (c *Cluster) process(ctx context.Context, req model.ComputationRequest) error {
	var outputs model.ComputationOutputs
	in, err := c.inputs(ctx, req)
	if err == nil {
		outputs, err = c.circuit(ctx, in)
	}
	if err != nil {
		c.log.WarnContext(ctx, "computation aborted", "offset", req.Offset, "error", err)
		outputs = model.AbortedOutput{}
	}

	payload, err := model.EncodeComputationOutputs(outputs)
	if err != nil {
		return fmt.Errorf("encode outputs of %d: %w", req.Offset, err)
	}
	err = c.deliver(ctx, req.Offset, payload)
	if resolvedAsFailure(err) {
		c.log.DebugContext(ctx, "callback delivered", "offset", req.Offset, "outcome", err)
		return nil
	}
	if err != nil {
		return fmt.Errorf("callback %d: %w", req.Offset, err)
	}
	c.log.DebugContext(ctx, "callback delivered", "offset", req.Offset)
	return nil
}

// resolvedAsFailure reports whether the callback was rejected with an error
// that still resolves the computation.
func resolvedAsFailure(err error) bool {
	return errcode.Is(err, errcode.AbortedComputation) ||
		errcode.Is(err, errcode.InvalidAllergyData) ||
		errcode.Is(err, errcode.InvalidComputationOutput)
}

func (c *Cluster) inputs(ctx context.Context, req model.ComputationRequest) (Inputs, error) {
	in := Inputs{Request: req}
	for i, arg := range req.Arguments {
		switch a := arg.(type) {
		case model.ArcisPubkey:
			in.Keys = append(in.Keys, model.EncryptionKey(a))
		case model.PlaintextU128:
			in.Plaintexts = append(in.Plaintexts, model.U128(a))
		case model.AccountArgument:
			acct, err := c.accounts.Account(ctx, a.Address)
			if err != nil {
				return Inputs{}, fmt.Errorf("argument %d: %w", i, err)
			}
			end := uint64(a.Offset) + uint64(a.Length)
			if end > uint64(len(acct.Data)) {
				return Inputs{}, fmt.Errorf("argument %d: range %d..%d beyond %d bytes", i, a.Offset, end, len(acct.Data))
			}
			in.Accounts = append(in.Accounts, append([]byte(nil), acct.Data[a.Offset:end]...))
		default:
			return Inputs{}, fmt.Errorf("argument %d: unsupported %T", i, arg)
		}
	}
	return in, nil
}
