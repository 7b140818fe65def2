// Package medshare stores encrypted medical records and shares them with a
// recipient through a confidential computation cluster.
//
// A record is stored once per owner. Sharing queues a computation that
// re-encrypts the record for the recipient; the cluster reports back through
// OnComputationResult, which publishes the re-encrypted record as a
// ReceivedPatientDataEvent on the public event log.
package medshare

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gagliardetto/solana-go"

	"github.com/i5heu/medshare/internal/callback"
	"github.com/i5heu/medshare/internal/compdef"
	"github.com/i5heu/medshare/internal/dispatch"
	"github.com/i5heu/medshare/internal/ledger"
	"github.com/i5heu/medshare/internal/localcluster"
	"github.com/i5heu/medshare/internal/queue"
	"github.com/i5heu/medshare/internal/recordstore"
	"github.com/i5heu/medshare/internal/telemetry"
	"github.com/i5heu/medshare/pkg/address"
	"github.com/i5heu/medshare/pkg/model"
)

type (
	ShareRequest = dispatch.ShareRequest
	QueueTicket  = dispatch.QueueTicket
	Event        = ledger.Event
	Circuit      = localcluster.Circuit
	CircuitInput = localcluster.Inputs
	Registration = compdef.Registration
)

// PassthroughCircuit echoes the stored ciphertexts. See localcluster.
var PassthroughCircuit Circuit = localcluster.PassthroughCircuit

var (
	ErrNotStarted      = errors.New("medshare: program not started")
	ErrClosed          = errors.New("medshare: program closed")
	ErrLoopbackRunning = errors.New("medshare: loopback cluster already running")
)

// Program is the main handle. It owns the ledger and the program components.
type Program struct {
	log    *slog.Logger
	config Config
	derive address.Deriver

	mu         sync.RWMutex
	components *components

	gcStop chan struct{}
	gcDone chan struct{}

	loopMu     sync.Mutex
	loopCancel context.CancelFunc
	loopDone   chan struct{}

	started   atomic.Bool
	startOnce sync.Once
	closeOnce sync.Once
}

type components struct {
	ledger     *ledger.Store
	queue      *queue.Queue
	records    *recordstore.Store
	registry   *compdef.Registry
	dispatcher *dispatch.Dispatcher
	callbacks  *callback.Handler
}

// New constructs a handle. It does no I/O; call Start before use.
func New(conf Config) (*Program, error) { // A
	if !conf.InMemory && len(conf.Paths) == 0 {
		return nil, fmt.Errorf("at least one path must be provided in config")
	}
	if _, err := dispatch.ParseSignerMode(string(conf.SignerMode)); err != nil {
		return nil, err
	}
	if conf.Logger == nil {
		conf.Logger = defaultLogger()
	}
	if conf.LedgerLogger == nil {
		conf.LedgerLogger = defaultLedgerLogger()
	}
	return &Program{
		log:    conf.Logger,
		config: conf,
		derive: address.New(conf.ProgramID, conf.ArciumProgramID),
	}, nil
}

// Start opens the ledger and wires the components. Only the first call has
// effect.
func (p *Program) Start(ctx context.Context) error { // PA
	var startErr error
	p.startOnce.Do(func() {
		lc := ledger.Config{
			InMemory:         p.config.InMemory,
			MinimumFreeSpace: int(p.config.MinimumFreeGB),
			Logger:           p.config.LedgerLogger,
		}
		if !p.config.InMemory {
			dataRoot := p.config.Paths[0]
			if err := os.MkdirAll(dataRoot, 0o700); err != nil {
				startErr = fmt.Errorf("mkdir %s: %w", dataRoot, err)
				return
			}
			lc.Paths = []string{dataRoot}
		}

		l, err := ledger.Open(lc)
		if err != nil {
			startErr = fmt.Errorf("open ledger: %w", err)
			return
		}
		metrics, err := telemetry.New(p.config.Meter)
		if err != nil {
			_ = l.Close()
			startErr = fmt.Errorf("init metrics: %w", err)
			return
		}

		signerMode, _ := dispatch.ParseSignerMode(string(p.config.SignerMode))
		q := queue.New(l, p.derive)
		c := &components{
			ledger:     l,
			queue:      q,
			records:    recordstore.New(l, p.derive, p.log, metrics),
			registry:   compdef.New(l, p.derive, p.log, metrics),
			dispatcher: dispatch.New(l, q, p.derive, signerMode, p.log, metrics),
			callbacks:  callback.New(l, q, p.derive, p.log, metrics),
		}

		p.mu.Lock()
		p.components = c
		p.mu.Unlock()

		if !p.config.InMemory && p.config.GarbageCollectionInterval > 0 {
			p.gcStop = make(chan struct{})
			p.gcDone = make(chan struct{})
			go p.collectGarbage(l, p.config.GarbageCollectionInterval)
		}

		p.started.Store(true)
		p.log.InfoContext(ctx, "medshare started",
			"program", p.derive.ProgramID.String(),
			"signerMode", string(signerMode),
			"inMemory", p.config.InMemory)
	})
	return startErr
}

// Run starts the program, blocks until ctx is canceled, then shuts down.
func (p *Program) Run(ctx context.Context) error { // A
	if err := p.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return p.Close(shutdownCtx)
}

// Close stops the loopback cluster and closes the ledger. Close is idempotent.
func (p *Program) Close(ctx context.Context) error { // A
	var closeErr error
	p.closeOnce.Do(func() {
		if err := p.StopLoopback(ctx); err != nil {
			closeErr = errors.Join(closeErr, fmt.Errorf("stop loopback: %w", err))
		}

		if p.gcStop != nil {
			close(p.gcStop)
			<-p.gcDone
		}

		p.mu.Lock()
		c := p.components
		p.components = nil
		p.mu.Unlock()
		if c != nil {
			if err := c.ledger.Close(); err != nil {
				closeErr = errors.Join(closeErr, fmt.Errorf("close ledger: %w", err))
			}
		}
		p.log.Info("medshare closed")
	})
	return closeErr
}

func (p *Program) collectGarbage(l *ledger.Store, interval time.Duration) {
	defer close(p.gcDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-p.gcStop:
			return
		case <-ticker.C:
			if err := l.Clean(); err != nil {
				p.log.Warn("ledger garbage collection failed", "error", err)
			}
		}
	}
}

func (p *Program) handle() (*components, error) { // A
	if !p.started.Load() {
		return nil, ErrNotStarted
	}
	p.mu.RLock()
	c := p.components
	p.mu.RUnlock()
	if c == nil {
		return nil, ErrClosed
	}
	return c, nil
}

// Stats summarises the state of the program.
type Stats struct {
	Ledger    ledger.Stats
	LastEvent uint64
	Pending   int
}

func (p *Program) Stats(ctx context.Context) (Stats, error) {
	c, err := p.handle()
	if err != nil {
		return Stats{}, err
	}
	last, err := c.ledger.LastSequence(ctx)
	if err != nil {
		return Stats{}, err
	}
	pending, err := c.queue.Pending(ctx)
	if err != nil {
		return Stats{}, err
	}
	return Stats{Ledger: c.ledger.Stats(), LastEvent: last, Pending: len(pending)}, nil
}

// Deriver returns the address deriver of the program.
func (p *Program) Deriver() address.Deriver { return p.derive }

// StoreRecord stores rec as the record of owner. Each owner has at most one
// record; a second call fails with AddressAlreadyInUse.
func (p *Program) StoreRecord(ctx context.Context, owner solana.PublicKey, rec model.EncryptedRecord) (model.RecordHandle, error) {
	if err := ctx.Err(); err != nil {
		return model.RecordHandle{}, err
	}
	c, err := p.handle()
	if err != nil {
		return model.RecordHandle{}, err
	}
	return c.records.StoreRecord(ctx, owner, rec)
}

// Record returns the stored record of owner.
func (p *Program) Record(ctx context.Context, owner solana.PublicKey) (model.EncryptedRecord, error) {
	if err := ctx.Err(); err != nil {
		return model.EncryptedRecord{}, err
	}
	c, err := p.handle()
	if err != nil {
		return model.EncryptedRecord{}, err
	}
	return c.records.Load(ctx, owner)
}

// RegisterShareCircuit registers the share circuit, fetched from url. It can
// be called once; later calls fail with AlreadyInitialized.
func (p *Program) RegisterShareCircuit(ctx context.Context, url string) (solana.PublicKey, error) {
	return p.RegisterCircuit(ctx, compdef.ShareRegistration(url))
}

// RegisterCircuit registers an arbitrary computation definition.
func (p *Program) RegisterCircuit(ctx context.Context, reg Registration) (solana.PublicKey, error) {
	if err := ctx.Err(); err != nil {
		return solana.PublicKey{}, err
	}
	c, err := p.handle()
	if err != nil {
		return solana.PublicKey{}, err
	}
	return c.registry.Register(ctx, reg)
}

// CircuitDefinition returns the registered definition of circuit.
func (p *Program) CircuitDefinition(ctx context.Context, circuit string) (model.ComputationDefinition, error) {
	if err := ctx.Err(); err != nil {
		return model.ComputationDefinition{}, err
	}
	c, err := p.handle()
	if err != nil {
		return model.ComputationDefinition{}, err
	}
	return c.registry.Lookup(ctx, circuit)
}

// ShareRecord queues the re-encryption of req.Record for req.Recipient.
func (p *Program) ShareRecord(ctx context.Context, req ShareRequest) (QueueTicket, error) {
	if err := ctx.Err(); err != nil {
		return QueueTicket{}, err
	}
	c, err := p.handle()
	if err != nil {
		return QueueTicket{}, err
	}
	return c.dispatcher.ShareRecord(ctx, req)
}

// OnComputationResult handles the cluster's result for the computation at
// offset.
func (p *Program) OnComputationResult(ctx context.Context, offset uint64, outputs model.ComputationOutputs) (model.ReceivedRecordEvent, error) {
	if err := ctx.Err(); err != nil {
		return model.ReceivedRecordEvent{}, err
	}
	c, err := p.handle()
	if err != nil {
		return model.ReceivedRecordEvent{}, err
	}
	return c.callbacks.OnComputationResult(ctx, offset, outputs)
}

// OnComputationResultRaw is OnComputationResult for a wire-encoded result.
func (p *Program) OnComputationResultRaw(ctx context.Context, offset uint64, payload []byte) (model.ReceivedRecordEvent, error) {
	if err := ctx.Err(); err != nil {
		return model.ReceivedRecordEvent{}, err
	}
	c, err := p.handle()
	if err != nil {
		return model.ReceivedRecordEvent{}, err
	}
	return c.callbacks.OnComputationResultRaw(ctx, offset, payload)
}

// Computation returns the queue slot of offset.
func (p *Program) Computation(ctx context.Context, offset uint64) (model.ComputationRequest, error) {
	if err := ctx.Err(); err != nil {
		return model.ComputationRequest{}, err
	}
	c, err := p.handle()
	if err != nil {
		return model.ComputationRequest{}, err
	}
	return c.queue.Get(ctx, offset)
}

// PendingComputations returns the unresolved computations in offset order.
func (p *Program) PendingComputations(ctx context.Context) ([]model.ComputationRequest, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c, err := p.handle()
	if err != nil {
		return nil, err
	}
	return c.queue.Pending(ctx)
}

// Events returns up to limit events starting at sequence from; 0 means no
// limit.
func (p *Program) Events(ctx context.Context, from uint64, limit int) ([]Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c, err := p.handle()
	if err != nil {
		return nil, err
	}
	return c.ledger.Events(ctx, from, limit)
}

// Subscribe streams events committed after the call. The channel is closed
// by cancel or by Close.
func (p *Program) Subscribe(buffer int) (<-chan Event, func(), error) {
	c, err := p.handle()
	if err != nil {
		return nil, nil, err
	}
	ch, cancel := c.ledger.Subscribe(buffer)
	return ch, cancel, nil
}

// StartLoopback runs an in-process cluster that executes circuit for every
// pending computation and reports the result back to this program. It runs
// until StopLoopback or Close.
func (p *Program) StartLoopback(circuit Circuit) error {
	c, err := p.handle()
	if err != nil {
		return err
	}
	if circuit == nil {
		circuit = PassthroughCircuit
	}

	p.loopMu.Lock()
	defer p.loopMu.Unlock()
	if p.loopCancel != nil {
		return ErrLoopbackRunning
	}

	deliver := func(ctx context.Context, offset uint64, payload []byte) error {
		_, err := c.callbacks.OnComputationResultRaw(ctx, offset, payload)
		return err
	}
	cluster := localcluster.New(localcluster.Config{
		PollInterval: p.config.LoopbackPollInterval,
		Workers:      p.config.LoopbackWorkers,
		Logger:       p.log.With("component", "loopback"),
	}, c.queue, c.ledger, circuit, deliver)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	p.loopCancel = cancel
	p.loopDone = done

	go func() {
		defer close(done)
		defer cluster.Close()
		_ = cluster.Run(ctx)
	}()
	p.log.Info("loopback cluster started")
	return nil
}

// StopLoopback stops the loopback cluster and waits for running callbacks,
// bounded by ctx.
func (p *Program) StopLoopback(ctx context.Context) error {
	p.loopMu.Lock()
	cancel, done := p.loopCancel, p.loopDone
	p.loopCancel, p.loopDone = nil, nil
	p.loopMu.Unlock()
	if cancel == nil {
		return nil
	}

	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
