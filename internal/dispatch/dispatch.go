// Package dispatch queues share computations for the cluster.
//
// A dispatch checks the circuit definition and the record, snapshots the
// arguments in the circuit's calling convention, stamps the signer delegate
// and creates the queue slot, all in one ledger instruction.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"

	"github.com/i5heu/medshare/internal/compdef"
	"github.com/i5heu/medshare/internal/ledger"
	"github.com/i5heu/medshare/internal/queue"
	"github.com/i5heu/medshare/internal/recordstore"
	"github.com/i5heu/medshare/internal/telemetry"
	"github.com/i5heu/medshare/pkg/address"
	"github.com/i5heu/medshare/pkg/model"
)

// InstructionShare is the ledger instruction name of ShareRecord.
const InstructionShare = "share_patient_data"

// SignerMode selects how the signer delegate is allocated.
type SignerMode string

const (
	// SignerShared uses one well-known delegate account for every dispatch.
	// Every dispatch writes it, so dispatches are serialised on it.
	SignerShared SignerMode = "shared"
	// SignerPerRequest derives a delegate per computation offset. Dispatches
	// do not contend, but the delegate address differs from what a cluster
	// expecting the shared account looks for.
	SignerPerRequest SignerMode = "per-request"
)

// ParseSignerMode parses a config value. Empty selects SignerShared.
func ParseSignerMode(s string) (SignerMode, error) {
	switch SignerMode(s) {
	case "", SignerShared:
		return SignerShared, nil
	case SignerPerRequest:
		return SignerPerRequest, nil
	}
	return "", fmt.Errorf("unknown signer mode %q", s)
}

// ShareRequest asks for the record at Record to be re-encrypted for
// Recipient.
type ShareRequest struct {
	Offset         uint64
	Payer          solana.PublicKey
	Recipient      model.EncryptionKey
	RecipientNonce model.U128
	Sender         model.EncryptionKey
	SenderNonce    model.U128
	Record         solana.PublicKey
}

// QueueTicket describes a queued computation. ID is local to this process
// and only used to correlate logs.
type QueueTicket struct {
	ID          uuid.UUID
	Offset      uint64
	Computation solana.PublicKey
	CompDef     solana.PublicKey
	Signer      solana.PublicKey
	QueuedAt    time.Time
}

type Dispatcher struct {
	ledger  *ledger.Store
	queue   *queue.Queue
	derive  address.Deriver
	mode    SignerMode
	log     *slog.Logger
	metrics *telemetry.Instruments

	// held across the whole instruction in SignerShared mode
	signerMu sync.Mutex
}

func New(
	l *ledger.Store,
	q *queue.Queue,
	d address.Deriver,
	mode SignerMode,
	log *slog.Logger,
	metrics *telemetry.Instruments,
) *Dispatcher {
	if mode == "" {
		mode = SignerShared
	}
	return &Dispatcher{ledger: l, queue: q, derive: d, mode: mode, log: log, metrics: metrics}
}

// Arguments returns the share circuit arguments for req. Order and types are
// the circuit's calling convention.
func Arguments(req ShareRequest) []model.Argument {
	return []model.Argument{
		model.ArcisPubkey(req.Recipient),
		model.PlaintextU128(req.RecipientNonce),
		model.ArcisPubkey(req.Sender),
		model.PlaintextU128(req.SenderNonce),
		model.AccountArgument{
			Address: req.Record,
			Offset:  model.DiscriminatorSize,
			Length:  model.RecordPayloadSize,
		},
	}
}

// ShareRecord queues the share computation of req. Either the slot is created
// with its full argument snapshot or nothing is written. An offset that was
// used before fails with AddressAlreadyInUse.
func (d *Dispatcher) ShareRecord(ctx context.Context, req ShareRequest) (QueueTicket, error) {
	signer, bump, err := d.signerAddress(req.Offset)
	if err != nil {
		return QueueTicket{}, err
	}
	if d.mode == SignerShared {
		d.signerMu.Lock()
		defer d.signerMu.Unlock()
	}

	ticket := QueueTicket{
		ID:     uuid.New(),
		Offset: req.Offset,
		Signer: signer,
	}
	args := Arguments(req)

	err = d.ledger.Execute(ctx, InstructionShare, func(tx *ledger.Tx) error {
		compDef, err := compdef.Require(tx, d.derive, address.ShareCircuitName)
		if err != nil {
			return err
		}
		if err := recordstore.Check(tx, req.Record, d.derive.ProgramID); err != nil {
			return err
		}
		if err := d.stampSigner(tx, signer, bump); err != nil {
			return err
		}

		slot, err := d.queue.Enqueue(tx, model.ComputationRequest{
			Offset:        req.Offset,
			CompDefOffset: address.CompDefOffset(address.ShareCircuitName),
			Payer:         req.Payer,
			Signer:        signer,
			Callback:      address.ShareCallbackName,
			Arguments:     args,
		})
		if err != nil {
			return err
		}
		ticket.CompDef = compDef
		ticket.Computation = slot
		return nil
	})
	if err != nil {
		d.log.DebugContext(ctx, "dispatch failed", "offset", req.Offset, "error", err)
		return QueueTicket{}, err
	}

	ticket.QueuedAt = time.Now().UTC()
	d.metrics.ComputationQueued(ctx, address.ShareCircuitName)
	d.log.InfoContext(ctx, "computation queued",
		"ticket", ticket.ID.String(),
		"offset", req.Offset,
		"computation", ticket.Computation.String(),
		"record", req.Record.String())
	return ticket, nil
}

func (d *Dispatcher) signerAddress(offset uint64) (solana.PublicKey, uint8, error) {
	if d.mode == SignerPerRequest {
		return d.derive.RequestSigner(offset)
	}
	return d.derive.Signer()
}

// stampSigner creates the delegate if needed and writes its bump.
func (d *Dispatcher) stampSigner(tx *ledger.Tx, addr solana.PublicKey, bump uint8) error {
	data, err := model.SignerAccount{Bump: bump}.MarshalAccount()
	if err != nil {
		return err
	}
	exists, err := tx.Exists(addr)
	if err != nil {
		return err
	}
	if !exists {
		return tx.CreateAccount(addr, d.derive.ProgramID, data)
	}
	return tx.WriteAccount(addr, d.derive.ProgramID, data)
}
