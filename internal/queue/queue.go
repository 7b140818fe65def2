// Package queue is the ledger-mediated computation queue shared by the
// program and the cluster. Each computation occupies a slot account derived
// from its offset. Slots are created once and never deleted, so an offset
// can not be reused even after its computation resolved.
package queue

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/gagliardetto/solana-go"

	"github.com/i5heu/medshare/internal/ledger"
	"github.com/i5heu/medshare/pkg/address"
	"github.com/i5heu/medshare/pkg/errcode"
	"github.com/i5heu/medshare/pkg/model"
)

const (
	indexPending = "pending"

	// InstructionFinalize is the instruction that records a failed
	// callback's terminal status.
	InstructionFinalize = "finalize_computation"
)

type Queue struct {
	ledger *ledger.Store
	derive address.Deriver
}

func New(l *ledger.Store, d address.Deriver) *Queue {
	return &Queue{ledger: l, derive: d}
}

// Enqueue creates the slot of req inside the running instruction and marks it
// pending. A used offset fails with AddressAlreadyInUse.
func (q *Queue) Enqueue(tx *ledger.Tx, req model.ComputationRequest) (solana.PublicKey, error) {
	addr, _, err := q.derive.Computation(req.Offset)
	if err != nil {
		return solana.PublicKey{}, err
	}
	req.Status = model.StatusQueued
	data, err := req.MarshalAccount()
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("encode computation %d: %w", req.Offset, err)
	}
	if err := tx.CreateAccount(addr, q.derive.ArciumProgramID, data); err != nil {
		return solana.PublicKey{}, err
	}
	if err := tx.PutIndex(indexPending, offsetKey(req.Offset), addr[:]); err != nil {
		return solana.PublicKey{}, err
	}
	return addr, nil
}

// Load reads the slot of offset inside a running instruction.
func (q *Queue) Load(tx *ledger.Tx, offset uint64) (model.ComputationRequest, error) {
	addr, _, err := q.derive.Computation(offset)
	if err != nil {
		return model.ComputationRequest{}, err
	}
	acct, err := tx.Account(addr)
	if err != nil {
		return model.ComputationRequest{}, err
	}
	return q.decode(acct)
}

// Get reads the committed slot of offset.
func (q *Queue) Get(ctx context.Context, offset uint64) (model.ComputationRequest, error) {
	addr, _, err := q.derive.Computation(offset)
	if err != nil {
		return model.ComputationRequest{}, err
	}
	acct, err := q.ledger.Account(ctx, addr)
	if err != nil {
		return model.ComputationRequest{}, err
	}
	return q.decode(acct)
}

// Pending returns the queued computations in offset order.
func (q *Queue) Pending(ctx context.Context) ([]model.ComputationRequest, error) {
	entries, err := q.ledger.ScanIndex(ctx, indexPending)
	if err != nil {
		return nil, err
	}

	out := make([]model.ComputationRequest, 0, len(entries))
	for _, e := range entries {
		if len(e.Value) != len(solana.PublicKey{}) {
			return nil, fmt.Errorf("corrupt pending entry %x", e.Key)
		}
		acct, err := q.ledger.Account(ctx, solana.PublicKeyFromBytes(e.Value))
		if err != nil {
			return nil, err
		}
		req, err := q.decode(acct)
		if err != nil {
			return nil, err
		}
		// resolved between the index scan and the read
		if req.Status.Terminal() {
			continue
		}
		out = append(out, req)
	}
	return out, nil
}

// Resolve moves a queued computation to a terminal status inside the running
// instruction. Anything but a queued slot fails with ComputationNotQueued.
func (q *Queue) Resolve(tx *ledger.Tx, offset uint64, status model.ComputationStatus) error {
	if !status.Terminal() {
		return fmt.Errorf("status %s is not terminal", status)
	}
	addr, _, err := q.derive.Computation(offset)
	if err != nil {
		return err
	}
	acct, err := tx.Account(addr)
	if errcode.Is(err, errcode.AccountNotInitialized) {
		return errcode.Wrap(errcode.ComputationNotQueued, err, "offset %d", offset)
	}
	if err != nil {
		return err
	}
	req, err := q.decode(acct)
	if err != nil {
		return err
	}
	if req.Status != model.StatusQueued {
		return errcode.New(errcode.ComputationNotQueued, "offset %d is %s", offset, req.Status)
	}

	req.Status = status
	data, err := req.MarshalAccount()
	if err != nil {
		return err
	}
	if err := tx.WriteAccount(addr, q.derive.ArciumProgramID, data); err != nil {
		return err
	}
	return tx.DeleteIndex(indexPending, offsetKey(offset))
}

// Finalize records status for offset in an instruction of its own.
func (q *Queue) Finalize(ctx context.Context, offset uint64, status model.ComputationStatus) error {
	return q.ledger.Execute(ctx, InstructionFinalize, func(tx *ledger.Tx) error {
		return q.Resolve(tx, offset, status)
	})
}

func (q *Queue) decode(acct ledger.Account) (model.ComputationRequest, error) {
	if acct.Owner != q.derive.ArciumProgramID {
		return model.ComputationRequest{}, errcode.New(errcode.IllegalOwner, "computation %s is owned by %s", acct.Address, acct.Owner)
	}
	return model.UnmarshalComputationRequest(acct.Data)
}

// big-endian so the index iterates in offset order
func offsetKey(offset uint64) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], offset)
	return k[:]
}
