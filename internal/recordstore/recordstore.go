// Package recordstore creates and reads encrypted medical records. There is
// one record per owner; it is written once and never updated.
package recordstore

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/gagliardetto/solana-go"

	"github.com/i5heu/medshare/internal/ledger"
	"github.com/i5heu/medshare/internal/telemetry"
	"github.com/i5heu/medshare/pkg/address"
	"github.com/i5heu/medshare/pkg/errcode"
	"github.com/i5heu/medshare/pkg/model"
)

// InstructionStore is the ledger instruction name of StoreRecord.
const InstructionStore = "store_patient_data"

type Store struct {
	ledger  *ledger.Store
	derive  address.Deriver
	log     *slog.Logger
	metrics *telemetry.Instruments
}

func New(l *ledger.Store, d address.Deriver, log *slog.Logger, metrics *telemetry.Instruments) *Store {
	return &Store{ledger: l, derive: d, log: log, metrics: metrics}
}

// StoreRecord creates the record account of owner. It fails with
// AddressAlreadyInUse if owner already has one; the existing record is left
// as it was.
func (s *Store) StoreRecord(ctx context.Context, owner solana.PublicKey, rec model.EncryptedRecord) (model.RecordHandle, error) {
	addr, bump, err := s.derive.Record(owner)
	if err != nil {
		return model.RecordHandle{}, err
	}
	data, err := rec.MarshalAccount()
	if err != nil {
		return model.RecordHandle{}, fmt.Errorf("encode record: %w", err)
	}
	if len(data) != model.RecordAccountSize {
		return model.RecordHandle{}, fmt.Errorf("encoded record has %d bytes, want %d", len(data), model.RecordAccountSize)
	}

	err = s.ledger.Execute(ctx, InstructionStore, func(tx *ledger.Tx) error {
		return tx.CreateAccount(addr, s.derive.ProgramID, data)
	})
	if err != nil {
		return model.RecordHandle{}, err
	}

	s.metrics.RecordStored(ctx)
	s.log.InfoContext(ctx, "record stored", "owner", owner.String(), "address", addr.String())
	return model.RecordHandle{Owner: owner, Address: addr, Bump: bump}, nil
}

// Load reads the record of owner.
func (s *Store) Load(ctx context.Context, owner solana.PublicKey) (model.EncryptedRecord, error) {
	addr, _, err := s.derive.Record(owner)
	if err != nil {
		return model.EncryptedRecord{}, err
	}
	return s.LoadAt(ctx, addr)
}

// LoadAt reads the record stored at addr.
func (s *Store) LoadAt(ctx context.Context, addr solana.PublicKey) (model.EncryptedRecord, error) {
	acct, err := s.ledger.Account(ctx, addr)
	if err != nil {
		return model.EncryptedRecord{}, err
	}
	return decodeOwned(acct, s.derive.ProgramID)
}

// Check verifies inside a running instruction that addr holds a record of
// this program.
func Check(tx *ledger.Tx, addr, programID solana.PublicKey) error {
	acct, err := tx.Account(addr)
	if err != nil {
		return err
	}
	_, err = decodeOwned(acct, programID)
	return err
}

func decodeOwned(acct ledger.Account, programID solana.PublicKey) (model.EncryptedRecord, error) {
	if acct.Owner != programID {
		return model.EncryptedRecord{}, errcode.New(errcode.IllegalOwner, "record %s is owned by %s", acct.Address, acct.Owner)
	}
	return model.UnmarshalRecordAccount(acct.Data)
}
