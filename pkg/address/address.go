// Package address derives the program addresses used by medshare.
//
// All addresses are program-derived: sha256 over the seeds, a bump byte, the
// owning program id and the "ProgramDerivedAddress" marker, searched downward
// from bump 255 until the result is off the ed25519 curve. The derivation
// must match the cluster's bit for bit.
package address

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"github.com/gagliardetto/solana-go"
)

// Seeds and names fixed by the on-ledger interface.
const (
	PatientDataSeed           = "patient_data"
	SignerAccountSeed         = "SignerAccount"
	ComputationDefinitionSeed = "ComputationDefinitionAccount"
	ComputationSeed           = "ComputationAccount"

	ShareCircuitName  = "share_patient_data"
	ShareCallbackName = "share_patient_data_callback"
)

var (
	// DefaultProgramID is the medshare program id.
	DefaultProgramID = solana.MustPublicKeyFromBase58("5NqzyBVgHPSb7TMWT37r5vHBqhKE86wbnYYdqsSLRYgt")
	// DefaultArciumProgramID owns computation definitions and queue slots.
	DefaultArciumProgramID = solana.MustPublicKeyFromBase58("BKck65TgoKRokMjQM3datB9oRwJ8rAj2jxPXvHXUvcL6")
)

// CompDefOffset returns the definition offset of a circuit: the
// little-endian u32 of the first four bytes of sha256(name).
func CompDefOffset(name string) uint32 {
	sum := sha256.Sum256([]byte(name))
	return binary.LittleEndian.Uint32(sum[:4])
}

// Deriver computes addresses for one program instance.
type Deriver struct {
	ProgramID       solana.PublicKey
	ArciumProgramID solana.PublicKey
}

// New returns a Deriver. Zero ids fall back to the defaults.
func New(programID, arciumProgramID solana.PublicKey) Deriver {
	if programID.IsZero() {
		programID = DefaultProgramID
	}
	if arciumProgramID.IsZero() {
		arciumProgramID = DefaultArciumProgramID
	}
	return Deriver{ProgramID: programID, ArciumProgramID: arciumProgramID}
}

// Record returns the record address of owner.
func (d Deriver) Record(owner solana.PublicKey) (solana.PublicKey, uint8, error) {
	return find(d.ProgramID, []byte(PatientDataSeed), owner[:])
}

// Signer returns the shared signer delegate address.
func (d Deriver) Signer() (solana.PublicKey, uint8, error) {
	return find(d.ProgramID, []byte(SignerAccountSeed))
}

// RequestSigner returns a signer delegate address private to one
// computation offset.
func (d Deriver) RequestSigner(offset uint64) (solana.PublicKey, uint8, error) {
	return find(d.ProgramID, []byte(SignerAccountSeed), le64(offset))
}

// CompDef returns the computation definition address for compDefOffset.
func (d Deriver) CompDef(compDefOffset uint32) (solana.PublicKey, uint8, error) {
	var off [4]byte
	binary.LittleEndian.PutUint32(off[:], compDefOffset)
	return find(d.ArciumProgramID, []byte(ComputationDefinitionSeed), d.ProgramID[:], off[:])
}

// Computation returns the queue slot address for a computation offset.
func (d Deriver) Computation(offset uint64) (solana.PublicKey, uint8, error) {
	return find(d.ArciumProgramID, []byte(ComputationSeed), d.ProgramID[:], le64(offset))
}

func find(program solana.PublicKey, seeds ...[]byte) (solana.PublicKey, uint8, error) {
	addr, bump, err := solana.FindProgramAddress(seeds, program)
	if err != nil {
		return solana.PublicKey{}, 0, fmt.Errorf("derive address under %s: %w", program, err)
	}
	return addr, bump, nil
}

func le64(v uint64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, v)
	return b
}
