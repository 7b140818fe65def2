// Package compdef registers computation definitions: the binding of a circuit
// name to the source the cluster fetches it from.
package compdef

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/gagliardetto/solana-go"

	"github.com/i5heu/medshare/internal/ledger"
	"github.com/i5heu/medshare/internal/telemetry"
	"github.com/i5heu/medshare/pkg/address"
	"github.com/i5heu/medshare/pkg/errcode"
	"github.com/i5heu/medshare/pkg/model"
)

// InstructionInit is the ledger instruction name of Register.
const InstructionInit = "init_comp_def"

// Registration describes a circuit to register.
type Registration struct {
	CircuitName   string
	FinalityDelay uint32
	Source        model.CircuitSource
}

type Registry struct {
	ledger  *ledger.Store
	derive  address.Deriver
	log     *slog.Logger
	metrics *telemetry.Instruments
}

func New(l *ledger.Store, d address.Deriver, log *slog.Logger, metrics *telemetry.Instruments) *Registry {
	return &Registry{ledger: l, derive: d, log: log, metrics: metrics}
}

// Register creates the definition account of reg.CircuitName. A circuit can
// be registered once; later calls fail with AlreadyInitialized.
func (r *Registry) Register(ctx context.Context, reg Registration) (solana.PublicKey, error) {
	if reg.CircuitName == "" {
		return solana.PublicKey{}, fmt.Errorf("circuit name is empty")
	}
	if reg.Source == nil {
		return solana.PublicKey{}, fmt.Errorf("circuit %q has no source", reg.CircuitName)
	}

	addr, _, err := r.derive.CompDef(address.CompDefOffset(reg.CircuitName))
	if err != nil {
		return solana.PublicKey{}, err
	}

	def := model.ComputationDefinition{
		Initialized:   true,
		FinalityDelay: reg.FinalityDelay,
		CircuitName:   reg.CircuitName,
		Source:        reg.Source,
	}
	data, err := def.MarshalAccount()
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("encode definition: %w", err)
	}

	err = r.ledger.Execute(ctx, InstructionInit, func(tx *ledger.Tx) error {
		return tx.CreateAccount(addr, r.derive.ArciumProgramID, data)
	})
	if errors.Is(err, errcode.ErrAddressAlreadyInUse) {
		return solana.PublicKey{}, errcode.Wrap(errcode.AlreadyInitialized, err, "circuit %q", reg.CircuitName)
	}
	if err != nil {
		return solana.PublicKey{}, err
	}

	if src, ok := reg.Source.(model.OffChainSource); ok && src.Hash == ([32]byte{}) {
		r.log.WarnContext(ctx, "circuit source hash is zero, fetched circuit cannot be verified",
			"circuit", reg.CircuitName, "url", src.URL)
	}
	r.metrics.DefinitionRegistered(ctx, reg.CircuitName)
	r.log.InfoContext(ctx, "computation definition registered",
		"circuit", reg.CircuitName, "address", addr.String())
	return addr, nil
}

// ShareRegistration returns the registration of the share circuit, fetched
// from url.
//
// TODO: require a non-zero hash and have the cluster verify the fetched
// circuit against it. Until then any operator can substitute the circuit.
func ShareRegistration(url string) Registration {
	return Registration{
		CircuitName:   address.ShareCircuitName,
		FinalityDelay: 0,
		Source:        model.OffChainSource{URL: url},
	}
}

// Lookup reads the definition of circuit.
func (r *Registry) Lookup(ctx context.Context, circuit string) (model.ComputationDefinition, error) {
	addr, _, err := r.derive.CompDef(address.CompDefOffset(circuit))
	if err != nil {
		return model.ComputationDefinition{}, err
	}
	acct, err := r.ledger.Account(ctx, addr)
	if err != nil {
		return model.ComputationDefinition{}, err
	}
	return decodeOwned(acct, r.derive.ArciumProgramID)
}

// Require checks inside a running instruction that circuit is registered and
// initialised, and returns its address.
func Require(tx *ledger.Tx, d address.Deriver, circuit string) (solana.PublicKey, error) {
	addr, _, err := d.CompDef(address.CompDefOffset(circuit))
	if err != nil {
		return solana.PublicKey{}, err
	}
	acct, err := tx.Account(addr)
	if err != nil {
		return solana.PublicKey{}, err
	}
	def, err := decodeOwned(acct, d.ArciumProgramID)
	if err != nil {
		return solana.PublicKey{}, err
	}
	if !def.Initialized || def.CircuitName != circuit {
		return solana.PublicKey{}, errcode.New(errcode.AccountNotInitialized, "computation definition %s", addr)
	}
	return addr, nil
}

func decodeOwned(acct ledger.Account, owner solana.PublicKey) (model.ComputationDefinition, error) {
	if acct.Owner != owner {
		return model.ComputationDefinition{}, errcode.New(errcode.IllegalOwner, "definition %s is owned by %s", acct.Address, acct.Owner)
	}
	return model.UnmarshalComputationDefinition(acct.Data)
}
