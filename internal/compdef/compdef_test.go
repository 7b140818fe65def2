package compdef

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i5heu/medshare/internal/ledger"
	"github.com/i5heu/medshare/internal/telemetry"
	"github.com/i5heu/medshare/internal/testutil"
	"github.com/i5heu/medshare/pkg/address"
	"github.com/i5heu/medshare/pkg/errcode"
	"github.com/i5heu/medshare/pkg/model"
)

func newTestRegistry(t *testing.T) (*Registry, *ledger.Store) {
	t.Helper()
	l := testutil.Ledger(t)
	d := address.New(address.DefaultProgramID, address.DefaultArciumProgramID)
	return New(l, d, testutil.Logger(), telemetry.Discard()), l
}

func TestRegisterOnce(t *testing.T) {
	t.Parallel()
	r, _ := newTestRegistry(t)
	ctx := context.Background()
	reg := ShareRegistration("https://example.invalid/share_patient_data.arcis")

	addr, err := r.Register(ctx, reg)
	require.NoError(t, err)

	want, _, err := r.derive.CompDef(address.CompDefOffset(address.ShareCircuitName))
	require.NoError(t, err)
	assert.Equal(t, want, addr)

	_, err = r.Register(ctx, reg)
	require.ErrorIs(t, err, errcode.ErrAlreadyInitialized)
	assert.ErrorIs(t, err, errcode.ErrAddressAlreadyInUse)
}

func TestLookupReturnsRegisteredSource(t *testing.T) {
	t.Parallel()
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	_, err := r.Register(ctx, ShareRegistration("https://example.invalid/c.arcis"))
	require.NoError(t, err)

	def, err := r.Lookup(ctx, address.ShareCircuitName)
	require.NoError(t, err)
	assert.True(t, def.Initialized)
	assert.Equal(t, uint32(0), def.FinalityDelay)
	assert.Equal(t, address.ShareCircuitName, def.CircuitName)
	assert.Equal(t, model.OffChainSource{URL: "https://example.invalid/c.arcis"}, def.Source)
}

func TestDistinctCircuitsRegisterIndependently(t *testing.T) {
	t.Parallel()
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	a, err := r.Register(ctx, ShareRegistration("https://example.invalid/a"))
	require.NoError(t, err)
	b, err := r.Register(ctx, Registration{
		CircuitName: "other_circuit",
		Source:      model.OnChainSource{Bytecode: []byte{0xde, 0xad}},
	})
	require.NoError(t, err)
	assert.NotEqual(t, a, b)

	def, err := r.Lookup(ctx, "other_circuit")
	require.NoError(t, err)
	assert.Equal(t, model.OnChainSource{Bytecode: []byte{0xde, 0xad}}, def.Source)
}

func TestRequireMissingDefinition(t *testing.T) {
	t.Parallel()
	r, l := newTestRegistry(t)

	err := l.Execute(context.Background(), "check", func(tx *ledger.Tx) error {
		_, err := Require(tx, r.derive, address.ShareCircuitName)
		return err
	})
	assert.ErrorIs(t, err, errcode.ErrAccountNotInitialized)
}

func TestRegisterRejectsMissingSource(t *testing.T) {
	t.Parallel()
	r, _ := newTestRegistry(t)

	_, err := r.Register(context.Background(), Registration{CircuitName: "x"})
	assert.Error(t, err)
}
