package address

import (
	"crypto/sha256"
	"encoding/binary"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompDefOffset(t *testing.T) {
	t.Parallel()
	sum := sha256.Sum256([]byte(ShareCircuitName))
	assert.Equal(t, binary.LittleEndian.Uint32(sum[:4]), CompDefOffset(ShareCircuitName))
	assert.NotEqual(t, CompDefOffset("a"), CompDefOffset("b"))
}

func TestNewFallsBackToDefaults(t *testing.T) {
	t.Parallel()
	d := New(solana.PublicKey{}, solana.PublicKey{})
	assert.Equal(t, DefaultProgramID, d.ProgramID)
	assert.Equal(t, DefaultArciumProgramID, d.ArciumProgramID)
}

func TestDerivedAddressesUseCanonicalBump(t *testing.T) {
	t.Parallel()
	d := New(DefaultProgramID, DefaultArciumProgramID)
	owner := solana.PublicKey{7}

	addr, bump, err := d.Record(owner)
	require.NoError(t, err)
	want, err := solana.CreateProgramAddress([][]byte{[]byte(PatientDataSeed), owner[:], {bump}}, DefaultProgramID)
	require.NoError(t, err)
	assert.Equal(t, want, addr)

	var off [8]byte
	binary.LittleEndian.PutUint64(off[:], 42)
	slot, bump, err := d.Computation(42)
	require.NoError(t, err)
	want, err = solana.CreateProgramAddress(
		[][]byte{[]byte(ComputationSeed), DefaultProgramID[:], off[:], {bump}}, DefaultArciumProgramID)
	require.NoError(t, err)
	assert.Equal(t, want, slot)
}

func TestAddressesAreDistinct(t *testing.T) {
	t.Parallel()
	d := New(DefaultProgramID, DefaultArciumProgramID)
	seen := map[solana.PublicKey]string{}
	key := func(addr solana.PublicKey, _ uint8, err error) solana.PublicKey {
		require.NoError(t, err)
		return addr
	}
	add := func(name string, addr solana.PublicKey) {
		if prev, dup := seen[addr]; dup {
			t.Fatalf("%s collides with %s", name, prev)
		}
		seen[addr] = name
	}

	add("record a", key(d.Record(solana.PublicKey{1})))
	add("record b", key(d.Record(solana.PublicKey{2})))
	add("signer", key(d.Signer()))
	add("request signer 0", key(d.RequestSigner(0)))
	add("request signer 1", key(d.RequestSigner(1)))
	add("comp def", key(d.CompDef(CompDefOffset(ShareCircuitName))))
	add("computation 0", key(d.Computation(0)))
	add("computation 1", key(d.Computation(1)))

	other := New(solana.PublicKey{9}, DefaultArciumProgramID)
	add("other program computation 0", key(other.Computation(0)))
}
