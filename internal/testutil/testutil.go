package testutil

import (
	"flag"
	"io"
	"log/slog"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/sirupsen/logrus"

	"github.com/i5heu/medshare/internal/ledger"
	"github.com/i5heu/medshare/pkg/model"
)

var RunLong = flag.Bool("long", false, "run long/heavy tests")

func RequireLong(t *testing.T) {
	t.Helper()
	if !*RunLong {
		t.Skip("skipping long test (use -long to enable)")
	}
}

func IsLongEnabled() bool {
	return *RunLong
}

// Logger returns a slog logger that drops everything.
func Logger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// Ledger opens an in-memory ledger that is closed with the test.
func Ledger(t testing.TB) *ledger.Store {
	t.Helper()
	log := logrus.New()
	log.SetOutput(io.Discard)
	l, err := ledger.Open(ledger.Config{InMemory: true, Logger: log})
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	t.Cleanup(func() { _ = l.Close() })
	return l
}

// Key returns a public key with every byte set to b.
func Key(b byte) solana.PublicKey {
	var k solana.PublicKey
	for i := range k {
		k[i] = b
	}
	return k
}

// Ciphertext returns a ciphertext whose bytes count up from seed.
func Ciphertext(seed byte) model.Ciphertext {
	var c model.Ciphertext
	for i := range c {
		c[i] = seed + byte(i)
	}
	return c
}

// Record returns a record with distinct ciphertexts derived from seed.
func Record(seed byte) model.EncryptedRecord {
	r := model.EncryptedRecord{
		PatientID: Ciphertext(seed),
		Age:       Ciphertext(seed + 1),
		Gender:    Ciphertext(seed + 2),
		BloodType: Ciphertext(seed + 3),
		Weight:    Ciphertext(seed + 4),
		Height:    Ciphertext(seed + 5),
	}
	for i := range r.Allergies {
		r.Allergies[i] = Ciphertext(seed + 6 + byte(i))
	}
	return r
}
