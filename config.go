package medshare

import (
	"log/slog"
	"os"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/metric"

	"github.com/i5heu/medshare/internal/dispatch"
)

// Config configures a program handle. Only Paths[0] is used.
type Config struct {
	// Paths contains data directories. Ignored when InMemory is set.
	Paths []string
	// InMemory keeps the ledger in memory. Everything is lost on Close.
	InMemory bool
	// MinimumFreeGB is a free-space threshold checked when the ledger opens.
	MinimumFreeGB uint

	// GarbageCollectionInterval is the period of value log garbage
	// collection. Zero disables it.
	GarbageCollectionInterval time.Duration

	// ProgramID and ArciumProgramID override the default program identities.
	ProgramID       solana.PublicKey
	ArciumProgramID solana.PublicKey

	// SignerMode selects the signer delegate allocation. Empty means shared.
	SignerMode dispatch.SignerMode

	// Logger is an optional structured logger. If nil, a stderr logger is used.
	Logger *slog.Logger
	// LedgerLogger receives the ledger and badger logs, including the
	// "Program data" event lines. If nil, a logrus logger at warn level is used.
	LedgerLogger *logrus.Logger
	// Meter creates the metric instruments. If nil, the global meter is used.
	Meter metric.Meter

	// LoopbackPollInterval and LoopbackWorkers tune StartLoopback.
	LoopbackPollInterval time.Duration
	LoopbackWorkers      int
}

// defaultLogger returns a logger that writes text logs to stderr at Info level.
func defaultLogger() *slog.Logger { // A
	h := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})
	return slog.New(h)
}

func defaultLedgerLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetLevel(logrus.WarnLevel)
	return l
}
