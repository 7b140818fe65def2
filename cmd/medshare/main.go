package main

import (
	"context"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"

	"github.com/i5heu/medshare"
	"github.com/i5heu/medshare/internal/config"
	"github.com/i5heu/medshare/internal/dispatch"
	"github.com/i5heu/medshare/pkg/logging"
	"github.com/i5heu/medshare/pkg/model"
)

const (
	logKeyDataPath   = "dataPath"
	logKeyConfigPath = "configPath"
	logKeySignal     = "signal"
	logKeyError      = "error"
	logKeyOffset     = "offset"
	logKeySequence   = "sequence"
)

func usage() {
	fmt.Fprintln(os.Stderr, `Usage: medshare [-config file] [-data dir] [-debug] <command> [arguments]
Commands:
  init-circuit [-url url]
  store -owner <base58> -file record.yaml
  share -offset N -record <base58> -recipient <hex> -recipient-nonce N -sender <hex> -sender-nonce N [-payer <base58>]
  events [-from N]
  pending
  info
  serve [-loopback]`)
}

func main() { // A
	configPath := flag.String("config", "medshare.yaml", "Path to config file")
	dataPath := flag.String("data", "", "Path to data directory (overrides config)")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	if *dataPath != "" {
		cfg.DataDir = *dataPath
	}
	level, err := logging.ParseLevel(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	if *debug {
		level = slog.LevelDebug
	}
	logger := logging.New(os.Stderr, level)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, logger, flag.Arg(0), flag.Args()[1:], os.Stdout); err != nil {
		logger.ErrorContext(context.Background(), "command failed",
			logKeyConfigPath, *configPath,
			logKeyError, err)
		os.Exit(1)
	}
}

func openProgram(ctx context.Context, cfg config.Config, logger *slog.Logger) (*medshare.Program, error) {
	programID, err := solana.PublicKeyFromBase58(cfg.ProgramID)
	if err != nil {
		return nil, fmt.Errorf("program id: %w", err)
	}
	arciumID, err := solana.PublicKeyFromBase58(cfg.ArciumProgramID)
	if err != nil {
		return nil, fmt.Errorf("arcium program id: %w", err)
	}
	mode, err := dispatch.ParseSignerMode(cfg.SignerMode)
	if err != nil {
		return nil, err
	}

	ledgerLog := logrus.New()
	ledgerLog.SetOutput(os.Stderr)
	ledgerLog.SetLevel(logrus.InfoLevel)

	p, err := medshare.New(medshare.Config{
		Paths:                     []string{cfg.DataDir},
		InMemory:                  cfg.InMemory,
		MinimumFreeGB:             uint(cfg.MinimumFreeSpace),
		ProgramID:                 programID,
		ArciumProgramID:           arciumID,
		SignerMode:                mode,
		Logger:                    logger,
		LedgerLogger:              ledgerLog,
		LoopbackPollInterval:      cfg.PollInterval,
		GarbageCollectionInterval: cfg.GCInterval,
		LoopbackWorkers:           cfg.Workers,
	})
	if err != nil {
		return nil, err
	}
	logger.DebugContext(ctx, "opening program", logKeyDataPath, cfg.DataDir)
	if err := p.Start(ctx); err != nil {
		return nil, err
	}
	return p, nil
}

// run executes one command, separated from main for testability.
func run(ctx context.Context, cfg config.Config, logger *slog.Logger, cmd string, args []string, out io.Writer) (err error) {
	p, err := openProgram(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err = errors.Join(err, p.Close(shutdownCtx))
	}()

	switch cmd {
	case "init-circuit":
		return initCircuit(ctx, p, cfg, args, out)
	case "store":
		return storeRecord(ctx, p, args, out)
	case "share":
		return shareRecord(ctx, p, args, out)
	case "events":
		return listEvents(ctx, p, args, out)
	case "pending":
		return listPending(ctx, p, out)
	case "info":
		return info(ctx, p, out)
	case "serve":
		return serve(ctx, p, logger, args, out)
	}
	usage()
	return fmt.Errorf("unknown command %q", cmd)
}

func initCircuit(ctx context.Context, p *medshare.Program, cfg config.Config, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("init-circuit", flag.ContinueOnError)
	url := fs.String("url", cfg.CircuitURL, "Circuit source URL")
	if err := fs.Parse(args); err != nil {
		return err
	}
	addr, err := p.RegisterShareCircuit(ctx, *url)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "computation definition: %s\n", addr)
	return nil
}

// recordFile is the YAML form of an encrypted record. Every field is a
// 32-byte ciphertext in hex.
type recordFile struct {
	PatientID string   `yaml:"patientId"`
	Age       string   `yaml:"age"`
	Gender    string   `yaml:"gender"`
	BloodType string   `yaml:"bloodType"`
	Weight    string   `yaml:"weight"`
	Height    string   `yaml:"height"`
	Allergies []string `yaml:"allergies"`
}

func (f recordFile) record() (model.EncryptedRecord, error) {
	var rec model.EncryptedRecord
	fields := []struct {
		name string
		hex  string
		dst  *model.Ciphertext
	}{
		{"patientId", f.PatientID, &rec.PatientID},
		{"age", f.Age, &rec.Age},
		{"gender", f.Gender, &rec.Gender},
		{"bloodType", f.BloodType, &rec.BloodType},
		{"weight", f.Weight, &rec.Weight},
		{"height", f.Height, &rec.Height},
	}
	for _, fld := range fields {
		if err := decodeHex32(fld.hex, (*[32]byte)(fld.dst)); err != nil {
			return rec, fmt.Errorf("%s: %w", fld.name, err)
		}
	}
	if len(f.Allergies) != model.AllergySlots {
		return rec, fmt.Errorf("allergies: got %d entries, want %d", len(f.Allergies), model.AllergySlots)
	}
	for i, a := range f.Allergies {
		if err := decodeHex32(a, (*[32]byte)(&rec.Allergies[i])); err != nil {
			return rec, fmt.Errorf("allergies[%d]: %w", i, err)
		}
	}
	return rec, nil
}

func decodeHex32(s string, dst *[32]byte) error {
	b, err := hex.DecodeString(s)
	if err != nil {
		return err
	}
	if len(b) != len(dst) {
		return fmt.Errorf("got %d bytes, want %d", len(b), len(dst))
	}
	copy(dst[:], b)
	return nil
}

func storeRecord(ctx context.Context, p *medshare.Program, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("store", flag.ContinueOnError)
	owner := fs.String("owner", "", "Owner public key (base58)")
	file := fs.String("file", "", "Record YAML file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ownerKey, err := solana.PublicKeyFromBase58(*owner)
	if err != nil {
		return fmt.Errorf("owner: %w", err)
	}
	raw, err := os.ReadFile(*file)
	if err != nil {
		return err
	}
	var rf recordFile
	if err := yaml.UnmarshalStrict(raw, &rf); err != nil {
		return fmt.Errorf("parse %s: %w", *file, err)
	}
	rec, err := rf.record()
	if err != nil {
		return fmt.Errorf("parse %s: %w", *file, err)
	}

	h, err := p.StoreRecord(ctx, ownerKey, rec)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "record: %s\n", h.Address)
	return nil
}

func shareRecord(ctx context.Context, p *medshare.Program, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("share", flag.ContinueOnError)
	offset := fs.Uint64("offset", 0, "Computation offset, unique per computation")
	record := fs.String("record", "", "Record address (base58)")
	payer := fs.String("payer", "", "Payer public key (base58)")
	recipient := fs.String("recipient", "", "Recipient encryption key (hex)")
	recipientNonce := fs.String("recipient-nonce", "0", "Recipient nonce (decimal u128)")
	sender := fs.String("sender", "", "Sender encryption key (hex)")
	senderNonce := fs.String("sender-nonce", "0", "Sender nonce (decimal u128)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	req := medshare.ShareRequest{Offset: *offset}
	var err error
	if req.Record, err = solana.PublicKeyFromBase58(*record); err != nil {
		return fmt.Errorf("record: %w", err)
	}
	if *payer != "" {
		if req.Payer, err = solana.PublicKeyFromBase58(*payer); err != nil {
			return fmt.Errorf("payer: %w", err)
		}
	}
	if err := decodeHex32(*recipient, (*[32]byte)(&req.Recipient)); err != nil {
		return fmt.Errorf("recipient: %w", err)
	}
	if err := decodeHex32(*sender, (*[32]byte)(&req.Sender)); err != nil {
		return fmt.Errorf("sender: %w", err)
	}
	if req.RecipientNonce, err = model.ParseU128(*recipientNonce); err != nil {
		return fmt.Errorf("recipient-nonce: %w", err)
	}
	if req.SenderNonce, err = model.ParseU128(*senderNonce); err != nil {
		return fmt.Errorf("sender-nonce: %w", err)
	}

	ticket, err := p.ShareRecord(ctx, req)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "queued offset %d at %s (ticket %s)\n", ticket.Offset, ticket.Computation, ticket.ID)
	return nil
}

func listEvents(ctx context.Context, p *medshare.Program, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("events", flag.ContinueOnError)
	from := fs.Uint64("from", 0, "First event sequence")
	if err := fs.Parse(args); err != nil {
		return err
	}
	events, err := p.Events(ctx, *from, 0)
	if err != nil {
		return err
	}
	for _, ev := range events {
		printEvent(out, ev)
	}
	return nil
}

func printEvent(out io.Writer, ev medshare.Event) {
	fmt.Fprintf(out, "#%d %s %s offset=%d\n", ev.Sequence, ev.Time.Format(time.RFC3339), ev.Name, ev.Ref)
	if ev.Name != model.ReceivedRecordEventName {
		return
	}
	rec, err := model.UnmarshalReceivedRecordEvent(ev.Data)
	if err != nil {
		fmt.Fprintf(out, "  undecodable: %v\n", err)
		return
	}
	fmt.Fprintf(out, "  nonce=%s\n", model.U128FromBytes(rec.Nonce))
	fmt.Fprintf(out, "  patientId=%s\n", rec.PatientID)
	fmt.Fprintf(out, "  age=%s gender=%s bloodType=%s\n", rec.Age, rec.Gender, rec.BloodType)
	fmt.Fprintf(out, "  weight=%s height=%s\n", rec.Weight, rec.Height)
	for i, a := range rec.Allergies {
		fmt.Fprintf(out, "  allergy[%d]=%s\n", i, a)
	}
}

func listPending(ctx context.Context, p *medshare.Program, out io.Writer) error {
	pending, err := p.PendingComputations(ctx)
	if err != nil {
		return err
	}
	for _, req := range pending {
		fmt.Fprintf(out, "offset=%d callback=%s args=%d\n", req.Offset, req.Callback, len(req.Arguments))
	}
	return nil
}

func info(ctx context.Context, p *medshare.Program, out io.Writer) error {
	stats, err := p.Stats(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, "Program Statistics:")
	fmt.Fprintf(out, "  Program:      %s\n", p.Deriver().ProgramID)
	fmt.Fprintf(out, "  Events:       %d\n", stats.LastEvent)
	fmt.Fprintf(out, "  Pending:      %d\n", stats.Pending)
	fmt.Fprintf(out, "  Reads:        %d\n", stats.Ledger.Reads)
	fmt.Fprintf(out, "  Writes:       %d\n", stats.Ledger.Writes)
	fmt.Fprintf(out, "  Conflicts:    %d\n", stats.Ledger.Conflicts)
	return nil
}

func serve(ctx context.Context, p *medshare.Program, logger *slog.Logger, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	loopback := fs.Bool("loopback", false, "Run the loopback cluster with the passthrough circuit")
	if err := fs.Parse(args); err != nil {
		return err
	}

	events, cancel, err := p.Subscribe(256)
	if err != nil {
		return err
	}
	defer cancel()

	if *loopback {
		if err := p.StartLoopback(medshare.PassthroughCircuit); err != nil {
			return err
		}
		logger.WarnContext(ctx, "loopback cluster does not re-encrypt, do not use with real data")
	}

	for {
		select {
		case <-ctx.Done():
			logger.InfoContext(context.Background(), "shutting down", logKeySignal, context.Cause(ctx))
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			logger.DebugContext(ctx, "event", logKeySequence, ev.Sequence, logKeyOffset, ev.Ref)
			printEvent(out, ev)
		}
	}
}
