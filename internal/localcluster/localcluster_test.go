package localcluster

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i5heu/medshare/internal/callback"
	"github.com/i5heu/medshare/internal/compdef"
	"github.com/i5heu/medshare/internal/dispatch"
	"github.com/i5heu/medshare/internal/ledger"
	"github.com/i5heu/medshare/internal/queue"
	"github.com/i5heu/medshare/internal/recordstore"
	"github.com/i5heu/medshare/internal/telemetry"
	"github.com/i5heu/medshare/internal/testutil"
	"github.com/i5heu/medshare/pkg/address"
	"github.com/i5heu/medshare/pkg/errcode"
	"github.com/i5heu/medshare/pkg/model"
)

type fixture struct {
	ledger     *ledger.Store
	queue      *queue.Queue
	records    *recordstore.Store
	dispatcher *dispatch.Dispatcher
	handler    *callback.Handler
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	l := testutil.Ledger(t)
	d := address.New(address.DefaultProgramID, address.DefaultArciumProgramID)
	q := queue.New(l, d)
	m := telemetry.Discard()
	log := testutil.Logger()

	_, err := compdef.New(l, d, log, m).Register(context.Background(),
		compdef.ShareRegistration("https://example.invalid/share.arcis"))
	require.NoError(t, err)

	return fixture{
		ledger:     l,
		queue:      q,
		records:    recordstore.New(l, d, log, m),
		dispatcher: dispatch.New(l, q, d, dispatch.SignerShared, log, m),
		handler:    callback.New(l, q, d, log, m),
	}
}

func (f fixture) deliver(ctx context.Context, offset uint64, payload []byte) error {
	_, err := f.handler.OnComputationResultRaw(ctx, offset, payload)
	return err
}

func (f fixture) cluster(circuit Circuit) *Cluster {
	return New(Config{Workers: 4, PollInterval: 10 * time.Millisecond, Logger: testutil.Logger()},
		f.queue, f.ledger, circuit, f.deliver)
}

func recipientKey(offset uint64) model.EncryptionKey {
	return model.EncryptionKey(testutil.Ciphertext(byte(offset * 7)))
}

func xor(c model.Ciphertext, k model.EncryptionKey) model.Ciphertext {
	for i := range c {
		c[i] ^= k[i]
	}
	return c
}

// xorCircuit "re-encrypts" each stored ciphertext by xoring it with the
// recipient key.
func xorCircuit(ctx context.Context, in Inputs) (model.ComputationOutputs, error) {
	out, err := PassthroughCircuit(ctx, in)
	if err != nil {
		return nil, err
	}
	s := out.(model.SuccessOutput)
	for i := range s.Ciphertexts {
		s.Ciphertexts[i] = xor(s.Ciphertexts[i], in.Keys[0])
	}
	return s, nil
}

func TestDrainDeliversEachShareOnce(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	const n = 8
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		h, err := f.records.StoreRecord(ctx, testutil.Key(byte(i+1)), testutil.Record(byte(i*16)))
		require.NoError(t, err)

		wg.Add(1)
		go func(offset uint64, record solana.PublicKey) {
			defer wg.Done()
			_, err := f.dispatcher.ShareRecord(ctx, dispatch.ShareRequest{
				Offset:         offset,
				Payer:          testutil.Key(200),
				Recipient:      recipientKey(offset),
				RecipientNonce: model.NewU128(offset + 1000),
				Record:         record,
			})
			assert.NoError(t, err)
		}(uint64(i), h.Address)
	}
	wg.Wait()

	c := f.cluster(xorCircuit)
	defer c.Close()
	require.NoError(t, c.Drain(ctx))
	require.NoError(t, c.Drain(ctx))

	pending, err := f.queue.Pending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)

	events, err := f.ledger.Events(ctx, 0, 0)
	require.NoError(t, err)
	require.Len(t, events, n)

	seen := map[uint64]bool{}
	for _, raw := range events {
		require.False(t, seen[raw.Ref], "offset %d delivered twice", raw.Ref)
		seen[raw.Ref] = true

		ev, err := model.UnmarshalReceivedRecordEvent(raw.Data)
		require.NoError(t, err)

		rec := testutil.Record(byte(raw.Ref * 16))
		key := recipientKey(raw.Ref)
		assert.Equal(t, model.NewU128(raw.Ref+1000).Bytes(), ev.Nonce)
		assert.Equal(t, xor(rec.PatientID, key), ev.PatientID)
		assert.Equal(t, xor(rec.Height, key), ev.Height)
		assert.Equal(t, xor(rec.Allergies[4], key), ev.Allergies[4])
	}
}

func TestFailingCircuitAborts(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	h, err := f.records.StoreRecord(ctx, testutil.Key(1), testutil.Record(1))
	require.NoError(t, err)
	_, err = f.dispatcher.ShareRecord(ctx, dispatch.ShareRequest{Offset: 5, Record: h.Address})
	require.NoError(t, err)

	c := f.cluster(func(context.Context, Inputs) (model.ComputationOutputs, error) {
		return nil, errors.New("node offline")
	})
	defer c.Close()

	// an aborted callback still resolves the slot
	require.NoError(t, c.Drain(ctx))

	req, err := f.queue.Get(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, model.StatusResolvedAborted, req.Status)

	events, err := f.ledger.Events(ctx, 0, 0)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestShortOutputResolvesMalformed(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	h, err := f.records.StoreRecord(ctx, testutil.Key(1), testutil.Record(1))
	require.NoError(t, err)
	_, err = f.dispatcher.ShareRecord(ctx, dispatch.ShareRequest{Offset: 6, Record: h.Address})
	require.NoError(t, err)

	c := f.cluster(func(context.Context, Inputs) (model.ComputationOutputs, error) {
		return model.SuccessOutput{Ciphertexts: []model.Ciphertext{testutil.Ciphertext(1)}}, nil
	})
	defer c.Close()
	require.NoError(t, c.Drain(ctx))

	req, err := f.queue.Get(ctx, 6)
	require.NoError(t, err)
	assert.Equal(t, model.StatusResolvedMalformed, req.Status)
}

func TestDeliveryErrorsSurface(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	h, err := f.records.StoreRecord(ctx, testutil.Key(1), testutil.Record(1))
	require.NoError(t, err)
	_, err = f.dispatcher.ShareRecord(ctx, dispatch.ShareRequest{Offset: 7, Record: h.Address})
	require.NoError(t, err)

	c := New(Config{Workers: 1, Logger: testutil.Logger()}, f.queue, f.ledger, PassthroughCircuit,
		func(context.Context, uint64, []byte) error { return errcode.ErrComputationNotQueued })
	defer c.Close()

	err = c.Drain(ctx)
	assert.ErrorIs(t, err, errcode.ErrComputationNotQueued)
}

func TestRunStopsOnCancel(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	c := f.cluster(PassthroughCircuit)
	defer c.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	h, err := f.records.StoreRecord(context.Background(), testutil.Key(1), testutil.Record(1))
	require.NoError(t, err)
	_, err = f.dispatcher.ShareRecord(context.Background(), dispatch.ShareRequest{Offset: 1, Record: h.Address})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		pending, err := f.queue.Pending(context.Background())
		return err == nil && len(pending) == 0
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestPassthroughRequiresInputs(t *testing.T) {
	t.Parallel()
	_, err := PassthroughCircuit(context.Background(), Inputs{})
	assert.Error(t, err)
}
