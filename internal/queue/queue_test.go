package queue

import (
	"context"
	"io"
	"sort"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/i5heu/medshare/internal/ledger"
	"github.com/i5heu/medshare/internal/testutil"
	"github.com/i5heu/medshare/pkg/address"
	"github.com/i5heu/medshare/pkg/errcode"
	"github.com/i5heu/medshare/pkg/model"
)

func testDeriver() address.Deriver {
	return address.New(address.DefaultProgramID, address.DefaultArciumProgramID)
}

func request(offset uint64) model.ComputationRequest {
	return model.ComputationRequest{
		Offset:        offset,
		CompDefOffset: address.CompDefOffset(address.ShareCircuitName),
		Payer:         testutil.Key(1),
		Signer:        testutil.Key(2),
		Callback:      address.ShareCallbackName,
		Arguments: []model.Argument{
			model.PlaintextU128(model.NewU128(offset)),
		},
	}
}

func enqueue(t *testing.T, l *ledger.Store, q *Queue, offset uint64) error {
	t.Helper()
	return l.Execute(context.Background(), "enqueue", func(tx *ledger.Tx) error {
		_, err := q.Enqueue(tx, request(offset))
		return err
	})
}

func TestEnqueueCreatesPendingSlot(t *testing.T) {
	t.Parallel()
	l := testutil.Ledger(t)
	q := New(l, testDeriver())
	ctx := context.Background()

	require.NoError(t, enqueue(t, l, q, 42))

	got, err := q.Get(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, model.StatusQueued, got.Status)
	assert.Equal(t, uint64(42), got.Offset)
	assert.Equal(t, address.ShareCallbackName, got.Callback)
	assert.Equal(t, []model.Argument{model.PlaintextU128(model.NewU128(42))}, got.Arguments)

	pending, err := q.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, uint64(42), pending[0].Offset)
}

func TestEnqueueRejectsUsedOffset(t *testing.T) {
	t.Parallel()
	l := testutil.Ledger(t)
	q := New(l, testDeriver())

	require.NoError(t, enqueue(t, l, q, 7))
	err := enqueue(t, l, q, 7)
	assert.ErrorIs(t, err, errcode.ErrAddressAlreadyInUse)
}

func TestResolveIsExactlyOnce(t *testing.T) {
	t.Parallel()
	l := testutil.Ledger(t)
	q := New(l, testDeriver())
	ctx := context.Background()

	require.NoError(t, enqueue(t, l, q, 1))
	require.NoError(t, q.Finalize(ctx, 1, model.StatusResolvedAborted))

	err := q.Finalize(ctx, 1, model.StatusResolvedSuccess)
	require.ErrorIs(t, err, errcode.ErrComputationNotQueued)

	got, err := q.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, model.StatusResolvedAborted, got.Status)

	pending, err := q.Pending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)

	// a resolved offset stays used
	assert.ErrorIs(t, enqueue(t, l, q, 1), errcode.ErrAddressAlreadyInUse)
}

func TestResolveUnknownOffset(t *testing.T) {
	t.Parallel()
	l := testutil.Ledger(t)
	q := New(l, testDeriver())

	err := q.Finalize(context.Background(), 99, model.StatusResolvedSuccess)
	assert.ErrorIs(t, err, errcode.ErrComputationNotQueued)
}

func TestResolveRejectsQueuedStatus(t *testing.T) {
	t.Parallel()
	l := testutil.Ledger(t)
	q := New(l, testDeriver())

	require.NoError(t, enqueue(t, l, q, 3))
	assert.Error(t, q.Finalize(context.Background(), 3, model.StatusQueued))
}

// TestQueueLifecycle drives random enqueue/resolve sequences against a model
// of the expected slot states.
func TestQueueLifecycle(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		log := logrus.New()
		log.SetOutput(io.Discard)
		l, err := ledger.Open(ledger.Config{InMemory: true, Logger: log})
		if err != nil {
			rt.Fatalf("open ledger: %v", err)
		}
		defer l.Close()

		q := New(l, testDeriver())
		ctx := context.Background()
		state := map[uint64]model.ComputationStatus{}

		rt.Repeat(map[string]func(*rapid.T){
			"enqueue": func(rt *rapid.T) {
				offset := rapid.Uint64Range(0, 8).Draw(rt, "offset")
				err := l.Execute(ctx, "enqueue", func(tx *ledger.Tx) error {
					_, err := q.Enqueue(tx, request(offset))
					return err
				})
				if _, used := state[offset]; used {
					if !errcode.Is(err, errcode.AddressAlreadyInUse) {
						rt.Fatalf("enqueue %d twice: %v", offset, err)
					}
					return
				}
				if err != nil {
					rt.Fatalf("enqueue %d: %v", offset, err)
				}
				state[offset] = model.StatusQueued
			},
			"resolve": func(rt *rapid.T) {
				offset := rapid.Uint64Range(0, 8).Draw(rt, "offset")
				status := rapid.SampledFrom([]model.ComputationStatus{
					model.StatusResolvedSuccess,
					model.StatusResolvedAborted,
					model.StatusResolvedMalformed,
				}).Draw(rt, "status")
				err := q.Finalize(ctx, offset, status)
				if cur, ok := state[offset]; ok && cur == model.StatusQueued {
					if err != nil {
						rt.Fatalf("resolve %d: %v", offset, err)
					}
					state[offset] = status
					return
				}
				if !errcode.Is(err, errcode.ComputationNotQueued) {
					rt.Fatalf("resolve %d not queued: %v", offset, err)
				}
			},
			"": func(rt *rapid.T) {
				pending, err := q.Pending(ctx)
				if err != nil {
					rt.Fatalf("pending: %v", err)
				}
				var want []uint64
				for off, st := range state {
					if st == model.StatusQueued {
						want = append(want, off)
					}
				}
				sort.Slice(want, func(i, j int) bool { return want[i] < want[j] })
				if len(pending) != len(want) {
					rt.Fatalf("pending %d entries, want %d", len(pending), len(want))
				}
				for i, p := range pending {
					if p.Offset != want[i] {
						rt.Fatalf("pending[%d] = %d, want %d", i, p.Offset, want[i])
					}
				}
			},
		})
	})
}
