// Package callback verifies computation results reported by the cluster and
// publishes the re-encrypted record as an event.
package callback

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/i5heu/medshare/internal/compdef"
	"github.com/i5heu/medshare/internal/ledger"
	"github.com/i5heu/medshare/internal/queue"
	"github.com/i5heu/medshare/internal/telemetry"
	"github.com/i5heu/medshare/pkg/address"
	"github.com/i5heu/medshare/pkg/errcode"
	"github.com/i5heu/medshare/pkg/model"
)

// InstructionCallback is the ledger instruction name of OnComputationResult.
const InstructionCallback = address.ShareCallbackName

type Handler struct {
	ledger  *ledger.Store
	queue   *queue.Queue
	derive  address.Deriver
	log     *slog.Logger
	metrics *telemetry.Instruments
}

func New(
	l *ledger.Store,
	q *queue.Queue,
	d address.Deriver,
	log *slog.Logger,
	metrics *telemetry.Instruments,
) *Handler {
	return &Handler{ledger: l, queue: q, derive: d, log: log, metrics: metrics}
}

// OnComputationResult handles the cluster's result for the share computation
// at offset.
//
// On success the event is emitted and the computation resolved in the same
// instruction. An aborted result fails with AbortedComputation and a result
// with fewer than eleven ciphertexts with InvalidAllergyData; in both cases
// the callback instruction writes nothing and the computation is then
// finalized separately, so it cannot be resolved again.
func (h *Handler) OnComputationResult(ctx context.Context, offset uint64, outputs model.ComputationOutputs) (model.ReceivedRecordEvent, error) {
	var ev model.ReceivedRecordEvent

	err := h.ledger.Execute(ctx, InstructionCallback, func(tx *ledger.Tx) error {
		if _, err := compdef.Require(tx, h.derive, address.ShareCircuitName); err != nil {
			return err
		}
		req, err := h.queue.Load(tx, offset)
		if errcode.Is(err, errcode.AccountNotInitialized) {
			return errcode.Wrap(errcode.ComputationNotQueued, err, "offset %d", offset)
		}
		if err != nil {
			return err
		}
		if req.Status != model.StatusQueued {
			return errcode.New(errcode.ComputationNotQueued, "offset %d is %s", offset, req.Status)
		}
		if req.Callback != address.ShareCallbackName {
			return errcode.New(errcode.ComputationNotQueued, "offset %d expects callback %q", offset, req.Callback)
		}

		var success model.SuccessOutput
		switch o := outputs.(type) {
		case model.SuccessOutput:
			success = o
		case model.AbortedOutput:
			return errcode.ErrAbortedComputation
		default:
			return errcode.New(errcode.InvalidComputationOutput, "unexpected output %T", outputs)
		}

		ev, err = model.NewReceivedRecordEvent(success)
		if err != nil {
			return err
		}
		data, err := ev.MarshalEvent()
		if err != nil {
			return fmt.Errorf("encode event: %w", err)
		}
		tx.Emit(model.ReceivedRecordEventName, offset, data)
		return h.queue.Resolve(tx, offset, model.StatusResolvedSuccess)
	})
	if err == nil {
		h.metrics.CallbackResolved(ctx, model.StatusResolvedSuccess)
		h.log.InfoContext(ctx, "computation resolved", "offset", offset)
		return ev, nil
	}

	var status model.ComputationStatus
	switch {
	case errcode.Is(err, errcode.AbortedComputation):
		status = model.StatusResolvedAborted
	case errcode.Is(err, errcode.InvalidAllergyData), errcode.Is(err, errcode.InvalidComputationOutput):
		status = model.StatusResolvedMalformed
	default:
		return model.ReceivedRecordEvent{}, err
	}

	if ferr := h.queue.Finalize(ctx, offset, status); ferr != nil {
		h.log.WarnContext(ctx, "finalize after failed callback", "offset", offset, "status", status.String(), "error", ferr)
	} else {
		h.metrics.CallbackResolved(ctx, status)
	}
	h.log.WarnContext(ctx, "computation failed", "offset", offset, "status", status.String(), "error", err)
	return model.ReceivedRecordEvent{}, err
}

// OnComputationResultRaw decodes a wire-encoded result and handles it. A
// payload that does not decode resolves the computation as malformed.
func (h *Handler) OnComputationResultRaw(ctx context.Context, offset uint64, payload []byte) (model.ReceivedRecordEvent, error) {
	outputs, err := model.DecodeComputationOutputs(payload)
	if err != nil {
		if ferr := h.queue.Finalize(ctx, offset, model.StatusResolvedMalformed); ferr != nil {
			h.log.WarnContext(ctx, "finalize after undecodable result", "offset", offset, "error", ferr)
		} else {
			h.metrics.CallbackResolved(ctx, model.StatusResolvedMalformed)
		}
		return model.ReceivedRecordEvent{}, err
	}
	return h.OnComputationResult(ctx, offset, outputs)
}
