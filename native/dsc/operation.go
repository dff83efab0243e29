package dsc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"sync/atomic"

	"dscengine/core/events"
	"dscengine/crypto"
)

type operationKey struct{}

type phase uint8

const (
	// phaseInbound steps move value into the engine and can be undone.
	phaseInbound phase = iota
	// phaseOutbound steps release value and run after every inbound step.
	phaseOutbound
)

// interaction is one scheduled collaborator call. undo, when set, reverses a
// completed run.
type interaction struct {
	name  string
	phase phase
	run   func(ctx context.Context) error
	undo  func(ctx context.Context) error
}

// operation carries the staged state of one engine mutation. It travels in
// the context handed to collaborators so re-entry can be detected.
type operation struct {
	engine   *Engine
	name     string
	journal  *journal
	values   *valuer
	steps    []interaction
	events   []events.Event
	hooks    []func()
	finished atomic.Bool
}

func newOperation(e *Engine, name string) *operation {
	return &operation{
		engine:  e,
		name:    name,
		journal: newJournal(e.store),
		values:  newValuer(e.oracle),
	}
}

func withOperation(ctx context.Context, op *operation) context.Context {
	return context.WithValue(ctx, operationKey{}, op)
}

// inFlight returns the unfinished operation of e carried by ctx, if any.
func (e *Engine) inFlight(ctx context.Context) *operation {
	if ctx == nil {
		return nil
	}
	op, ok := ctx.Value(operationKey{}).(*operation)
	if !ok || op == nil || op.engine != e || op.finished.Load() {
		return nil
	}
	return op
}

func (op *operation) ledger() collateralLedger {
	return collateralLedger{journal: op.journal, oracle: op.engine.oracle}
}

func (op *operation) debt() debtController {
	return debtController{op: op}
}

func (op *operation) schedule(step interaction) {
	op.steps = append(op.steps, step)
}

func (op *operation) emit(evt events.Event) {
	op.events = append(op.events, evt)
}

// onCommit registers fn to run once the operation has been committed.
func (op *operation) onCommit(fn func()) {
	op.hooks = append(op.hooks, fn)
}

// interact runs the scheduled steps, inbound first. On failure the completed
// steps are undone in reverse order.
func (op *operation) interact(ctx context.Context) ([]interaction, error) {
	ordered := make([]interaction, len(op.steps))
	copy(ordered, op.steps)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].phase < ordered[j].phase })
	completed := make([]interaction, 0, len(ordered))
	for _, step := range ordered {
		if err := step.run(ctx); err != nil {
			return completed, err
		}
		completed = append(completed, step)
	}
	return completed, nil
}

// compensate undoes completed steps in reverse and joins any undo failure
// onto cause.
func (op *operation) compensate(ctx context.Context, completed []interaction, cause error) error {
	errs := []error{cause}
	for i := len(completed) - 1; i >= 0; i-- {
		step := completed[i]
		if step.undo == nil {
			if step.phase == phaseOutbound {
				errs = append(errs, fmt.Errorf("%s: cannot be reversed", step.name))
			}
			continue
		}
		if err := step.undo(ctx); err != nil {
			op.engine.logger.Error("dsc compensation failed",
				slog.String("operation", op.name),
				slog.String("step", step.name),
				slog.Any("error", err))
			op.engine.metrics.RecordCompensation(op.name, "failed")
			errs = append(errs, fmt.Errorf("undo %s: %w", step.name, err))
			continue
		}
		op.engine.metrics.RecordCompensation(op.name, "reverted")
	}
	return errors.Join(errs...)
}

// transferIn schedules a pull of amount from owner into the engine, undone
// by sending it back.
func (op *operation) transferIn(name string, token Token, owner crypto.Address, amount *big.Int) {
	engine := op.engine.address
	value := cloneInt(amount)
	op.schedule(interaction{
		name:  name,
		phase: phaseInbound,
		run: func(ctx context.Context) error {
			return settle(KindTransferFailed, name, func() (bool, error) {
				return token.TransferFrom(ctx, engine, owner, engine, value)
			})
		},
		undo: func(ctx context.Context) error {
			return settle(KindTransferFailed, name+" refund", func() (bool, error) {
				return token.Transfer(ctx, engine, owner, value)
			})
		},
	})
}

// transferOut schedules a release of amount from the engine to recipient.
func (op *operation) transferOut(name string, token Token, recipient crypto.Address, amount *big.Int) {
	engine := op.engine.address
	value := cloneInt(amount)
	op.schedule(interaction{
		name:  name,
		phase: phaseOutbound,
		run: func(ctx context.Context) error {
			return settle(KindTransferFailed, name, func() (bool, error) {
				return token.Transfer(ctx, engine, recipient, value)
			})
		},
	})
}

// settle maps a collaborator result onto the error taxonomy. A false result
// is a failure even without an error.
func settle(kind ErrorKind, name string, call func() (bool, error)) error {
	ok, err := call()
	if err != nil {
		return newError(kind, fmt.Errorf("%s: %w", name, err))
	}
	if !ok {
		return newError(kind, fmt.Errorf("%s refused", name))
	}
	return nil
}
