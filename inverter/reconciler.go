package inverter

import (
	"log/slog"
	"sort"
	"time"
)

// PendingWrite is a register write that has been issued but not yet seen in a read-back.
type PendingWrite struct {
	Address            uint16
	ExpectedValue      uint16
	AttemptsRemaining  uint32
	EarliestVerifyTime time.Time // read-backs before this time may pre-date the write and are ignored
}

// RegisterWriter issues a single register write to the device.
type RegisterWriter func(address, value uint16) error

// Reconciler tracks optimistic register writes to one device and checks them against each poll's read-back,
// re-issuing a write whenever the device reports a different value.
//
// Writes are best effort: once the attempts are used up the write is abandoned. A failed re-issue leaves the
// pending write untouched so that it is tried again on the next poll without using up an attempt.
type Reconciler struct {
	pending map[uint16]PendingWrite
	write   RegisterWriter
	logger  *slog.Logger
}

func NewReconciler(write RegisterWriter, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		pending: make(map[uint16]PendingWrite),
		write:   write,
		logger:  logger,
	}
}

// RecordWrite registers a write of `value` to `address`, replacing any write already pending for that address.
// The read-back is not checked until `grace` has passed.
func (r *Reconciler) RecordWrite(address, value uint16, grace time.Duration, maxAttempts uint32, now time.Time) {
	r.pending[address] = PendingWrite{
		Address:            address,
		ExpectedValue:      value,
		AttemptsRemaining:  maxAttempts,
		EarliestVerifyTime: now.Add(grace),
	}
}

// Reconcile checks the read-back `observed` for `address` against any pending write. A match clears the pending write
// and a mismatch re-issues it. The returned error is only ever a *WriteError from a failed re-issue.
func (r *Reconciler) Reconcile(address, observed uint16, now time.Time) error {
	pending, ok := r.pending[address]
	if !ok {
		return nil
	}

	if now.Before(pending.EarliestVerifyTime) {
		return nil
	}

	if observed == pending.ExpectedValue {
		r.logger.Debug("Register write confirmed", "register", address, "value", observed)
		delete(r.pending, address)
		return nil
	}

	r.logger.Info(
		"Register read-back does not match write, re-issuing",
		"register", address,
		"expected", pending.ExpectedValue,
		"observed", observed,
		"attempts_remaining", pending.AttemptsRemaining,
	)

	err := r.write(address, pending.ExpectedValue)
	if err != nil {
		return &WriteError{Address: address, Err: err}
	}

	if pending.AttemptsRemaining <= 1 {
		r.logger.Info("Ran out of write attempts, abandoning register write", "register", address, "value", pending.ExpectedValue)
		delete(r.pending, address)
		return nil
	}

	pending.AttemptsRemaining--
	r.pending[address] = pending
	return nil
}

// ReconcileBlock reconciles every register of a block read-back that has a pending write.
// `start` is the address of the first register in `regs`.
func (r *Reconciler) ReconcileBlock(start uint16, regs []uint16, now time.Time) []error {
	var errs []error
	for _, address := range r.addresses() {
		offset := int(address) - int(start)
		if offset < 0 || offset >= len(regs) {
			continue
		}
		err := r.Reconcile(address, regs[offset], now)
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

// Pending returns the pending write for `address`, if there is one.
func (r *Reconciler) Pending(address uint16) (PendingWrite, bool) {
	pending, ok := r.pending[address]
	return pending, ok
}

// Len returns the number of pending writes.
func (r *Reconciler) Len() int {
	return len(r.pending)
}

// addresses returns the pending addresses in ascending order so that re-issued writes go out in a stable order.
func (r *Reconciler) addresses() []uint16 {
	addresses := make([]uint16, 0, len(r.pending))
	for address := range r.pending {
		addresses = append(addresses, address)
	}
	sort.Slice(addresses, func(i, j int) bool { return addresses[i] < addresses[j] })
	return addresses
}
