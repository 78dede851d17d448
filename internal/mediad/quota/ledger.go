// Package quota tracks per-account storage usage and enforces the account
// quota with atomic reserve/commit/rollback semantics.
package quota

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"mediad/internal/mediad/domain"
	"mediad/internal/mediad/events"
	"mediad/pkg/config"
	"mediad/pkg/errors"
	"mediad/pkg/logger"
)

var (
	quotaRejectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mediad_quota_rejections_total",
		Help: "Total reservations rejected because they would exceed quota",
	})

	quotaSyncsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mediad_quota_syncs_total",
		Help: "Total usage re-syncs against the media catalog",
	})
)

// Catalog is the slice of the external Media Catalog the ledger needs: the
// ground-truth byte total per account, used by SyncUsage to heal drift.
type Catalog interface {
	TotalBytes(ctx context.Context, owner string) (int64, error)
}

type account struct {
	used  int64
	quota int64
}

// Ledger tracks per-account used/allowed byte counts. The ledger mutex is
// the serialization point for every counter mutation: Reserve increments
// first and validates after, so two concurrent reservations can never both
// pass a stale check.
type Ledger struct {
	mu       sync.Mutex
	accounts map[string]*account

	cfg     config.QuotaConfig
	catalog Catalog
	bus     *events.Bus
	logger  *logger.Logger
}

// New creates a ledger. catalog may be nil if SyncUsage is never used.
func New(cfg config.QuotaConfig, catalog Catalog, bus *events.Bus) *Ledger {
	return &Ledger{
		accounts: make(map[string]*account),
		cfg:      cfg,
		catalog:  catalog,
		bus:      bus,
		logger:   logger.WithField("component", "quota-ledger"),
	}
}

// getAccount must be called with l.mu held.
func (l *Ledger) getAccount(owner string) *account {
	acc, ok := l.accounts[owner]
	if !ok {
		acc = &account{quota: l.cfg.DefaultBytes}
		l.accounts[owner] = acc
	}
	return acc
}

// SetQuota overrides the allowed bytes for an account.
func (l *Ledger) SetQuota(owner string, quota int64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.getAccount(owner).quota = quota
}

// Usage returns the current used/allowed byte counts for an account.
func (l *Ledger) Usage(owner string) (used, quota int64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	acc := l.getAccount(owner)
	return acc.used, acc.quota
}

// CanUpload reports whether an upload of the given size would be accepted.
// It rejects when the projected usage would reach the hard cap or cross the
// critical threshold. This is an advisory read; Reserve remains the only
// authoritative admission check.
func (l *Ledger) CanUpload(owner string, size int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	acc := l.getAccount(owner)
	projected := acc.used + size
	remaining := acc.quota - acc.used
	if remaining < 0 {
		remaining = 0
	}

	if projected >= acc.quota {
		return errors.Conflictf("upload of %d bytes would exceed storage quota: %d bytes remaining", size, remaining)
	}

	critical := int64(float64(acc.quota) * l.cfg.CriticalPercent / 100)
	if projected >= critical {
		return errors.Conflictf("upload of %d bytes would push usage past %.0f%% of quota: %d bytes remaining",
			size, l.cfg.CriticalPercent, remaining)
	}

	return nil
}

// Reservation is a live claim handle resolved by Commit or Rollback.
type Reservation struct {
	ledger *Ledger

	mu     sync.Mutex
	record domain.Reservation
}

// Record returns a snapshot of the reservation state.
func (r *Reservation) Record() domain.Reservation {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.record
}

// Commit confirms the claim. The increment already applied at reserve time,
// so this only seals the reservation against rollback.
func (r *Reservation) Commit() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.record.Status != domain.ReservationApplied {
		return fmt.Errorf("reservation %s already resolved as %s", r.record.ID, r.record.Status)
	}
	r.record.Status = domain.ReservationCommitted

	r.ledger.logger.Debug("reservation committed",
		"reservationId", r.record.ID, "owner", r.record.Owner, "bytes", r.record.Bytes)
	return nil
}

// Rollback reverts the claim and returns the reserved bytes to the account.
func (r *Reservation) Rollback() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.record.Status != domain.ReservationApplied {
		return fmt.Errorf("reservation %s already resolved as %s", r.record.ID, r.record.Status)
	}
	r.record.Status = domain.ReservationRolledBack

	r.ledger.release(r.record.Owner, r.record.Bytes)

	r.ledger.logger.Debug("reservation rolled back",
		"reservationId", r.record.ID, "owner", r.record.Owner, "bytes", r.record.Bytes)
	return nil
}

// Reserve claims size bytes against the account. The counter is incremented
// first and validated after, under the ledger mutex, making the write itself
// the serialization point: splitting check and increment would let two
// concurrent reservations both pass a stale check and over-commit the quota.
// On overflow the increment is reverted before returning Conflict.
func (l *Ledger) Reserve(owner string, size int64) (*Reservation, error) {
	if size < 0 {
		return nil, errors.Validationf("reservation size must not be negative, got %d", size)
	}

	l.mu.Lock()
	acc := l.getAccount(owner)
	previous := acc.used
	acc.used += size

	if acc.used > acc.quota {
		acc.used -= size
		used, quota := acc.used, acc.quota
		l.mu.Unlock()

		quotaRejectionsTotal.Inc()
		if l.bus != nil {
			l.bus.Emit(domain.EventQuotaExceeded, domain.QuotaEvent{
				Owner: owner, Used: used, Quota: quota, Requested: size,
			})
		}
		remaining := quota - used
		return nil, errors.Conflictf("storage quota exceeded: requested %d bytes, %d bytes remaining", size, remaining)
	}

	used, quota := acc.used, acc.quota
	l.mu.Unlock()

	res := &Reservation{
		ledger: l,
		record: domain.Reservation{
			ID:        uuid.NewString(),
			Owner:     owner,
			Bytes:     size,
			Status:    domain.ReservationApplied,
			CreatedAt: time.Now(),
		},
	}

	// warn once per crossing, not on every reservation above the threshold
	warning := int64(float64(quota) * l.cfg.WarningPercent / 100)
	if previous < warning && used >= warning && l.bus != nil {
		l.bus.Emit(domain.EventQuotaWarning, domain.QuotaEvent{
			Owner: owner, Used: used, Quota: quota, Requested: size,
		})
	}

	l.logger.Debug("space reserved", "owner", owner, "bytes", size, "used", used, "quota", quota)
	return res, nil
}

// release returns bytes to an account, flooring at zero.
func (l *Ledger) release(owner string, bytes int64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	acc := l.getAccount(owner)
	acc.used -= bytes
	if acc.used < 0 {
		acc.used = 0
	}
}

// IncrementUsage applies a direct, unconditional usage adjustment outside
// the reserve flow.
func (l *Ledger) IncrementUsage(owner string, bytes int64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	acc := l.getAccount(owner)
	acc.used += bytes
	l.logger.Debug("usage incremented", "owner", owner, "bytes", bytes, "used", acc.used)
}

// DecrementUsage applies a direct usage reduction, flooring at zero rather
// than going negative.
func (l *Ledger) DecrementUsage(owner string, bytes int64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	acc := l.getAccount(owner)
	acc.used -= bytes
	if acc.used < 0 {
		acc.used = 0
	}
	l.logger.Debug("usage decremented", "owner", owner, "bytes", bytes, "used", acc.used)
}

// SyncUsage recomputes true usage from the media catalog and overwrites the
// stored counter. Invoked when drift between counter and reality is
// suspected.
func (l *Ledger) SyncUsage(ctx context.Context, owner string) (int64, error) {
	if l.catalog == nil {
		return 0, fmt.Errorf("no catalog configured for usage sync")
	}

	actual, err := l.catalog.TotalBytes(ctx, owner)
	if err != nil {
		return 0, fmt.Errorf("failed to compute usage from catalog: %w", err)
	}

	l.mu.Lock()
	acc := l.getAccount(owner)
	previous := acc.used
	acc.used = actual
	l.mu.Unlock()

	quotaSyncsTotal.Inc()
	if previous != actual {
		l.logger.Info("usage re-synced from catalog", "owner", owner, "previous", previous, "actual", actual)
	}
	return actual, nil
}
