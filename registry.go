package x402

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

const (
	// SignatureRetention is how long a used proof signature is remembered.
	SignatureRetention = 10 * time.Minute

	// SweepInterval is how often expired signatures are removed.
	SweepInterval = 10 * time.Minute
)

// ============================================================================
// Escrow registry
// ============================================================================

// EscrowRegistry holds the escrow records created by one client, keyed by
// transaction-id. Records are never deleted.
type EscrowRegistry struct {
	mu       sync.RWMutex
	records  map[string]*EscrowRecord
	reserved map[string]struct{}
	claimed  map[string]struct{}
}

// NewEscrowRegistry creates an empty registry.
func NewEscrowRegistry() *EscrowRegistry {
	return &EscrowRegistry{
		records:  make(map[string]*EscrowRecord),
		reserved: make(map[string]struct{}),
		claimed:  make(map[string]struct{}),
	}
}

// Reserve claims a transaction-id for a pending escrow creation. It fails
// with InvalidInput if the id is already recorded or reserved.
func (r *EscrowRegistry) Reserve(transactionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.records[transactionID]; ok {
		return duplicateTransactionID(transactionID)
	}
	if _, ok := r.reserved[transactionID]; ok {
		return duplicateTransactionID(transactionID)
	}
	r.reserved[transactionID] = struct{}{}
	return nil
}

// Abandon drops a reservation after a failed creation.
func (r *EscrowRegistry) Abandon(transactionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.reserved, transactionID)
}

// Commit stores the record for a reserved transaction-id.
func (r *EscrowRegistry) Commit(record EscrowRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.reserved, record.TransactionID)
	rec := record
	r.records[record.TransactionID] = &rec
}

// Get returns a copy of the record for transactionID.
func (r *EscrowRegistry) Get(transactionID string) (EscrowRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[transactionID]
	if !ok {
		return EscrowRecord{}, false
	}
	return *rec, true
}

// Claim marks an active escrow as having a release or dispute in flight and
// returns its record. Only one claim per escrow is held at a time; it ends
// with Finish or Unclaim.
func (r *EscrowRegistry) Claim(transactionID string) (EscrowRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[transactionID]
	if !ok {
		return EscrowRecord{}, NewPaymentError(KindEscrowNotFound, ErrCodeEscrowNotFound, "no escrow for transaction", map[string]interface{}{"transactionId": transactionID})
	}
	if rec.Status != EscrowActive {
		return EscrowRecord{}, InvalidInput("escrow %s is %s", transactionID, rec.Status)
	}
	if _, ok := r.claimed[transactionID]; ok {
		return EscrowRecord{}, InvalidInput("escrow %s already has a settlement in progress", transactionID)
	}
	r.claimed[transactionID] = struct{}{}
	return *rec, nil
}

// Finish sets the final status of a claimed escrow and drops the claim.
func (r *EscrowRegistry) Finish(transactionID string, status EscrowStatus) (EscrowRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.claimed, transactionID)
	rec, ok := r.records[transactionID]
	if !ok {
		return EscrowRecord{}, NewPaymentError(KindEscrowNotFound, ErrCodeEscrowNotFound, "no escrow for transaction", map[string]interface{}{"transactionId": transactionID})
	}
	rec.Status = status
	return *rec, nil
}

// Unclaim drops a claim after a failed release or dispute.
func (r *EscrowRegistry) Unclaim(transactionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.claimed, transactionID)
}

// List returns all records ordered by creation time.
func (r *EscrowRegistry) List() []EscrowRecord {
	r.mu.RLock()
	out := make([]EscrowRecord, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, *rec)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Len returns the number of records.
func (r *EscrowRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}

func duplicateTransactionID(transactionID string) *PaymentError {
	return NewPaymentError(KindInvalidInput, ErrCodeDuplicateTxID, "transaction id already in use", map[string]interface{}{"transactionId": transactionID})
}

// ============================================================================
// Used signatures
// ============================================================================

// MemorySignatureStore is the in-process SignatureStore.
type MemorySignatureStore struct {
	mu   sync.Mutex
	seen map[string]time.Time
}

// NewMemorySignatureStore creates an empty store.
func NewMemorySignatureStore() *MemorySignatureStore {
	return &MemorySignatureStore{seen: make(map[string]time.Time)}
}

func (s *MemorySignatureStore) MarkUsed(_ context.Context, sig string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.seen[sig]; ok {
		return false, nil
	}
	s.seen[sig] = at
	return true, nil
}

func (s *MemorySignatureStore) Sweep(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for sig, at := range s.seen {
		if at.Before(cutoff) {
			delete(s.seen, sig)
			removed++
		}
	}
	return removed, nil
}

func (s *MemorySignatureStore) Len(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.seen), nil
}

// ============================================================================
// Sweep job
// ============================================================================

// SweepJob periodically removes expired signatures from a SignatureStore.
type SweepJob struct {
	store     SignatureStore
	interval  time.Duration
	retention time.Duration
	logger    *slog.Logger
	now       func() time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

// NewSweepJob creates a job. Zero durations fall back to the package defaults.
func NewSweepJob(store SignatureStore, interval, retention time.Duration, logger *slog.Logger) *SweepJob {
	if interval <= 0 {
		interval = SweepInterval
	}
	if retention <= 0 {
		retention = SignatureRetention
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SweepJob{
		store:     store,
		interval:  interval,
		retention: retention,
		logger:    logger,
		now:       time.Now,
	}
}

// Start launches the job. It stops when ctx is done or Stop is called.
func (j *SweepJob) Start(ctx context.Context) {
	ctx, j.cancel = context.WithCancel(ctx)
	j.done = make(chan struct{})

	go func() {
		defer close(j.done)
		ticker := time.NewTicker(j.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				j.RunOnce(ctx)
			}
		}
	}()
}

// RunOnce performs a single sweep.
func (j *SweepJob) RunOnce(ctx context.Context) int {
	removed, err := j.store.Sweep(ctx, j.now().Add(-j.retention))
	if err != nil {
		j.logger.Warn("signature sweep failed", "error", err)
		return 0
	}
	if removed > 0 {
		j.logger.Debug("swept used signatures", "removed", removed)
	}
	return removed
}

// Stop cancels the job and waits for it to exit.
func (j *SweepJob) Stop() {
	if j.cancel == nil {
		return
	}
	j.cancel()
	<-j.done
}
