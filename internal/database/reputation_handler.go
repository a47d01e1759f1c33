package database

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"gatekeeper/internal/domain"

	"github.com/charmbracelet/log"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	DefaultReputationPageSize = 20
	reputationCacheSize       = 65536
	cacheGenerationStripes    = 256
	defaultReputationTimeout  = 2 * time.Second
)

var ErrInvalidStatus = errors.New("database: invalid reputation status")

// CountryLocator resolves an address to an ISO country code. An empty result
// means unknown.
type CountryLocator interface {
	Country(address string) string
}

// ReputationStore persists per-address verdicts. Reads are coalesced per
// address and served from a short-lived cache that every write invalidates.
type ReputationStore struct {
	db      *gorm.DB
	timeout time.Duration
	cache   *expirable.LRU[string, domain.ReputationStatus]
	lookups singleflight.Group
	locator CountryLocator
	now     func() time.Time

	// generations counts writes per address stripe. A lookup only caches
	// its result when no write hit the stripe while it was querying.
	cacheMu     sync.Mutex
	generations [cacheGenerationStripes]uint64
}

type ReputationOption func(*ReputationStore)

// WithStatusCache keeps statuses for ttl. A zero ttl disables caching.
func WithStatusCache(ttl time.Duration) ReputationOption {
	return func(s *ReputationStore) {
		if ttl <= 0 {
			s.cache = nil
			return
		}
		s.cache = expirable.NewLRU[string, domain.ReputationStatus](reputationCacheSize, nil, ttl)
	}
}

func WithCountryLocator(locator CountryLocator) ReputationOption {
	return func(s *ReputationStore) {
		s.locator = locator
	}
}

func WithQueryTimeout(timeout time.Duration) ReputationOption {
	return func(s *ReputationStore) {
		if timeout > 0 {
			s.timeout = timeout
		}
	}
}

func WithReputationClock(now func() time.Time) ReputationOption {
	return func(s *ReputationStore) {
		s.now = now
	}
}

func NewReputationStore(db *gorm.DB, opts ...ReputationOption) *ReputationStore {
	s := &ReputationStore{db: db, timeout: defaultReputationTimeout, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *ReputationStore) session(ctx context.Context) (*gorm.DB, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	opCtx, cancel := context.WithTimeout(ctx, s.timeout)
	return s.db.WithContext(opCtx), cancel
}

func generationStripe(address string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(address))
	return int(h.Sum32() % cacheGenerationStripes)
}

func (s *ReputationStore) generation(address string) uint64 {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	return s.generations[generationStripe(address)]
}

func (s *ReputationStore) invalidate(address string) {
	if s.cache == nil {
		return
	}
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	s.generations[generationStripe(address)]++
	s.cache.Remove(address)
}

// remember caches status unless address was written since generation.
func (s *ReputationStore) remember(address string, status domain.ReputationStatus, generation uint64) {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	if s.generations[generationStripe(address)] != generation {
		return
	}
	s.cache.Add(address, status)
}

// UpsertSuspicious records address as suspicious unless a record already
// exists. Concurrent first writers all succeed; only one row is created.
func (s *ReputationStore) UpsertSuspicious(ctx context.Context, address, reason string) (bool, error) {
	record := domain.ReputationRecord{
		Address:    address,
		Status:     domain.StatusSuspicious,
		Reason:     reason,
		DetectedAt: s.now().UTC(),
	}
	if s.locator != nil {
		record.Country = s.locator.Country(address)
	}

	db, cancel := s.session(ctx)
	defer cancel()

	result := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "address"}},
		DoNothing: true,
	}).Create(&record)
	if result.Error != nil {
		return false, fmt.Errorf("upsert suspicious %s: %w", address, result.Error)
	}

	s.invalidate(address)
	return result.RowsAffected > 0, nil
}

// Status returns the stored status of address, or StatusNone.
func (s *ReputationStore) Status(ctx context.Context, address string) (domain.ReputationStatus, error) {
	if s.cache != nil {
		if status, ok := s.cache.Get(address); ok {
			return status, nil
		}
	}

	value, err, _ := s.lookups.Do(address, func() (any, error) {
		var generation uint64
		if s.cache != nil {
			generation = s.generation(address)
		}

		db, cancel := s.session(ctx)
		defer cancel()

		var statuses []domain.ReputationStatus
		if err := db.Model(&domain.ReputationRecord{}).
			Where("address = ?", address).
			Limit(1).
			Pluck("status", &statuses).Error; err != nil {
			return domain.StatusNone, err
		}

		status := domain.StatusNone
		if len(statuses) > 0 {
			status = statuses[0]
		}
		if s.cache != nil {
			s.remember(address, status, generation)
		}
		return status, nil
	})
	if err != nil {
		return domain.StatusNone, fmt.Errorf("reputation status %s: %w", address, err)
	}
	return value.(domain.ReputationStatus), nil
}

func (s *ReputationStore) IsBlocked(ctx context.Context, address string) (bool, error) {
	status, err := s.Status(ctx, address)
	return status == domain.StatusBlocked, err
}

func (s *ReputationStore) IsSuspicious(ctx context.Context, address string) (bool, error) {
	status, err := s.Status(ctx, address)
	return status == domain.StatusSuspicious, err
}

// SetStatus creates or overwrites the status of address. Blocking stamps
// BlockedAt with at; any other status clears it. An empty reason keeps the
// stored one.
func (s *ReputationStore) SetStatus(ctx context.Context, address string, status domain.ReputationStatus, reason string, at time.Time) error {
	if !status.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}

	at = at.UTC()
	record := domain.ReputationRecord{
		Address:    address,
		Status:     status,
		Reason:     reason,
		DetectedAt: at,
	}
	if status == domain.StatusBlocked {
		record.BlockedAt = &at
	}

	columns := []string{"status", "blocked_at", "updated_at"}
	if reason != "" {
		columns = append(columns, "reason")
	}

	db, cancel := s.session(ctx)
	defer cancel()

	err := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "address"}},
		DoUpdates: clause.AssignmentColumns(columns),
	}).Create(&record).Error
	if err != nil {
		return fmt.Errorf("set status %s=%s: %w", address, status, err)
	}

	s.invalidate(address)
	log.Info("Reputation status changed", "address", address, "status", status, "reason", reason)
	return nil
}

type ReputationStats struct {
	Suspicious int64 `json:"suspicious"`
	Blocked    int64 `json:"blocked"`
	Verified   int64 `json:"verified"`
	Requests   int64 `json:"requests"`
}

// Stats counts records per status and the number of logged requests.
func (s *ReputationStore) Stats(ctx context.Context) (ReputationStats, error) {
	db, cancel := s.session(ctx)
	defer cancel()

	type row struct {
		Status domain.ReputationStatus
		Total  int64
	}
	var rows []row
	if err := db.Model(&domain.ReputationRecord{}).
		Select("status, COUNT(*) AS total").
		Group("status").
		Scan(&rows).Error; err != nil {
		return ReputationStats{}, err
	}

	var stats ReputationStats
	for _, r := range rows {
		switch r.Status {
		case domain.StatusSuspicious:
			stats.Suspicious = r.Total
		case domain.StatusBlocked:
			stats.Blocked = r.Total
		case domain.StatusVerified:
			stats.Verified = r.Total
		}
	}

	if err := db.Model(&domain.TrafficLog{}).Count(&stats.Requests).Error; err != nil {
		return ReputationStats{}, err
	}
	return stats, nil
}

// ListByStatus returns one page of records with the given status, newest
// detection first, and the total number of matching records. Pages start at 1.
func (s *ReputationStore) ListByStatus(ctx context.Context, status domain.ReputationStatus, page, pageSize int) ([]domain.ReputationRecord, int64, error) {
	if !status.Valid() {
		return nil, 0, fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = DefaultReputationPageSize
	}

	db, cancel := s.session(ctx)
	defer cancel()

	var total int64
	if err := db.Model(&domain.ReputationRecord{}).Where("status = ?", status).Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var records []domain.ReputationRecord
	if err := db.Where("status = ?", status).
		Order("detected_at DESC").
		Order("id DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&records).Error; err != nil {
		return nil, 0, err
	}
	return records, total, nil
}
