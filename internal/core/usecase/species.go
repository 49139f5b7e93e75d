package usecase

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"golang.org/x/sync/singleflight"

	"github.com/kirillkom/plant-care-assistant/internal/core/domain"
	"github.com/kirillkom/plant-care-assistant/internal/core/ports"
)

const (
	defaultSpeciesLimit = 20
	maxSpeciesLimit     = 100
)

// maxSpeciesCacheEntries bounds the cache between expiry sweeps.
const maxSpeciesCacheEntries = 1024

type SpeciesSearchOptions struct {
	MinQueryChars int
	CacheTTL      time.Duration
	// Observe is called once per search with "hit", "ok", "invalid" or "error".
	Observe func(status string)
}

// SpeciesSearchUseCase looks plants up in the public species dataset.
// Identical concurrent queries share one upstream call and results are cached for CacheTTL.
type SpeciesSearchUseCase struct {
	catalog ports.SpeciesCatalog
	opts    SpeciesSearchOptions
	now     func() time.Time

	group singleflight.Group

	mu    sync.Mutex
	cache map[string]speciesCacheEntry
}

type speciesCacheEntry struct {
	records   []domain.SpeciesRecord
	expiresAt time.Time
}

func NewSpeciesSearchUseCase(catalog ports.SpeciesCatalog, opts SpeciesSearchOptions) *SpeciesSearchUseCase {
	if opts.MinQueryChars <= 0 {
		opts.MinQueryChars = 2
	}
	if opts.Observe == nil {
		opts.Observe = func(string) {}
	}
	return &SpeciesSearchUseCase{
		catalog: catalog,
		opts:    opts,
		now:     time.Now,
		cache:   make(map[string]speciesCacheEntry),
	}
}

func (uc *SpeciesSearchUseCase) Search(ctx context.Context, query string, limit int) (*domain.SpeciesResult, error) {
	query = strings.TrimSpace(query)
	if utf8.RuneCountInString(query) < uc.opts.MinQueryChars {
		uc.opts.Observe("invalid")
		return nil, domain.WrapError(
			domain.ErrInvalidInput,
			"search species",
			fmt.Errorf("query must have at least %d characters", uc.opts.MinQueryChars),
		)
	}
	switch {
	case limit <= 0:
		limit = defaultSpeciesLimit
	case limit > maxSpeciesLimit:
		limit = maxSpeciesLimit
	}

	key := strings.ToLower(query) + "|" + strconv.Itoa(limit)
	if records, ok := uc.cached(key); ok {
		uc.opts.Observe("hit")
		return &domain.SpeciesResult{Query: query, Records: records}, nil
	}

	ch := uc.group.DoChan(key, func() (any, error) {
		records, err := uc.catalog.Search(context.WithoutCancel(ctx), query, limit)
		if err != nil {
			return nil, err
		}
		uc.store(key, records)
		return records, nil
	})

	select {
	case <-ctx.Done():
		uc.opts.Observe("error")
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			uc.opts.Observe("error")
			return nil, fmt.Errorf("search species: %w", res.Err)
		}
		uc.opts.Observe("ok")
		records := res.Val.([]domain.SpeciesRecord)
		return &domain.SpeciesResult{Query: query, Records: cloneRecords(records)}, nil
	}
}

func (uc *SpeciesSearchUseCase) cached(key string) ([]domain.SpeciesRecord, bool) {
	if uc.opts.CacheTTL <= 0 {
		return nil, false
	}
	uc.mu.Lock()
	defer uc.mu.Unlock()

	entry, ok := uc.cache[key]
	if !ok {
		return nil, false
	}
	if !uc.now().Before(entry.expiresAt) {
		delete(uc.cache, key)
		return nil, false
	}
	return cloneRecords(entry.records), true
}

func (uc *SpeciesSearchUseCase) store(key string, records []domain.SpeciesRecord) {
	if uc.opts.CacheTTL <= 0 {
		return
	}
	uc.mu.Lock()
	defer uc.mu.Unlock()

	now := uc.now()
	for k, entry := range uc.cache {
		if !now.Before(entry.expiresAt) {
			delete(uc.cache, k)
		}
	}
	if _, ok := uc.cache[key]; !ok && len(uc.cache) >= maxSpeciesCacheEntries {
		uc.evictOldest()
	}
	uc.cache[key] = speciesCacheEntry{records: records, expiresAt: now.Add(uc.opts.CacheTTL)}
}

// evictOldest drops the entry closest to expiry. Callers hold uc.mu.
func (uc *SpeciesSearchUseCase) evictOldest() {
	var (
		oldestKey string
		oldest    time.Time
	)
	for k, entry := range uc.cache {
		if oldestKey == "" || entry.expiresAt.Before(oldest) {
			oldestKey, oldest = k, entry.expiresAt
		}
	}
	delete(uc.cache, oldestKey)
}

func cloneRecords(records []domain.SpeciesRecord) []domain.SpeciesRecord {
	out := make([]domain.SpeciesRecord, len(records))
	copy(out, records)
	return out
}
