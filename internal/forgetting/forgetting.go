// Package forgetting implements a spaced-repetition retention model over
// memory_strength rows: exponential retrievability decay, review updates,
// and the fading report that drives consolidation.
package forgetting

import (
	"context"
	"database/sql"
	"math"
	"sort"
	"sync"
	"time"

	specerrors "github.com/jonhardwick-spec/specmem-sub019/internal/errors"
	"github.com/jonhardwick-spec/specmem-sub019/internal/memory"
	"github.com/jonhardwick-spec/specmem-sub019/internal/store"
)

// importanceMultiplier scales stability in the decay exponent.
var importanceMultiplier = map[memory.Importance]float64{
	memory.ImportanceCritical: 2.0,
	memory.ImportanceHigh:     1.5,
	memory.ImportanceMedium:   1.0,
	memory.ImportanceLow:      0.7,
	memory.ImportanceTrivial:  0.4,
}

// initialStability seeds stability on a memory's first review.
var initialStability = map[memory.Importance]float64{
	memory.ImportanceCritical: 30,
	memory.ImportanceHigh:     20,
	memory.ImportanceMedium:   10,
	memory.ImportanceLow:      5,
	memory.ImportanceTrivial:  2,
}

const (
	initialEaseFactor   = 2.0
	minEaseFactor       = 1.3
	maxStability        = 100
	minStability        = 1
	initialIntervalDays = 1
)

// Strength is one memory's retention state.
type Strength struct {
	MemoryID       string    `json:"memory_id"`
	Stability      float64   `json:"stability"`
	Retrievability float64   `json:"retrievability"`
	LastReview     time.Time `json:"last_review"`
	ReviewCount    int       `json:"review_count"`
	IntervalDays   float64   `json:"interval_days"`
	EaseFactor     float64   `json:"ease_factor"`
}

// Retrievability computes R = exp(-t / (S * I)) for the elapsed time since
// the last review, where I is the importance multiplier.
func Retrievability(s Strength, importance memory.Importance, now time.Time) float64 {
	mult, ok := importanceMultiplier[importance]
	if !ok {
		mult = 1.0
	}
	days := now.Sub(s.LastReview).Hours() / 24
	if days <= 0 {
		return s.Retrievability
	}
	return math.Exp(-days / (s.Stability * mult))
}

// Engine persists strength rows and runs review updates. The strength
// cache is process-global per engine, guarded by its own lock, and
// invalidated on writes.
type Engine struct {
	db *store.DB

	mu    sync.RWMutex
	cache map[string]Strength
}

// NewEngine builds a forgetting engine on the shared database.
func NewEngine(db *store.DB) *Engine {
	return &Engine{db: db, cache: make(map[string]Strength)}
}

// Get loads a memory's strength row; NotFound when it has never been
// reviewed.
func (e *Engine) Get(ctx context.Context, memoryID string) (Strength, error) {
	e.mu.RLock()
	if s, ok := e.cache[memoryID]; ok {
		e.mu.RUnlock()
		return s, nil
	}
	e.mu.RUnlock()

	var s Strength
	err := e.db.Handle().QueryRowContext(ctx, `
		SELECT memory_id, stability, retrievability, last_review, review_count, interval_days, ease_factor
		FROM memory_strength WHERE memory_id = ?`, memoryID).
		Scan(&s.MemoryID, &s.Stability, &s.Retrievability, &s.LastReview,
			&s.ReviewCount, &s.IntervalDays, &s.EaseFactor)
	if err == sql.ErrNoRows {
		return Strength{}, specerrors.NotFound("memory strength", memoryID)
	}
	if err != nil {
		return Strength{}, store.MapError(err)
	}

	e.mu.Lock()
	e.cache[memoryID] = s
	e.mu.Unlock()
	return s, nil
}

// RecordReview updates retention state after an access. successful recall
// strengthens; a caller-signalled failure weakens and resets the interval.
// First access initializes from importance.
func (e *Engine) RecordReview(ctx context.Context, memoryID string, importance memory.Importance, successful bool) (Strength, error) {
	now := time.Now().UTC()

	s, err := e.Get(ctx, memoryID)
	if specerrors.IsKind(err, specerrors.KindNotFound) {
		s = Strength{
			MemoryID:       memoryID,
			Stability:      initialStability[importance],
			Retrievability: 1,
			LastReview:     now,
			IntervalDays:   initialIntervalDays,
			EaseFactor:     initialEaseFactor,
		}
		if s.Stability == 0 {
			s.Stability = initialStability[memory.ImportanceMedium]
		}
	} else if err != nil {
		return Strength{}, err
	}

	daysSince := now.Sub(s.LastReview).Hours() / 24
	if successful {
		s.EaseFactor = math.Max(minEaseFactor, s.EaseFactor+0.1)
		s.Stability = math.Min(maxStability,
			s.Stability+5*math.Log2(math.Max(1, daysSince)+1))
		s.IntervalDays = math.Max(1, s.IntervalDays*s.EaseFactor)
		s.Retrievability = 1
	} else {
		s.EaseFactor = math.Max(minEaseFactor, s.EaseFactor-0.2)
		s.Stability = math.Max(minStability, s.Stability*0.8)
		s.IntervalDays = 1
		s.Retrievability = Retrievability(s, importance, now)
	}
	s.LastReview = now
	s.ReviewCount++

	err = e.db.Transaction(ctx, func(tx *sql.Tx) error {
		_, execErr := tx.ExecContext(ctx, `
			INSERT INTO memory_strength (memory_id, stability, retrievability, last_review, review_count, interval_days, ease_factor)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(memory_id) DO UPDATE SET
				stability = excluded.stability,
				retrievability = excluded.retrievability,
				last_review = excluded.last_review,
				review_count = excluded.review_count,
				interval_days = excluded.interval_days,
				ease_factor = excluded.ease_factor`,
			s.MemoryID, s.Stability, s.Retrievability, s.LastReview,
			s.ReviewCount, s.IntervalDays, s.EaseFactor)
		return store.MapError(execErr)
	})
	if err != nil {
		return Strength{}, err
	}

	e.mu.Lock()
	e.cache[memoryID] = s
	e.mu.Unlock()
	return s, nil
}

// FadingMemory pairs a memory with its current retrievability.
type FadingMemory struct {
	Memory         *memory.Memory `json:"memory"`
	Retrievability float64        `json:"retrievability"`
}

// GetFading returns live project memories whose current retrievability is
// at or below threshold, ordered by lowest retrievability then highest
// importance, for review or consolidation by the caller.
func (e *Engine) GetFading(ctx context.Context, memories *memory.Store, projectPath string, threshold float64, limit int) ([]FadingMemory, error) {
	if limit <= 0 {
		limit = 20
	}
	now := time.Now().UTC()

	var fading []FadingMemory
	for offset := 0; ; offset += 1000 {
		page, err := memories.FindByProject(ctx, projectPath, memory.Filters{}, memory.Page{Limit: 1000, Offset: offset})
		if err != nil {
			return nil, err
		}
		for _, m := range page {
			s, err := e.Get(ctx, m.ID)
			if specerrors.IsKind(err, specerrors.KindNotFound) {
				continue
			}
			if err != nil {
				return nil, err
			}
			r := Retrievability(s, m.Importance, now)
			if r <= threshold {
				fading = append(fading, FadingMemory{Memory: m, Retrievability: r})
			}
		}
		if len(page) < 1000 {
			break
		}
	}

	sortFading(fading)
	if len(fading) > limit {
		fading = fading[:limit]
	}
	return fading, nil
}

func sortFading(fading []FadingMemory) {
	sort.Slice(fading, func(i, j int) bool {
		if fading[i].Retrievability != fading[j].Retrievability {
			return fading[i].Retrievability < fading[j].Retrievability
		}
		return fading[i].Memory.Importance.Rank() > fading[j].Memory.Importance.Rank()
	})
}

// Invalidate drops cached strength rows (all when id is empty).
func (e *Engine) Invalidate(memoryID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if memoryID == "" {
		e.cache = make(map[string]Strength)
		return
	}
	delete(e.cache, memoryID)
}
