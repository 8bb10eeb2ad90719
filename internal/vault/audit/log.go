package audit

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/R3E-Network/yield_vault/internal/errors"
	"github.com/R3E-Network/yield_vault/internal/vault/strategy"
)

const (
	// DefaultPageCap bounds GetRange and the query limits.
	DefaultPageCap = 100

	secondsPerDay = 24 * 60 * 60
)

// Log is the in-memory decision log. Appends and reads take a short lock;
// nothing here performs I/O.
type Log struct {
	mu        sync.RWMutex
	entries   []Decision
	refs      map[uint64][]string
	byType    map[DecisionType][]uint64
	byAdapter map[strategy.AdapterID][]uint64
	byDay     map[int64][]uint64
	days      []int64
	pageCap   int
	now       func() time.Time
}

// NewLog creates an empty log. pageCap <= 0 selects DefaultPageCap.
func NewLog(pageCap int, now func() time.Time) *Log {
	if pageCap <= 0 {
		pageCap = DefaultPageCap
	}
	if now == nil {
		now = time.Now
	}
	return &Log{
		refs:      make(map[uint64][]string),
		byType:    make(map[DecisionType][]uint64),
		byAdapter: make(map[strategy.AdapterID][]uint64),
		byDay:     make(map[int64][]uint64),
		pageCap:   pageCap,
		now:       now,
	}
}

// PageCap returns the maximum page size.
func (l *Log) PageCap() int { return l.pageCap }

// Append seals d and adds it to the log. Sequence id, timestamp and hashes
// are assigned here; any values set by the caller are overwritten.
func (l *Log) Append(d Decision) (Decision, error) {
	if !d.Type.Valid() {
		return Decision{}, errors.Internal("append", fmt.Sprintf("unknown decision type %q", d.Type), nil)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	d.SequenceID = uint64(len(l.entries))
	// Storage backends keep microseconds.
	d.Timestamp = l.now().UTC().Truncate(time.Microsecond)
	d.PrevHash = ""
	if n := len(l.entries); n > 0 {
		d.PrevHash = l.entries[n-1].IntegrityHash
	}
	d.References = nil
	sum, err := ComputeHash(d)
	if err != nil {
		return Decision{}, errors.Internal("append", "hash decision", err)
	}
	d.IntegrityHash = sum

	l.insertLocked(d)
	return d, nil
}

func (l *Log) insertLocked(d Decision) {
	seq := d.SequenceID
	l.entries = append(l.entries, d)
	l.byType[d.Type] = append(l.byType[d.Type], seq)
	l.byAdapter[d.FromAdapter] = append(l.byAdapter[d.FromAdapter], seq)
	if d.ToAdapter != d.FromAdapter {
		l.byAdapter[d.ToAdapter] = append(l.byAdapter[d.ToAdapter], seq)
	}
	day := dayBucket(d.Timestamp)
	if _, ok := l.byDay[day]; !ok {
		i := sort.Search(len(l.days), func(i int) bool { return l.days[i] >= day })
		l.days = append(l.days, 0)
		copy(l.days[i+1:], l.days[i:])
		l.days[i] = day
	}
	l.byDay[day] = append(l.byDay[day], seq)
}

func dayBucket(ts time.Time) int64 {
	unix := ts.UTC().Unix()
	day := unix / secondsPerDay
	if unix < 0 && unix%secondsPerDay != 0 {
		day--
	}
	return day
}

// =============================================================================
// Queries
// =============================================================================

// GetRange returns decisions with from <= seq < to, at most PageCap of them,
// and the number actually available in that window.
func (l *Log) GetRange(from, to uint64) ([]Decision, int, error) {
	const op = "getRange"
	if from > to {
		return nil, 0, errors.InvalidRange(op, fmt.Sprintf("from %d is after to %d", from, to))
	}
	if to-from > uint64(l.pageCap) {
		return nil, 0, errors.InvalidRange(op, fmt.Sprintf("range %d exceeds page cap %d", to-from, l.pageCap))
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	n := uint64(len(l.entries))
	if from >= n {
		return []Decision{}, 0, nil
	}
	if to > n {
		to = n
	}
	out := make([]Decision, 0, to-from)
	for seq := from; seq < to; seq++ {
		out = append(out, l.getLocked(seq))
	}
	return out, len(out), nil
}

// GetByType returns up to limit decisions of type t, newest first.
func (l *Log) GetByType(t DecisionType, limit int) []Decision {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.newestLocked(l.byType[t], limit)
}

// GetByAdapter returns up to limit decisions that moved funds in or out of
// id, newest first.
func (l *Log) GetByAdapter(id strategy.AdapterID, limit int) []Decision {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.newestLocked(l.byAdapter[id], limit)
}

// GetByTimeRange returns up to limit decisions with start <= timestamp < end
// in chronological order.
func (l *Log) GetByTimeRange(start, end time.Time, limit int) ([]Decision, error) {
	if end.Before(start) {
		return nil, errors.InvalidRange("getByTimeRange", "end is before start")
	}
	limit = l.clampLimit(limit)

	l.mu.RLock()
	defer l.mu.RUnlock()
	first, last := dayBucket(start), dayBucket(end)
	i := sort.Search(len(l.days), func(i int) bool { return l.days[i] >= first })

	var matched []uint64
	for ; i < len(l.days) && l.days[i] <= last; i++ {
		for _, seq := range l.byDay[l.days[i]] {
			ts := l.entries[seq].Timestamp
			if !ts.Before(start) && ts.Before(end) {
				matched = append(matched, seq)
			}
		}
	}
	sort.Slice(matched, func(a, b int) bool {
		ta, tb := l.entries[matched[a]].Timestamp, l.entries[matched[b]].Timestamp
		if ta.Equal(tb) {
			return matched[a] < matched[b]
		}
		return ta.Before(tb)
	})
	if len(matched) > limit {
		matched = matched[:limit]
	}
	out := make([]Decision, 0, len(matched))
	for _, seq := range matched {
		out = append(out, l.getLocked(seq))
	}
	return out, nil
}

// Get returns one decision.
func (l *Log) Get(seq uint64) (Decision, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if seq >= uint64(len(l.entries)) {
		return Decision{}, false
	}
	return l.getLocked(seq), true
}

// Len returns the number of decisions.
func (l *Log) Len() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return uint64(len(l.entries))
}

// Since returns every decision with seq >= from, oldest first.
func (l *Log) Since(from uint64) []Decision {
	l.mu.RLock()
	defer l.mu.RUnlock()
	n := uint64(len(l.entries))
	if from >= n {
		return nil
	}
	out := make([]Decision, 0, n-from)
	for seq := from; seq < n; seq++ {
		out = append(out, l.getLocked(seq))
	}
	return out
}

func (l *Log) getLocked(seq uint64) Decision {
	d := l.entries[seq].clone()
	if refs := l.refs[seq]; len(refs) > 0 {
		d.References = append([]string(nil), refs...)
	}
	return d
}

func (l *Log) newestLocked(seqs []uint64, limit int) []Decision {
	limit = l.clampLimit(limit)
	out := make([]Decision, 0, min(limit, len(seqs)))
	for i := len(seqs) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, l.getLocked(seqs[i]))
	}
	return out
}

func (l *Log) clampLimit(limit int) int {
	if limit <= 0 || limit > l.pageCap {
		return l.pageCap
	}
	return limit
}

// =============================================================================
// Integrity
// =============================================================================

// VerifyIntegrity recomputes the digest of seq and checks its link to the
// previous decision.
func (l *Log) VerifyIntegrity(seq uint64) (bool, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if seq >= uint64(len(l.entries)) {
		return false, errors.InvalidRange("verifyIntegrity", fmt.Sprintf("decision %d does not exist", seq))
	}
	return l.verifyLocked(seq)
}

func (l *Log) verifyLocked(seq uint64) (bool, error) {
	d := l.entries[seq]
	want := ""
	if seq > 0 {
		want = l.entries[seq-1].IntegrityHash
	}
	if d.PrevHash != want || d.SequenceID != seq {
		return false, nil
	}
	sum, err := ComputeHash(d)
	if err != nil {
		return false, err
	}
	return sum == d.IntegrityHash, nil
}

// AttachReference records an external receipt for seq.
func (l *Log) AttachReference(seq uint64, ref string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if seq >= uint64(len(l.entries)) {
		return errors.InvalidRange("attachReference", fmt.Sprintf("decision %d does not exist", seq))
	}
	for _, existing := range l.refs[seq] {
		if existing == ref {
			return nil
		}
	}
	l.refs[seq] = append(l.refs[seq], ref)
	return nil
}

// Restore replaces the log with persisted decisions. Every entry must be
// contiguous and pass integrity verification.
func (l *Log) Restore(decisions []Decision) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.entries = nil
	l.refs = make(map[uint64][]string)
	l.byType = make(map[DecisionType][]uint64)
	l.byAdapter = make(map[strategy.AdapterID][]uint64)
	l.byDay = make(map[int64][]uint64)
	l.days = nil

	for i, d := range decisions {
		if d.SequenceID != uint64(i) {
			return errors.Internal("restore", fmt.Sprintf("gap in decision log at %d (found %d)", i, d.SequenceID), nil)
		}
		d.Timestamp = d.Timestamp.UTC()
		refs := d.References
		d.References = nil
		l.insertLocked(d)
		ok, err := l.verifyLocked(d.SequenceID)
		if err != nil {
			return errors.Internal("restore", "verify decision", err)
		}
		if !ok {
			return errors.Internal("restore", fmt.Sprintf("decision %d failed integrity check", d.SequenceID), nil)
		}
		if len(refs) > 0 {
			l.refs[d.SequenceID] = append([]string(nil), refs...)
		}
	}
	return nil
}
