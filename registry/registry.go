// Package registry implements the Snapshot Registry (spec §4.D): three
// B-tree-backed indices over the same set of registry entries (TSBS, SBTS,
// STBH) plus an in-memory mirror for membership/idempotency checks that
// never touches disk.
//
// Grounded on the teacher's own multi-index store pattern
// (SharedCode-sop's transaction/registry layer keeps several B-trees per
// logical store and commits them together), re-keyed to the fixed byte
// layouts spec §6 prescribes.
package registry

import (
	"bytes"
	"context"
	log "log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/yggdrasil-sh/core"
	"github.com/yggdrasil-sh/core/btree"
	"github.com/yggdrasil-sh/core/pagestore"
	regcache "github.com/yggdrasil-sh/core/registry/cache"
)

// Options configures a Registry.
type Options struct {
	PageStore pagestore.Options
	Logger    *log.Logger

	// OnRegister/OnDeregister, if set, are invoked once per entry a
	// register/deregister call actually adds or removes; an idempotent
	// no-op call invokes neither (spec_full's additive metrics hook). They
	// must not block meaningfully; the registry does not buffer them.
	OnRegister   func(Entry)
	OnDeregister func(Entry)

	// Cache, if set, fronts SystemHistory results with the given backend
	// (registry/cache.Local or .Distributed). CacheTTL defaults to 5s.
	Cache    regcache.Cache
	CacheTTL time.Duration
}

func (o Options) cacheTTL() time.Duration {
	if o.CacheTTL > 0 {
		return o.CacheTTL
	}
	return 5 * time.Second
}

func (o Options) logger() *log.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return log.Default()
}

// Registry is the Snapshot Registry: three B-trees sharing one PageStore,
// committed together, plus an in-memory membership mirror.
type Registry struct {
	mu   sync.Mutex
	ps   *pagestore.PageStore
	tsbs *btree.Tree
	sbts *btree.Tree
	stbh *btree.Tree

	opts Options
	sf   singleflight.Group

	// mirror maps the TSBS key bytes (string) of every registered entry to
	// struct{}, giving O(1) idempotency/no-op checks without disk I/O.
	mirror map[string]struct{}
}

// Open opens (or creates) the registry's on-disk store at dir, rebuilds the
// in-memory mirror by scanning TSBS, and cross-checks all three indices
// contain the same entry set (spec §4.D: "inconsistency among the three
// trees is a fatal integrity error").
func Open(dir string, opts Options) (*Registry, error) {
	ps, err := pagestore.Open(dir, 3, opts.PageStore)
	if err != nil {
		return nil, err
	}
	roots := ps.Roots()
	r := &Registry{
		ps:     ps,
		tsbs:   btree.Open(ps, roots[0]),
		sbts:   btree.Open(ps, roots[1]),
		stbh:   btree.Open(ps, roots[2]),
		opts:   opts,
		mirror: make(map[string]struct{}),
	}
	if err := r.rebuildAndVerify(); err != nil {
		_ = ps.Close()
		return nil, err
	}
	return r, nil
}

// rebuildAndVerify scans TSBS fully, populating the mirror and checking that
// the corresponding SBTS/STBH keys exist, then confirms all three indices
// report the same cardinality (Invariant I1/I2).
func (r *Registry) rebuildAndVerify() error {
	count := 0
	cur, err := r.tsbs.First()
	if err != nil {
		return err
	}
	for cur.Valid() {
		k, err := decodeTSBS(cur.Key())
		if err != nil {
			return yggdrasil.Wrap(yggdrasil.IntegrityError, err, "tsbs")
		}
		entry, err := entryFromTSBS(k, cur.Value())
		if err != nil {
			return yggdrasil.Wrap(yggdrasil.IntegrityError, err, "tsbs")
		}
		sbtsKeyBytes, err := encodeSBTS(entry)
		if err != nil {
			return yggdrasil.Wrap(yggdrasil.IntegrityError, err, entry)
		}
		if _, ok, err := r.sbts.Get(sbtsKeyBytes); err != nil {
			return yggdrasil.Wrap(yggdrasil.IOError, err, "sbts")
		} else if !ok {
			return yggdrasil.Wrap(yggdrasil.IntegrityError, errIndexMismatch("sbts", entry), entry)
		}
		stbhKeyBytes, err := encodeSTBH(entry)
		if err != nil {
			return yggdrasil.Wrap(yggdrasil.IntegrityError, err, entry)
		}
		if _, ok, err := r.stbh.Get(stbhKeyBytes); err != nil {
			return yggdrasil.Wrap(yggdrasil.IOError, err, "stbh")
		} else if !ok {
			return yggdrasil.Wrap(yggdrasil.IntegrityError, errIndexMismatch("stbh", entry), entry)
		}
		r.mirror[string(cur.Key())] = struct{}{}
		count++
		ok, err := cur.Next()
		if err != nil {
			return err
		}
		if !ok {
			break
		}
	}

	sbtsCount, err := r.countAll(r.sbts)
	if err != nil {
		return err
	}
	stbhCount, err := r.countAll(r.stbh)
	if err != nil {
		return err
	}
	if sbtsCount != count || stbhCount != count {
		return yggdrasil.Wrap(yggdrasil.IntegrityError,
			errCardinalityMismatch(count, sbtsCount, stbhCount), dirLabel(r))
	}
	r.opts.logger().Info("registry recovered", "entries", count)
	return nil
}

func dirLabel(r *Registry) string { return "registry" }

func (r *Registry) countAll(t *btree.Tree) (int, error) {
	n := 0
	cur, err := t.First()
	if err != nil {
		return 0, err
	}
	for cur.Valid() {
		n++
		ok, err := cur.Next()
		if err != nil {
			return 0, err
		}
		if !ok {
			break
		}
	}
	return n, nil
}

// roots snapshots the three tree roots, for rollback on a partial failure.
type roots struct{ tsbs, sbts, stbh pagestore.Addr }

func (r *Registry) snapshotRoots() roots {
	return roots{tsbs: r.tsbs.Root(), sbts: r.sbts.Root(), stbh: r.stbh.Root()}
}

func (r *Registry) restoreRoots(s roots) {
	r.tsbs.SetRoot(s.tsbs)
	r.sbts.SetRoot(s.sbts)
	r.stbh.SetRoot(s.stbh)
}

// Register inserts entry into all three indices and the mirror as a single
// atomic (in-memory) operation. Idempotent on (snapshot_id, system_id,
// branch_name, hlc): re-registering the same tuple is a no-op.
func (r *Registry) Register(e Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	saved := r.snapshotRoots()
	displaced, applied, err := r.applyRegister(e)
	if err != nil {
		r.restoreRoots(saved)
		return err
	}
	for _, a := range displaced {
		r.ps.MarkFreed(a)
	}
	if applied && r.opts.OnRegister != nil {
		r.opts.OnRegister(e.clone())
	}
	return nil
}

// applyRegister inserts e into all three trees without marking any displaced
// page freed and without rolling back on failure — the caller owns the
// rollback/commit decision for the whole operation (a single Register, or an
// entire RegisterBatch). applied is false when e was already present
// (idempotent no-op).
func (r *Registry) applyRegister(e Entry) (displaced []pagestore.Addr, applied bool, err error) {
	tsbsKeyBytes, err := encodeTSBS(e)
	if err != nil {
		return nil, false, yggdrasil.Wrap(yggdrasil.IntegrityError, err, e)
	}
	if _, exists := r.mirror[string(tsbsKeyBytes)]; exists {
		return nil, false, nil
	}

	value := encodeValue(e)
	sbtsKeyBytes, err := encodeSBTS(e)
	if err != nil {
		return nil, false, yggdrasil.Wrap(yggdrasil.IntegrityError, err, e)
	}
	stbhKeyBytes, err := encodeSTBH(e)
	if err != nil {
		return nil, false, yggdrasil.Wrap(yggdrasil.IntegrityError, err, e)
	}

	tsbsDisplaced, err := r.tsbs.Put(tsbsKeyBytes, value)
	if err != nil {
		return nil, false, yggdrasil.Wrap(yggdrasil.IOError, err, e)
	}
	sbtsDisplaced, err := r.sbts.Put(sbtsKeyBytes, value)
	if err != nil {
		return nil, false, yggdrasil.Wrap(yggdrasil.IOError, err, e)
	}
	stbhDisplaced, err := r.stbh.Put(stbhKeyBytes, value)
	if err != nil {
		return nil, false, yggdrasil.Wrap(yggdrasil.IOError, err, e)
	}

	r.mirror[string(tsbsKeyBytes)] = struct{}{}
	displaced = append(displaced, tsbsDisplaced...)
	displaced = append(displaced, sbtsDisplaced...)
	displaced = append(displaced, stbhDisplaced...)
	return displaced, true, nil
}

// RegisterBatch bulk-inserts entries with one atomic mirror update: either
// every new entry lands in all three indices, or none do.
func (r *Registry) RegisterBatch(entries []Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	saved := r.snapshotRoots()
	var allDisplaced []pagestore.Addr
	var appliedEntries []Entry
	for _, e := range entries {
		displaced, applied, err := r.applyRegister(e)
		if err != nil {
			r.restoreRoots(saved)
			for _, ae := range appliedEntries {
				k, _ := encodeTSBS(ae)
				delete(r.mirror, string(k))
			}
			return err
		}
		if applied {
			allDisplaced = append(allDisplaced, displaced...)
			appliedEntries = append(appliedEntries, e)
		}
	}
	for _, a := range allDisplaced {
		r.ps.MarkFreed(a)
	}
	if r.opts.OnRegister != nil {
		for _, e := range appliedEntries {
			r.opts.OnRegister(e.clone())
		}
	}
	return nil
}

// Deregister removes entry from all three indices and the mirror. No-op if
// absent.
func (r *Registry) Deregister(e Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	tsbsKeyBytes, err := encodeTSBS(e)
	if err != nil {
		return yggdrasil.Wrap(yggdrasil.IntegrityError, err, e)
	}
	if _, exists := r.mirror[string(tsbsKeyBytes)]; !exists {
		return nil
	}
	saved := r.snapshotRoots()

	sbtsKeyBytes, err := encodeSBTS(e)
	if err != nil {
		return yggdrasil.Wrap(yggdrasil.IntegrityError, err, e)
	}
	stbhKeyBytes, err := encodeSTBH(e)
	if err != nil {
		return yggdrasil.Wrap(yggdrasil.IntegrityError, err, e)
	}

	_, tsbsDisplaced, err := r.tsbs.Delete(tsbsKeyBytes)
	if err != nil {
		r.restoreRoots(saved)
		return yggdrasil.Wrap(yggdrasil.IOError, err, e)
	}
	_, sbtsDisplaced, err := r.sbts.Delete(sbtsKeyBytes)
	if err != nil {
		r.restoreRoots(saved)
		return yggdrasil.Wrap(yggdrasil.IOError, err, e)
	}
	_, stbhDisplaced, err := r.stbh.Delete(stbhKeyBytes)
	if err != nil {
		r.restoreRoots(saved)
		return yggdrasil.Wrap(yggdrasil.IOError, err, e)
	}

	for _, a := range tsbsDisplaced {
		r.ps.MarkFreed(a)
	}
	for _, a := range sbtsDisplaced {
		r.ps.MarkFreed(a)
	}
	for _, a := range stbhDisplaced {
		r.ps.MarkFreed(a)
	}
	delete(r.mirror, string(tsbsKeyBytes))
	if r.opts.OnDeregister != nil {
		r.opts.OnDeregister(e.clone())
	}
	return nil
}

// PairKey identifies a (system_id, branch_name) pair, the grouping key for
// AsOf.
type PairKey struct {
	System yggdrasil.SystemID
	Branch yggdrasil.BranchName
}

// AsOf returns, for each known (system_id, branch_name) pair, the entry with
// the largest HLC not exceeding hlc. Served by a descending TSBS scan
// grouped per pair, per spec §4.D.
func (r *Registry) AsOf(hlc yggdrasil.HLC) (map[PairKey]Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, err := r.tsbs.SeekLE(tsbsSeekBound(hlc))
	if err != nil {
		return nil, err
	}
	result := make(map[PairKey]Entry)
	seen := make(map[PairKey]bool)
	for cur.Valid() {
		k, err := decodeTSBS(cur.Key())
		if err != nil {
			return nil, yggdrasil.Wrap(yggdrasil.IntegrityError, err, "tsbs")
		}
		if k.hlc.Compare(hlc) <= 0 {
			pk := PairKey{System: k.system, Branch: k.branch}
			if !seen[pk] {
				seen[pk] = true
				entry, err := entryFromTSBS(k, cur.Value())
				if err != nil {
					return nil, yggdrasil.Wrap(yggdrasil.IntegrityError, err, "tsbs")
				}
				result[pk] = entry
			}
		}
		ok, err := cur.Prev()
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
	}
	return result, nil
}

// EntriesInRange returns every entry with low <= hlc <= high, HLC-ascending.
func (r *Registry) EntriesInRange(low, high yggdrasil.HLC) ([]Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var lowKey bytes.Buffer
	putHLC(&lowKey, low)
	cur, err := r.tsbs.SeekGE(lowKey.Bytes())
	if err != nil {
		return nil, err
	}
	var out []Entry
	for cur.Valid() {
		k, err := decodeTSBS(cur.Key())
		if err != nil {
			return nil, yggdrasil.Wrap(yggdrasil.IntegrityError, err, "tsbs")
		}
		if k.hlc.Compare(high) > 0 {
			break
		}
		entry, err := entryFromTSBS(k, cur.Value())
		if err != nil {
			return nil, yggdrasil.Wrap(yggdrasil.IntegrityError, err, "tsbs")
		}
		out = append(out, entry)
		ok, err := cur.Next()
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
	}
	return out, nil
}

// SystemHistory returns entries for (system, branch) newest-HLC-first,
// bounded by limit (0 means unbounded). Collapses identical concurrent
// queries via singleflight, and serves from Options.Cache when configured
// (a best-effort read-scaling tier: Register/Deregister do not proactively
// invalidate it, entries simply expire after CacheTTL).
func (r *Registry) SystemHistory(system yggdrasil.SystemID, branch yggdrasil.BranchName, limit int) ([]Entry, error) {
	key := string(system) + "\x00" + string(branch) + "\x00history"
	ctx := context.Background()

	if r.opts.Cache != nil {
		if raw, ok := r.opts.Cache.Get(ctx, key); ok {
			entries, err := decodeEntryList(raw)
			if err == nil {
				if limit > 0 && len(entries) > limit {
					entries = entries[:limit]
				}
				return entries, nil
			}
		}
	}

	v, err, _ := r.sf.Do(key, func() (interface{}, error) {
		r.mu.Lock()
		defer r.mu.Unlock()
		prefix, err := sbtsSystemBranchPrefix(system, branch)
		if err != nil {
			return nil, err
		}
		cur, err := r.sbts.SeekGE(prefix)
		if err != nil {
			return nil, err
		}
		var out []Entry
		for cur.Valid() && hasPrefix(cur.Key(), prefix) {
			k, err := decodeSBTS(cur.Key())
			if err != nil {
				return nil, yggdrasil.Wrap(yggdrasil.IntegrityError, err, "sbts")
			}
			entry, err := entryFromSBTS(k, cur.Value())
			if err != nil {
				return nil, yggdrasil.Wrap(yggdrasil.IntegrityError, err, "sbts")
			}
			out = append(out, entry)
			ok, err := cur.Next()
			if err != nil {
				return nil, err
			}
			if !ok {
				break
			}
		}
		return out, nil
	})
	if err != nil {
		return nil, err
	}
	entries := v.([]Entry)
	if r.opts.Cache != nil {
		r.opts.Cache.Set(ctx, key, encodeEntryList(entries), r.opts.cacheTTL())
	}
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

// SystemBranches returns the distinct branch names ever registered for system.
func (r *Registry) SystemBranches(system yggdrasil.SystemID) (map[yggdrasil.BranchName]struct{}, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	prefix, err := sbtsSystemPrefix(system)
	if err != nil {
		return nil, err
	}
	cur, err := r.sbts.SeekGE(prefix)
	if err != nil {
		return nil, err
	}
	out := make(map[yggdrasil.BranchName]struct{})
	for cur.Valid() && hasPrefix(cur.Key(), prefix) {
		k, err := decodeSBTS(cur.Key())
		if err != nil {
			return nil, yggdrasil.Wrap(yggdrasil.IntegrityError, err, "sbts")
		}
		out[k.branch] = struct{}{}
		ok, err := cur.Next()
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
	}
	return out, nil
}

// SnapshotRefs returns every entry referencing snapshot, or nil if none
// exists.
func (r *Registry) SnapshotRefs(snap yggdrasil.SnapshotID) ([]Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	prefix, err := stbhSnapshotPrefix(snap)
	if err != nil {
		return nil, err
	}
	cur, err := r.stbh.SeekGE(prefix)
	if err != nil {
		return nil, err
	}
	var out []Entry
	for cur.Valid() && hasPrefix(cur.Key(), prefix) {
		k, err := decodeSTBH(cur.Key())
		if err != nil {
			return nil, yggdrasil.Wrap(yggdrasil.IntegrityError, err, "stbh")
		}
		entry, err := entryFromSTBH(k, cur.Value())
		if err != nil {
			return nil, yggdrasil.Wrap(yggdrasil.IntegrityError, err, "stbh")
		}
		out = append(out, entry)
		ok, err := cur.Next()
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
	}
	return out, nil
}

// SnapshotSystems projects SnapshotRefs down to the set of system ids
// referencing snap.
func (r *Registry) SnapshotSystems(snap yggdrasil.SnapshotID) (map[yggdrasil.SystemID]struct{}, error) {
	refs, err := r.SnapshotRefs(snap)
	if err != nil {
		return nil, err
	}
	out := make(map[yggdrasil.SystemID]struct{}, len(refs))
	for _, e := range refs {
		out[e.SystemID] = struct{}{}
	}
	return out, nil
}

// EntryCount returns the registry's current entry count (Invariant I2).
func (r *Registry) EntryCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.mirror)
}

// Flush commits all three tree roots together.
func (r *Registry) Flush() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ps.Flush([]pagestore.Addr{r.tsbs.Root(), r.sbts.Root(), r.stbh.Root()})
}

// Close performs a final flush and releases the underlying page store.
func (r *Registry) Close() error {
	if err := r.Flush(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ps.Close()
}
