// Package gc implements the Garbage Collector (spec §4.H): a
// reachability-based coordinator that computes live roots across every
// managed system, finds expired unreferenced registry entries, and issues
// sweep calls to each system's native reclamation.
//
// Grounded on the teacher's own collector pass (the pack's closest analogue
// walks a store's root set, computes a reachable set, and deletes anything
// outside it) and on the teacher's worker-pool-style fan-out for doing that
// concurrently across several independent backends.
package gc

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	yggdrasil "github.com/yggdrasil-sh/core"
	"github.com/yggdrasil-sh/core/gc/policy"
	"github.com/yggdrasil-sh/core/registry"
	"github.com/yggdrasil-sh/core/system"
	"github.com/yggdrasil-sh/core/workspace"
)

// Archiver cold-archives entries about to be deregistered. Satisfied by
// *archive.Archiver; kept as an interface here so gc does not depend on
// the archive package's S3 SDK import chain when archival isn't configured.
type Archiver interface {
	Archive(ctx context.Context, entries []registry.Entry) error
}

// Config parametrizes one GC.Run.
type Config struct {
	// GracePeriod is the minimum age (by HLC physical time) an entry must
	// reach before it is eligible for sweep.
	GracePeriod time.Duration
	// DryRun, when true, computes candidates and a bytes_estimate but
	// skips sweep and deregistration (spec §4.H step 6).
	DryRun bool
	// Policy, if non-nil, is an additional CEL filter layered on top of
	// the mandatory grace-period/reachability rule: a candidate must also
	// satisfy Policy.Allows to be swept.
	Policy *policy.Policy
	// Archiver, if non-nil, is given every swept entry before
	// deregistration. A failed archive is logged, not fatal: archival is
	// a best-effort audit trail, not a precondition for reclaiming space.
	Archiver Archiver
	// Logger defaults to slog.Default().
	Logger *slog.Logger
	// Now defaults to time.Now; overridable for deterministic tests.
	Now func() time.Time
}

func (c Config) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

func (c Config) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

// Result is the outcome of one GC.Run (spec §4.H step 6:
// {candidates, swept, errors}, plus the SPEC_FULL dry-run bytes_estimate
// enrichment).
type Result struct {
	Candidates    []registry.Entry
	Swept         []registry.Entry
	Errors        map[yggdrasil.SystemID]error
	BytesEstimate uint64
}

// GC coordinates collection over a Workspace's managed systems and
// Registry.
type GC struct {
	ws  *workspace.Workspace
	cfg Config
}

// New constructs a GC bound to ws.
func New(ws *workspace.Workspace, cfg Config) *GC {
	return &GC{ws: ws, cfg: cfg}
}

// Run executes the full algorithm in spec §4.H: live roots, reachable set,
// candidates, grouped sweep, deregistration.
func (g *GC) Run() (Result, error) {
	systems := g.managedSystems()

	liveRoots, err := g.collectLiveRoots(systems)
	if err != nil {
		return Result{}, err
	}

	reachable, err := g.collectReachable(systems, liveRoots)
	if err != nil {
		return Result{}, err
	}

	held := g.heldSnapshots()

	candidates, err := g.collectCandidates(reachable, held)
	if err != nil {
		return Result{}, err
	}

	result := Result{Candidates: candidates, Errors: map[yggdrasil.SystemID]error{}}
	if g.cfg.DryRun {
		result.BytesEstimate = g.estimateBytes(systems, candidates)
		return result, nil
	}

	swept, errsBySystem := g.sweep(systems, candidates)
	result.Swept = swept
	result.Errors = errsBySystem

	if g.cfg.Archiver != nil && len(swept) > 0 {
		if err := g.cfg.Archiver.Archive(context.Background(), swept); err != nil {
			g.cfg.logger().Warn("gc: failed to archive swept entries before deregistration", "error", err)
		}
	}

	for _, e := range swept {
		if err := g.ws.Registry().Deregister(e); err != nil {
			g.cfg.logger().Warn("gc: failed to deregister swept entry",
				"system_id", e.SystemID, "snapshot_id", e.SnapshotID, "error", err)
		}
	}
	return result, nil
}

func (g *GC) managedSystems() []system.System {
	ids := g.ws.ManagedSystems()
	out := make([]system.System, 0, len(ids))
	for _, id := range ids {
		if sys, ok := g.ws.Managed(id); ok {
			out = append(out, sys)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SystemID() < out[j].SystemID() })
	return out
}

// collectLiveRoots calls GCRoots() concurrently on every Garbage-Collectable
// managed system (step 1).
func (g *GC) collectLiveRoots(systems []system.System) (map[yggdrasil.SystemID]map[yggdrasil.SnapshotID]struct{}, error) {
	out := make(map[yggdrasil.SystemID]map[yggdrasil.SnapshotID]struct{})
	var mu sync.Mutex
	var grp errgroup.Group
	for _, sys := range systems {
		sys := sys
		gcable, err := system.Has[system.GarbageCollectable](sys, yggdrasil.CapGarbageCollectable)
		if err != nil {
			if yggdrasil.CodeOf(err) == yggdrasil.CapabilityError {
				continue
			}
			return nil, err
		}
		grp.Go(func() error {
			roots, err := gcable.GCRoots()
			if err != nil {
				return yggdrasil.Wrap(yggdrasil.AdapterError, err, sys.SystemID())
			}
			mu.Lock()
			out[sys.SystemID()] = roots
			mu.Unlock()
			return nil
		})
	}
	if err := grp.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// collectReachable computes ancestors(root) ∪ {root} for every live root of
// every Graphable system, and unions the result into one flat set across
// all systems (step 2). The set is intentionally global rather than keyed
// by system: spec §4.H's cross-system-safety note treats a snapshot id
// reachable in any one system as reachable everywhere, respecting
// content-address coincidence.
func (g *GC) collectReachable(systems []system.System, liveRoots map[yggdrasil.SystemID]map[yggdrasil.SnapshotID]struct{}) (map[yggdrasil.SnapshotID]struct{}, error) {
	reachable := map[yggdrasil.SnapshotID]struct{}{}
	var mu sync.Mutex
	var grp errgroup.Group

	for _, sys := range systems {
		roots, ok := liveRoots[sys.SystemID()]
		if !ok || len(roots) == 0 {
			continue
		}
		graphable, err := system.Has[system.Graphable](sys, yggdrasil.CapGraphable)
		if err != nil {
			if yggdrasil.CodeOf(err) == yggdrasil.CapabilityError {
				// Can't compute ancestors; conservatively treat the bare
				// roots themselves as reachable.
				mu.Lock()
				for id := range roots {
					reachable[id] = struct{}{}
				}
				mu.Unlock()
				continue
			}
			return nil, err
		}
		for root := range roots {
			root := root
			grp.Go(func() error {
				ancestors, err := graphable.Ancestors(root)
				if err != nil {
					return yggdrasil.Wrap(yggdrasil.AdapterError, err, sys.SystemID())
				}
				mu.Lock()
				reachable[root] = struct{}{}
				for _, a := range ancestors {
					reachable[a] = struct{}{}
				}
				mu.Unlock()
				return nil
			})
		}
	}
	if err := grp.Wait(); err != nil {
		return nil, err
	}
	return reachable, nil
}

// heldSnapshots returns the set of snapshot ids currently pinned via
// Workspace.HoldRef, which step 3 exempts from candidacy regardless of
// reachability.
func (g *GC) heldSnapshots() map[yggdrasil.SnapshotID]struct{} {
	out := map[yggdrasil.SnapshotID]struct{}{}
	for _, sys := range g.ws.HeldRefs() {
		if snapshotable, ok := sys.(system.Snapshotable); ok {
			out[snapshotable.CurrentSnapshot()] = struct{}{}
		}
	}
	return out
}

// collectCandidates walks every registry entry older than the grace
// period, excluding reachable and held snapshot ids, then applies the
// optional policy filter (step 3).
func (g *GC) collectCandidates(reachable, held map[yggdrasil.SnapshotID]struct{}) ([]registry.Entry, error) {
	now := g.cfg.now()
	cutoff := yggdrasil.HLC{
		Physical: now.Add(-g.cfg.GracePeriod).UnixMilli(),
		Logical:  math.MaxUint32,
	}
	entries, err := g.ws.Registry().EntriesInRange(yggdrasil.Zero, cutoff)
	if err != nil {
		return nil, err
	}

	var out []registry.Entry
	for _, e := range entries {
		if _, ok := reachable[e.SnapshotID]; ok {
			continue
		}
		if _, ok := held[e.SnapshotID]; ok {
			continue
		}
		if g.cfg.Policy != nil {
			allowed, err := g.cfg.Policy.Allows(e, now.UnixMilli())
			if err != nil {
				return nil, err
			}
			if !allowed {
				continue
			}
		}
		out = append(out, e)
	}
	return out, nil
}

// sweep groups candidates by system id and calls gc_sweep concurrently per
// group (step 4), returning the entries whose group's sweep succeeded.
func (g *GC) sweep(systems []system.System, candidates []registry.Entry) ([]registry.Entry, map[yggdrasil.SystemID]error) {
	bySystem := map[yggdrasil.SystemID][]registry.Entry{}
	for _, e := range candidates {
		bySystem[e.SystemID] = append(bySystem[e.SystemID], e)
	}
	byID := map[yggdrasil.SystemID]system.System{}
	for _, sys := range systems {
		byID[sys.SystemID()] = sys
	}

	var mu sync.Mutex
	var swept []registry.Entry
	errs := map[yggdrasil.SystemID]error{}
	var wg sync.WaitGroup

	for systemID, group := range bySystem {
		systemID, group := systemID, group
		wg.Add(1)
		go func() {
			defer wg.Done()
			sys, ok := byID[systemID]
			if !ok {
				mu.Lock()
				errs[systemID] = yggdrasil.Wrap(yggdrasil.NotFound, errUnmanagedAtSweep(systemID), systemID)
				mu.Unlock()
				return
			}
			gcable, err := system.Has[system.GarbageCollectable](sys, yggdrasil.CapGarbageCollectable)
			if err != nil {
				mu.Lock()
				errs[systemID] = err
				mu.Unlock()
				return
			}
			ids := make(map[yggdrasil.SnapshotID]struct{}, len(group))
			for _, e := range group {
				ids[e.SnapshotID] = struct{}{}
			}
			if _, err := gcable.GCSweep(ids); err != nil {
				mu.Lock()
				errs[systemID] = yggdrasil.Wrap(yggdrasil.AdapterError, err, systemID)
				mu.Unlock()
				return
			}
			mu.Lock()
			swept = append(swept, group...)
			mu.Unlock()
		}()
	}
	wg.Wait()
	return swept, errs
}

// estimateBytes sums SizeEstimate over every system that optionally
// implements system.Sizeable, reporting 0 for systems that don't.
func (g *GC) estimateBytes(systems []system.System, candidates []registry.Entry) uint64 {
	bySystem := map[yggdrasil.SystemID]map[yggdrasil.SnapshotID]struct{}{}
	for _, e := range candidates {
		if bySystem[e.SystemID] == nil {
			bySystem[e.SystemID] = map[yggdrasil.SnapshotID]struct{}{}
		}
		bySystem[e.SystemID][e.SnapshotID] = struct{}{}
	}
	var total uint64
	for _, sys := range systems {
		ids, ok := bySystem[sys.SystemID()]
		if !ok {
			continue
		}
		sizeable, ok := sys.(system.Sizeable)
		if !ok {
			continue
		}
		n, err := sizeable.SizeEstimate(ids)
		if err != nil {
			continue
		}
		total += n
	}
	return total
}
