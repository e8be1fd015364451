// Package workspace implements the Workspace Coordinator (spec §4.F): it
// owns a Registry, a set of managed systems, an HLC source, held refs, and
// watcher subscriptions, and it is the one place cross-system commits are
// pinned to a shared logical time.
//
// Grounded on the teacher's own top-level coordinator (the type that owns a
// transaction manager, a backend, and a set of open handles) for the shape
// of "one struct owns several maps of live state plus a durability layer
// underneath them."
package workspace

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	yggdrasil "github.com/yggdrasil-sh/core"
	"github.com/yggdrasil-sh/core/registry"
	"github.com/yggdrasil-sh/core/system"
)

// watchErrorThreshold is the number of consecutive callback errors a
// watcher tolerates before the Workspace unregisters it (spec §7,
// implementation-defined escalation policy).
const watchErrorThreshold = 2

// CommitFunc performs a commit against a managed system's current value and
// returns the updated value. It is supplied by the caller of CommitWithHLC /
// CoordinatedCommit, not by the system itself.
type CommitFunc func(sys system.System) (system.System, yggdrasil.SnapshotID, error)

// refKey identifies one held reference's slot, matching spec §4.F's
// connection cache key of (system_id, branch).
type refKey struct {
	system yggdrasil.SystemID
	branch yggdrasil.BranchName
}

type watchState struct {
	id             system.WatchID
	consecutiveErr int
}

// Workspace is the cross-system coordinator. It is safe for concurrent use.
type Workspace struct {
	mu       sync.Mutex
	registry *registry.Registry
	clock    *yggdrasil.Clock
	log      *slog.Logger

	systems  map[yggdrasil.SystemID]system.System
	watchers map[yggdrasil.SystemID][]watchState
	refs     map[refKey]system.System
	refLabel map[string]refKey
}

// Options configures a new Workspace.
type Options struct {
	Registry *registry.Registry
	Clock    *yggdrasil.Clock // defaults to yggdrasil.NewClock()
	Logger   *slog.Logger     // defaults to slog.Default()
}

// New constructs a Workspace over an already-open Registry. The Workspace
// does not own the Registry's lifecycle beyond Close, which is called from
// Workspace.Close.
func New(opts Options) (*Workspace, error) {
	if opts.Registry == nil {
		return nil, yggdrasil.Wrap(yggdrasil.Unknown, errors.New("workspace: Registry is required"), nil)
	}
	clock := opts.Clock
	if clock == nil {
		clock = yggdrasil.NewClock()
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Workspace{
		registry: opts.Registry,
		clock:    clock,
		log:      log,
		systems:  map[yggdrasil.SystemID]system.System{},
		watchers: map[yggdrasil.SystemID][]watchState{},
		refs:     map[refKey]system.System{},
		refLabel: map[string]refKey{},
	}, nil
}

// Manage adds sys to the managed set, registers its current snapshot, and —
// if sys is Watchable — subscribes a callback that stamps every observed
// external event with a fresh HLC and records a registry entry for it.
// Idempotent by system id: managing an already-managed system id replaces
// the stored value without re-registering or re-subscribing.
func (w *Workspace) Manage(sys system.System) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	_, alreadyManaged := w.systems[sys.SystemID()]
	w.systems[sys.SystemID()] = sys
	if alreadyManaged {
		return nil
	}

	if err := w.registerCurrentLocked(sys); err != nil {
		return err
	}

	watchable, err := system.Has[system.Watchable](sys, yggdrasil.CapWatchable)
	if err != nil {
		if yggdrasil.CodeOf(err) == yggdrasil.CapabilityError {
			return nil
		}
		return err
	}
	return w.subscribeLocked(watchable)
}

// registerCurrentLocked records sys's current position with a freshly
// ticked HLC. Called with w.mu held.
func (w *Workspace) registerCurrentLocked(sys system.System) error {
	snapshotable, err := system.Has[system.Snapshotable](sys, yggdrasil.CapSnapshotable)
	if err != nil {
		if yggdrasil.CodeOf(err) == yggdrasil.CapabilityError {
			return nil
		}
		return err
	}
	branch := yggdrasil.BranchName("")
	if branchable, ok := sys.(system.Branchable); ok {
		branch = branchable.CurrentBranch()
	}
	hlc := w.clock.Tick()
	return w.registry.Register(registry.Entry{
		SnapshotID: snapshotable.CurrentSnapshot(),
		SystemID:   sys.SystemID(),
		Branch:     branch,
		HLC:        hlc,
		ParentIDs:  snapshotable.ParentIDs(),
	})
}

// subscribeLocked wires a watch callback that stamps and registers every
// externally observed commit, unregistering itself after
// watchErrorThreshold consecutive callback failures. Called with w.mu held.
func (w *Workspace) subscribeLocked(watchable system.Watchable) error {
	systemID := watchable.SystemID()
	state := &watchState{}
	id, err := watchable.Watch(func(ev system.WatchEvent) error {
		err := w.handleWatchEvent(systemID, ev)
		w.mu.Lock()
		defer w.mu.Unlock()
		if err != nil {
			state.consecutiveErr++
			w.log.Warn("watch callback failed", "system_id", systemID, "kind", ev.Kind, "error", err, "consecutive_errors", state.consecutiveErr)
			if state.consecutiveErr >= watchErrorThreshold {
				w.log.Warn("unregistering watcher after repeated failures", "system_id", systemID, "threshold", watchErrorThreshold)
				w.removeWatchStateLocked(systemID, state.id)
				_ = watchable.Unwatch(state.id)
			}
			return err
		}
		state.consecutiveErr = 0
		return nil
	})
	if err != nil {
		return yggdrasil.Wrap(yggdrasil.AdapterError, err, systemID)
	}
	state.id = id
	w.watchers[systemID] = append(w.watchers[systemID], *state)
	return nil
}

func (w *Workspace) removeWatchStateLocked(systemID yggdrasil.SystemID, id system.WatchID) {
	states := w.watchers[systemID]
	for i, s := range states {
		if s.id == id {
			w.watchers[systemID] = append(states[:i], states[i+1:]...)
			return
		}
	}
}

// handleWatchEvent stamps an externally observed event with a fresh HLC and
// records it in the registry. It acquires w.mu itself since it runs from a
// watcher's own goroutine, outside any Workspace method's lock.
func (w *Workspace) handleWatchEvent(systemID yggdrasil.SystemID, ev system.WatchEvent) error {
	w.mu.Lock()
	sys, ok := w.systems[systemID]
	w.mu.Unlock()
	if !ok {
		return fmt.Errorf("watch event for unmanaged system %s", systemID)
	}
	var parentIDs []yggdrasil.SnapshotID
	if snapshotable, ok := sys.(system.Snapshotable); ok {
		parentIDs = snapshotable.ParentIDs()
	}
	hlc := w.clock.Tick()
	return w.registry.Register(registry.Entry{
		SnapshotID: ev.SnapshotID,
		SystemID:   systemID,
		Branch:     ev.Branch,
		HLC:        hlc,
		ParentIDs:  parentIDs,
	})
}

// Unmanage unsubscribes every watcher for systemID and removes it from the
// managed set. Registry entries already recorded for it are left intact:
// temporal queries must still be able to resolve its past state.
func (w *Workspace) Unmanage(systemID yggdrasil.SystemID) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	sys, ok := w.systems[systemID]
	if !ok {
		return yggdrasil.Wrap(yggdrasil.NotFound, fmt.Errorf("system %s is not managed", systemID), systemID)
	}
	if watchable, ok := sys.(system.Watchable); ok {
		for _, st := range w.watchers[systemID] {
			_ = watchable.Unwatch(st.id)
		}
	}
	delete(w.watchers, systemID)
	delete(w.systems, systemID)
	return nil
}

// HoldRef pins sys's current snapshot under label: it is recorded in the
// connection cache and registered, and stays referenced (immune to GC)
// until ReleaseRef(label) or Close.
func (w *Workspace) HoldRef(label string, sys system.System) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	branch := yggdrasil.BranchName("")
	if branchable, ok := sys.(system.Branchable); ok {
		branch = branchable.CurrentBranch()
	}
	key := refKey{system: sys.SystemID(), branch: branch}
	if err := w.registerCurrentLocked(sys); err != nil {
		return err
	}
	w.refs[key] = sys
	w.refLabel[label] = key
	return nil
}

// ReleaseRef drops the held reference recorded under label. The
// corresponding registry entry is left in place; only GC's held-ref
// exemption stops covering it once released.
func (w *Workspace) ReleaseRef(label string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	key, ok := w.refLabel[label]
	if !ok {
		return yggdrasil.Wrap(yggdrasil.NotFound, fmt.Errorf("no held ref labeled %q", label), nil)
	}
	delete(w.refLabel, label)
	delete(w.refs, key)
	return nil
}

// HeldRefs returns the systems currently pinned via HoldRef, keyed by
// label. Used by gc to exempt their current snapshots from sweep candidacy;
// unlike each managed system's GCRoots(), their ancestors are not walked.
func (w *Workspace) HeldRefs() map[string]system.System {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make(map[string]system.System, len(w.refLabel))
	for label, key := range w.refLabel {
		out[label] = w.refs[key]
	}
	return out
}

// BeginTransaction ticks the HLC and returns the pinned value. Every commit
// recorded under the same returned HLC forms one atomic cross-system
// transaction in the logical time dimension, even though no physical
// transaction spans the underlying systems.
func (w *Workspace) BeginTransaction() yggdrasil.HLC {
	return w.clock.Tick()
}

// CommitWithHLC runs commitFn against the current value of systemID, pinned
// to hlc, installs the returned system value, and records a registry entry
// at hlc for the new snapshot. It fails with NotFound if systemID is not
// managed.
func (w *Workspace) CommitWithHLC(systemID yggdrasil.SystemID, hlc yggdrasil.HLC, commitFn CommitFunc) (yggdrasil.SnapshotID, error) {
	w.mu.Lock()
	sys, ok := w.systems[systemID]
	w.mu.Unlock()
	if !ok {
		return "", yggdrasil.Wrap(yggdrasil.NotFound, fmt.Errorf("system %s is not managed", systemID), systemID)
	}

	next, snapID, err := commitFn(sys)
	if err != nil {
		return "", yggdrasil.Wrap(yggdrasil.AdapterError, err, systemID)
	}

	var parentIDs []yggdrasil.SnapshotID
	var message string
	branch := yggdrasil.BranchName("")
	if snapshotable, ok := next.(system.Snapshotable); ok {
		parentIDs = snapshotable.ParentIDs()
		if meta, err := snapshotable.SnapshotMeta(snapID); err == nil {
			message = meta.Message
		}
	}
	if branchable, ok := next.(system.Branchable); ok {
		branch = branchable.CurrentBranch()
	}

	if err := w.registry.Register(registry.Entry{
		SnapshotID: snapID,
		SystemID:   systemID,
		Branch:     branch,
		HLC:        hlc,
		ParentIDs:  parentIDs,
		Message:    message,
	}); err != nil {
		return "", err
	}

	w.mu.Lock()
	w.systems[systemID] = next
	w.mu.Unlock()
	return snapID, nil
}

// CoordinatedResult is one system's outcome from CoordinatedCommit.
type CoordinatedResult struct {
	SnapshotID yggdrasil.SnapshotID
	Err        error
}

// CoordinatedCommit pins one HLC via BeginTransaction and runs every
// commitFn concurrently via errgroup, each against its own system
// independently. Partial failure is expected: a per-system error does not
// cancel or roll back the others. The returned map always has one entry
// per key in commitFns.
func (w *Workspace) CoordinatedCommit(commitFns map[yggdrasil.SystemID]CommitFunc) (results map[yggdrasil.SystemID]CoordinatedResult, hlc yggdrasil.HLC) {
	hlc = w.BeginTransaction()
	results = make(map[yggdrasil.SystemID]CoordinatedResult, len(commitFns))

	var mu sync.Mutex
	var g errgroup.Group
	for systemID, fn := range commitFns {
		systemID, fn := systemID, fn
		g.Go(func() error {
			snapID, err := w.CommitWithHLC(systemID, hlc, fn)
			mu.Lock()
			results[systemID] = CoordinatedResult{SnapshotID: snapID, Err: err}
			mu.Unlock()
			return nil // errors are reported per-system, never propagated to the group
		})
	}
	_ = g.Wait()
	return results, hlc
}

// AsOfWorld delegates to Registry.AsOf(hlc): the cross-system state at a
// single point in logical time.
func (w *Workspace) AsOfWorld(hlc yggdrasil.HLC) (map[registry.PairKey]registry.Entry, error) {
	return w.registry.AsOf(hlc)
}

// Managed returns the system value currently installed for systemID, or
// false if it is not managed.
func (w *Workspace) Managed(systemID yggdrasil.SystemID) (system.System, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	sys, ok := w.systems[systemID]
	return sys, ok
}

// ManagedSystems returns every currently managed system id.
func (w *Workspace) ManagedSystems() []yggdrasil.SystemID {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]yggdrasil.SystemID, 0, len(w.systems))
	for id := range w.systems {
		out = append(out, id)
	}
	return out
}

// Registry returns the underlying Registry, for callers (e.g. gc) that need
// direct access beyond AsOfWorld.
func (w *Workspace) Registry() *registry.Registry {
	return w.registry
}

// Close unmanages every system and closes the Registry.
func (w *Workspace) Close() error {
	w.mu.Lock()
	ids := make([]yggdrasil.SystemID, 0, len(w.systems))
	for id := range w.systems {
		ids = append(ids, id)
	}
	w.mu.Unlock()

	for _, id := range ids {
		if err := w.Unmanage(id); err != nil {
			return err
		}
	}
	return w.registry.Close()
}
