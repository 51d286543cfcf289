// Package registry holds the live action catalog: descriptors paired with
// their executors, mutable at runtime through serialized, versioned
// mutations. The index and the pipeline observe it through OnChange
// callbacks and Snapshot reads, never through shared mutable state.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"routenerd/internal/catalog"
	"routenerd/internal/logging"
)

// Registry errors.
var (
	// ErrActionNotFound is returned when an action is not registered.
	ErrActionNotFound = errors.New("action not found")

	// ErrGroupNotFound is returned for operations on an unknown group.
	ErrGroupNotFound = errors.New("group not found")

	// ErrRegistryInconsistent is returned when a mutation would corrupt the
	// catalog (duplicate name, duplicate usage phrase). The mutation is
	// rejected before any state changes.
	ErrRegistryInconsistent = errors.New("registry inconsistency")

	// ErrNilHandler is returned when an action has no handler.
	ErrNilHandler = errors.New("action handler cannot be nil")
)

// Result is the outcome of one action execution. Exactly one of Output or
// Missing is meaningful: a non-empty Missing means the action needs the
// listed fields from the user before it can run, which is a normal outcome,
// not an error.
type Result struct {
	Output  string
	Missing []string
}

// NeedsInput reports whether the action asked for more user input.
func (r *Result) NeedsInput() bool {
	return r != nil && len(r.Missing) > 0
}

// TextResult wraps plain output.
func TextResult(output string) *Result {
	return &Result{Output: output}
}

// NeedsMoreInput signals that the listed fields must come from the user.
// Handlers must return this instead of guessing values.
func NeedsMoreInput(fields ...string) *Result {
	return &Result{Missing: fields}
}

// Handler executes one action.
type Handler func(ctx context.Context, args map[string]any) (*Result, error)

// Action pairs a descriptor with its executor.
type Action struct {
	Descriptor *catalog.ActionDescriptor
	Handler    Handler
}

// GroupLoader produces a group's actions from its backing source (card
// files plus scripts, or code). ReloadGroup re-invokes it.
type GroupLoader func(ctx context.Context) ([]*Action, error)

// Snapshot is an immutable view of the catalog at one version. Observers
// must take a fresh snapshot after every version change rather than caching
// descriptors across versions.
type Snapshot struct {
	Descriptors []*catalog.ActionDescriptor
	Version     int64
}

// Get returns the descriptor with the given name, or nil.
func (s *Snapshot) Get(name string) *catalog.ActionDescriptor {
	for _, d := range s.Descriptors {
		if d.Name == name {
			return d
		}
	}
	return nil
}

// OnChangeFunc observes version bumps. Callbacks run outside the registry
// lock, asynchronously, exactly once per bump.
type OnChangeFunc func(version int64)

// Registry is the mutable, versioned action catalog. All mutations are
// serialized; version strictly increases, one bump per successful mutation.
type Registry struct {
	mu        sync.RWMutex
	actions   map[string]*Action
	groups    map[string][]string
	loaders   map[string]GroupLoader
	version   int64
	observers []OnChangeFunc
}

// NewRegistry creates an empty registry at version 0.
func NewRegistry() *Registry {
	return &Registry{
		actions: make(map[string]*Action),
		groups:  make(map[string][]string),
		loaders: make(map[string]GroupLoader),
	}
}

// OnChange subscribes to version bumps.
func (r *Registry) OnChange(fn OnChangeFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observers = append(r.observers, fn)
}

// Register adds a group of actions. Validation runs against the whole
// catalog before anything changes: duplicate names or usage phrases reject
// the entire batch. One version bump on success.
func (r *Registry) Register(group string, actions []*Action) error {
	if err := validateActions(actions); err != nil {
		return err
	}

	r.mu.Lock()

	if err := r.checkConflictsLocked(actions, nil); err != nil {
		r.mu.Unlock()
		return err
	}

	for _, a := range actions {
		a.Descriptor.Group = group
		r.actions[a.Descriptor.Name] = a
		r.groups[group] = append(r.groups[group], a.Descriptor.Name)
		if a.Descriptor.LowRecall() {
			logging.RegistryWarn("Action %s has no usage phrases, retrieval degrades to purpose only", a.Descriptor.Name)
		}
	}
	version, observers := r.bumpLocked()
	count := len(r.actions)
	r.mu.Unlock()

	logging.Registry("Registered %d actions in group %s (version=%d, total=%d)", len(actions), group, version, count)
	notify(observers, version)
	return nil
}

// RegisterGroup stores the group's loader, runs it once, and registers the
// result. ReloadGroup will re-run the same loader.
func (r *Registry) RegisterGroup(ctx context.Context, group string, loader GroupLoader) error {
	actions, err := loader(ctx)
	if err != nil {
		return fmt.Errorf("group %s loader failed: %w", group, err)
	}

	r.mu.Lock()
	r.loaders[group] = loader
	r.mu.Unlock()

	return r.Register(group, actions)
}

// Unregister removes one action. One version bump on success.
func (r *Registry) Unregister(name string) error {
	r.mu.Lock()

	action, ok := r.actions[name]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrActionNotFound, name)
	}

	delete(r.actions, name)
	group := action.Descriptor.Group
	r.groups[group] = removeString(r.groups[group], name)
	if len(r.groups[group]) == 0 {
		delete(r.groups, group)
	}
	version, observers := r.bumpLocked()
	count := len(r.actions)
	r.mu.Unlock()

	logging.Registry("Unregistered action %s (version=%d, total=%d)", name, version, count)
	notify(observers, version)
	return nil
}

// ReloadGroup re-runs the group's loader and atomically replaces the
// group's actions. The loader runs outside the lock (it may read files or
// evaluate scripts); the swap itself is a single serialized mutation with
// one version bump. On loader or validation failure the previous actions
// stay live.
func (r *Registry) ReloadGroup(ctx context.Context, group string) error {
	r.mu.RLock()
	loader, ok := r.loaders[group]
	_, known := r.groups[group]
	r.mu.RUnlock()

	if !ok {
		if !known {
			return fmt.Errorf("%w: %s", ErrGroupNotFound, group)
		}
		return fmt.Errorf("group %s has no loader, re-register it instead", group)
	}

	actions, err := loader(ctx)
	if err != nil {
		return fmt.Errorf("group %s reload failed: %w", group, err)
	}
	if err := validateActions(actions); err != nil {
		return err
	}

	r.mu.Lock()

	if err := r.checkConflictsLocked(actions, func(d *catalog.ActionDescriptor) bool {
		return d.Group == group
	}); err != nil {
		r.mu.Unlock()
		return err
	}

	for _, name := range r.groups[group] {
		delete(r.actions, name)
	}
	delete(r.groups, group)

	for _, a := range actions {
		a.Descriptor.Group = group
		r.actions[a.Descriptor.Name] = a
		r.groups[group] = append(r.groups[group], a.Descriptor.Name)
	}
	version, observers := r.bumpLocked()
	count := len(r.actions)
	r.mu.Unlock()

	logging.Registry("Reloaded group %s with %d actions (version=%d, total=%d)", group, len(actions), version, count)
	notify(observers, version)
	return nil
}

// Snapshot returns descriptor copies and the current version. The copies
// are safe to hold across later mutations.
func (r *Registry) Snapshot() *Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	descs := make([]*catalog.ActionDescriptor, 0, len(r.actions))
	for _, a := range r.actions {
		d := *a.Descriptor
		descs = append(descs, &d)
	}
	sort.Slice(descs, func(i, j int) bool { return descs[i].Name < descs[j].Name })

	return &Snapshot{Descriptors: descs, Version: r.version}
}

// Get returns the live action by name.
func (r *Registry) Get(name string) (*Action, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.actions[name]
	return a, ok
}

// Execute runs a registered action.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]any) (*Result, error) {
	a, ok := r.Get(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrActionNotFound, name)
	}

	timer := logging.StartTimer(logging.CategoryRegistry, "Execute:"+name)
	defer timer.Stop()

	logging.RegistryDebug("Executing action %s (args=%d)", name, len(args))
	result, err := a.Handler(ctx, args)
	if err != nil {
		logging.RegistryWarn("Action %s failed: %v", name, err)
		return nil, err
	}
	if result.NeedsInput() {
		logging.RegistryDebug("Action %s needs more input: %v", name, result.Missing)
	}
	return result, nil
}

// Version returns the current catalog version.
func (r *Registry) Version() int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.version
}

// Count returns the number of registered actions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.actions)
}

// Names returns all registered action names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.actions))
	for name := range r.actions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Groups returns all group names, sorted.
func (r *Registry) Groups() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	groups := make([]string, 0, len(r.groups))
	for g := range r.groups {
		groups = append(groups, g)
	}
	sort.Strings(groups)
	return groups
}

// bumpLocked advances the version and snapshots the observer list. Caller
// holds the write lock and must notify after releasing it.
func (r *Registry) bumpLocked() (int64, []OnChangeFunc) {
	r.version++
	observers := append([]OnChangeFunc(nil), r.observers...)
	return r.version, observers
}

// notify delivers one version bump to every observer, off the caller's
// goroutine and outside the registry lock.
func notify(observers []OnChangeFunc, version int64) {
	if len(observers) == 0 {
		return
	}
	go func() {
		for _, fn := range observers {
			fn(version)
		}
	}()
}

// checkConflictsLocked validates incoming actions against the current
// catalog, ignoring actions for which exclude returns true (used when a
// group is being replaced). Caller holds the write lock.
func (r *Registry) checkConflictsLocked(incoming []*Action, exclude func(*catalog.ActionDescriptor) bool) error {
	combined := make([]*catalog.ActionDescriptor, 0, len(r.actions)+len(incoming))
	for _, a := range r.actions {
		if exclude != nil && exclude(a.Descriptor) {
			continue
		}
		combined = append(combined, a.Descriptor)
	}
	sort.Slice(combined, func(i, j int) bool { return combined[i].Name < combined[j].Name })
	for _, a := range incoming {
		combined = append(combined, a.Descriptor)
	}

	if err := catalog.ValidateSet(combined); err != nil {
		return fmt.Errorf("%w: %v", ErrRegistryInconsistent, err)
	}
	return nil
}

// validateActions checks structural validity of an incoming batch.
func validateActions(actions []*Action) error {
	for _, a := range actions {
		if a == nil || a.Descriptor == nil {
			return fmt.Errorf("%w: nil action", ErrRegistryInconsistent)
		}
		if a.Handler == nil {
			return fmt.Errorf("%w: %s", ErrNilHandler, a.Descriptor.Name)
		}
		if err := a.Descriptor.Validate(); err != nil {
			return fmt.Errorf("%w: %v", ErrRegistryInconsistent, err)
		}
	}
	return nil
}

func removeString(list []string, s string) []string {
	out := list[:0]
	for _, v := range list {
		if v != s {
			out = append(out, v)
		}
	}
	return out
}
