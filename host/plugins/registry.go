// Package plugins keeps the host-side registry of plugin instances: who is
// loaded, which optional capabilities each instance carries, and the
// hot-reload hand-off from an old instance to its replacement.
package plugins

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Category classifies a plugin for operator surfaces.
type Category string

const (
	CategoryCore    Category = "core"
	CategoryWindow  Category = "window"
	CategoryService Category = "service"
	CategoryLibrary Category = "library"
)

func (c Category) valid() bool {
	switch c {
	case CategoryCore, CategoryWindow, CategoryService, CategoryLibrary:
		return true
	}
	return false
}

// Optional capabilities. Each is resolved by interface assertion exactly
// once, at registration; the resolved set is recorded on the entry and never
// re-checked.

// Stateful plugins hand their state to a replacement across a hot reload.
// The registry passes captured bytes through untouched.
type Stateful interface {
	CaptureState() ([]byte, error)
	RestoreState(state []byte) error
}

// Runner plugins get a dedicated goroutine for the life of the registration.
// Run must return promptly once stop closes.
type Runner interface {
	Run(stop <-chan struct{})
}

// StopTimeouter overrides the default runner join timeout.
type StopTimeouter interface {
	StopTimeout() time.Duration
}

// Shutdowner releases resources when the plugin is unloaded. Its error is
// logged, never discarded.
type Shutdowner interface {
	Shutdown() error
}

// Descriptor describes one plugin registration. DependsOn is diagnostic
// metadata; nothing blocks unloading a depended-upon plugin.
type Descriptor struct {
	Name      string
	Category  Category
	Instance  any
	DependsOn []string
}

// Event kinds delivered to listeners around a reload.
const (
	EventUnloading = "unloading"
	EventReloaded  = "reloaded"
)

// Event notifies listeners of a reload boundary for one plugin.
type Event struct {
	Kind     string
	Name     string
	Category Category
}

// History event kinds recorded by the registry.
const (
	HistoryUnloading       = "plugin_unloading"
	HistoryReloaded        = "plugin_reloaded"
	HistoryRunnerAbandoned = "runner_abandoned"
)

// HistoryRecorder receives plugin lifecycle events. The registry never
// blocks on it; implementations log their own failures.
type HistoryRecorder interface {
	RecordPluginEvent(eventType, plugin, detail string)
}

const defaultStopTimeout = 5 * time.Second

// entry is one live registration with its capabilities resolved.
type entry struct {
	desc     Descriptor
	stateful Stateful
	runner   Runner
	shutdown Shutdowner
	stopWait time.Duration
	stop     chan struct{}
	runDone  chan struct{}
}

func newEntry(desc Descriptor, stopWait time.Duration) *entry {
	e := &entry{desc: desc, stopWait: stopWait}
	if s, ok := desc.Instance.(Stateful); ok {
		e.stateful = s
	}
	if r, ok := desc.Instance.(Runner); ok {
		e.runner = r
	}
	if s, ok := desc.Instance.(Shutdowner); ok {
		e.shutdown = s
	}
	if st, ok := desc.Instance.(StopTimeouter); ok {
		e.stopWait = st.StopTimeout()
	}
	return e
}

// Options configures a Registry.
type Options struct {
	Logger      *slog.Logger
	History     HistoryRecorder
	StopTimeout time.Duration // runner join timeout, default 5s
}

// Registry is the table of loaded plugins. reloadMu serializes the
// multi-step register/replace/unregister sequences; mu guards the table so
// lookups never wait behind a runner join.
type Registry struct {
	logger   *slog.Logger
	history  HistoryRecorder
	stopWait time.Duration

	reloadMu sync.Mutex

	mu        sync.Mutex
	entries   map[string]*entry
	listeners []func(Event)
}

// NewRegistry creates an empty registry.
func NewRegistry(opts Options) *Registry {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	stopWait := opts.StopTimeout
	if stopWait == 0 {
		stopWait = defaultStopTimeout
	}
	return &Registry{
		logger:   logger.With("component", "PluginRegistry"),
		history:  opts.History,
		stopWait: stopWait,
		entries:  make(map[string]*entry),
	}
}

func validate(desc Descriptor) error {
	if desc.Name == "" {
		return fmt.Errorf("plugin name is required")
	}
	if !desc.Category.valid() {
		return fmt.Errorf("plugin %s: unknown category %q", desc.Name, desc.Category)
	}
	if desc.Instance == nil {
		return fmt.Errorf("plugin %s: instance is required", desc.Name)
	}
	return nil
}

// AddListener registers a callback for reload events. Listeners are invoked
// after the registry lock is released, in registration order.
func (r *Registry) AddListener(fn func(Event)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, fn)
}

func (r *Registry) notify(ev Event) {
	r.mu.Lock()
	listeners := make([]func(Event), len(r.listeners))
	copy(listeners, r.listeners)
	r.mu.Unlock()

	for _, fn := range listeners {
		fn(ev)
	}
}

func (r *Registry) record(eventType, plugin, detail string) {
	if r.history != nil {
		r.history.RecordPluginEvent(eventType, plugin, detail)
	}
}

// Register adds a new plugin and starts its runner, if it has one. A name
// already in the table is an error; hot reloads go through Replace.
func (r *Registry) Register(desc Descriptor) error {
	if err := validate(desc); err != nil {
		return err
	}

	r.reloadMu.Lock()
	defer r.reloadMu.Unlock()

	r.mu.Lock()
	if _, exists := r.entries[desc.Name]; exists {
		r.mu.Unlock()
		return fmt.Errorf("plugin %s is already registered", desc.Name)
	}
	e := newEntry(desc, r.stopWait)
	r.entries[desc.Name] = e
	r.startRunnerLocked(e)
	r.mu.Unlock()

	r.logger.Info("Plugin registered", "plugin", desc.Name, "category", desc.Category)
	return nil
}

// Replace hot-reloads a plugin: unloading notification, runner stop and
// join, Shutdown, state hand-off when both sides are stateful, then the new
// registration and the reloaded notification. With no existing entry it
// degenerates to a plain Register.
func (r *Registry) Replace(desc Descriptor) error {
	if err := validate(desc); err != nil {
		return err
	}

	r.reloadMu.Lock()
	defer r.reloadMu.Unlock()

	r.mu.Lock()
	old, exists := r.entries[desc.Name]
	if !exists {
		e := newEntry(desc, r.stopWait)
		r.entries[desc.Name] = e
		r.startRunnerLocked(e)
		r.mu.Unlock()
		r.logger.Info("Plugin registered", "plugin", desc.Name, "category", desc.Category)
		return nil
	}
	// The old entry leaves the table before teardown begins: a lookup
	// during the reload window must not find a half-stopped instance.
	delete(r.entries, desc.Name)
	r.mu.Unlock()

	r.notify(Event{Kind: EventUnloading, Name: desc.Name, Category: old.desc.Category})
	r.record(HistoryUnloading, desc.Name, string(old.desc.Category))

	r.teardown(old)

	e := newEntry(desc, r.stopWait)
	if old.stateful != nil && e.stateful != nil {
		state, err := old.stateful.CaptureState()
		if err != nil {
			r.logger.Error("Failed to capture plugin state, reloading without it",
				"plugin", desc.Name, "error", err)
		} else if err := e.stateful.RestoreState(state); err != nil {
			r.logger.Error("Failed to restore plugin state, reloading without it",
				"plugin", desc.Name, "error", err)
		}
	}

	r.mu.Lock()
	r.entries[desc.Name] = e
	r.startRunnerLocked(e)
	r.mu.Unlock()

	r.notify(Event{Kind: EventReloaded, Name: desc.Name, Category: desc.Category})
	r.record(HistoryReloaded, desc.Name, string(desc.Category))
	r.logger.Info("Plugin reloaded", "plugin", desc.Name, "category", desc.Category)
	return nil
}

// Unregister removes a plugin through the same teardown path as a reload,
// with no successor.
func (r *Registry) Unregister(name string) error {
	r.reloadMu.Lock()
	defer r.reloadMu.Unlock()

	r.mu.Lock()
	old, exists := r.entries[name]
	if !exists {
		r.mu.Unlock()
		return fmt.Errorf("plugin %s is not registered", name)
	}
	delete(r.entries, name)
	r.mu.Unlock()

	r.notify(Event{Kind: EventUnloading, Name: name, Category: old.desc.Category})
	r.record(HistoryUnloading, name, string(old.desc.Category))

	r.teardown(old)

	r.logger.Info("Plugin unregistered", "plugin", name)
	return nil
}

func (r *Registry) startRunnerLocked(e *entry) {
	if e.runner == nil {
		return
	}
	e.stop = make(chan struct{})
	e.runDone = make(chan struct{})
	go func() {
		defer close(e.runDone)
		e.runner.Run(e.stop)
	}()
}

// teardown stops the runner (abandoning the goroutine after the join
// timeout) and calls Shutdown.
func (r *Registry) teardown(e *entry) {
	name := e.desc.Name
	if e.runner != nil {
		close(e.stop)
		timer := time.NewTimer(e.stopWait)
		select {
		case <-e.runDone:
			timer.Stop()
		case <-timer.C:
			r.logger.Error("Plugin runner did not stop in time, abandoning goroutine",
				"plugin", name, "timeout", e.stopWait)
			r.record(HistoryRunnerAbandoned, name, fmt.Sprintf("no stop after %s", e.stopWait))
		}
	}
	if e.shutdown != nil {
		if err := e.shutdown.Shutdown(); err != nil {
			r.logger.Error("Plugin shutdown returned error", "plugin", name, "error", err)
		}
	}
}

// Get returns the registered instance for a name.
func (r *Registry) Get(name string) (any, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[name]
	if !ok {
		return nil, false
	}
	return e.desc.Instance, true
}

// EntryInfo is a point-in-time view of one registration.
type EntryInfo struct {
	Name       string   `json:"name"`
	Category   Category `json:"category"`
	DependsOn  []string `json:"dependsOn,omitempty"`
	Stateful   bool     `json:"stateful"`
	Runner     bool     `json:"runner"`
	Shutdowner bool     `json:"shutdowner"`
}

// Snapshot returns every registration sorted by name.
func (r *Registry) Snapshot() []EntryInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	infos := make([]EntryInfo, 0, len(r.entries))
	for _, e := range r.entries {
		infos = append(infos, EntryInfo{
			Name:       e.desc.Name,
			Category:   e.desc.Category,
			DependsOn:  e.desc.DependsOn,
			Stateful:   e.stateful != nil,
			Runner:     e.runner != nil,
			Shutdowner: e.shutdown != nil,
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

// Dependents returns the names of plugins that declare name in DependsOn,
// sorted. Diagnostic only.
func (r *Registry) Dependents(name string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	deps := make([]string, 0)
	for _, e := range r.entries {
		for _, dep := range e.desc.DependsOn {
			if dep == name {
				deps = append(deps, e.desc.Name)
				break
			}
		}
	}
	sort.Strings(deps)
	return deps
}

// Close tears down every plugin without emitting reload notifications.
func (r *Registry) Close() {
	r.reloadMu.Lock()
	defer r.reloadMu.Unlock()

	r.mu.Lock()
	entries := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.entries = make(map[string]*entry)
	r.mu.Unlock()

	sort.Slice(entries, func(i, j int) bool { return entries[i].desc.Name < entries[j].desc.Name })
	for _, e := range entries {
		r.teardown(e)
	}
}
