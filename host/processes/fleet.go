package processes

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	// PrimaryName is the reserved peer name for the primary engine process.
	PrimaryName = "main"

	defaultMaxRestarts = 5
	defaultBackoffBase = 1 * time.Second
	defaultBackoffMax  = 30 * time.Second
	defaultStopGrace   = 5 * time.Second
)

// Peer lifecycle event kinds recorded into the history store.
const (
	EventSpawned          = "spawned"
	EventReady            = "ready"
	EventExited           = "exited"
	EventCrashed          = "crashed"
	EventSpawnFailed      = "spawn_failed"
	EventRestartScheduled = "restart_scheduled"
	EventGaveUp           = "gave_up"
)

// HistoryRecorder receives lifecycle events. The fleet never blocks on it;
// implementations log their own failures.
type HistoryRecorder interface {
	RecordPeerEvent(eventType, peer, detail string)
}

// WorkerConfig describes one peer to spawn. Zero restart fields take the
// package defaults.
type WorkerConfig struct {
	Name            string
	Command         string
	Args            []string
	ServicesDir     string
	BrowserAccess   bool
	ExtensionHost   bool
	AllowedChannels []string
	MaxRestarts     int
	BackoffBase     time.Duration
	BackoffMax      time.Duration
}

// FleetHooks surface fleet-level happenings to the host.
type FleetHooks struct {
	OnPeerReady     func(name string, info ReadyInfo)
	OnPeerExhausted func(name string)
	OnServicePush   func(peer, channel string, data json.RawMessage)
	OnActionFromWeb func(peer, action string)
}

// FleetConfig configures a Fleet.
type FleetConfig struct {
	Logger    *slog.Logger
	Root      string // app root: working directory and KEYSTONE_ROOT
	AllowEval bool
	StopGrace time.Duration
	History   HistoryRecorder
	Hooks     FleetHooks

	afterFunc func(time.Duration, func()) *time.Timer // test seam for restart timers
	newProc   func(p *Peer) processControl            // test seam for the process layer
}

// worker pairs a peer with its spawn configuration and restart bookkeeping.
// All mutable fields are guarded by the fleet mutex.
type worker struct {
	cfg      WorkerConfig
	peer     *Peer
	launchID string
	restarts int
	timer    *time.Timer
	disposed bool
	failed   bool
}

// Fleet owns the primary peer and every named worker. One coarse RWMutex
// guards the tables; per-peer traffic never takes it.
type Fleet struct {
	logger    *slog.Logger
	root      string
	allowEval bool
	stopGrace time.Duration
	history   HistoryRecorder
	hooks     FleetHooks
	afterFunc func(time.Duration, func()) *time.Timer
	newProc   func(p *Peer) processControl

	mu       sync.RWMutex
	primary  *worker
	workers  map[string]*worker
	shutdown bool
}

// NewFleet creates an empty fleet.
func NewFleet(cfg FleetConfig) *Fleet {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	stopGrace := cfg.StopGrace
	if stopGrace == 0 {
		stopGrace = defaultStopGrace
	}
	afterFunc := cfg.afterFunc
	if afterFunc == nil {
		afterFunc = time.AfterFunc
	}

	return &Fleet{
		logger:    logger.With("component", "Fleet"),
		root:      cfg.Root,
		allowEval: cfg.AllowEval,
		stopGrace: stopGrace,
		history:   cfg.History,
		hooks:     cfg.Hooks,
		afterFunc: afterFunc,
		newProc:   cfg.newProc,
		workers:   make(map[string]*worker),
	}
}

// SpawnPrimary starts (or replaces) the primary engine peer.
func (f *Fleet) SpawnPrimary(cfg WorkerConfig) error {
	cfg.Name = PrimaryName
	return f.spawn(cfg, true)
}

// Spawn starts a named worker. An existing worker with the same name is
// disposed first: its process stopped and its outstanding callbacks resolved
// with the empty sentinel. The replacement lands in the table as a single
// update.
func (f *Fleet) Spawn(cfg WorkerConfig) error {
	if cfg.Name == "" {
		return fmt.Errorf("worker name is required")
	}
	if cfg.Name == PrimaryName {
		return fmt.Errorf("worker name %q is reserved for the primary peer", PrimaryName)
	}
	return f.spawn(cfg, false)
}

func (f *Fleet) spawn(cfg WorkerConfig, primary bool) error {
	applyWorkerDefaults(&cfg)

	f.mu.Lock()
	if f.shutdown {
		f.mu.Unlock()
		return fmt.Errorf("fleet is shutting down")
	}
	var old *worker
	if primary {
		old = f.primary
	} else {
		old = f.workers[cfg.Name]
	}
	if old != nil {
		old.disposed = true
		if old.timer != nil {
			old.timer.Stop()
		}
	}
	f.mu.Unlock()

	if old != nil && old.peer != nil {
		f.logger.Info("Disposing existing peer before respawn", "peer", cfg.Name)
		old.peer.SendShutdown()
		old.peer.Stop(f.stopGrace)
	}

	w := &worker{cfg: cfg}
	w.peer = f.buildPeer(w)

	f.mu.Lock()
	if f.shutdown {
		f.mu.Unlock()
		return fmt.Errorf("fleet is shutting down")
	}
	if primary {
		f.primary = w
	} else {
		f.workers[cfg.Name] = w
	}
	f.mu.Unlock()

	return f.startWorker(w)
}

// buildPeer wires a peer whose hooks report back into this fleet.
func (f *Fleet) buildPeer(w *worker) *Peer {
	return NewPeer(w.cfg.Name, PeerOptions{
		Logger:    f.logger,
		AllowEval: f.allowEval,
		newProc:   f.newProc,
		Hooks: PeerHooks{
			OnReady: func(info ReadyInfo) { f.handleReady(w, info) },
			OnExit:  func(status ExitStatus) { f.handleExit(w, status) },
			OnServicePush: func(channel string, data json.RawMessage) {
				if f.hooks.OnServicePush != nil {
					f.hooks.OnServicePush(w.cfg.Name, channel, data)
				}
			},
			OnActionFromWeb: func(action string) {
				if f.hooks.OnActionFromWeb != nil {
					f.hooks.OnActionFromWeb(w.cfg.Name, action)
				}
			},
			OnRelay: func(target, channel string, data json.RawMessage) {
				f.Route(w.cfg.Name, target, channel, data)
			},
		},
	})
}

// startWorker launches one spawn attempt with a fresh launch id.
func (f *Fleet) startWorker(w *worker) error {
	f.mu.Lock()
	w.launchID = uuid.New().String()
	launchID := w.launchID
	f.mu.Unlock()

	env := f.buildEnv(w.cfg)
	if err := w.peer.Start(w.cfg.Command, w.cfg.Args, f.root, env); err != nil {
		f.record(EventSpawnFailed, w.cfg.Name, err.Error())
		return err
	}
	f.logger.Info("Peer spawned", "peer", w.cfg.Name, "launchId", launchID, "pid", w.peer.PID())
	f.record(EventSpawned, w.cfg.Name, "launch "+launchID)
	return nil
}

// buildEnv assembles the documented spawn environment for a worker.
func (f *Fleet) buildEnv(cfg WorkerConfig) []string {
	env := os.Environ()
	env = append(env, "KEYSTONE_WORKER_NAME="+cfg.Name)
	env = append(env, "KEYSTONE_SERVICES_DIR="+cfg.ServicesDir)
	browserAccess := "0"
	if cfg.BrowserAccess {
		browserAccess = "1"
	}
	env = append(env, "KEYSTONE_BROWSER_ACCESS="+browserAccess)
	env = append(env, "KEYSTONE_ROOT="+f.root)
	if cfg.ExtensionHost {
		env = append(env, "KEYSTONE_EXTENSION_HOST=1")
	}
	if len(cfg.AllowedChannels) > 0 {
		env = append(env, "KEYSTONE_ALLOWED_CHANNELS="+strings.Join(cfg.AllowedChannels, ","))
	}
	return env
}

// handleReady resets the restart counter (the only place it resets) and
// rebroadcasts the port map.
func (f *Fleet) handleReady(w *worker, info ReadyInfo) {
	f.mu.Lock()
	if w.disposed {
		f.mu.Unlock()
		return
	}
	w.restarts = 0
	w.failed = false
	f.mu.Unlock()

	f.record(EventReady, w.cfg.Name, fmt.Sprintf("services=%d port=%d", len(info.Services), info.Port))
	f.BroadcastPorts()

	if f.hooks.OnPeerReady != nil {
		f.hooks.OnPeerReady(w.cfg.Name, info)
	}
}

// handleExit distinguishes requested exits from crashes; only crashes of
// live (non-disposed) workers schedule restarts.
func (f *Fleet) handleExit(w *worker, status ExitStatus) {
	f.mu.RLock()
	disposed := w.disposed
	stopping := f.shutdown
	f.mu.RUnlock()

	detail := fmt.Sprintf("code=%d", status.Code)
	if status.Signal != "" {
		detail += " signal=" + status.Signal
	}

	if status.Requested || disposed || stopping {
		f.record(EventExited, w.cfg.Name, detail)
		return
	}

	f.record(EventCrashed, w.cfg.Name, detail)
	f.scheduleRestart(w)
}

// scheduleRestart books restart attempt n after the exponential backoff
// delay, or gives up once the attempt budget is spent.
func (f *Fleet) scheduleRestart(w *worker) {
	f.mu.Lock()
	if w.disposed || f.shutdown {
		f.mu.Unlock()
		return
	}
	w.restarts++
	attempt := w.restarts
	if attempt > w.cfg.MaxRestarts {
		w.failed = true
		f.mu.Unlock()
		f.logger.Error("Peer exceeded restart limit, giving up",
			"peer", w.cfg.Name, "maxRestarts", w.cfg.MaxRestarts)
		f.record(EventGaveUp, w.cfg.Name, fmt.Sprintf("after %d restarts", w.cfg.MaxRestarts))
		if f.hooks.OnPeerExhausted != nil {
			f.hooks.OnPeerExhausted(w.cfg.Name)
		}
		return
	}
	delay := Backoff(attempt, w.cfg.BackoffBase, w.cfg.BackoffMax)
	w.timer = f.afterFunc(delay, func() { f.restartNow(w) })
	f.mu.Unlock()

	f.logger.Info("Scheduled peer restart", "peer", w.cfg.Name, "attempt", attempt, "delay", delay)
	f.record(EventRestartScheduled, w.cfg.Name, fmt.Sprintf("attempt %d in %s", attempt, delay))
}

func (f *Fleet) restartNow(w *worker) {
	f.mu.RLock()
	skip := w.disposed || f.shutdown
	f.mu.RUnlock()
	if skip {
		return
	}
	if err := f.startWorker(w); err != nil {
		f.logger.Error("Peer restart failed", "peer", w.cfg.Name, "error", err)
		f.scheduleRestart(w)
	}
}

// Route delivers relayed channel data to "main" or a named worker. Unknown
// targets are logged and dropped; the sender is never torn down over them.
func (f *Fleet) Route(from, target, channel string, data json.RawMessage) {
	f.mu.RLock()
	var dst *worker
	if target == PrimaryName {
		dst = f.primary
	} else {
		dst = f.workers[target]
	}
	f.mu.RUnlock()

	if dst == nil || dst.peer == nil {
		f.logger.Warn("Dropping relay to unknown target", "from", from, "target", target, "channel", channel)
		return
	}
	dst.peer.RelayIn(channel, data)
}

// BroadcastPorts sends the current HTTP port map to every worker and to the
// primary. Workers without browser access are left out of the map; when the
// map comes up empty nothing is sent at all.
func (f *Fleet) BroadcastPorts() {
	f.mu.RLock()
	ports := make(map[string]int)
	targets := make([]*Peer, 0, len(f.workers)+1)
	for name, w := range f.workers {
		targets = append(targets, w.peer)
		if !w.cfg.BrowserAccess {
			continue
		}
		if port := w.peer.Ready().Port; port > 0 {
			ports[name] = port
		}
	}
	if f.primary != nil {
		targets = append(targets, f.primary.peer)
		if port := f.primary.peer.Ready().Port; port > 0 {
			ports[PrimaryName] = port
		}
	}
	f.mu.RUnlock()

	if len(ports) == 0 {
		return
	}
	for _, peer := range targets {
		if err := peer.SendWorkerPorts(ports); err != nil {
			f.logger.Warn("Failed to send worker ports", "peer", peer.Name, "error", err)
		}
	}
}

// BroadcastAction dispatches an action to the primary and every worker.
func (f *Fleet) BroadcastAction(action string) {
	f.mu.RLock()
	targets := make([]*Peer, 0, len(f.workers)+1)
	for _, w := range f.workers {
		targets = append(targets, w.peer)
	}
	if f.primary != nil {
		targets = append(targets, f.primary.peer)
	}
	f.mu.RUnlock()

	for _, peer := range targets {
		peer.Action(action)
	}
}

// Get returns the peer for a name; "main" resolves to the primary.
func (f *Fleet) Get(name string) (*Peer, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if name == PrimaryName {
		if f.primary == nil {
			return nil, false
		}
		return f.primary.peer, true
	}
	w, ok := f.workers[name]
	if !ok {
		return nil, false
	}
	return w.peer, true
}

// Primary returns the primary peer, if spawned.
func (f *Fleet) Primary() (*Peer, bool) {
	return f.Get(PrimaryName)
}

// PeerInfo is a point-in-time view of one peer for operator surfaces.
type PeerInfo struct {
	Name     string   `json:"name"`
	State    string   `json:"state"`
	PID      int      `json:"pid"`
	Port     int      `json:"port"`
	Restarts int      `json:"restarts"`
	Failed   bool     `json:"failed"`
	LaunchID string   `json:"launchId"`
	Services []string `json:"services,omitempty"`
}

// Snapshot returns the primary (first) and workers sorted by name.
func (f *Fleet) Snapshot() []PeerInfo {
	f.mu.RLock()
	defer f.mu.RUnlock()

	infos := make([]PeerInfo, 0, len(f.workers)+1)
	if f.primary != nil {
		infos = append(infos, f.peerInfoLocked(f.primary))
	}
	names := make([]string, 0, len(f.workers))
	for name := range f.workers {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		infos = append(infos, f.peerInfoLocked(f.workers[name]))
	}
	return infos
}

func (f *Fleet) peerInfoLocked(w *worker) PeerInfo {
	ready := w.peer.Ready()
	return PeerInfo{
		Name:     w.cfg.Name,
		State:    w.peer.State().String(),
		PID:      w.peer.PID(),
		Port:     ready.Port,
		Restarts: w.restarts,
		Failed:   w.failed,
		LaunchID: w.launchID,
		Services: ready.Services,
	}
}

// Shutdown stops every peer: protocol-level shutdown message first, then the
// supervisor's stop escalation. No restarts are scheduled once it begins.
func (f *Fleet) Shutdown(ctx context.Context) error {
	f.mu.Lock()
	f.shutdown = true
	peers := make([]*Peer, 0, len(f.workers)+1)
	for _, w := range f.workers {
		if w.timer != nil {
			w.timer.Stop()
		}
		peers = append(peers, w.peer)
	}
	if f.primary != nil {
		if f.primary.timer != nil {
			f.primary.timer.Stop()
		}
		peers = append(peers, f.primary.peer)
	}
	f.mu.Unlock()

	var wg sync.WaitGroup
	for _, peer := range peers {
		wg.Add(1)
		go func(p *Peer) {
			defer wg.Done()
			p.SendShutdown()
			p.Stop(f.stopGrace)
		}(peer)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *Fleet) record(eventType, peer, detail string) {
	if f.history != nil {
		f.history.RecordPeerEvent(eventType, peer, detail)
	}
}

func applyWorkerDefaults(cfg *WorkerConfig) {
	if cfg.MaxRestarts == 0 {
		cfg.MaxRestarts = defaultMaxRestarts
	}
	if cfg.BackoffBase == 0 {
		cfg.BackoffBase = defaultBackoffBase
	}
	if cfg.BackoffMax == 0 {
		cfg.BackoffMax = defaultBackoffMax
	}
}

// Backoff computes the delay before restart attempt n (1-based): the base
// delay doubled per prior attempt, capped at max.
func Backoff(attempt int, base, max time.Duration) time.Duration {
	if attempt <= 0 {
		return 0
	}
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	if delay > max {
		return max
	}
	return delay
}
