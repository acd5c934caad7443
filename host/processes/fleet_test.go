package processes

import (
	"context"
	"encoding/json"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/khayzz13/keystone/host/wire"
)

type historyEvent struct {
	kind   string
	peer   string
	detail string
}

type recordedHistory struct {
	mu     sync.Mutex
	events []historyEvent
}

func (h *recordedHistory) RecordPeerEvent(eventType, peer, detail string) {
	h.mu.Lock()
	h.events = append(h.events, historyEvent{eventType, peer, detail})
	h.mu.Unlock()
}

func (h *recordedHistory) ofKind(kind string) []historyEvent {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]historyEvent, 0)
	for _, ev := range h.events {
		if ev.kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

// fleetHarness runs a fleet on fake processes and captured restart timers so
// crashes and delays can be driven deterministically.
type fleetHarness struct {
	fleet   *Fleet
	history *recordedHistory

	mu     sync.Mutex
	procs  map[string][]*fakeProc
	delays []time.Duration
	fns    []func()
}

func newFleetHarness(hooks FleetHooks) *fleetHarness {
	h := &fleetHarness{
		history: &recordedHistory{},
		procs:   make(map[string][]*fakeProc),
	}
	h.fleet = NewFleet(FleetConfig{
		Logger:  testLogger(),
		Root:    "/tmp/keystone-root",
		History: h.history,
		Hooks:   hooks,
		afterFunc: func(d time.Duration, fn func()) *time.Timer {
			h.mu.Lock()
			h.delays = append(h.delays, d)
			h.fns = append(h.fns, fn)
			h.mu.Unlock()
			return time.NewTimer(time.Hour)
		},
		newProc: func(p *Peer) processControl {
			fp := newFakeProc()
			h.mu.Lock()
			h.procs[p.Name] = append(h.procs[p.Name], fp)
			h.mu.Unlock()
			return fp
		},
	})
	return h
}

// proc returns the latest fake process created for a peer name.
func (h *fleetHarness) proc(t *testing.T, name string) *fakeProc {
	t.Helper()
	h.mu.Lock()
	defer h.mu.Unlock()
	list := h.procs[name]
	if len(list) == 0 {
		t.Fatalf("No process was created for peer %q", name)
	}
	return list[len(list)-1]
}

func (h *fleetHarness) recordedDelays() []time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]time.Duration, len(h.delays))
	copy(out, h.delays)
	return out
}

func (h *fleetHarness) fireTimer(t *testing.T, i int) {
	t.Helper()
	h.mu.Lock()
	if i >= len(h.fns) {
		h.mu.Unlock()
		t.Fatalf("No captured timer at index %d", i)
	}
	fn := h.fns[i]
	h.mu.Unlock()
	fn()
}

func (h *fleetHarness) peer(t *testing.T, name string) *Peer {
	t.Helper()
	p, ok := h.fleet.Get(name)
	if !ok {
		t.Fatalf("Peer %q not found in fleet", name)
	}
	return p
}

func (h *fleetHarness) ready(t *testing.T, name string, services []string, port int) {
	t.Helper()
	h.peer(t, name).handleMessage(wire.Ready(services, nil, port))
}

func (h *fleetHarness) crash(t *testing.T, name string) {
	t.Helper()
	h.peer(t, name).handleExit(ExitStatus{Code: 1})
}

func (h *fleetHarness) snapshotOf(t *testing.T, name string) PeerInfo {
	t.Helper()
	for _, info := range h.fleet.Snapshot() {
		if info.Name == name {
			return info
		}
	}
	t.Fatalf("Peer %q missing from snapshot", name)
	return PeerInfo{}
}

func envValue(env []string, key string) (string, bool) {
	prefix := key + "="
	for _, kv := range env {
		if strings.HasPrefix(kv, prefix) {
			return kv[len(prefix):], true
		}
	}
	return "", false
}

func countByType(msgs []wire.Message, msgType string) int {
	n := 0
	for _, m := range msgs {
		if m.Type == msgType {
			n++
		}
	}
	return n
}

func TestFleetSpawnValidation(t *testing.T) {
	h := newFleetHarness(FleetHooks{})

	if err := h.fleet.Spawn(WorkerConfig{Name: "", Command: "/bin/true"}); err == nil {
		t.Error("Expected Spawn to reject an empty name")
	}
	if err := h.fleet.Spawn(WorkerConfig{Name: "main", Command: "/bin/true"}); err == nil {
		t.Error("Expected Spawn to reject the reserved primary name")
	}
}

func TestFleetSpawnEnvironmentContract(t *testing.T) {
	h := newFleetHarness(FleetHooks{})

	err := h.fleet.Spawn(WorkerConfig{
		Name:            "cache",
		Command:         "/usr/bin/keystone-worker",
		ServicesDir:     "workers/cache/services",
		BrowserAccess:   true,
		AllowedChannels: []string{"sync", "updates"},
	})
	if err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}

	env := h.proc(t, "cache").env
	cases := []struct {
		key  string
		want string
	}{
		{"KEYSTONE_WORKER_NAME", "cache"},
		{"KEYSTONE_SERVICES_DIR", "workers/cache/services"},
		{"KEYSTONE_BROWSER_ACCESS", "1"},
		{"KEYSTONE_ROOT", "/tmp/keystone-root"},
		{"KEYSTONE_ALLOWED_CHANNELS", "sync,updates"},
	}
	for _, tc := range cases {
		got, ok := envValue(env, tc.key)
		if !ok {
			t.Errorf("Expected %s in spawn env", tc.key)
			continue
		}
		if got != tc.want {
			t.Errorf("Expected %s=%q, got %q", tc.key, tc.want, got)
		}
	}
	if _, ok := envValue(env, "KEYSTONE_EXTENSION_HOST"); ok {
		t.Error("Expected KEYSTONE_EXTENSION_HOST unset for a plain worker")
	}

	// A no-browser worker with no channel restrictions gets the negative
	// flag and no channel list.
	if err := h.fleet.Spawn(WorkerConfig{Name: "indexer", Command: "/usr/bin/keystone-worker", ExtensionHost: true}); err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}
	env = h.proc(t, "indexer").env
	if got, _ := envValue(env, "KEYSTONE_BROWSER_ACCESS"); got != "0" {
		t.Errorf("Expected KEYSTONE_BROWSER_ACCESS=0, got %q", got)
	}
	if _, ok := envValue(env, "KEYSTONE_ALLOWED_CHANNELS"); ok {
		t.Error("Expected KEYSTONE_ALLOWED_CHANNELS unset when no channels are restricted")
	}
	if got, ok := envValue(env, "KEYSTONE_EXTENSION_HOST"); !ok || got != "1" {
		t.Errorf("Expected KEYSTONE_EXTENSION_HOST=1, got %q", got)
	}
}

func TestFleetSpawnReplacesExistingWorker(t *testing.T) {
	h := newFleetHarness(FleetHooks{})

	if err := h.fleet.Spawn(WorkerConfig{Name: "cache", Command: "/usr/bin/keystone-worker"}); err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}
	oldPeer := h.peer(t, "cache")
	oldProc := h.proc(t, "cache")
	h.ready(t, "cache", []string{"search"}, 5050)

	if err := h.fleet.Spawn(WorkerConfig{Name: "cache", Command: "/usr/bin/keystone-worker"}); err != nil {
		t.Fatalf("Respawn failed: %v", err)
	}

	if got := h.peer(t, "cache"); got == oldPeer {
		t.Error("Expected respawn to install a fresh peer")
	}
	if countByType(oldProc.sentMessages(), wire.TypeShutdown) != 1 {
		t.Error("Expected the old peer to receive a shutdown message")
	}
	if got := oldProc.stopCalls(); len(got) != 1 {
		t.Errorf("Expected the old process stopped once, got %v", got)
	}

	// The late exit of the disposed peer must not schedule a restart.
	oldPeer.handleExit(ExitStatus{Code: 1})
	if got := h.recordedDelays(); len(got) != 0 {
		t.Errorf("Expected no restart for a disposed peer, got delays %v", got)
	}
	if got := h.history.ofKind(EventCrashed); len(got) != 0 {
		t.Errorf("Expected the disposed exit recorded as exited, got crashes %v", got)
	}
	if got := h.history.ofKind(EventExited); len(got) != 1 {
		t.Errorf("Expected one exited event, got %v", got)
	}

	// A stale ready handshake from the disposed peer is ignored too.
	before := len(h.history.ofKind(EventReady))
	oldPeer.handleMessage(wire.Ready([]string{"search"}, nil, 5050))
	if got := len(h.history.ofKind(EventReady)); got != before {
		t.Error("Expected the disposed peer's ready handshake to be ignored")
	}
}

func TestFleetRouteRelay(t *testing.T) {
	h := newFleetHarness(FleetHooks{})

	if err := h.fleet.SpawnPrimary(WorkerConfig{Command: "/usr/bin/keystone-engine"}); err != nil {
		t.Fatalf("SpawnPrimary failed: %v", err)
	}
	if err := h.fleet.Spawn(WorkerConfig{Name: "cache", Command: "/usr/bin/keystone-worker"}); err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}
	h.ready(t, "main", nil, 0)
	h.ready(t, "cache", nil, 0)

	payload := json.RawMessage(`{"rows":2}`)
	h.fleet.Route("cache", "main", "sync", payload)

	sent := h.proc(t, "main").sentMessages()
	if countByType(sent, wire.TypeRelayIn) != 1 {
		t.Fatalf("Expected one relay_in at the primary, got %+v", sent)
	}
	last := sent[len(sent)-1]
	if last.Channel != "sync" || string(last.Data) != `{"rows":2}` {
		t.Errorf("Unexpected relay_in payload: %+v", last)
	}

	// Relays coming off a peer's wire go through the same router.
	h.peer(t, "main").handleMessage(wire.Relay("cache", "warm", json.RawMessage(`{}`)))
	if countByType(h.proc(t, "cache").sentMessages(), wire.TypeRelayIn) != 1 {
		t.Error("Expected the worker to receive the primary's relayed data")
	}

	// Unknown targets are dropped without touching anyone.
	mainBefore := len(h.proc(t, "main").sentMessages())
	cacheBefore := len(h.proc(t, "cache").sentMessages())
	h.fleet.Route("cache", "ghost", "sync", payload)
	if len(h.proc(t, "main").sentMessages()) != mainBefore || len(h.proc(t, "cache").sentMessages()) != cacheBefore {
		t.Error("Expected a relay to an unknown target to be dropped")
	}
}

func TestFleetBroadcastPorts(t *testing.T) {
	h := newFleetHarness(FleetHooks{})

	if err := h.fleet.SpawnPrimary(WorkerConfig{Command: "/usr/bin/keystone-engine", BrowserAccess: true}); err != nil {
		t.Fatalf("SpawnPrimary failed: %v", err)
	}
	for _, cfg := range []WorkerConfig{
		{Name: "cache", Command: "/usr/bin/keystone-worker", BrowserAccess: true},
		{Name: "indexer", Command: "/usr/bin/keystone-worker"},
		{Name: "tiles", Command: "/usr/bin/keystone-worker", BrowserAccess: true},
	} {
		if err := h.fleet.Spawn(cfg); err != nil {
			t.Fatalf("Spawn %s failed: %v", cfg.Name, err)
		}
	}

	h.ready(t, "main", nil, 8080)
	h.ready(t, "cache", nil, 5050)
	h.ready(t, "indexer", nil, 7070) // no browser access: stays out of the map
	h.ready(t, "tiles", nil, 0)      // no HTTP listener: stays out of the map

	want := `{"cache":5050,"main":8080}`
	for _, name := range []string{"main", "cache", "indexer", "tiles"} {
		sent := h.proc(t, name).sentMessages()
		var lastPorts *wire.Message
		for i := range sent {
			if sent[i].Type == wire.TypeWorkerPorts {
				lastPorts = &sent[i]
			}
		}
		if lastPorts == nil {
			t.Errorf("Expected peer %s to receive a worker_ports broadcast", name)
			continue
		}
		if string(lastPorts.Data) != want {
			t.Errorf("Peer %s: expected port map %s, got %s", name, want, lastPorts.Data)
		}
	}
}

func TestFleetBroadcastPortsEmptyMapSendsNothing(t *testing.T) {
	h := newFleetHarness(FleetHooks{})

	if err := h.fleet.SpawnPrimary(WorkerConfig{Command: "/usr/bin/keystone-engine"}); err != nil {
		t.Fatalf("SpawnPrimary failed: %v", err)
	}
	if err := h.fleet.Spawn(WorkerConfig{Name: "indexer", Command: "/usr/bin/keystone-worker"}); err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}

	h.ready(t, "main", nil, 0)       // primary runs no HTTP listener
	h.ready(t, "indexer", nil, 7070) // worker has a port but no browser access

	for _, name := range []string{"main", "indexer"} {
		if got := countByType(h.proc(t, name).sentMessages(), wire.TypeWorkerPorts); got != 0 {
			t.Errorf("Expected no worker_ports broadcast for an empty map, peer %s got %d", name, got)
		}
	}
}

func TestFleetBroadcastAction(t *testing.T) {
	h := newFleetHarness(FleetHooks{})

	if err := h.fleet.SpawnPrimary(WorkerConfig{Command: "/usr/bin/keystone-engine"}); err != nil {
		t.Fatalf("SpawnPrimary failed: %v", err)
	}
	if err := h.fleet.Spawn(WorkerConfig{Name: "cache", Command: "/usr/bin/keystone-worker"}); err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}
	h.ready(t, "main", nil, 0)
	h.ready(t, "cache", nil, 0)

	h.fleet.BroadcastAction("reload-settings")

	for _, name := range []string{"main", "cache"} {
		sent := h.proc(t, name).sentMessages()
		if countByType(sent, wire.TypeAction) != 1 {
			t.Errorf("Expected peer %s to receive the action broadcast", name)
			continue
		}
		last := sent[len(sent)-1]
		if last.Action != "reload-settings" {
			t.Errorf("Peer %s: unexpected action %q", name, last.Action)
		}
	}
}

func TestFleetRestartBackoffSchedule(t *testing.T) {
	exhausted := make([]string, 0, 1)
	h := newFleetHarness(FleetHooks{
		OnPeerExhausted: func(name string) { exhausted = append(exhausted, name) },
	})

	if err := h.fleet.Spawn(WorkerConfig{Name: "cache", Command: "/usr/bin/keystone-worker"}); err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}
	firstLaunch := h.snapshotOf(t, "cache").LaunchID
	if firstLaunch == "" {
		t.Fatal("Expected a launch id after spawn")
	}

	for i := 0; i < 5; i++ {
		h.crash(t, "cache")
		delays := h.recordedDelays()
		if len(delays) != i+1 {
			t.Fatalf("Crash %d: expected %d scheduled restarts, got %d", i+1, i+1, len(delays))
		}
		h.fireTimer(t, i)
	}

	wantDelays := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
	}
	if got := h.recordedDelays(); !reflect.DeepEqual(got, wantDelays) {
		t.Errorf("Expected delays %v, got %v", wantDelays, got)
	}

	if got := h.snapshotOf(t, "cache").LaunchID; got == firstLaunch {
		t.Error("Expected a fresh launch id after restart")
	}
	if got := len(h.history.ofKind(EventSpawned)); got != 6 {
		t.Errorf("Expected 6 spawn events (initial plus 5 restarts), got %d", got)
	}

	// The sixth crash exhausts the budget: no new timer, the worker is
	// marked failed, and the operator hook fires.
	h.crash(t, "cache")
	if got := h.recordedDelays(); len(got) != 5 {
		t.Errorf("Expected no sixth restart, got delays %v", got)
	}
	if got := h.history.ofKind(EventGaveUp); len(got) != 1 {
		t.Errorf("Expected one gave_up event, got %v", got)
	}
	if !reflect.DeepEqual(exhausted, []string{"cache"}) {
		t.Errorf("Expected exhausted hook for cache, got %v", exhausted)
	}
	info := h.snapshotOf(t, "cache")
	if !info.Failed {
		t.Error("Expected the worker marked failed after giving up")
	}
	if info.State != "Failed" {
		t.Errorf("Expected state Failed, got %s", info.State)
	}
}

func TestFleetReadyResetsRestartCounter(t *testing.T) {
	h := newFleetHarness(FleetHooks{})

	if err := h.fleet.Spawn(WorkerConfig{Name: "cache", Command: "/usr/bin/keystone-worker"}); err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}

	h.crash(t, "cache")
	h.fireTimer(t, 0)
	h.crash(t, "cache")
	h.fireTimer(t, 1)

	if got := h.snapshotOf(t, "cache").Restarts; got != 2 {
		t.Fatalf("Expected restart counter 2 before ready, got %d", got)
	}

	// Only a completed handshake resets the counter; a successful spawn
	// alone does not.
	h.ready(t, "cache", []string{"search"}, 5050)
	if got := h.snapshotOf(t, "cache").Restarts; got != 0 {
		t.Errorf("Expected restart counter reset on ready, got %d", got)
	}

	h.crash(t, "cache")
	delays := h.recordedDelays()
	want := []time.Duration{1 * time.Second, 2 * time.Second, 1 * time.Second}
	if !reflect.DeepEqual(delays, want) {
		t.Errorf("Expected delays %v (fresh schedule after ready), got %v", want, delays)
	}
}

func TestFleetShutdown(t *testing.T) {
	h := newFleetHarness(FleetHooks{})

	if err := h.fleet.SpawnPrimary(WorkerConfig{Command: "/usr/bin/keystone-engine"}); err != nil {
		t.Fatalf("SpawnPrimary failed: %v", err)
	}
	if err := h.fleet.Spawn(WorkerConfig{Name: "cache", Command: "/usr/bin/keystone-worker"}); err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}
	h.ready(t, "main", nil, 0)
	h.ready(t, "cache", nil, 0)

	if err := h.fleet.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	for _, name := range []string{"main", "cache"} {
		proc := h.proc(t, name)
		if countByType(proc.sentMessages(), wire.TypeShutdown) != 1 {
			t.Errorf("Expected peer %s to receive a shutdown message", name)
		}
		if len(proc.stopCalls()) != 1 {
			t.Errorf("Expected peer %s process stopped", name)
		}
	}

	if err := h.fleet.Spawn(WorkerConfig{Name: "late", Command: "/usr/bin/keystone-worker"}); err == nil {
		t.Error("Expected Spawn to fail after shutdown")
	}

	// Exits arriving during shutdown never schedule restarts.
	h.crash(t, "cache")
	if got := h.recordedDelays(); len(got) != 0 {
		t.Errorf("Expected no restart during shutdown, got delays %v", got)
	}
}

func TestFleetSnapshotOrder(t *testing.T) {
	h := newFleetHarness(FleetHooks{})

	if err := h.fleet.Spawn(WorkerConfig{Name: "tiles", Command: "/usr/bin/keystone-worker"}); err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}
	if err := h.fleet.SpawnPrimary(WorkerConfig{Command: "/usr/bin/keystone-engine"}); err != nil {
		t.Fatalf("SpawnPrimary failed: %v", err)
	}
	if err := h.fleet.Spawn(WorkerConfig{Name: "cache", Command: "/usr/bin/keystone-worker"}); err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}

	snapshot := h.fleet.Snapshot()
	names := make([]string, len(snapshot))
	for i, info := range snapshot {
		names[i] = info.Name
	}
	want := []string{"main", "cache", "tiles"}
	if !reflect.DeepEqual(names, want) {
		t.Errorf("Expected snapshot order %v, got %v", want, names)
	}
}

func TestBackoffSchedule(t *testing.T) {
	cases := []struct {
		attempt int
		base    time.Duration
		max     time.Duration
		want    time.Duration
	}{
		{0, time.Second, 30 * time.Second, 0},
		{1, time.Second, 30 * time.Second, 1 * time.Second},
		{2, time.Second, 30 * time.Second, 2 * time.Second},
		{3, time.Second, 30 * time.Second, 4 * time.Second},
		{4, time.Second, 30 * time.Second, 8 * time.Second},
		{5, time.Second, 30 * time.Second, 16 * time.Second},
		{6, time.Second, 30 * time.Second, 30 * time.Second},
		{10, time.Second, 30 * time.Second, 30 * time.Second},
		{3, 500 * time.Millisecond, 30 * time.Second, 2 * time.Second},
		{1, time.Minute, 30 * time.Second, 30 * time.Second},
	}
	for _, tc := range cases {
		if got := Backoff(tc.attempt, tc.base, tc.max); got != tc.want {
			t.Errorf("Backoff(%d, %v, %v): expected %v, got %v", tc.attempt, tc.base, tc.max, got, tc.want)
		}
	}
}
