package processes

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/khayzz13/keystone/host/wire"
)

// PeerState tracks a peer's lifecycle from the host's point of view.
type PeerState int

const (
	// StateUnknown means the peer has not been started yet.
	StateUnknown PeerState = iota
	// StateStarting means the process is up but the ready handshake has not
	// arrived.
	StateStarting
	// StateReady means the handshake completed and traffic flows.
	StateReady
	// StateStopping means a stop was requested and the exit is pending.
	StateStopping
	// StateStopped means the peer exited after a requested stop.
	StateStopped
	// StateFailed means the peer crashed or could not be started.
	StateFailed
)

// String returns a readable form of the state.
func (ps PeerState) String() string {
	switch ps {
	case StateUnknown:
		return "Unknown"
	case StateStarting:
		return "Starting"
	case StateReady:
		return "Ready"
	case StateStopping:
		return "Stopping"
	case StateStopped:
		return "Stopped"
	case StateFailed:
		return "Failed"
	default:
		return "InvalidState"
	}
}

// ReadyInfo is the payload of a peer's ready handshake.
type ReadyInfo struct {
	Services      []string
	WebComponents []string
	Port          int
}

// PeerHooks are the upward-facing callbacks a peer's owner wires in. All
// hooks are invoked from the peer's read loop, so they must not block for
// long.
type PeerHooks struct {
	OnReady         func(ReadyInfo)
	OnExit          func(ExitStatus)
	OnServicePush   func(channel string, data json.RawMessage)
	OnActionFromWeb func(action string)
	OnRelay         func(target, channel string, data json.RawMessage)
}

// processControl abstracts the supervised child so the protocol layer can be
// exercised without real subprocesses.
type processControl interface {
	Start(path string, args []string, dir string, env []string) error
	Send(msg wire.Message) error
	Stop(grace time.Duration)
	Running() bool
	PID() int
}

// ErrEvalDisabled is returned when code evaluation is requested but disabled
// by configuration.
var ErrEvalDisabled = errors.New("eval is disabled")

// ErrPeerDetached is returned by blocking helpers when the peer went away
// before answering.
var ErrPeerDetached = errors.New("peer detached before replying")

// PeerOptions configures a new peer.
type PeerOptions struct {
	Logger      *slog.Logger
	LogCapacity int // retained log lines, default 1000
	AllowEval   bool
	Hooks       PeerHooks

	newProc func(p *Peer) processControl // test seam, defaults to a Supervisor
}

// Peer is one coordinated subprocess: its supervisor, its correlator, and
// the protocol routing between them. The peer object survives process
// restarts; the correlator queues traffic while the process is down.
type Peer struct {
	Name   string
	Logs   *LogBuffer
	logger *slog.Logger

	corr      *Correlator
	proc      processControl
	allowEval bool
	hooks     PeerHooks

	mu    sync.Mutex
	state PeerState
	ready ReadyInfo
}

// NewPeer creates a peer. It does not start the process; call Start.
func NewPeer(name string, opts PeerOptions) *Peer {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	capacity := opts.LogCapacity
	if capacity == 0 {
		capacity = 1000
	}

	p := &Peer{
		Name:      name,
		Logs:      NewLogBuffer(capacity),
		logger:    logger.With("component", "Peer", "peer", name),
		corr:      NewCorrelator(),
		allowEval: opts.AllowEval,
		hooks:     opts.Hooks,
		state:     StateUnknown,
	}

	if opts.newProc != nil {
		p.proc = opts.newProc(p)
	} else {
		sup := NewSupervisor(name, p.Logs, logger)
		sup.OnMessage(p.handleMessage)
		sup.OnExit(p.handleExit)
		p.proc = sup
	}
	return p
}

// Start spawns the peer process. On failure the peer is marked failed and no
// exit hook fires.
func (p *Peer) Start(path string, args []string, dir string, env []string) error {
	p.mu.Lock()
	p.state = StateStarting
	p.ready = ReadyInfo{}
	p.mu.Unlock()

	if err := p.proc.Start(path, args, dir, env); err != nil {
		p.mu.Lock()
		p.state = StateFailed
		p.mu.Unlock()
		return err
	}
	return nil
}

// handleMessage is the protocol router: every decoded line from the peer
// lands here, in arrival order.
func (p *Peer) handleMessage(msg wire.Message) {
	switch {
	case msg.IsReady():
		p.handleReady(msg)
	case msg.IsReply():
		reply := Reply{Result: msg.Result, Err: msg.Error}
		if !p.corr.Resolve(msg.ID, reply) {
			p.logger.Warn("Reply does not match any pending request", "id", msg.ID)
		}
	default:
		switch msg.Type {
		case wire.TypeServicePush:
			if p.hooks.OnServicePush != nil {
				p.hooks.OnServicePush(msg.Channel, msg.Data)
			}
		case wire.TypeActionFromWeb:
			if p.hooks.OnActionFromWeb != nil {
				p.hooks.OnActionFromWeb(msg.Action)
			}
		case wire.TypeRelay:
			if p.hooks.OnRelay != nil {
				p.hooks.OnRelay(msg.Target, msg.Channel, msg.Data)
			}
		default:
			p.logger.Warn("Dropping message with unknown type", "type", msg.Type)
		}
	}
}

// handleReady records the handshake, attaches the correlator (flushing any
// queued messages), and notifies the owner.
func (p *Peer) handleReady(msg wire.Message) {
	info := ReadyInfo{
		Services:      msg.Services,
		WebComponents: msg.WebComponents,
		Port:          msg.Port,
	}

	p.mu.Lock()
	p.state = StateReady
	p.ready = info
	p.mu.Unlock()

	p.corr.Attach(p.proc.Send)
	p.logger.Info("Peer ready", "services", len(info.Services), "port", info.Port)

	if p.hooks.OnReady != nil {
		p.hooks.OnReady(info)
	}
}

// handleExit detaches the correlator, resolving every outstanding callback
// with the empty sentinel, then reports the exit upward.
func (p *Peer) handleExit(status ExitStatus) {
	p.corr.Detach()

	p.mu.Lock()
	if status.Requested {
		p.state = StateStopped
	} else {
		p.state = StateFailed
	}
	p.ready = ReadyInfo{}
	p.mu.Unlock()

	if p.hooks.OnExit != nil {
		p.hooks.OnExit(status)
	}
}

// Query sends a service request; cb resolves exactly once. Returns the
// assigned request id.
func (p *Peer) Query(service string, args json.RawMessage, cb func(Reply)) uint64 {
	return p.corr.Request(wire.Query(0, service, args), cb)
}

// QueryWait is the blocking form of Query: callback plus the caller's
// deadline, which is the only timeout in the request path.
func (p *Peer) QueryWait(ctx context.Context, service string, args json.RawMessage) (json.RawMessage, error) {
	ch := make(chan Reply, 1)
	p.Query(service, args, func(r Reply) { ch <- r })

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		if r.Err != "" {
			return nil, fmt.Errorf("peer %s: %s", p.Name, r.Err)
		}
		if r.Result == nil {
			return nil, ErrPeerDetached
		}
		return r.Result, nil
	}
}

// HealthCheck requests the peer's per-service health map.
func (p *Peer) HealthCheck(cb func(Reply)) uint64 {
	return p.corr.Request(wire.Health(0), cb)
}

// Evaluate asks the peer to run code. Refused locally when eval is disabled.
func (p *Peer) Evaluate(code string, cb func(Reply)) (uint64, error) {
	if !p.allowEval {
		return 0, ErrEvalDisabled
	}
	return p.corr.Request(wire.Eval(0, code), cb), nil
}

// Action dispatches a fire-and-forget action.
func (p *Peer) Action(action string) {
	p.corr.Send(wire.ActionMsg(action))
}

// Push sends channel data from the host.
func (p *Peer) Push(channel string, data json.RawMessage) {
	p.corr.Send(wire.Push(channel, data))
}

// RelayIn delivers channel data relayed from another peer.
func (p *Peer) RelayIn(channel string, data json.RawMessage) {
	p.corr.Send(wire.RelayIn(channel, data))
}

// SendWorkerPorts delivers the current HTTP port map.
func (p *Peer) SendWorkerPorts(ports map[string]int) error {
	msg, err := wire.WorkerPorts(ports)
	if err != nil {
		return err
	}
	p.corr.Send(msg)
	return nil
}

// SendShutdown requests a protocol-level graceful shutdown.
func (p *Peer) SendShutdown() {
	p.corr.Send(wire.Shutdown())
}

// Stop terminates the process, escalating after the grace period.
func (p *Peer) Stop(grace time.Duration) {
	p.mu.Lock()
	if p.state == StateStarting || p.state == StateReady {
		p.state = StateStopping
	}
	p.mu.Unlock()
	p.proc.Stop(grace)
}

// State returns the current lifecycle state.
func (p *Peer) State() PeerState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Ready returns the most recent handshake payload; zero before the first
// handshake and after an exit.
func (p *Peer) Ready() ReadyInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ready
}

// Attached reports whether the correlator currently has a live send path.
func (p *Peer) Attached() bool {
	return p.corr.Attached()
}

// PID returns the child's process id, or 0 when not running.
func (p *Peer) PID() int {
	return p.proc.PID()
}

// Running reports whether the child process is alive (independent of the
// ready handshake).
func (p *Peer) Running() bool {
	return p.proc.Running()
}
