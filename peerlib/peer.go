// Package peerlib implements the worker side of the Keystone host protocol:
// a decoder loop over stdin dispatching host messages to registered handlers,
// and an encoder over stdout for replies and peer-originated traffic. The
// reference worker harness links against it; host tests drive it over
// in-process pipes.
package peerlib

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"sort"
	"sync"

	"github.com/khayzz13/keystone/host/wire"
)

// ServiceFunc answers one query. The returned value is marshaled into the
// reply's result field; a returned error becomes the reply's error text.
type ServiceFunc func(args json.RawMessage) (any, error)

// ActionFunc receives fire-and-forget action dispatches.
type ActionFunc func(action string)

// ChannelFunc receives push and relay_in payloads for one channel.
type ChannelFunc func(data json.RawMessage)

// PortsFunc receives the worker HTTP port map broadcast.
type PortsFunc func(ports map[string]int)

// EvalFunc evaluates host-supplied code when the peer permits it.
type EvalFunc func(code string) (any, error)

// Options configures a Peer beyond the environment contract. Zero values
// mean stdin/stdout, the default logger, and eval refused.
type Options struct {
	Logger    *slog.Logger
	In        io.Reader
	Out       io.Writer
	AllowEval bool
}

// Peer runs the worker end of the protocol. Handlers may be registered
// before or during Run; registering a name again replaces the handler.
type Peer struct {
	cfg       Config
	logger    *slog.Logger
	allowEval bool
	dec       *wire.Decoder

	writeMu sync.Mutex
	enc     *wire.Encoder

	mu        sync.Mutex
	services  map[string]ServiceFunc
	channels  map[string]ChannelFunc
	action    ActionFunc
	ports     PortsFunc
	shutdown  func()
	evaluator EvalFunc
}

func New(cfg Config, opts Options) *Peer {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	in := opts.In
	if in == nil {
		in = os.Stdin
	}
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}
	return &Peer{
		cfg:       cfg,
		logger:    logger.With("component", "peerlib"),
		allowEval: opts.AllowEval,
		dec:       wire.NewDecoder(in),
		enc:       wire.NewEncoder(out),
		services:  make(map[string]ServiceFunc),
		channels:  make(map[string]ChannelFunc),
	}
}

// Config returns the environment contract the peer was built with.
func (p *Peer) Config() Config {
	return p.cfg
}

// HandleService registers the handler invoked for queries naming the service.
func (p *Peer) HandleService(name string, fn ServiceFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.services[name] = fn
}

// HandleAction installs the handler for action dispatches.
func (p *Peer) HandleAction(fn ActionFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.action = fn
}

// HandleChannel registers the handler for push and relay_in traffic on the
// channel.
func (p *Peer) HandleChannel(channel string, fn ChannelFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.channels[channel] = fn
}

// OnWorkerPorts installs the handler for worker port map broadcasts.
func (p *Peer) OnWorkerPorts(fn PortsFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ports = fn
}

// OnShutdown installs the hook run before the loop stops on a shutdown
// request.
func (p *Peer) OnShutdown(fn func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.shutdown = fn
}

// SetEvaluator installs the code evaluator. Eval requests are still refused
// unless the peer was built with AllowEval.
func (p *Peer) SetEvaluator(fn EvalFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.evaluator = fn
}

// Run processes host messages until a shutdown request arrives or stdin
// closes. Malformed lines are logged and skipped; any other read error is
// returned.
func (p *Peer) Run() error {
	for {
		msg, err := p.dec.Decode()
		if errors.Is(err, wire.ErrMalformedLine) {
			p.logger.Warn("Dropping malformed message line", "error", err)
			continue
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if stop := p.handleMessage(msg); stop {
			return nil
		}
	}
}

// handleMessage dispatches one host message. Returns true when the loop
// should stop.
func (p *Peer) handleMessage(msg wire.Message) bool {
	switch msg.Type {
	case wire.TypeQuery:
		p.handleQuery(msg)
	case wire.TypeHealth:
		p.handleHealth(msg)
	case wire.TypeEval:
		p.handleEval(msg)
	case wire.TypeAction:
		p.mu.Lock()
		fn := p.action
		p.mu.Unlock()
		if fn != nil {
			fn(msg.Action)
		} else {
			p.logger.Debug("No action handler installed", "action", msg.Action)
		}
	case wire.TypePush, wire.TypeRelayIn:
		p.handleChannelData(msg)
	case wire.TypeWorkerPorts:
		p.handleWorkerPorts(msg)
	case wire.TypeShutdown:
		p.mu.Lock()
		fn := p.shutdown
		p.mu.Unlock()
		if fn != nil {
			fn()
		}
		return true
	default:
		p.logger.Warn("Dropping message with unknown type", "type", msg.Type)
	}
	return false
}

func (p *Peer) handleQuery(msg wire.Message) {
	p.mu.Lock()
	fn := p.services[msg.Service]
	p.mu.Unlock()

	if fn == nil {
		p.replyError(msg.ID, "Unknown service: "+msg.Service)
		return
	}
	result, err := fn(msg.Args)
	if err != nil {
		p.replyError(msg.ID, err.Error())
		return
	}
	p.replyResult(msg.ID, result)
}

func (p *Peer) handleHealth(msg wire.Message) {
	p.mu.Lock()
	statuses := make(map[string]string, len(p.services))
	for name := range p.services {
		statuses[name] = "ok"
	}
	p.mu.Unlock()

	p.replyResult(msg.ID, statuses)
}

func (p *Peer) handleEval(msg wire.Message) {
	if !p.allowEval {
		p.replyError(msg.ID, "Eval is disabled")
		return
	}
	p.mu.Lock()
	fn := p.evaluator
	p.mu.Unlock()
	if fn == nil {
		p.replyError(msg.ID, "No evaluator installed")
		return
	}
	result, err := fn(msg.Code)
	if err != nil {
		p.replyError(msg.ID, err.Error())
		return
	}
	p.replyResult(msg.ID, result)
}

func (p *Peer) handleChannelData(msg wire.Message) {
	if !p.cfg.ChannelAllowed(msg.Channel) {
		p.logger.Warn("Dropping traffic on disallowed channel",
			"channel", msg.Channel,
			"type", msg.Type)
		return
	}
	p.mu.Lock()
	fn := p.channels[msg.Channel]
	p.mu.Unlock()
	if fn == nil {
		p.logger.Debug("No handler for channel", "channel", msg.Channel)
		return
	}
	fn(msg.Data)
}

func (p *Peer) handleWorkerPorts(msg wire.Message) {
	var ports map[string]int
	if err := json.Unmarshal(msg.Data, &ports); err != nil {
		p.logger.Warn("Dropping unparseable worker port map", "error", err)
		return
	}
	p.mu.Lock()
	fn := p.ports
	p.mu.Unlock()
	if fn != nil {
		fn(ports)
	}
}

// replyResult marshals and sends a successful reply. Fire-and-forget
// requests carry no id and get no reply.
func (p *Peer) replyResult(id uint64, result any) {
	if id == 0 {
		return
	}
	raw, err := json.Marshal(result)
	if err != nil {
		p.replyError(id, "marshal result: "+err.Error())
		return
	}
	if err := p.send(wire.ResultMsg(id, raw)); err != nil {
		p.logger.Error("Failed to send reply", "id", id, "error", err)
	}
}

func (p *Peer) replyError(id uint64, text string) {
	if id == 0 {
		p.logger.Warn("Error handling fire-and-forget request", "error", text)
		return
	}
	if err := p.send(wire.ErrorMsg(id, text)); err != nil {
		p.logger.Error("Failed to send error reply", "id", id, "error", err)
	}
}

func (p *Peer) send(msg wire.Message) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	return p.enc.Encode(msg)
}

// Ready sends the ready handshake. A nil services slice advertises the
// registered service handlers in sorted order.
func (p *Peer) Ready(services, webComponents []string, port int) error {
	if services == nil {
		services = p.serviceNames()
	}
	return p.send(wire.Ready(services, webComponents, port))
}

// ServicePush sends a peer-originated channel push to the host.
func (p *Peer) ServicePush(channel string, data json.RawMessage) error {
	return p.send(wire.ServicePush(channel, data))
}

// ActionFromWeb forwards a UI-originated action to the host.
func (p *Peer) ActionFromWeb(action string) error {
	return p.send(wire.ActionFromWeb(action))
}

// Relay asks the host to deliver data to another peer.
func (p *Peer) Relay(target, channel string, data json.RawMessage) error {
	return p.send(wire.Relay(target, channel, data))
}

func (p *Peer) serviceNames() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	names := make([]string, 0, len(p.services))
	for name := range p.services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
