// Package wire implements the newline-delimited JSON message format spoken
// between the Keystone host and its scripting-engine peers. Every message is
// a single JSON object on a single line; the field set below is the complete
// wire contract shared with the worker-host runtime.
package wire

import "encoding/json"

// Message types sent from the host to a peer.
const (
	TypeQuery       = "query"
	TypeHealth      = "health"
	TypeEval        = "eval"
	TypeAction      = "action"
	TypePush        = "push"
	TypeRelayIn     = "relay_in"
	TypeWorkerPorts = "worker_ports"
	TypeShutdown    = "shutdown"
)

// Message types sent from a peer to the host.
const (
	TypeServicePush   = "service_push"
	TypeActionFromWeb = "action_from_web"
	TypeRelay         = "relay"
)

// StatusReady marks the handshake message a peer sends once its services are
// registered and it is ready to receive traffic.
const StatusReady = "ready"

// Message is the full protocol envelope. Fields are omitted from the wire
// when empty, so a fire-and-forget message simply carries no id. Replies from
// a peer carry an id and either result or error but no type.
type Message struct {
	Type          string          `json:"type,omitempty"`
	ID            uint64          `json:"id,omitempty"`
	Service       string          `json:"service,omitempty"`
	Args          json.RawMessage `json:"args,omitempty"`
	Code          string          `json:"code,omitempty"`
	Action        string          `json:"action,omitempty"`
	Target        string          `json:"target,omitempty"`
	Channel       string          `json:"channel,omitempty"`
	Data          json.RawMessage `json:"data,omitempty"`
	Status        string          `json:"status,omitempty"`
	Services      []string        `json:"services,omitempty"`
	WebComponents []string        `json:"webComponents,omitempty"`
	Port          int             `json:"port,omitempty"`
	Result        json.RawMessage `json:"result,omitempty"`
	Error         string          `json:"error,omitempty"`
}

// IsReady reports whether the message is the peer's ready handshake.
func (m Message) IsReady() bool {
	return m.Status == StatusReady
}

// IsReply reports whether the message is a bare reply to an earlier request.
// Replies have no type; the id alone identifies the request being answered.
func (m Message) IsReply() bool {
	return m.Type == "" && m.Status == "" && m.ID != 0
}

// Query builds a host request for a named service. The id must come from the
// peer's correlator; id 0 marks the request fire-and-forget.
func Query(id uint64, service string, args json.RawMessage) Message {
	return Message{Type: TypeQuery, ID: id, Service: service, Args: args}
}

// Health builds a host health probe.
func Health(id uint64) Message {
	return Message{Type: TypeHealth, ID: id}
}

// Eval builds a host request to evaluate code inside the peer.
func Eval(id uint64, code string) Message {
	return Message{Type: TypeEval, ID: id, Code: code}
}

// ActionMsg builds a fire-and-forget action dispatch.
func ActionMsg(action string) Message {
	return Message{Type: TypeAction, Action: action}
}

// Push builds a fire-and-forget channel push from the host.
func Push(channel string, data json.RawMessage) Message {
	return Message{Type: TypePush, Channel: channel, Data: data}
}

// RelayIn builds the message delivered to a peer on behalf of another peer's
// relay request.
func RelayIn(channel string, data json.RawMessage) Message {
	return Message{Type: TypeRelayIn, Channel: channel, Data: data}
}

// WorkerPorts builds the HTTP port map broadcast. The map is marshaled into
// the data field keyed by worker name.
func WorkerPorts(ports map[string]int) (Message, error) {
	data, err := json.Marshal(ports)
	if err != nil {
		return Message{}, err
	}
	return Message{Type: TypeWorkerPorts, Data: data}, nil
}

// Shutdown builds the graceful shutdown request.
func Shutdown() Message {
	return Message{Type: TypeShutdown}
}

// Ready builds the peer's ready handshake. A port of 0 means the peer runs no
// HTTP listener.
func Ready(services, webComponents []string, port int) Message {
	return Message{Status: StatusReady, Services: services, WebComponents: webComponents, Port: port}
}

// ResultMsg builds a successful reply to the request with the given id.
func ResultMsg(id uint64, result json.RawMessage) Message {
	return Message{ID: id, Result: result}
}

// ErrorMsg builds an error reply to the request with the given id. Error
// replies resolve the caller's callback; they are not a separate failure
// path.
func ErrorMsg(id uint64, text string) Message {
	return Message{ID: id, Error: text}
}

// ServicePush builds a peer-originated channel push.
func ServicePush(channel string, data json.RawMessage) Message {
	return Message{Type: TypeServicePush, Channel: channel, Data: data}
}

// ActionFromWeb builds the peer's forwarding of a UI-originated action.
func ActionFromWeb(action string) Message {
	return Message{Type: TypeActionFromWeb, Action: action}
}

// Relay builds a peer's request to deliver data to another peer. Target is a
// worker name or "main" for the primary.
func Relay(target, channel string, data json.RawMessage) Message {
	return Message{Type: TypeRelay, Target: target, Channel: channel, Data: data}
}
