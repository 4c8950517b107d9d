// Package tunnel defines the JSON frame protocol spoken between agents,
// relays, and clients over WebSocket.
//
// Every frame is a UTF-8 JSON text message with an explicit "type" field.
// Binary payloads travel as lowercase hex strings under "data". Frames with
// an unknown type must be ignored without closing the socket, so that old
// peers survive protocol additions.
package tunnel

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Frame types sent by agents.
const (
	TypeRegisterAgent = "register_agent"
	TypeTunnelClosed  = "tunnel_closed"
	TypeExecOutput    = "exec_output"
	TypeExecComplete  = "exec_complete"
	TypeExecError     = "exec_error"
)

// Frame types sent by clients.
const (
	TypeConnectClient  = "connect_client"
	TypeListAgents     = "list_agents"
	TypeStartTCPTunnel = "start_tcp_tunnel"
	TypeCloseTunnel    = "close_tunnel"
	TypeExecuteCommand = "execute_command"
)

// Frame types sent in both directions or by the relay.
const (
	TypeTunnelData     = "tunnel_data"
	TypeRegistrationOK = "registration_ok"
	TypeConnectionOK   = "connection_ok"
	TypeTunnelStarted  = "tunnel_started"
	TypeCloseTCPTunnel = "close_tcp_tunnel"
	TypeExecStarted    = "exec_started"
	TypeAgentList      = "agent_list"
	TypeError          = "error"
)

// Payload origins for tunnel_data frames.
const (
	OriginClient = "client"
	OriginAgent  = "agent"
)

// Frame is a single protocol message. Fields are populated according to the
// frame type; unused fields stay at their zero value and are omitted on the
// wire.
type Frame struct {
	Type string `json:"type"`

	// Agent identity and registration.
	ID       string         `json:"id,omitempty"`
	Name     string         `json:"name,omitempty"`
	Services map[string]int `json:"services,omitempty"`
	Mode     string         `json:"mode,omitempty"`
	Info     map[string]any `json:"info,omitempty"`

	// Tunnel multiplexing.
	TunnelID string `json:"tunnel_id,omitempty"`
	Service  string `json:"service,omitempty"`
	Origin   string `json:"origin,omitempty"`
	Data     string `json:"data,omitempty"`

	// Remote command execution.
	ExecID  string `json:"exec_id,omitempty"`
	Command string `json:"command,omitempty"`

	// mTLS identity of the initiating client, when present.
	ClientCN string `json:"client_cn,omitempty"`

	// Error reporting and agent listings. Generic error frames carry their
	// text in Message; exec_error frames carry theirs in Error.
	Message string   `json:"message,omitempty"`
	Error   string   `json:"error,omitempty"`
	Agents  []string `json:"agents,omitempty"`
}

// Marshal renders the frame as a JSON text message.
func (f *Frame) Marshal() ([]byte, error) {
	return json.Marshal(f)
}

// Parse decodes a JSON text message into a Frame. A missing type field is an
// error; an unrecognised type is not (callers ignore those frames).
func Parse(data []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	if f.Type == "" {
		return nil, fmt.Errorf("frame has no type")
	}
	return &f, nil
}

// EncodePayload hex-encodes raw tunnel bytes for transport in a Data field.
func EncodePayload(b []byte) string {
	return hex.EncodeToString(b)
}

// DecodePayload reverses EncodePayload.
func DecodePayload(s string) ([]byte, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode tunnel payload: %w", err)
	}
	return b, nil
}

// ErrorFrame builds an error frame with the given message.
func ErrorFrame(msg string) *Frame {
	return &Frame{Type: TypeError, Message: msg}
}

// DataFrame builds a tunnel_data frame carrying b from the given origin.
func DataFrame(tunnelID, origin string, b []byte) *Frame {
	return &Frame{
		Type:     TypeTunnelData,
		TunnelID: tunnelID,
		Origin:   origin,
		Data:     EncodePayload(b),
	}
}
