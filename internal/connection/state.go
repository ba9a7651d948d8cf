// Package connection tracks the socket connection lifecycle and decides
// when to disconnect, reconnect, and retry.
package connection

import "fmt"

// Phase is the coarse connection lifecycle phase.
type Phase string

const (
	PhaseInitialized            Phase = "initialized"
	PhaseConnecting             Phase = "connecting"
	PhaseWaitingForConnectionID Phase = "waiting_for_connection_id"
	PhaseConnected              Phase = "connected"
	PhaseDisconnecting          Phase = "disconnecting"
	PhaseDisconnected           Phase = "disconnected"
)

// Source identifies who initiated a disconnect.
type Source string

const (
	SourceUserInitiated   Source = "user"
	SourceSystemInitiated Source = "system"
	SourceServerInitiated Source = "server"
)

// State is a snapshot of the socket's connection state as reported by the
// socket client.
type State struct {
	Phase        Phase
	ConnectionID string // set while connected
	Source       Source // set while disconnecting/disconnected
	ServerError  error  // set for server-initiated disconnects, may be nil
}

// Connected builds a connected state with the server-assigned connection id.
func Connected(connectionID string) State {
	return State{Phase: PhaseConnected, ConnectionID: connectionID}
}

// Disconnected builds a disconnected state.
func Disconnected(source Source, serverErr error) State {
	return State{Phase: PhaseDisconnected, Source: source, ServerError: serverErr}
}

func (s State) String() string {
	switch s.Phase {
	case PhaseConnected:
		return fmt.Sprintf("connected(%s)", s.ConnectionID)
	case PhaseDisconnected, PhaseDisconnecting:
		return fmt.Sprintf("%s(%s)", s.Phase, s.Source)
	default:
		return string(s.Phase)
	}
}
