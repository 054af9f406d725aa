package controlchannel

import (
	"encoding/json"
	"time"
)

// CommandKind enumerates the inbound command variants accepted over the
// channel (spec.md §6). Anything else is logged and ignored.
type CommandKind string

const (
	CommandSetPollingConfig CommandKind = "set_polling_config"
	CommandNetworkScan      CommandKind = "network_scan"
	CommandModbusRead       CommandKind = "modbus_read"
	CommandModbusWrite      CommandKind = "modbus_write"
	CommandTestCommunication CommandKind = "test_communication"
	commandHeartbeatAck     CommandKind = "heartbeat_ack"
)

// Command is the normalized shape of an inbound command frame, after
// reconciling the two accepted field-naming conventions.
type Command struct {
	ID      string
	Kind    CommandKind
	Payload json.RawMessage
}

// inboundEnvelope unmarshals any inbound frame. Both naming conventions
// named in spec.md §6 (command/commandId and type/command_id) are accepted;
// kind() and commandID() reconcile them.
type inboundEnvelope struct {
	Type         string          `json:"type"`
	AgentID      string          `json:"agentId,omitempty"`
	Command      string          `json:"command,omitempty"`
	CommandID    string          `json:"commandId,omitempty"`
	CommandIDAlt string          `json:"command_id,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
}

func (e inboundEnvelope) isWelcome() bool {
	return e.Type == "connected"
}

func (e inboundEnvelope) kind() CommandKind {
	if e.Command != "" {
		return CommandKind(e.Command)
	}
	return CommandKind(e.Type)
}

func (e inboundEnvelope) commandID() string {
	if e.CommandID != "" {
		return e.CommandID
	}
	return e.CommandIDAlt
}

// heartbeatFrame is sent every HeartbeatInterval while Open.
type heartbeatFrame struct {
	Type string `json:"type"`
}

func newHeartbeatFrame() heartbeatFrame {
	return heartbeatFrame{Type: "heartbeat"}
}

// DataUpdate is the outbound streaming-update frame (incremental or full
// refresh), produced by the Batch Transmitter.
type DataUpdate struct {
	Type          string          `json:"type"`
	Timestamp     time.Time       `json:"timestamp"`
	IsFullRefresh bool            `json:"isFullRefresh"`
	Updates       []DataUpdateRow `json:"updates"`
}

// DataUpdateRow is one changed-or-snapshotted value within a DataUpdate.
type DataUpdateRow struct {
	DeviceID   string      `json:"deviceId"`
	RegisterID string      `json:"registerId"`
	Value      interface{} `json:"value"`
}

func newDataUpdateFrame(rows []DataUpdateRow, isFullRefresh bool) DataUpdate {
	return DataUpdate{
		Type:          "data_update",
		Timestamp:     time.Now().UTC(),
		IsFullRefresh: isFullRefresh,
		Updates:       rows,
	}
}

// resultFrame is the outbound command-success response.
type resultFrame struct {
	CommandID string      `json:"commandId"`
	Type      string      `json:"type"`
	Payload   interface{} `json:"payload,omitempty"`
}

func newResultFrame(commandID string, kind CommandKind, payload interface{}) resultFrame {
	return resultFrame{
		CommandID: commandID,
		Type:      string(kind) + "_result",
		Payload:   payload,
	}
}

// errorFrame is the outbound command-failure response.
type errorFrame struct {
	CommandID string `json:"commandId"`
	Type      string `json:"type"`
	Error     string `json:"error"`
}

func newErrorFrame(commandID, message string) errorFrame {
	return errorFrame{
		CommandID: commandID,
		Type:      "error",
		Error:     message,
	}
}
