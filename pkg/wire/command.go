package wire

import "fmt"

// Command is the one-byte operation code of a message. Requests and the
// replies the process generates share one code space.
type Command uint8

// Requests.
const (
	CmdPing           Command = 0x00
	CmdHalt           Command = 0x01
	CmdSessionCreate  Command = 0x10
	CmdSessionHalt    Command = 0x11
	CmdQualityRaise   Command = 0x20
	CmdQualityLower   Command = 0x21
	CmdQualityTarget  Command = 0x22
	CmdQualityObserve Command = 0x23
	CmdAudioSend      Command = 0x30
	CmdVideoSend      Command = 0x31
	CmdAudioReceive   Command = 0x32
	CmdVideoReceive   Command = 0x33
	CmdReport         Command = 0x40
)

// Replies that differ from an echo of the request.
const (
	CmdPong    Command = 0x80
	CmdHaltAck Command = 0x81
	CmdError   Command = 0xFF
)

var commandNames = map[Command]string{
	CmdPing:           "ping",
	CmdHalt:           "halt",
	CmdSessionCreate:  "session-create",
	CmdSessionHalt:    "session-halt",
	CmdQualityRaise:   "quality-raise",
	CmdQualityLower:   "quality-lower",
	CmdQualityTarget:  "quality-target",
	CmdQualityObserve: "quality-observe",
	CmdAudioSend:      "audio-send",
	CmdVideoSend:      "video-send",
	CmdAudioReceive:   "audio-receive",
	CmdVideoReceive:   "video-receive",
	CmdReport:         "report",
	CmdPong:           "pong",
	CmdHaltAck:        "halt-ack",
	CmdError:          "error",
}

// Valid reports whether c belongs to the command set.
func (c Command) Valid() bool {
	_, ok := commandNames[c]
	return ok
}

// IsReply reports whether c is only ever sent by the process.
func (c Command) IsReply() bool {
	return c == CmdPong || c == CmdHaltAck || c == CmdError
}

// String returns a string representation of the Command.
func (c Command) String() string {
	if name, ok := commandNames[c]; ok {
		return name
	}
	return fmt.Sprintf("Command(0x%02x)", uint8(c))
}
