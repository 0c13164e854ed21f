package protocol

// ControlType discriminates messages on the control stream.
type ControlType uint8

const (
	// ControlHello starts version negotiation. The host sends it first; the
	// guest answers with its own hello. Mismatched versions are fatal.
	ControlHello ControlType = iota + 1
	// ControlOpenStream asks the peer to open a stream with the given id and
	// kind. Answered by ControlOpenAck before any data flows.
	ControlOpenStream
	// ControlOpenAck accepts or rejects a pending open.
	ControlOpenAck
	// ControlCloseStream reports that the sender finished a stream.
	ControlCloseStream
	// ControlWindowUpdate grants the peer more send credit on a stream.
	ControlWindowUpdate
	// ControlShutdown requests a clean guest halt.
	ControlShutdown
	// ControlSetNetwork enables or disables guest internet access.
	ControlSetNetwork
	// ControlResizeConsole updates the guest console size.
	ControlResizeConsole
)

// Control is the payload of every control-stream frame.
type Control struct {
	Type     ControlType `cbor:"1,keyasint"`
	StreamID uint32      `cbor:"2,keyasint,omitempty"`
	Kind     StreamKind  `cbor:"3,keyasint,omitempty"`
	Version  uint32      `cbor:"4,keyasint,omitempty"`
	Credit   uint32      `cbor:"5,keyasint,omitempty"`
	Accepted bool        `cbor:"6,keyasint,omitempty"`
	Error    string      `cbor:"7,keyasint,omitempty"`
	Enabled  bool        `cbor:"8,keyasint,omitempty"`
	Cols     int32       `cbor:"9,keyasint,omitempty"`
	Rows     int32       `cbor:"10,keyasint,omitempty"`
}
