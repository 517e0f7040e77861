package debugger

import "github.com/DeanoBurrito/northport-sub001/defs"

const gdbWorkingBufferSize = 256

// GdbProtocol implements Protocol for the GDB remote serial protocol:
// "$<data>#<checksum>" packets, positive/negative acks. Grounded on
// original_source/kernel/debugger/ProtocolGdb.cpp's packet framing;
// Connect only performs the initial handshake (wait for a "?" packet,
// ack it) since a full command dispatcher is out of this core's scope.
type GdbProtocol struct {
	workingBuffer []byte
}

// NewGdbProtocol creates a GdbProtocol with its own scratch buffer.
func NewGdbProtocol() *GdbProtocol {
	return &GdbProtocol{workingBuffer: make([]byte, gdbWorkingBufferSize)}
}

func (g *GdbProtocol) Name() string { return "gdb-remote" }

// Connect waits for the host's initial "?" packet and acks it, matching
// ProtocolGdb.cpp's GdbConnect.
func (g *GdbProtocol) Connect(t Transport) defs.DebugError {
	if t == nil {
		return defs.DebugInvalidArg
	}

	for {
		received := receivePacket(t, g.workingBuffer)
		if len(received) == 0 {
			continue
		}
		if !(len(received) == 1 && received[0] == '?') {
			sendAck(t, false)
			continue
		}
		sendAck(t, true)
		break
	}
	return defs.DebugOk
}

func (g *GdbProtocol) Disconnect(t Transport) {}

func sendAck(t Transport, positive bool) {
	if positive {
		t.Send([]byte{'+'})
	} else {
		t.Send([]byte{'-'})
	}
}

func computeChecksum(data []byte) byte {
	var sum byte
	for _, b := range data {
		sum += b
	}
	return sum
}

func hexNibble(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, true
	}
	return 0, false
}

func decodeByte(b []byte) (byte, bool) {
	if len(b) < 2 {
		return 0, false
	}
	hi, okHi := hexNibble(b[0])
	lo, okLo := hexNibble(b[1])
	if !okHi || !okLo {
		return 0, false
	}
	return hi<<4 | lo, true
}

// receivePacket scans incoming bytes for a complete "$<data>#<cc>"
// packet, NACKing and resetting its scan on any framing or checksum
// failure, matching ProtocolGdb.cpp's ReceivePacket.
func receivePacket(t Transport, buffer []byte) []byte {
	receiveHead := 0
	for {
		n := t.Receive(buffer[receiveHead:])
		receiveHead += n

		dataEnd := -1
		for i := 0; i < receiveHead; i++ {
			if buffer[i] != '#' {
				continue
			}
			if i+2 >= receiveHead {
				continue
			}
			dataEnd = i
			break
		}

		if receiveHead == len(buffer) {
			return nil
		}
		if dataEnd < 0 {
			continue
		}

		dataBegin := -1
		for i := 0; i < dataEnd; i++ {
			if buffer[i] != '$' {
				continue
			}
			dataBegin = i + 1
			break
		}
		if dataBegin < 0 {
			sendAck(t, false)
			receiveHead = 0
			continue
		}

		ourChecksum := computeChecksum(buffer[dataBegin:dataEnd])
		packetChecksum, ok := decodeByte(buffer[dataEnd+1 : dataEnd+3])
		if !ok || ourChecksum != packetChecksum {
			sendAck(t, false)
			receiveHead = 0
			continue
		}

		out := make([]byte, dataEnd-dataBegin)
		copy(out, buffer[dataBegin:dataEnd])
		return out
	}
}
