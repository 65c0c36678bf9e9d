package reliability

import (
	"fmt"

	"github.com/ethereum/go-ethereum/rlp"

	"meshpay/protocol"
)

// Wire frames are a single tag byte followed by either a whole encoded
// envelope or one RLP fragment record. The tag keeps fragments
// distinguishable from small messages without a second decode pass.
const (
	frameWhole    byte = 0x00
	frameFragment byte = 0x01
)

// Fragment is one numbered piece of an oversized envelope. Fragments
// are keyed by (operator, request id); Final marks the highest index.
type Fragment struct {
	Operator  string
	RequestID string
	Index     uint32
	Final     bool
	Data      []byte
}

// fragmentOverhead is a conservative bound on the per-fragment framing
// cost: the tag byte plus RLP list headers and the index/final fields.
const fragmentOverhead = 24

// minChunk keeps pathological MTU/identifier combinations from
// producing zero-byte fragments.
const minChunk = 16

// SplitFrames turns an encoded envelope into wire frames. Payloads that
// fit the MTU travel as a single whole frame; larger ones become
// numbered fragments whose reassembly is byte-identical to raw.
func SplitFrames(operator, requestID string, raw []byte, mtu int) ([][]byte, error) {
	if len(raw)+1 <= mtu {
		frame := make([]byte, 0, len(raw)+1)
		frame = append(frame, frameWhole)
		return [][]byte{append(frame, raw...)}, nil
	}

	chunk := mtu - fragmentOverhead - len(operator) - len(requestID)
	if chunk < minChunk {
		chunk = minChunk
	}

	var frames [][]byte
	total := (len(raw) + chunk - 1) / chunk
	for i := 0; i < total; i++ {
		start := i * chunk
		end := start + chunk
		if end > len(raw) {
			end = len(raw)
		}
		frag := &Fragment{
			Operator:  operator,
			RequestID: requestID,
			Index:     uint32(i),
			Final:     i == total-1,
			Data:      raw[start:end],
		}
		encoded, err := rlp.EncodeToBytes(frag)
		if err != nil {
			return nil, fmt.Errorf("encode fragment %d: %w", i, err)
		}
		frame := make([]byte, 0, len(encoded)+1)
		frame = append(frame, frameFragment)
		frames = append(frames, append(frame, encoded...))
	}
	return frames, nil
}

// ParseFrame classifies one inbound wire frame. Exactly one of the
// returns is set: whole envelope bytes, or a fragment record.
func ParseFrame(frame []byte) ([]byte, *Fragment, error) {
	if len(frame) < 2 {
		return nil, nil, protocol.NewError(protocol.CodeMalformed, "", "frame too short")
	}
	switch frame[0] {
	case frameWhole:
		return frame[1:], nil, nil
	case frameFragment:
		frag := new(Fragment)
		if err := rlp.DecodeBytes(frame[1:], frag); err != nil {
			return nil, nil, protocol.NewError(protocol.CodeMalformed, "", fmt.Sprintf("decode fragment: %v", err))
		}
		return nil, frag, nil
	default:
		return nil, nil, protocol.NewError(protocol.CodeMalformed, "", fmt.Sprintf("unknown frame tag 0x%02x", frame[0]))
	}
}
