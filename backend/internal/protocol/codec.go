package protocol

import (
	"encoding/binary"
	"fmt"

	"vibenotes/backend/internal/note"
)

// 帧格式：
//
//	SYNC:      [0][step][uvarint len][payload]
//	AWARENESS: [1][uvarint len][payload(JSON presence delta)]
//
// codec 只做分辨和搬运，不解释 payload（交给 CRDT 引擎）。
type MessageType byte

const (
	MessageSync      MessageType = 0
	MessageAwareness MessageType = 1
)

type SyncStep byte

const (
	SyncStep1  SyncStep = 0 // 状态向量请求
	SyncStep2  SyncStep = 1 // 状态差量响应
	SyncUpdate SyncStep = 2 // 增量更新
)

func (s SyncStep) String() string {
	switch s {
	case SyncStep1:
		return "step1"
	case SyncStep2:
		return "step2"
	case SyncUpdate:
		return "update"
	}
	return fmt.Sprintf("step(%d)", byte(s))
}

// Frame 解码后的帧。Raw 保留原始字节，广播时原样转发不重新编码
type Frame struct {
	Type    MessageType
	Step    SyncStep
	Payload []byte
	Raw     []byte
}

// StateChanging 只有 step2 / update 会改变文档，需要转发给房间其他人
func (f Frame) StateChanging() bool {
	return f.Type == MessageSync && (f.Step == SyncStep2 || f.Step == SyncUpdate)
}

func Decode(raw []byte) (Frame, error) {
	if len(raw) == 0 {
		return Frame{}, fmt.Errorf("%w: empty frame", note.ErrProtocol)
	}
	f := Frame{Type: MessageType(raw[0]), Raw: raw}
	rest := raw[1:]

	switch f.Type {
	case MessageSync:
		if len(rest) == 0 {
			return Frame{}, fmt.Errorf("%w: sync frame without step", note.ErrProtocol)
		}
		f.Step = SyncStep(rest[0])
		if f.Step > SyncUpdate {
			return Frame{}, fmt.Errorf("%w: unknown sync %s", note.ErrProtocol, f.Step)
		}
		rest = rest[1:]
	case MessageAwareness:
	default:
		return Frame{}, fmt.Errorf("%w: unknown message type %d", note.ErrProtocol, raw[0])
	}

	payload, err := readPayload(rest)
	if err != nil {
		return Frame{}, err
	}
	f.Payload = payload
	return f, nil
}

func readPayload(b []byte) ([]byte, error) {
	n, k := binary.Uvarint(b)
	if k <= 0 {
		return nil, fmt.Errorf("%w: bad payload length", note.ErrProtocol)
	}
	b = b[k:]
	if uint64(len(b)) != n {
		return nil, fmt.Errorf("%w: payload length %d, have %d", note.ErrProtocol, n, len(b))
	}
	return b, nil
}

func EncodeSync(step SyncStep, payload []byte) []byte {
	out := make([]byte, 0, 2+binary.MaxVarintLen64+len(payload))
	out = append(out, byte(MessageSync), byte(step))
	out = binary.AppendUvarint(out, uint64(len(payload)))
	return append(out, payload...)
}

func EncodeAwareness(payload []byte) []byte {
	out := make([]byte, 0, 1+binary.MaxVarintLen64+len(payload))
	out = append(out, byte(MessageAwareness))
	out = binary.AppendUvarint(out, uint64(len(payload)))
	return append(out, payload...)
}
