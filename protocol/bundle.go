package protocol

import (
	"encoding/binary"

	"kbridge/kerrors"
)

// EncodeBundle packs one channel's signed frames into the
// client-facing binary bundle format from spec §6:
//
//	channel_u8_len · channel_utf8 · offset_count_u32 · offset_u32[] · frame_bytes[]
//
// Offsets are relative to the start of the payload region (the first
// byte of frame_bytes), one per frame, marking where each frame
// begins; the frame's length follows from the next offset (or the
// payload's end for the last frame). This lets a single WebSocket
// carry shell, control and iopub traffic while letting the client
// recover frame boundaries without a second round of JSON parsing.
func EncodeBundle(channel string, frames [][]byte) []byte {
	if len(channel) > 255 {
		channel = channel[:255]
	}

	payload := make([]byte, 0, 4096)
	offsets := make([]uint32, len(frames))
	for i, f := range frames {
		offsets[i] = uint32(len(payload))
		payload = append(payload, f...)
	}

	out := make([]byte, 0, 1+len(channel)+4+4*len(offsets)+len(payload))
	out = append(out, byte(len(channel)))
	out = append(out, channel...)

	countBuf := make([]byte, 4)
	binary.LittleEndian.PutUint32(countBuf, uint32(len(offsets)))
	out = append(out, countBuf...)

	offBuf := make([]byte, 4)
	for _, off := range offsets {
		binary.LittleEndian.PutUint32(offBuf, off)
		out = append(out, offBuf...)
	}

	out = append(out, payload...)
	return out
}

// DecodeBundle reverses EncodeBundle.
func DecodeBundle(bundle []byte) (channel string, frames [][]byte, err error) {
	if len(bundle) < 1 {
		return "", nil, &kerrors.MalformedFrame{Reason: "empty bundle"}
	}
	nameLen := int(bundle[0])
	pos := 1
	if len(bundle) < pos+nameLen+4 {
		return "", nil, &kerrors.MalformedFrame{Reason: "truncated bundle header"}
	}
	channel = string(bundle[pos : pos+nameLen])
	pos += nameLen

	count := int(binary.LittleEndian.Uint32(bundle[pos : pos+4]))
	pos += 4

	if len(bundle) < pos+4*count {
		return "", nil, &kerrors.MalformedFrame{Reason: "truncated offset table"}
	}
	offsets := make([]uint32, count)
	for i := 0; i < count; i++ {
		offsets[i] = binary.LittleEndian.Uint32(bundle[pos : pos+4])
		pos += 4
	}

	payload := bundle[pos:]
	frames = make([][]byte, count)
	for i := 0; i < count; i++ {
		start := offsets[i]
		end := uint32(len(payload))
		if i+1 < count {
			end = offsets[i+1]
		}
		if int(start) > len(payload) || int(end) > len(payload) || start > end {
			return "", nil, &kerrors.MalformedFrame{Reason: "offset out of range"}
		}
		frames[i] = payload[start:end]
	}

	return channel, frames, nil
}
