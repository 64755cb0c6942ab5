package protocol

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"hash"

	"kbridge/kerrors"
)

// hashFor resolves a signature_scheme field (e.g. "hmac-sha256") to a
// hash constructor. Unknown schemes and the empty string fall back to
// sha256, the Jupyter default.
func hashFor(scheme string) func() hash.Hash {
	switch scheme {
	case "hmac-sha1":
		return sha1.New
	case "hmac-sha512":
		return sha512.New
	default:
		return sha256.New
	}
}

// CodecOptions control the lesser-used corners of Encode/Decode.
// SignatureScheme selects the HMAC scheme. SerializeDates and
// ParseDates are carried but Encode and Decode do not read them:
// Header.Date is a string and passes through both unchanged, with no
// conversion to or from time.Time.
type CodecOptions struct {
	SignatureScheme string
	SerializeDates  bool
	ParseDates      bool
}

// Encode serializes msg into the ordered wire frames described in
// spec §3: identities, delimiter, hex hmac, then the four JSON
// segments, then any trailing buffers.
func Encode(msg *Message, key []byte, identities [][]byte, opts CodecOptions) ([][]byte, error) {
	header, err := json.Marshal(msg.Header)
	if err != nil {
		return nil, &kerrors.MalformedFrame{Reason: "header: " + err.Error()}
	}
	parent, err := json.Marshal(msg.ParentHeader)
	if err != nil {
		return nil, &kerrors.MalformedFrame{Reason: "parent_header: " + err.Error()}
	}
	metadata := msg.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	metadataBytes, err := json.Marshal(metadata)
	if err != nil {
		return nil, &kerrors.MalformedFrame{Reason: "metadata: " + err.Error()}
	}
	content := msg.Content
	if content == nil {
		content = map[string]any{}
	}
	contentBytes, err := json.Marshal(content)
	if err != nil {
		return nil, &kerrors.MalformedFrame{Reason: "content: " + err.Error()}
	}

	signature := sign(key, opts.SignatureScheme, header, parent, metadataBytes, contentBytes)

	frames := make([][]byte, 0, len(identities)+6+len(msg.Buffers))
	frames = append(frames, identities...)
	frames = append(frames,
		[]byte(Delimiter),
		[]byte(hex.EncodeToString(signature)),
		header,
		parent,
		metadataBytes,
		contentBytes,
	)
	frames = append(frames, msg.Buffers...)
	return frames, nil
}

// Decode parses the wire frames produced by Encode. It returns the
// leading routing identities (empty for a Dealer-style connection),
// the decoded message, or a *kerrors.MalformedFrame /
// *kerrors.SignatureMismatch error. Callers that want log-and-continue
// semantics (spec §7 policy) should type-switch on the returned error.
func Decode(frames [][]byte, key []byte, opts CodecOptions) ([][]byte, *Message, error) {
	delimIdx := -1
	for i, f := range frames {
		if string(f) == Delimiter {
			delimIdx = i
			break
		}
	}
	if delimIdx == -1 {
		return nil, nil, &kerrors.MalformedFrame{Reason: "missing <IDS|MSG> delimiter"}
	}
	if len(frames) < delimIdx+6 {
		return nil, nil, &kerrors.MalformedFrame{Reason: "truncated frame"}
	}

	identities := frames[:delimIdx]
	signatureHex := string(frames[delimIdx+1])
	headerBytes := frames[delimIdx+2]
	parentBytes := frames[delimIdx+3]
	metadataBytes := frames[delimIdx+4]
	contentBytes := frames[delimIdx+5]
	buffers := frames[delimIdx+6:]

	expected := sign(key, opts.SignatureScheme, headerBytes, parentBytes, metadataBytes, contentBytes)
	got, err := hex.DecodeString(signatureHex)
	if err != nil || !hmac.Equal(got, expected) {
		return nil, nil, &kerrors.SignatureMismatch{}
	}

	var m Message
	if err := json.Unmarshal(headerBytes, &m.Header); err != nil {
		return nil, nil, &kerrors.MalformedFrame{Reason: "header: " + err.Error()}
	}
	if err := json.Unmarshal(parentBytes, &m.ParentHeader); err != nil {
		return nil, nil, &kerrors.MalformedFrame{Reason: "parent_header: " + err.Error()}
	}
	if err := json.Unmarshal(metadataBytes, &m.Metadata); err != nil {
		return nil, nil, &kerrors.MalformedFrame{Reason: "metadata: " + err.Error()}
	}
	if err := json.Unmarshal(contentBytes, &m.Content); err != nil {
		return nil, nil, &kerrors.MalformedFrame{Reason: "content: " + err.Error()}
	}
	m.Buffers = buffers

	return identities, &m, nil
}

// DecodeUnsigned parses the four JSON segments of a client-submitted
// frame set that carries no signature, because the client does not
// hold the shared key. Used only by the Session Fan-out's inbound
// path: kernelserver signs the result with Encode before relaying it
// to the real kernel channel.
func DecodeUnsigned(segments [][]byte) (*Message, error) {
	if len(segments) < 4 {
		return nil, &kerrors.MalformedFrame{Reason: "expected at least 4 json segments"}
	}
	var m Message
	if err := json.Unmarshal(segments[0], &m.Header); err != nil {
		return nil, &kerrors.MalformedFrame{Reason: "header: " + err.Error()}
	}
	if err := json.Unmarshal(segments[1], &m.ParentHeader); err != nil {
		return nil, &kerrors.MalformedFrame{Reason: "parent_header: " + err.Error()}
	}
	if err := json.Unmarshal(segments[2], &m.Metadata); err != nil {
		return nil, &kerrors.MalformedFrame{Reason: "metadata: " + err.Error()}
	}
	if err := json.Unmarshal(segments[3], &m.Content); err != nil {
		return nil, &kerrors.MalformedFrame{Reason: "content: " + err.Error()}
	}
	m.Buffers = segments[4:]
	return &m, nil
}

func sign(key []byte, scheme string, segments ...[]byte) []byte {
	mac := hmac.New(hashFor(scheme), key)
	for _, s := range segments {
		mac.Write(s)
	}
	return mac.Sum(nil)
}
