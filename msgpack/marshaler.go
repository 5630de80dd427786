package msgpack

import "github.com/tinylib/msgp/msgp"

// Marshaler is implemented by types that know how to encode themselves
// directly onto the wire, bypassing Encoder.Add's reflection-based
// dispatch. Modeled on the teacher's codec.Marshaler
// (github.com/zippoxer/bow/codec), generalised from "marshal to a byte
// slice" to "marshal a single msgpack value", since the encoder writes
// straight into a buffer.Buffer rather than building an intermediate
// []byte.
type Marshaler interface {
	MarshalMsgpack(e *Encoder) error
}

// Unmarshaler is implemented by types that know how to decode
// themselves from a single msgpack value. Symmetric to Marshaler.
type Unmarshaler interface {
	UnmarshalMsgpack(v Value) error
}

// asRawBytes recognises Raw values: caller-supplied bytes that are
// already a complete, valid encoded msgpack value. Encoder.Add splices
// these straight into the stream verbatim (the as_raw decorator in
// §6's table) — used for forwarding an already-decoded-then-reencoded
// frame without re-walking it by reflection.
func asRawBytes(v interface{}) ([]byte, bool) {
	if m, ok := v.(Raw); ok {
		return []byte(m), true
	}
	return nil, false
}

// Raw is caller-supplied bytes that are already valid encoded msgpack
// data; Encoder.Add copies them into the stream verbatim (the as_raw
// decorator in §6's table).
type Raw []byte

// asMsgpBytes recognises github.com/tinylib/msgp's generated
// msgp.Marshaler, so structs produced by `go generate`-driven msgp
// codegen (the teacher's go.mod carries tinylib/msgp as a direct
// dependency) can be encoded without this package having to duplicate
// msgp's reflection-free generated encoders. Unlike asRawBytes, the
// result is wrapped in a BIN value rather than spliced verbatim: msgp
// structs are free to encode as MAP or ARR depending on the codegen's
// own settings, and wrapping keeps the wire Kind predictable (always
// KindBin) so the decode side (asUnmarshalTarget) can recognise it
// without first inspecting the nested tag.
func asMsgpBytes(v interface{}) ([]byte, bool, error) {
	m, ok := v.(msgp.Marshaler)
	if !ok {
		return nil, false, nil
	}
	b, err := m.MarshalMsg(nil)
	return b, true, err
}

// asUnmarshalTarget dispatches a decoded Value to a tinylib/msgp
// Unmarshaler when the caller's target implements it, symmetric to
// asMsgpBytes. raw is the STR/BIN payload without its header (for a
// value written by asMsgpBytes, exactly the MarshalMsg output), as
// assignScalar reads it out of the buffer before calling this.
func asUnmarshalTarget(v interface{}, raw []byte) (bool, error) {
	if u, ok := v.(msgp.Unmarshaler); ok {
		_, err := u.UnmarshalMsg(raw)
		return true, err
	}
	return false, nil
}
