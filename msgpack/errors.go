package msgpack

import "github.com/pkg/errors"

// ErrBadTag is the fatal decode error: an unknown tag or a payload that
// doesn't match any recognised form. It corresponds to READ_BAD_MSGPACK
// in §4.F/§7.
var ErrBadTag = errors.New("msgpack: unrecognised or malformed tag")

// ErrNeedMore is the benign decode status: the mark reached the
// buffer's end mid-value. Corresponds to READ_NEED_MORE; callers retry
// Read after more bytes arrive over the wire.
var ErrNeedMore = errors.New("msgpack: need more data")

// ErrOverflow is returned by the encoder's ARR/MAP header paths (AddArr,
// AddMap, Finish, FinishCompact) when a count is negative or >= 2^32,
// per §7's "Encoder overflow". STR/BIN/EXT lengths are not checked.
var ErrOverflow = errors.New("msgpack: value overflows the wire format")

// Status is the outcome of a single Decoder.Read call, mirroring
// READ_SUCCESS / READ_NEED_MORE / READ_BAD_MSGPACK from §4.F.
type Status int

const (
	ReadSuccess Status = iota
	ReadNeedMore
	ReadBadMsgpack
)

func (s Status) String() string {
	switch s {
	case ReadSuccess:
		return "READ_SUCCESS"
	case ReadNeedMore:
		return "READ_NEED_MORE"
	case ReadBadMsgpack:
		return "READ_BAD_MSGPACK"
	default:
		return "READ_UNKNOWN"
	}
}
