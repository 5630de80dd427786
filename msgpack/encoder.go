package msgpack

import (
	"math"
	"reflect"

	"github.com/pkg/errors"
	"github.com/tsafin/tntcxx/buffer"
)

// Encoder writes a self-describing tagged stream onto a buffer.Buffer,
// per original_source/src/mpp/Enc.hpp and the wire table in §4.E. It
// keeps no state of its own beyond the buffer it writes to: a "frame"
// for a compound value (array/map whose header width can't be decided
// until its children are known) is just the (start mark, count) pair
// the caller holds locally, mirroring the header-only Enc<T> template
// the teacher's tntcxx original uses.
type Encoder struct {
	buf *buffer.Buffer
}

// NewEncoder returns an Encoder that appends to buf.
func NewEncoder(buf *buffer.Buffer) *Encoder {
	return &Encoder{buf: buf}
}

// Buffer returns the underlying buffer.
func (e *Encoder) Buffer() *buffer.Buffer { return e.buf }

func (e *Encoder) putByte(b byte) error {
	_, err := e.buf.WriteBack([]byte{b})
	return err
}

// PutTag writes a single tag byte with no payload (NIL, BOOL, fix
// forms).
func (e *Encoder) PutTag(tag Tag) error {
	return e.putByte(byte(tag))
}

// PutNumber writes tag followed by the big-endian encoding of a
// fixed-width numeric payload.
func (e *Encoder) PutNumber(tag Tag, payload []byte) error {
	buf := make([]byte, 1+len(payload))
	buf[0] = byte(tag)
	copy(buf[1:], payload)
	_, err := e.buf.WriteBack(buf)
	return err
}

// PutData writes tag, then (for length-prefixed forms) the big-endian
// length, then the raw payload bytes.
func (e *Encoder) PutData(tag Tag, lenWidth int, data []byte) error {
	head := make([]byte, 1+lenWidth)
	head[0] = byte(tag)
	putUintBE(head[1:], uint64(len(data)))
	if _, err := e.buf.WriteBack(head); err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	_, err := e.buf.WriteBack(data)
	return err
}

func putUintBE(dst []byte, v uint64) {
	for i := len(dst) - 1; i >= 0; i-- {
		dst[i] = byte(v)
		v >>= 8
	}
}

// AddNil emits the NIL tag.
func (e *Encoder) AddNil() error { return e.PutTag(TagNil) }

// AddBool emits the BOOL tag for v.
func (e *Encoder) AddBool(v bool) error {
	if v {
		return e.PutTag(TagTrue)
	}
	return e.PutTag(TagFalse)
}

// AddUint emits the smallest UINT form (fix or long) that covers v, per
// the width-selection rule in §4.E.
func (e *Encoder) AddUint(v uint64) error {
	switch {
	case v <= fixPosIntMax:
		return e.putByte(byte(v))
	case v <= math.MaxUint8:
		return e.PutNumber(TagUint8, []byte{byte(v)})
	case v <= math.MaxUint16:
		b := make([]byte, 2)
		putUintBE(b, v)
		return e.PutNumber(TagUint16, b)
	case v <= math.MaxUint32:
		b := make([]byte, 4)
		putUintBE(b, v)
		return e.PutNumber(TagUint32, b)
	default:
		b := make([]byte, 8)
		putUintBE(b, v)
		return e.PutNumber(TagUint64, b)
	}
}

// AddInt emits UINT for non-negative values (smaller on the wire, per
// §4.E) and INT (fix-negative or long form) otherwise.
func (e *Encoder) AddInt(v int64) error {
	if v >= 0 {
		return e.AddUint(uint64(v))
	}
	switch {
	case v >= -32:
		return e.putByte(byte(v))
	case v >= math.MinInt8:
		return e.PutNumber(TagInt8, []byte{byte(v)})
	case v >= math.MinInt16:
		b := make([]byte, 2)
		putUintBE(b, uint64(uint16(v)))
		return e.PutNumber(TagInt16, b)
	case v >= math.MinInt32:
		b := make([]byte, 4)
		putUintBE(b, uint64(uint32(v)))
		return e.PutNumber(TagInt32, b)
	default:
		b := make([]byte, 8)
		putUintBE(b, uint64(v))
		return e.PutNumber(TagInt64, b)
	}
}

// AddFloat32 emits FLOAT32: the bits of v reinterpreted and written
// big-endian, per §4.E.
func (e *Encoder) AddFloat32(v float32) error {
	b := make([]byte, 4)
	putUintBE(b, uint64(math.Float32bits(v)))
	return e.PutNumber(TagFloat32, b)
}

// AddFloat64 emits FLOAT64.
func (e *Encoder) AddFloat64(v float64) error {
	b := make([]byte, 8)
	putUintBE(b, math.Float64bits(v))
	return e.PutNumber(TagFloat64, b)
}

// AddStr emits the smallest STR form covering len(s).
func (e *Encoder) AddStr(s string) error {
	return e.addLenPrefixed([]byte(s), fixStrBase, fixStrMax-fixStrBase+1, TagStr8, TagStr16, TagStr32)
}

// AddBin emits the smallest BIN form covering len(b). BIN has no fix
// form (§4.E).
func (e *Encoder) AddBin(b []byte) error {
	switch {
	case len(b) <= math.MaxUint8:
		return e.PutData(TagBin8, 1, b)
	case len(b) <= math.MaxUint16:
		return e.PutData(TagBin16, 2, b)
	default:
		return e.PutData(TagBin32, 4, b)
	}
}

func (e *Encoder) addLenPrefixed(data []byte, fixBase byte, fixCount int, t8, t16, t32 Tag) error {
	n := len(data)
	switch {
	case n < fixCount:
		head := append([]byte{fixBase + byte(n)}, data...)
		_, err := e.buf.WriteBack(head)
		return err
	case n <= math.MaxUint8:
		return e.PutData(t8, 1, data)
	case n <= math.MaxUint16:
		return e.PutData(t16, 2, data)
	default:
		return e.PutData(t32, 4, data)
	}
}

// AddArr emits an ARR header for count children; the caller follows up
// with count calls to Add (or a typed Add* method) for each element.
func (e *Encoder) AddArr(count int) error {
	return e.addCountHeader(count, fixArrBase, 16, TagArr16, TagArr32)
}

// AddMap emits a MAP header for count key/value pairs; the caller
// follows up with 2*count Add calls, alternating key then value.
func (e *Encoder) AddMap(count int) error {
	return e.addCountHeader(count, fixMapBase, 16, TagMap16, TagMap32)
}

func (e *Encoder) addCountHeader(count int, fixBase byte, fixCount int, t16, t32 Tag) error {
	if count < 0 {
		return errors.Wrap(ErrOverflow, "negative count")
	}
	switch {
	case count < fixCount:
		return e.putByte(fixBase + byte(count))
	case count <= math.MaxUint16:
		b := make([]byte, 2)
		putUintBE(b, uint64(count))
		return e.PutNumber(t16, b)
	case uint64(count) <= math.MaxUint32:
		b := make([]byte, 4)
		putUintBE(b, uint64(count))
		return e.PutNumber(t32, b)
	default:
		return ErrOverflow
	}
}

// AddExt emits an EXT value: fix form when len(data) is one of
// {1,2,4,8,16}, long form otherwise, followed by the one-byte
// application-defined extType and the payload.
func (e *Encoder) AddExt(extType int8, data []byte) error {
	n := len(data)
	fixTags := map[int]Tag{1: TagFixExt1, 2: TagFixExt2, 4: TagFixExt4, 8: TagFixExt8, 16: TagFixExt16}
	if tag, ok := fixTags[n]; ok {
		if err := e.PutTag(tag); err != nil {
			return err
		}
		if err := e.putByte(byte(extType)); err != nil {
			return err
		}
		_, err := e.buf.WriteBack(data)
		return err
	}
	var tag Tag
	var width int
	switch {
	case n <= math.MaxUint8:
		tag, width = TagExt8, 1
	case n <= math.MaxUint16:
		tag, width = TagExt16, 2
	default:
		tag, width = TagExt32, 4
	}
	head := make([]byte, 1+width+1)
	head[0] = byte(tag)
	putUintBE(head[1:1+width], uint64(n))
	head[1+width] = byte(extType)
	if _, err := e.buf.WriteBack(head); err != nil {
		return err
	}
	_, err := e.buf.WriteBack(data)
	return err
}

// Reserve advances the buffer by n uninitialised bytes without writing,
// returning a mark at the reserved span's start for later back-patching
// (the design-level reserve(n) decorator in §4.E).
func (e *Encoder) Reserve(n int) (buffer.Mark, error) {
	return e.buf.AppendBack(n)
}

// Frame tracks an open array/map header whose final width could not be
// decided until its children were counted — the stack-only construct
// described in §3's "Encoder frame" note. Start is taken before any
// child is written; Finish patches the reserved header in place.
type Frame struct {
	start buffer.Mark
	kind  Kind // KindArr or KindMap
}

// BeginArr reserves worst-case space (a 5-byte ARR32 header) for an
// array whose element count isn't known yet, and returns a Frame to
// finish once the count is known. Use AddArr directly when the count
// is known up front; BeginArr/Finish exists for streaming producers.
func (e *Encoder) BeginArr() (Frame, error) {
	return e.beginFrame(KindArr)
}

// BeginMap is the MAP counterpart of BeginArr.
func (e *Encoder) BeginMap() (Frame, error) {
	return e.beginFrame(KindMap)
}

func (e *Encoder) beginFrame(kind Kind) (Frame, error) {
	m, err := e.Reserve(5)
	if err != nil {
		return Frame{}, err
	}
	return Frame{start: m, kind: kind}, nil
}

// Finish patches the frame's reserved header with the final count,
// always using the 5-byte long form (tag + u32) so the reserved space
// matches exactly — no buffer insert/release is needed.
func (e *Encoder) Finish(f Frame, count int) error {
	if count < 0 || uint64(count) > math.MaxUint32 {
		return ErrOverflow
	}
	var tag Tag
	if f.kind == KindArr {
		tag = TagArr32
	} else {
		tag = TagMap32
	}
	head := make([]byte, 5)
	head[0] = byte(tag)
	putUintBE(head[1:], uint64(count))
	return e.buf.Set(f.start, head)
}

// FinishCompact patches f's reserved 5-byte header with the
// width-minimal encoding of count — the same fix/16-bit/32-bit
// selection addCountHeader uses when the count is known up front —
// shrinking the reserved span to fit via buffer.Buffer.Resize instead
// of always spending the full 5 bytes the way Finish does. Prefer this
// over Finish when the header's width matters (e.g. re-encoding a
// forwarded frame byte-for-byte).
func (e *Encoder) FinishCompact(f Frame, count int) error {
	if count < 0 || uint64(count) > math.MaxUint32 {
		return ErrOverflow
	}
	fixBase, t16, t32 := byte(fixArrBase), TagArr16, TagArr32
	if f.kind == KindMap {
		fixBase, t16, t32 = fixMapBase, TagMap16, TagMap32
	}

	var head []byte
	switch {
	case count < 16:
		head = []byte{fixBase + byte(count)}
	case count <= math.MaxUint16:
		head = make([]byte, 3)
		head[0] = byte(t16)
		putUintBE(head[1:], uint64(count))
	default:
		head = make([]byte, 5)
		head[0] = byte(t32)
		putUintBE(head[1:], uint64(count))
	}

	if err := e.buf.Resize(f.start, 5, len(head)); err != nil {
		return err
	}
	return e.buf.Set(f.start, head)
}

// Abort rolls the buffer back to the state it had before f was opened,
// discarding everything written for the (now-failed) compound value.
// This implements the partial-write rollback policy of §4.E: any
// failure during a compound emit unwinds to the append_back mark taken
// before the compound began.
func (e *Encoder) Abort(f Frame) error {
	return e.buf.TruncateTo(f.start)
}

// Add dispatches on the static/dynamic shape of v, per §4.E's add()
// rule: nil-like to NIL, bool to BOOL, integers to UINT/INT by sign,
// floats to FLOAT32/FLOAT64 by width, byte slices/strings to
// STR/BIN, slices/arrays to ARR (recursing element-wise), maps to MAP
// (recursing key then value); Raw values splice verbatim (the as_raw
// decorator) and msgp.Marshaler values encode as a BIN-wrapped blob.
func (e *Encoder) Add(v interface{}) error {
	if v == nil {
		return e.AddNil()
	}
	if m, ok := v.(Marshaler); ok {
		return m.MarshalMsgpack(e)
	}
	if raw, ok := asRawBytes(v); ok {
		_, werr := e.buf.WriteBack(raw)
		return werr
	}
	if raw, ok, err := asMsgpBytes(v); ok {
		if err != nil {
			return err
		}
		return e.AddBin(raw)
	}

	switch t := v.(type) {
	case bool:
		return e.AddBool(t)
	case string:
		return e.AddStr(t)
	case []byte:
		return e.AddBin(t)
	case int:
		return e.AddInt(int64(t))
	case int8:
		return e.AddInt(int64(t))
	case int16:
		return e.AddInt(int64(t))
	case int32:
		return e.AddInt(int64(t))
	case int64:
		return e.AddInt(t)
	case uint:
		return e.AddUint(uint64(t))
	case uint8:
		return e.AddUint(uint64(t))
	case uint16:
		return e.AddUint(uint64(t))
	case uint32:
		return e.AddUint(uint64(t))
	case uint64:
		return e.AddUint(t)
	case float32:
		return e.AddFloat32(t)
	case float64:
		return e.AddFloat64(t)
	}

	return e.addReflect(reflect.ValueOf(v))
}

func (e *Encoder) addReflect(rv reflect.Value) error {
	switch rv.Kind() {
	case reflect.Ptr, reflect.Interface:
		if rv.IsNil() {
			return e.AddNil()
		}
		return e.addReflect(rv.Elem())
	case reflect.Slice, reflect.Array:
		n := rv.Len()
		if err := e.AddArr(n); err != nil {
			return err
		}
		for i := 0; i < n; i++ {
			if err := e.Add(rv.Index(i).Interface()); err != nil {
				return err
			}
		}
		return nil
	case reflect.Map:
		keys := rv.MapKeys()
		if err := e.AddMap(len(keys)); err != nil {
			return err
		}
		for _, k := range keys {
			if err := e.Add(k.Interface()); err != nil {
				return err
			}
			if err := e.Add(rv.MapIndex(k).Interface()); err != nil {
				return err
			}
		}
		return nil
	case reflect.Struct:
		return e.addStruct(rv)
	default:
		return errors.Errorf("msgpack: Add: unsupported type %s", rv.Type())
	}
}
