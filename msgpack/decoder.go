package msgpack

import (
	"math"

	"github.com/pkg/errors"
	"github.com/tsafin/tntcxx/buffer"
)

// Value is the decoded payload handed to a Reader for a single tagged
// item, per §4.F. Scalars carry their widened value directly; STR/BIN
// carry the buffer position and length of their raw bytes instead of a
// copy, leaving the copy to the reader (as the spec requires); ARR/MAP
// carry their element count.
type Value struct {
	Kind Kind

	Bool    bool
	Uint    uint64
	Int     int64
	Float32 float32
	Float64 float64

	// Str/Bin/Ext: Mark is the position of the first payload byte, Len
	// its length. The reader copies out via Decoder.Buffer().Get. This
	// mark is a scratch registration good only for the duration of the
	// Reader.Value call it's handed to — Decoder destroys it right
	// after that call returns, so a Reader must not retain it.
	Mark buffer.Mark
	Len  int

	// Arr/Map: Count is the element count (pair count for Map).
	Count int

	// Ext: ExtType is the one-byte application type; Mark/Len describe
	// the payload as for Str/Bin.
	ExtType int8
}

// Reader receives one callback per decoded value. Returning a non-nil
// child from an ARR/MAP callback installs it for that value's children;
// returning nil re-uses the same Reader,
// so a single Reader can walk an entire nested tree uniformly.
type Reader interface {
	Value(d *Decoder, tag Tag, v Value) (child Reader, err error)
}

// ReaderFunc adapts a function to a Reader, for callers who don't need
// to install child readers.
type ReaderFunc func(d *Decoder, tag Tag, v Value) error

func (f ReaderFunc) Value(d *Decoder, tag Tag, v Value) (Reader, error) {
	return nil, f(d, tag, v)
}

// ErrorHandlers composes the decode-time validators named in §4.F.
// Each returns true when the condition should abort the read with
// READ_BAD_MSGPACK; a nil handler never aborts. They let a Reader (or
// the Decoder's defaults) reject out-of-range values without a panic
// or silent truncation.
type ErrorHandlers struct {
	// UnderMin/OverMax guard integer widening against a caller-defined
	// range (e.g. a field that must fit int32).
	UnderMin func(v int64) bool
	OverMax  func(v uint64) bool
	// FixedOverflow is carried for a caller's own fixed-width checks.
	// Decoder never calls it, so it never aborts a Read.
	FixedOverflow func(tag Tag, wantWidth int) bool
	// SizeOverflow fires when a STR/BIN/ARR/MAP/EXT length exceeds a
	// caller-defined ceiling.
	SizeOverflow func(n int) bool
}

func (h ErrorHandlers) checkUint(v uint64) error {
	if h.OverMax != nil && h.OverMax(v) {
		return errors.Errorf("msgpack: uint %d exceeds caller-defined maximum", v)
	}
	return nil
}

func (h ErrorHandlers) checkInt(v int64) error {
	if h.UnderMin != nil && h.UnderMin(v) {
		return errors.Errorf("msgpack: int %d is below caller-defined minimum", v)
	}
	return nil
}

func (h ErrorHandlers) checkSize(n int) error {
	if h.SizeOverflow != nil && h.SizeOverflow(n) {
		return errors.Errorf("msgpack: size %d exceeds caller-defined ceiling", n)
	}
	return nil
}

type frame struct {
	reader    Reader
	remaining int
	isMap     bool
}

// Decoder drives a push-style, callback-based walk of one msgpack
// value (scalar or compound tree) starting at a buffer mark, per
// §4.F. It does not own or mutate the underlying buffer: Read may be
// called again once more bytes have arrived after a READ_NEED_MORE.
type Decoder struct {
	buf      *buffer.Buffer
	cur      buffer.Mark
	handlers ErrorHandlers
	stack    []frame
}

// NewDecoder returns a Decoder that reads starting at start, invoking
// root for the single top-level value.
func NewDecoder(buf *buffer.Buffer, start buffer.Mark, root Reader, handlers ErrorHandlers) *Decoder {
	return &Decoder{
		buf:      buf,
		cur:      start,
		handlers: handlers,
		stack:    []frame{{reader: root, remaining: 1}},
	}
}

// Buffer returns the underlying buffer.
func (d *Decoder) Buffer() *buffer.Buffer { return d.buf }

// Mark returns the decoder's current read cursor.
func (d *Decoder) Mark() buffer.Mark { return d.cur }

// Close releases the decoder's cursor mark. A Decoder holds exactly
// one registered buffer.Mark for as long as it's reachable; Close lets
// a long-lived owner (tnt.Connection, across repeated Recv calls) tell
// the buffer this position no longer needs tracking, so the bytes
// behind it can be reclaimed. A closed Decoder must not be read again.
func (d *Decoder) Close() {
	d.cur.Destroy()
	d.cur = buffer.Mark{}
	d.stack = nil
}

// SetReader replaces the reader of the innermost frame on the decoder's
// stack. Called before Read, that is the reader of the top-level value.
// Called from inside a Reader callback, it is the frame holding the value
// just delivered, so r reads the values that remain in that frame, not
// that value's children; a reader for the children is installed by
// returning it from Value. isChild is not consulted.
func (d *Decoder) SetReader(isChild bool, r Reader) {
	if len(d.stack) == 0 {
		return
	}
	d.stack[len(d.stack)-1].reader = r
}

// AbortAndSkipRead discards every remaining value in the active
// compound frame without invoking callbacks, fast-forwarding the
// cursor across them, then pops the frame. Each value that is
// successfully skipped commits the cursor forward immediately — like
// Read, a value that can't yet be fully skipped (READ_NEED_MORE)
// leaves the cursor at the position of that value, ready for a retry.
func (d *Decoder) AbortAndSkipRead() error {
	if len(d.stack) == 0 {
		return nil
	}
	top := len(d.stack) - 1
	for d.stack[top].remaining > 0 {
		_, consumed, err := d.skipOne(d.cur)
		if err != nil {
			return err
		}
		d.cur.Destroy()
		d.cur = consumed
		d.stack[top].remaining--
	}
	d.stack = d.stack[:top]
	return nil
}

// Read decodes the single top-level value (and, for ARR/MAP, its full
// descendant tree) starting at the decoder's cursor, invoking reader
// callbacks as it goes. On READ_SUCCESS the cursor advances past the
// whole value; on READ_NEED_MORE or READ_BAD_MSGPACK the cursor is
// left untouched so a retried Read starts over from the same bytes.
//
// Every buffer.Mark minted while walking the value is scratch: exactly
// one survives past this call (the new cursor, on success) or none do
// (on failure, the pre-call cursor is the one left standing). This
// mirrors the original decoder's single-iterator model
// (original_source/src/mpp/Dec.hpp), where ReadUint/ReadStr/etc. all
// mutate one m_Cur position in place rather than minting a fresh one
// per step.
func (d *Decoder) Read() (Status, error) {
	saved := d.cur
	savedStack := append([]frame(nil), d.stack...)
	cur := saved

	abort := func() {
		if cur != saved {
			cur.Destroy()
		}
		d.cur, d.stack = saved, savedStack
	}

	for len(d.stack) > 0 {
		top := len(d.stack) - 1
		if d.stack[top].remaining == 0 {
			d.stack = d.stack[:top]
			continue
		}

		tag, ok, err := d.peekTag(cur)
		if err != nil {
			abort()
			return ReadBadMsgpack, err
		}
		if !ok {
			abort()
			return ReadNeedMore, nil
		}

		v, consumed, status, err := d.decodeValue(cur, tag)
		if status != ReadSuccess {
			abort()
			return status, err
		}

		reader := d.stack[top].reader
		child, rerr := reader.Value(d, tag, v)
		v.Mark.Destroy()
		if rerr != nil {
			consumed.Destroy()
			abort()
			return ReadBadMsgpack, rerr
		}

		if cur != saved {
			cur.Destroy()
		}
		cur = consumed // advance cursor past this value
		d.stack[top].remaining--

		if v.Kind == KindArr || v.Kind == KindMap {
			n := v.Count
			if v.Kind == KindMap {
				n *= 2
			}
			if n > 0 {
				next := reader
				if child != nil {
					next = child
				}
				d.stack = append(d.stack, frame{reader: next, remaining: n, isMap: v.Kind == KindMap})
			}
		}
	}

	if cur != saved {
		saved.Destroy()
	}
	d.cur = cur
	return ReadSuccess, nil
}

// peekTag reports the tag byte at from, or ok=false if from is already
// at the buffer's end (need more data).
func (d *Decoder) peekTag(from buffer.Mark) (Tag, bool, error) {
	if d.available(from) < 1 {
		return 0, false, nil
	}
	var b [1]byte
	if err := d.buf.Get(from, b[:]); err != nil {
		return 0, false, err
	}
	return Tag(b[0]), true, nil
}

// available reports the number of unread bytes from mark to end().
func (d *Decoder) available(from buffer.Mark) int {
	end := d.buf.End()
	n := d.buf.Distance(from, end)
	end.Destroy()
	return n
}

// skipOne decodes and discards one value starting at from, without
// invoking any reader, returning the value and a mark positioned just
// past it (including all descendants). Used by AbortAndSkipRead. The
// caller owns the lifetime of both from and the returned mark; v.Mark,
// if set, is already destroyed by the time this returns, since skipOne
// never hands a Value to a Reader.
func (d *Decoder) skipOne(from buffer.Mark) (Value, buffer.Mark, error) {
	tag, ok, err := d.peekTag(from)
	if err != nil {
		return Value{}, buffer.Mark{}, err
	}
	if !ok {
		return Value{}, buffer.Mark{}, ErrNeedMore
	}
	v, consumed, status, err := d.decodeValue(from, tag)
	if status != ReadSuccess {
		if err != nil {
			return Value{}, buffer.Mark{}, err
		}
		return Value{}, buffer.Mark{}, ErrNeedMore
	}
	v.Mark.Destroy()
	if v.Kind == KindArr || v.Kind == KindMap {
		n := v.Count
		if v.Kind == KindMap {
			n *= 2
		}
		cur := consumed
		for i := 0; i < n; i++ {
			_, next, err := d.skipOne(cur)
			cur.Destroy()
			if err != nil {
				return Value{}, buffer.Mark{}, err
			}
			cur = next
		}
		consumed = cur
	}
	return v, consumed, nil
}

// decodeValue reads one tagged value starting at from (without
// consuming from itself — the caller commits the advance), returning
// the decoded Value and a mark positioned just past it. Every mark
// minted internally to reach that result, other than the returned
// consumed mark and (for Str/Bin/Ext) v.Mark, is destroyed before
// decodeValue returns.
func (d *Decoder) decodeValue(from buffer.Mark, tag Tag) (Value, buffer.Mark, Status, error) {
	m := from
	switch {
	case tag == TagNil:
		return Value{Kind: KindNil}, d.advance(m, 1), ReadSuccess, nil
	case tag == TagFalse:
		return Value{Kind: KindBool, Bool: false}, d.advance(m, 1), ReadSuccess, nil
	case tag == TagTrue:
		return Value{Kind: KindBool, Bool: true}, d.advance(m, 1), ReadSuccess, nil
	case byte(tag) <= fixPosIntMax:
		return Value{Kind: KindUint, Uint: uint64(tag)}, d.advance(m, 1), ReadSuccess, nil
	case byte(tag) >= fixNegIntMin:
		return Value{Kind: KindInt, Int: int64(int8(byte(tag)))}, d.advance(m, 1), ReadSuccess, nil
	case byte(tag) >= fixStrBase && byte(tag) <= fixStrMax:
		n := int(byte(tag) - fixStrBase)
		return d.readBytesValue(KindStr, m, 1, n)
	case byte(tag) >= fixArrBase && byte(tag) <= fixArrMax:
		n := int(byte(tag) - fixArrBase)
		if err := d.handlers.checkSize(n); err != nil {
			return Value{}, buffer.Mark{}, ReadBadMsgpack, err
		}
		return Value{Kind: KindArr, Count: n}, d.advance(m, 1), ReadSuccess, nil
	case byte(tag) >= fixMapBase && byte(tag) <= fixMapMax:
		n := int(byte(tag) - fixMapBase)
		if err := d.handlers.checkSize(n); err != nil {
			return Value{}, buffer.Mark{}, ReadBadMsgpack, err
		}
		return Value{Kind: KindMap, Count: n}, d.advance(m, 1), ReadSuccess, nil
	}
	if n, ok := fixExtLen(tag); ok {
		return d.readExtValue(m, 1, n)
	}

	switch tag {
	case TagUint8:
		return d.readUint(m, 1)
	case TagUint16:
		return d.readUint(m, 2)
	case TagUint32:
		return d.readUint(m, 4)
	case TagUint64:
		return d.readUint(m, 8)
	case TagInt8:
		return d.readInt(m, 1)
	case TagInt16:
		return d.readInt(m, 2)
	case TagInt32:
		return d.readInt(m, 4)
	case TagInt64:
		return d.readInt(m, 8)
	case TagFloat32:
		return d.readFloat32(m)
	case TagFloat64:
		return d.readFloat64(m)
	case TagStr8:
		return d.readLenPrefixed(KindStr, m, 1)
	case TagStr16:
		return d.readLenPrefixed(KindStr, m, 2)
	case TagStr32:
		return d.readLenPrefixed(KindStr, m, 4)
	case TagBin8:
		return d.readLenPrefixed(KindBin, m, 1)
	case TagBin16:
		return d.readLenPrefixed(KindBin, m, 2)
	case TagBin32:
		return d.readLenPrefixed(KindBin, m, 4)
	case TagArr16:
		return d.readCount(KindArr, m, 2)
	case TagArr32:
		return d.readCount(KindArr, m, 4)
	case TagMap16:
		return d.readCount(KindMap, m, 2)
	case TagMap32:
		return d.readCount(KindMap, m, 4)
	case TagExt8:
		return d.readExtLong(m, 1)
	case TagExt16:
		return d.readExtLong(m, 2)
	case TagExt32:
		return d.readExtLong(m, 4)
	}
	return Value{}, buffer.Mark{}, ReadBadMsgpack, ErrBadTag
}

// advance mints a new mark n bytes past m. The returned mark is scratch:
// its caller must either Destroy it once superseded, or let it escape
// as the function's returned "consumed" mark/Value.Mark, whose own
// caller then owns that duty.
func (d *Decoder) advance(m buffer.Mark, n int) buffer.Mark {
	return d.buf.Advance(m, n)
}

func (d *Decoder) needN(m buffer.Mark, n int) bool {
	return d.available(m) >= n
}

func (d *Decoder) readUintBE(m buffer.Mark, width int) (uint64, bool) {
	if !d.needN(m, width) {
		return 0, false
	}
	b := make([]byte, width)
	d.buf.Get(m, b)
	var v uint64
	for _, c := range b {
		v = v<<8 | uint64(c)
	}
	return v, true
}

func (d *Decoder) readUint(m buffer.Mark, width int) (Value, buffer.Mark, Status, error) {
	head := d.advance(m, 1)
	v, ok := d.readUintBE(head, width)
	if !ok {
		head.Destroy()
		return Value{}, buffer.Mark{}, ReadNeedMore, nil
	}
	if err := d.handlers.checkUint(v); err != nil {
		head.Destroy()
		return Value{}, buffer.Mark{}, ReadBadMsgpack, err
	}
	consumed := d.advance(head, width)
	head.Destroy()
	return Value{Kind: KindUint, Uint: v}, consumed, ReadSuccess, nil
}

func (d *Decoder) readInt(m buffer.Mark, width int) (Value, buffer.Mark, Status, error) {
	head := d.advance(m, 1)
	uv, ok := d.readUintBE(head, width)
	if !ok {
		head.Destroy()
		return Value{}, buffer.Mark{}, ReadNeedMore, nil
	}
	var iv int64
	switch width {
	case 1:
		iv = int64(int8(uv))
	case 2:
		iv = int64(int16(uv))
	case 4:
		iv = int64(int32(uv))
	default:
		iv = int64(uv)
	}
	if err := d.handlers.checkInt(iv); err != nil {
		head.Destroy()
		return Value{}, buffer.Mark{}, ReadBadMsgpack, err
	}
	consumed := d.advance(head, width)
	head.Destroy()
	return Value{Kind: KindInt, Int: iv}, consumed, ReadSuccess, nil
}

func (d *Decoder) readFloat32(m buffer.Mark) (Value, buffer.Mark, Status, error) {
	head := d.advance(m, 1)
	uv, ok := d.readUintBE(head, 4)
	if !ok {
		head.Destroy()
		return Value{}, buffer.Mark{}, ReadNeedMore, nil
	}
	consumed := d.advance(head, 4)
	head.Destroy()
	return Value{Kind: KindFloat32, Float32: math.Float32frombits(uint32(uv))}, consumed, ReadSuccess, nil
}

func (d *Decoder) readFloat64(m buffer.Mark) (Value, buffer.Mark, Status, error) {
	head := d.advance(m, 1)
	uv, ok := d.readUintBE(head, 8)
	if !ok {
		head.Destroy()
		return Value{}, buffer.Mark{}, ReadNeedMore, nil
	}
	consumed := d.advance(head, 8)
	head.Destroy()
	return Value{Kind: KindFloat64, Float64: math.Float64frombits(uv)}, consumed, ReadSuccess, nil
}

// readBytesValue reads n raw payload bytes starting tagWidth bytes
// past m (i.e. after the tag and any length prefix already consumed by
// the caller). The payload mark escapes as Value.Mark; it is not
// destroyed here.
func (d *Decoder) readBytesValue(kind Kind, m buffer.Mark, tagWidth, n int) (Value, buffer.Mark, Status, error) {
	payload := d.advance(m, tagWidth)
	if !d.needN(payload, n) {
		payload.Destroy()
		return Value{}, buffer.Mark{}, ReadNeedMore, nil
	}
	if err := d.handlers.checkSize(n); err != nil {
		payload.Destroy()
		return Value{}, buffer.Mark{}, ReadBadMsgpack, err
	}
	return Value{Kind: kind, Mark: payload, Len: n}, d.advance(payload, n), ReadSuccess, nil
}

func (d *Decoder) readLenPrefixed(kind Kind, m buffer.Mark, lenWidth int) (Value, buffer.Mark, Status, error) {
	head := d.advance(m, 1)
	n64, ok := d.readUintBE(head, lenWidth)
	if !ok {
		head.Destroy()
		return Value{}, buffer.Mark{}, ReadNeedMore, nil
	}
	payload := d.advance(head, lenWidth)
	head.Destroy()
	tagWidth := d.buf.Distance(m, payload)
	payload.Destroy()
	return d.readBytesValue(kind, m, tagWidth, int(n64))
}

func (d *Decoder) readCount(kind Kind, m buffer.Mark, lenWidth int) (Value, buffer.Mark, Status, error) {
	head := d.advance(m, 1)
	n64, ok := d.readUintBE(head, lenWidth)
	if !ok {
		head.Destroy()
		return Value{}, buffer.Mark{}, ReadNeedMore, nil
	}
	if err := d.handlers.checkSize(int(n64)); err != nil {
		head.Destroy()
		return Value{}, buffer.Mark{}, ReadBadMsgpack, err
	}
	consumed := d.advance(head, lenWidth)
	head.Destroy()
	return Value{Kind: kind, Count: int(n64)}, consumed, ReadSuccess, nil
}

// readExtValue reads an EXT value's one-byte type plus n payload bytes
// starting tagWidth bytes past m. The payload mark escapes as
// Value.Mark, as in readBytesValue.
func (d *Decoder) readExtValue(m buffer.Mark, tagWidth, n int) (Value, buffer.Mark, Status, error) {
	typeMark := d.advance(m, tagWidth)
	if !d.needN(typeMark, 1) {
		typeMark.Destroy()
		return Value{}, buffer.Mark{}, ReadNeedMore, nil
	}
	var tb [1]byte
	d.buf.Get(typeMark, tb[:])
	payload := d.advance(typeMark, 1)
	typeMark.Destroy()
	if !d.needN(payload, n) {
		payload.Destroy()
		return Value{}, buffer.Mark{}, ReadNeedMore, nil
	}
	if err := d.handlers.checkSize(n); err != nil {
		payload.Destroy()
		return Value{}, buffer.Mark{}, ReadBadMsgpack, err
	}
	return Value{Kind: KindExt, ExtType: int8(tb[0]), Mark: payload, Len: n}, d.advance(payload, n), ReadSuccess, nil
}

func (d *Decoder) readExtLong(m buffer.Mark, lenWidth int) (Value, buffer.Mark, Status, error) {
	head := d.advance(m, 1)
	n64, ok := d.readUintBE(head, lenWidth)
	if !ok {
		head.Destroy()
		return Value{}, buffer.Mark{}, ReadNeedMore, nil
	}
	lenEnd := d.advance(head, lenWidth)
	head.Destroy()
	tagWidth := d.buf.Distance(m, lenEnd)
	lenEnd.Destroy()
	return d.readExtValue(m, tagWidth, int(n64))
}
