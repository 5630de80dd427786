package msgpack

import (
	"reflect"

	"github.com/pkg/errors"
	"github.com/tsafin/tntcxx/buffer"
)

// ArrayIter is a pull-style convenience wrapper around the
// callback-driven Decoder, for callers who would rather loop than
// install a Reader. Grounded on the teacher's iter.go (Iter.Next /
// Err / Close), generalised from a prefix-scanned key/value cursor to
// a position inside a decoded ARR.
type ArrayIter struct {
	buf       *buffer.Buffer
	cur       buffer.Mark
	remaining int
	err       error
	closed    bool
}

// NewArrayIter reads the ARR header at start and returns an iterator
// over its elements. It returns ErrNeedMore if start's buffer doesn't
// yet hold the full header.
func NewArrayIter(buf *buffer.Buffer, start buffer.Mark) (*ArrayIter, error) {
	d := NewDecoder(buf, start, discardReader{}, ErrorHandlers{})
	tag, ok, err := d.peekTag(start)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNeedMore
	}
	v, consumed, status, err := d.decodeValue(start, tag)
	if status == ReadNeedMore {
		return nil, ErrNeedMore
	}
	if status == ReadBadMsgpack {
		if err != nil {
			return nil, err
		}
		return nil, ErrBadTag
	}
	v.Mark.Destroy() // the ARR header itself carries no payload mark worth keeping
	if v.Kind != KindArr {
		consumed.Destroy()
		return nil, errors.Errorf("msgpack: NewArrayIter: expected ARR, got %s", v.Kind)
	}
	return &ArrayIter{buf: buf, cur: consumed, remaining: v.Count}, nil
}

// Next decodes the next element into result, a non-nil pointer to a
// struct or scalar/string/bytes destination, and reports whether an
// element was available. Once Next returns false, check Err to
// distinguish end-of-array from a decode failure.
func (it *ArrayIter) Next(result interface{}) bool {
	if it.closed || it.remaining == 0 {
		it.closed = true
		return false
	}
	d := NewDecoder(it.buf, it.cur, readerFor(result), ErrorHandlers{})
	status, err := d.Read()
	if err != nil {
		it.err = err
		it.closed = true
		return false
	}
	if status != ReadSuccess {
		// Not enough bytes yet for this element; caller may retry once
		// more data has arrived over the wire.
		return false
	}
	it.cur = d.Mark()
	it.remaining--
	if it.remaining == 0 {
		it.closed = true
	}
	return true
}

// Err returns the error, if any, that ended iteration early.
func (it *ArrayIter) Err() error { return it.err }

// Close marks the iterator exhausted; further Next calls return false.
func (it *ArrayIter) Close() { it.closed = true }

// Remaining reports how many elements have not yet been read.
func (it *ArrayIter) Remaining() int { return it.remaining }

func readerFor(target interface{}) Reader {
	rv := reflect.ValueOf(target)
	if rv.Kind() != reflect.Ptr || rv.IsNil() {
		return ReaderFunc(func(d *Decoder, tag Tag, v Value) error {
			return errors.Errorf("msgpack: Next: target must be a non-nil pointer, got %T", target)
		})
	}
	elem := rv.Elem()
	if elem.Kind() == reflect.Struct {
		return Into(target)
	}
	return ReaderFunc(func(d *Decoder, tag Tag, v Value) error {
		return assignScalar(elem, d, v)
	})
}
