package msgpack

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tsafin/tntcxx/buffer"
)

func newBuf(t *testing.T) *buffer.Buffer {
	alloc, err := buffer.NewDefaultAllocator(64)
	require.NoError(t, err)
	return buffer.NewBuffer(alloc)
}

func decodeOne(t *testing.T, buf *buffer.Buffer, start buffer.Mark) (Tag, Value) {
	var gotTag Tag
	var gotVal Value
	seen := false
	d := NewDecoder(buf, start, ReaderFunc(func(d *Decoder, tag Tag, v Value) error {
		// Keep the top-level value; ARR/MAP children are delivered after it.
		if !seen {
			gotTag, gotVal, seen = tag, v, true
		}
		return nil
	}), ErrorHandlers{})
	status, err := d.Read()
	require.NoError(t, err)
	require.Equal(t, ReadSuccess, status)
	return gotTag, gotVal
}

func TestFixtagRoundTrip(t *testing.T) {
	buf := newBuf(t)
	e := NewEncoder(buf)
	require.NoError(t, e.Add(int64(5)))

	tag, v := decodeOne(t, buf, buf.Begin())
	require.Equal(t, Tag(5), tag)
	require.Equal(t, KindUint, v.Kind)
	require.Equal(t, uint64(5), v.Uint)
}

func TestWidthPromotion(t *testing.T) {
	cases := []struct {
		in       int64
		wantTag  Tag
		wantKind Kind
	}{
		{100, Tag(100), KindUint},      // fixint
		{200, TagUint8, KindUint},      // needs u8
		{70000, TagUint32, KindUint},   // needs u32
		{-1, Tag(0xFF), KindInt},       // fix negative
		{-1000, TagInt16, KindInt},     // needs i16
	}
	for _, c := range cases {
		buf := newBuf(t)
		e := NewEncoder(buf)
		require.NoError(t, e.Add(c.in))
		tag, v := decodeOne(t, buf, buf.Begin())
		require.Equal(t, c.wantTag, tag, "input %d", c.in)
		require.Equal(t, c.wantKind, v.Kind, "input %d", c.in)
	}
}

func TestStringWidthSelection(t *testing.T) {
	buf := newBuf(t)
	e := NewEncoder(buf)
	short := "hi"
	require.NoError(t, e.AddStr(short))

	tag, v := decodeOne(t, buf, buf.Begin())
	require.Equal(t, Tag(0xA0+len(short)), tag)
	require.Equal(t, KindStr, v.Kind)
	got := make([]byte, v.Len)
	require.NoError(t, buf.Get(v.Mark, got))
	require.Equal(t, short, string(got))

	long := make([]byte, 300)
	for i := range long {
		long[i] = 'x'
	}
	buf2 := newBuf(t)
	e2 := NewEncoder(buf2)
	require.NoError(t, e2.AddStr(string(long)))
	tag2, v2 := decodeOne(t, buf2, buf2.Begin())
	require.Equal(t, TagStr16, tag2)
	require.Equal(t, 300, v2.Len)
}

func TestNestedArrayRoundTrip(t *testing.T) {
	buf := newBuf(t)
	e := NewEncoder(buf)
	require.NoError(t, e.Add([]interface{}{int64(1), []interface{}{int64(2), int64(3)}}))

	var flat []int64
	var walk func(tag Tag, v Value) (Reader, error)
	walk = func(tag Tag, v Value) (Reader, error) {
		if v.Kind == KindUint {
			flat = append(flat, int64(v.Uint))
			return nil, nil
		}
		if v.Kind == KindArr {
			return ReaderFunc(func(d *Decoder, tag Tag, v Value) error {
				child, err := walk(tag, v)
				if err != nil {
					return err
				}
				if child != nil {
					d.SetReader(true, child)
				}
				return nil
			}), nil
		}
		return nil, nil
	}

	root := ReaderFunc(func(d *Decoder, tag Tag, v Value) error {
		child, err := walk(tag, v)
		if err != nil {
			return err
		}
		if child != nil {
			d.SetReader(false, child)
		}
		return nil
	})

	d := NewDecoder(buf, buf.Begin(), root, ErrorHandlers{})
	status, err := d.Read()
	require.NoError(t, err)
	require.Equal(t, ReadSuccess, status)
	require.Equal(t, []int64{1, 2, 3}, flat)
}

type person struct {
	Name string `msgpack:"name"`
	Age  int64  `msgpack:"age"`
}

func TestStructRoundTrip(t *testing.T) {
	buf := newBuf(t)
	e := NewEncoder(buf)
	in := person{Name: "ada", Age: 30}
	require.NoError(t, e.Add(in))

	var out person
	d := NewDecoder(buf, buf.Begin(), Into(&out), ErrorHandlers{})
	status, err := d.Read()
	require.NoError(t, err)
	require.Equal(t, ReadSuccess, status)
	require.Equal(t, in, out)
}

func TestFrameAbortRollsBackMidBufferMutation(t *testing.T) {
	buf := newBuf(t)
	e := NewEncoder(buf)
	require.NoError(t, e.AddStr("before"))
	sizeBefore := buf.Size()

	f, err := e.BeginArr()
	require.NoError(t, err)
	require.NoError(t, e.Add(int64(1)))
	require.NoError(t, e.Add(int64(2)))
	require.NoError(t, e.Abort(f))

	require.Equal(t, sizeBefore, buf.Size())

	tag, v := decodeOne(t, buf, buf.Begin())
	require.Equal(t, Tag(0xA0+6), tag)
	require.Equal(t, KindStr, v.Kind)
}

func TestFrameFinishCompactShrinksToFixWidth(t *testing.T) {
	buf := newBuf(t)
	e := NewEncoder(buf)

	f, err := e.BeginArr()
	require.NoError(t, err)
	require.NoError(t, e.FinishCompact(f, 0))
	require.Equal(t, 1, buf.Size())

	tag, v := decodeOne(t, buf, buf.Begin())
	require.Equal(t, Tag(fixArrBase), tag)
	require.Equal(t, KindArr, v.Kind)
	require.Equal(t, 0, v.Count)
}

func TestFrameFinishCompactShrinksTo16BitWidth(t *testing.T) {
	buf := newBuf(t)
	e := NewEncoder(buf)

	f, err := e.BeginMap()
	require.NoError(t, err)
	// count is declared without matching key/value pairs actually being
	// written, so the header's width is checked directly off the wire
	// bytes rather than via a full Read (which would expect 2000 more
	// values to follow).
	require.NoError(t, e.FinishCompact(f, 1000))
	require.Equal(t, 3, buf.Size())

	head := make([]byte, 3)
	require.NoError(t, buf.Get(buf.Begin(), head))
	require.Equal(t, byte(TagMap16), head[0])
	require.Equal(t, uint16(1000), uint16(head[1])<<8|uint16(head[2]))
}

func TestFrameFinishPatchesCount(t *testing.T) {
	buf := newBuf(t)
	e := NewEncoder(buf)
	f, err := e.BeginArr()
	require.NoError(t, err)
	require.NoError(t, e.Add(int64(7)))
	require.NoError(t, e.Add(int64(8)))
	require.NoError(t, e.Finish(f, 2))

	tag, v := decodeOne(t, buf, buf.Begin())
	require.Equal(t, TagArr32, tag)
	require.Equal(t, KindArr, v.Kind)
	require.Equal(t, 2, v.Count)
}
