package msgpack

import (
	"reflect"
	"sync"

	"github.com/pkg/errors"
)

// structPlan is the cached, tag-resolved field layout for one struct
// type. Grounded on the teacher's struct.go, which caches a single key
// field index per type behind a sync.RWMutex keyed by reflect.Type;
// here the cached value is every field's wire name instead of just one
// key field, since a msgpack struct maps to a MAP of all its fields
// rather than bow's single-key document model.
type structPlan struct {
	fields []fieldPlan
}

type fieldPlan struct {
	name  string
	index int
}

var (
	planCache   = make(map[reflect.Type]*structPlan)
	planCacheMu sync.RWMutex
)

// planFor resolves typ's field plan, consulting and populating
// planCache the way the teacher's structCache does.
func planFor(typ reflect.Type) *structPlan {
	planCacheMu.RLock()
	p, ok := planCache[typ]
	planCacheMu.RUnlock()
	if ok {
		return p
	}

	var fields []fieldPlan
	for i := 0; i < typ.NumField(); i++ {
		f := typ.Field(i)
		if f.PkgPath != "" {
			continue // unexported
		}
		name := f.Name
		if tag, ok := f.Tag.Lookup("msgpack"); ok {
			if tag == "-" {
				continue
			}
			if tag != "" {
				name = tag
			}
		}
		fields = append(fields, fieldPlan{name: name, index: i})
	}
	p = &structPlan{fields: fields}

	planCacheMu.Lock()
	planCache[typ] = p
	planCacheMu.Unlock()
	return p
}

// addStruct emits rv (a struct value) as a MAP of its fields, keyed by
// name, in the order that reflect reports them.
func (e *Encoder) addStruct(rv reflect.Value) error {
	plan := planFor(rv.Type())
	if err := e.AddMap(len(plan.fields)); err != nil {
		return err
	}
	for _, f := range plan.fields {
		if err := e.AddStr(f.name); err != nil {
			return err
		}
		if err := e.Add(rv.Field(f.index).Interface()); err != nil {
			return err
		}
	}
	return nil
}

// discardReader ignores every value it sees, recursing into its own
// children unread. Used where a decoded key or element has no matching
// destination field.
type discardReader struct{}

func (discardReader) Value(d *Decoder, tag Tag, v Value) (Reader, error) {
	return discardReader{}, nil
}

// DiscardReader is a reusable Reader that decodes and ignores
// everything it sees. Useful as a Decoder's initial root when the real
// reader will be installed later via Decoder.SetReader, e.g. by a
// caller that gets a Decoder back from a lower layer (see tnt.Recv)
// before it knows what shape the response takes.
var DiscardReader Reader = discardReader{}

// Into returns a Reader that decodes a MAP value into target, matching
// keys to target's fields by name (honouring the same "msgpack" tag
// that addStruct writes). target must be a non-nil pointer to a
// struct. Scalar, string/binary, nested-struct and slice-of-scalar
// fields are populated; a field whose wire value doesn't match a
// struct field, or whose shape this reader does not know how to
// assign, is decoded and discarded rather than rejected.
func Into(target interface{}) Reader {
	rv := reflect.ValueOf(target)
	if rv.Kind() != reflect.Ptr || rv.IsNil() || rv.Elem().Kind() != reflect.Struct {
		return ReaderFunc(func(d *Decoder, tag Tag, v Value) error {
			return errors.Errorf("msgpack: Into: target must be a non-nil pointer to struct, got %T", target)
		})
	}
	return &structDecoder{target: rv.Elem(), plan: planFor(rv.Elem().Type()), pendingField: -1}
}

type structDecoder struct {
	target       reflect.Value
	plan         *structPlan
	pendingField int // -1 => next Value() call is a key; -2 => next value belongs to an unknown key
}

func (s *structDecoder) fieldIndexByName(name string) int {
	for _, f := range s.plan.fields {
		if f.name == name {
			return f.index
		}
	}
	return -1
}

func (s *structDecoder) Value(d *Decoder, tag Tag, v Value) (Reader, error) {
	if v.Kind == KindMap && s.pendingField == -1 {
		// The MAP header describing this struct's own fields; consume
		// its 2*count children with this same reader.
		return s, nil
	}

	if s.pendingField == -1 {
		if v.Kind != KindStr && v.Kind != KindBin {
			return nil, errors.New("msgpack: struct decode: expected a string field name")
		}
		key := make([]byte, v.Len)
		if err := d.Buffer().Get(v.Mark, key); err != nil {
			return nil, err
		}
		s.pendingField = s.fieldIndexByName(string(key))
		if s.pendingField < 0 {
			s.pendingField = -2
		}
		return nil, nil
	}

	idx := s.pendingField
	s.pendingField = -1
	if idx < 0 {
		return discardReader{}, nil
	}

	field := s.target.Field(idx)
	switch v.Kind {
	case KindArr:
		if field.Kind() != reflect.Slice {
			return discardReader{}, nil
		}
		field.Set(reflect.MakeSlice(field.Type(), 0, v.Count))
		return &sliceDecoder{field: field}, nil
	case KindMap:
		if field.Kind() != reflect.Struct {
			return discardReader{}, nil
		}
		return &structDecoder{target: field, plan: planFor(field.Type()), pendingField: -1}, nil
	default:
		return nil, assignScalar(field, d, v)
	}
}

// sliceDecoder appends each decoded scalar element to field, which was
// pre-sized to 0 and must be addressable/settable.
type sliceDecoder struct {
	field reflect.Value
}

func (s *sliceDecoder) Value(d *Decoder, tag Tag, v Value) (Reader, error) {
	elem := reflect.New(s.field.Type().Elem()).Elem()
	if v.Kind == KindArr || v.Kind == KindMap {
		return discardReader{}, nil
	}
	if err := assignScalar(elem, d, v); err != nil {
		return nil, err
	}
	s.field.Set(reflect.Append(s.field, elem))
	return nil, nil
}

// assignScalar assigns a decoded scalar Value into field by Go kind,
// widening as needed. Kinds with no sensible conversion are left
// untouched (the zero value survives), matching the decoder's policy
// of never panicking on a shape mismatch.
func assignScalar(field reflect.Value, d *Decoder, v Value) error {
	if !field.CanSet() {
		return nil
	}
	switch v.Kind {
	case KindNil:
		return nil
	case KindBool:
		if field.Kind() == reflect.Bool {
			field.SetBool(v.Bool)
		}
	case KindUint:
		switch field.Kind() {
		case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			field.SetUint(v.Uint)
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			field.SetInt(int64(v.Uint))
		case reflect.Float32, reflect.Float64:
			field.SetFloat(float64(v.Uint))
		}
	case KindInt:
		switch field.Kind() {
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			field.SetInt(v.Int)
		case reflect.Float32, reflect.Float64:
			field.SetFloat(float64(v.Int))
		}
	case KindFloat32:
		if field.Kind() == reflect.Float32 || field.Kind() == reflect.Float64 {
			field.SetFloat(float64(v.Float32))
		}
	case KindFloat64:
		if field.Kind() == reflect.Float32 || field.Kind() == reflect.Float64 {
			field.SetFloat(v.Float64)
		}
	case KindStr, KindBin:
		data := make([]byte, v.Len)
		if err := d.Buffer().Get(v.Mark, data); err != nil {
			return err
		}
		if field.CanAddr() {
			if ok, err := asUnmarshalTarget(field.Addr().Interface(), data); ok {
				return err
			}
		}
		switch field.Kind() {
		case reflect.String:
			field.SetString(string(data))
		case reflect.Slice:
			if field.Type().Elem().Kind() == reflect.Uint8 {
				field.SetBytes(data)
			}
		}
	}
	return nil
}
