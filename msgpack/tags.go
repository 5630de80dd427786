// Package msgpack implements the tag-prefixed binary codec described in
// tntcxx's mpp/ sources (see original_source/src/mpp/Constants.hpp,
// Enc.hpp, Dec.hpp): a one-byte tag selects a family of fixed- or
// length-prefixed encodings, multi-byte payloads are big-endian, and
// the format is bit-exact compatible with the well-known MessagePack
// wire schema.
package msgpack

// Tag is the first byte of every encoded value.
type Tag byte

const (
	TagNil      Tag = 0xC0
	TagFalse    Tag = 0xC2
	TagTrue     Tag = 0xC3
	TagFloat32  Tag = 0xCA
	TagFloat64  Tag = 0xCB
	TagUint8    Tag = 0xCC
	TagUint16   Tag = 0xCD
	TagUint32   Tag = 0xCE
	TagUint64   Tag = 0xCF
	TagInt8     Tag = 0xD0
	TagInt16    Tag = 0xD1
	TagInt32    Tag = 0xD2
	TagInt64    Tag = 0xD3
	TagBin8     Tag = 0xC4
	TagBin16    Tag = 0xC5
	TagBin32    Tag = 0xC6
	TagExt8     Tag = 0xC7
	TagExt16    Tag = 0xC8
	TagExt32    Tag = 0xC9
	TagFixExt1  Tag = 0xD4
	TagFixExt2  Tag = 0xD5
	TagFixExt4  Tag = 0xD6
	TagFixExt8  Tag = 0xD7
	TagFixExt16 Tag = 0xD8
	TagStr8     Tag = 0xD9
	TagStr16    Tag = 0xDA
	TagStr32    Tag = 0xDB
	TagArr16    Tag = 0xDC
	TagArr32    Tag = 0xDD
	TagMap16    Tag = 0xDE
	TagMap32    Tag = 0xDF
)

const (
	fixPosIntMax = 0x7F // fix positive uint: 0x00..0x7F
	fixNegIntMin = 0xE0 // fix negative int: 0xE0..0xFF, value = tag-256
	fixStrBase   = 0xA0
	fixStrMax    = 0xBF
	fixArrBase   = 0x90
	fixArrMax    = 0x9F
	fixMapBase   = 0x80
	fixMapMax    = 0x8F
)

// Kind is the decoded value family, independent of which fixed- or
// long-form tag produced it.
type Kind int

const (
	KindNil Kind = iota
	KindBool
	KindUint
	KindInt
	KindFloat32
	KindFloat64
	KindStr
	KindBin
	KindArr
	KindMap
	KindExt
)

func (k Kind) String() string {
	switch k {
	case KindNil:
		return "nil"
	case KindBool:
		return "bool"
	case KindUint:
		return "uint"
	case KindInt:
		return "int"
	case KindFloat32:
		return "float32"
	case KindFloat64:
		return "float64"
	case KindStr:
		return "str"
	case KindBin:
		return "bin"
	case KindArr:
		return "arr"
	case KindMap:
		return "map"
	case KindExt:
		return "ext"
	default:
		return "unknown"
	}
}

// fixExtLen maps a fixed-length EXT tag to its payload length, per the
// table in §4.E (fix len ∈ {1,2,4,8,16}: 0xD4..0xD8).
func fixExtLen(tag Tag) (int, bool) {
	switch tag {
	case TagFixExt1:
		return 1, true
	case TagFixExt2:
		return 2, true
	case TagFixExt4:
		return 4, true
	case TagFixExt8:
		return 8, true
	case TagFixExt16:
		return 16, true
	}
	return 0, false
}
