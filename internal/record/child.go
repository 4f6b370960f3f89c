// Child entry encoding: key-info + value-info + payload, the
// layout a record's linear body uses for each OBJECT/ARRAY child and that
// an embedded B+tree leaf reuses verbatim for its value bytes.
//
// Field and entry decoding is truncation-tolerant: DecodeKeyInfo,
// DecodeValueInfo, DecodeRecordAddress and DecodeEntry return
// needMore=true rather than erroring when buf doesn't yet hold a complete
// field, so the Node Reader can append the next chunk and retry.
// DecodeValueEntry and DecodeInlinePayload work on whole buffers and never
// report needMore.
package record

import (
	"encoding/binary"
	"fmt"
	"math"

	"hieradb/dberrors"
	"hieradb/internal/model"
)

// ValueLocation is the 2-bit value_location field of a child's value_info
// byte.
type ValueLocation uint8

const (
	LocDeleted ValueLocation = 0
	LocTiny    ValueLocation = 1
	LocInline  ValueLocation = 2
	LocRecord  ValueLocation = 3
)

func (l ValueLocation) String() string {
	switch l {
	case LocDeleted:
		return "deleted"
	case LocTiny:
		return "tiny"
	case LocInline:
		return "inline"
	case LocRecord:
		return "record"
	default:
		return "unknown"
	}
}

// KeyInfo is one decoded/encoded key-info field. Arrays omit key info
// entirely (the caller supplies the index out of band); this type is only
// used for OBJECT children.
type KeyInfo struct {
	Inline   bool
	Key      string // valid when Inline
	KITIndex int    // valid when !Inline, 0..32767
}

// EncodeKeyInfo serializes a key-info field. Pass kitIndex>=0 to use the
// KIT-index form, -1 to force the inline-bytes form.
func EncodeKeyInfo(key string, kitIndex int) ([]byte, error) {
	if kitIndex >= 0 {
		if kitIndex > 0x7FFF {
			return nil, fmt.Errorf("record: key index %d exceeds 15 bits", kitIndex)
		}
		return []byte{0x80 | byte(kitIndex>>8), byte(kitIndex)}, nil
	}
	if len(key) == 0 || len(key) > 128 {
		return nil, fmt.Errorf("record: inline key length %d out of range", len(key))
	}
	buf := make([]byte, 1+len(key))
	buf[0] = byte(len(key) - 1) // bit 7 clear: inline form
	copy(buf[1:], key)
	return buf, nil
}

// DecodeKeyInfo parses a key-info field from the start of buf.
func DecodeKeyInfo(buf []byte) (info KeyInfo, consumed int, needMore bool) {
	if len(buf) < 1 {
		return KeyInfo{}, 0, true
	}
	b := buf[0]
	if b&0x80 != 0 {
		if len(buf) < 2 {
			return KeyInfo{}, 0, true
		}
		idx := int(b&0x7F)<<8 | int(buf[1])
		return KeyInfo{Inline: false, KITIndex: idx}, 2, false
	}
	length := int(b) + 1
	if len(buf) < 1+length {
		return KeyInfo{}, 0, true
	}
	return KeyInfo{Inline: true, Key: string(buf[1 : 1+length])}, 1 + length, false
}

// ValueInfo is the decoded value_info header (byte V0+V1) of a child entry,
// before its payload.
type ValueInfo struct {
	Type     model.ValueType
	Location ValueLocation
	Tiny     byte // valid when Location==LocTiny
	Length   int  // INLINE payload length, or DELETED skip length
}

// EncodeValueInfo serializes the two value_info header bytes. payloadLen is
// only meaningful for LocInline (encoded as length-1 in 6 bits, so 1..64).
func EncodeValueInfo(vt model.ValueType, loc ValueLocation, tiny byte, payloadLen int) ([]byte, error) {
	if loc == LocInline && (payloadLen < 1 || payloadLen > 64) {
		return nil, fmt.Errorf("record: inline payload length %d out of range", payloadLen)
	}
	v0 := byte(vt&0x0F)<<4 | (tiny & 0x0F)
	v1 := byte(loc&0x03) << 6
	if loc == LocInline {
		v1 |= byte(payloadLen-1) & 0x3F
	}
	return []byte{v0, v1}, nil
}

// DecodeValueInfo parses the value_info header from the start of buf.
func DecodeValueInfo(buf []byte) (info ValueInfo, consumed int, needMore bool) {
	if len(buf) < 2 {
		return ValueInfo{}, 0, true
	}
	v0, v1 := buf[0], buf[1]
	info.Type = model.ValueType(v0 >> 4)
	info.Tiny = v0 & 0x0F
	info.Location = ValueLocation(v1 >> 6)
	switch info.Location {
	case LocInline:
		info.Length = int(v1&0x3F) + 1
	case LocDeleted:
		info.Length = int(v1 & 0x3F)
	}
	return info, 2, false
}

// RecordAddressSize is the wire size of an external child pointer:
// 6 bytes, page_nr u32 + record_nr u16.
const RecordAddressSize = 6

// EncodeRecordAddress serializes an external child pointer.
func EncodeRecordAddress(a model.RecordAddress) []byte {
	buf := make([]byte, RecordAddressSize)
	binary.BigEndian.PutUint32(buf[0:4], a.Page)
	binary.BigEndian.PutUint16(buf[4:6], a.Record)
	return buf
}

// DecodeRecordAddress parses a 6-byte external child pointer.
func DecodeRecordAddress(buf []byte) (a model.RecordAddress, consumed int, needMore bool) {
	if len(buf) < RecordAddressSize {
		return model.RecordAddress{}, 0, true
	}
	a.Page = binary.BigEndian.Uint32(buf[0:4])
	a.Record = binary.BigEndian.Uint16(buf[4:6])
	return a, RecordAddressSize, false
}

// TinyValue reports whether v can be packed as a tiny value and, if so, its
// 4-bit payload.
func TinyValue(v model.Value) (tiny byte, ok bool) {
	switch v.Type {
	case model.ValueBoolean:
		if v.Bool {
			return 1, true
		}
		return 0, true
	case model.ValueNumber:
		if v.Num == math.Trunc(v.Num) && v.Num >= 0 && v.Num <= 15 && !math.Signbit(v.Num) {
			return byte(v.Num), true
		}
	case model.ValueString:
		if v.Str == "" {
			return 0, true
		}
	case model.ValueArray, model.ValueObject:
		if len(v.Children) == 0 {
			return 0, true
		}
	case model.ValueBinary:
		if len(v.Bytes) == 0 {
			return 0, true
		}
	case model.ValueReference:
		if v.Str == "" {
			return 0, true
		}
	}
	return 0, false
}

// DecodeTinyValue reconstructs the Value a tiny entry represents.
func DecodeTinyValue(vt model.ValueType, tiny byte) model.Value {
	switch vt {
	case model.ValueBoolean:
		return model.Value{Type: vt, Bool: tiny != 0}
	case model.ValueNumber:
		return model.Value{Type: vt, Num: float64(tiny)}
	default:
		return model.Value{Type: vt}
	}
}

// InlinePayload encodes v's wire bytes for the INLINE value_location. Only
// NUMBER, DATETIME, STRING, REFERENCE and BINARY have an inline encoding;
// OBJECT/ARRAY are never inline when non-empty.
func InlinePayload(v model.Value) ([]byte, error) {
	switch v.Type {
	case model.ValueNumber:
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, math.Float64bits(v.Num))
		return buf, nil
	case model.ValueDateTime:
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, uint64(v.Time))
		return buf, nil
	case model.ValueString, model.ValueReference:
		return []byte(v.Str), nil
	case model.ValueBinary:
		return v.Bytes, nil
	default:
		return nil, dberrors.NewUnsupportedValue("", fmt.Errorf("record: type %s has no inline encoding", v.Type))
	}
}

// DecodeInlinePayload is InlinePayload's inverse.
func DecodeInlinePayload(vt model.ValueType, data []byte) (model.Value, error) {
	switch vt {
	case model.ValueNumber:
		if len(data) != 8 {
			return model.Value{}, dberrors.NewCorrupt("", fmt.Errorf("record: number payload length %d", len(data)))
		}
		return model.Value{Type: vt, Num: math.Float64frombits(binary.BigEndian.Uint64(data))}, nil
	case model.ValueDateTime:
		if len(data) != 8 {
			return model.Value{}, dberrors.NewCorrupt("", fmt.Errorf("record: datetime payload length %d", len(data)))
		}
		return model.Value{Type: vt, Time: int64(binary.BigEndian.Uint64(data))}, nil
	case model.ValueString, model.ValueReference:
		return model.Value{Type: vt, Str: string(data)}, nil
	case model.ValueBinary:
		cp := make([]byte, len(data))
		copy(cp, data)
		return model.Value{Type: vt, Bytes: cp}, nil
	default:
		return model.Value{}, dberrors.NewCorrupt("", fmt.Errorf("record: type %s has no inline decoding", vt))
	}
}

// Entry is one fully decoded child entry: a key-info/index plus its
// value_info+payload, location-resolved.
type Entry struct {
	IsArray bool
	Index   int
	Key     KeyInfo // valid when !IsArray

	Info    ValueInfo
	Inline  []byte              // valid when Info.Location==LocInline
	Address model.RecordAddress // valid when Info.Location==LocRecord
}

// EncodeEntry assembles the full wire bytes for one child entry. keyBytes
// is nil for array children (no key info on the wire).
func EncodeEntry(keyBytes []byte, vt model.ValueType, loc ValueLocation, tiny byte, payload []byte) ([]byte, error) {
	vi, err := EncodeValueInfo(vt, loc, tiny, len(payload))
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(keyBytes)+len(vi)+len(payload))
	out = append(out, keyBytes...)
	out = append(out, vi...)
	out = append(out, payload...)
	return out, nil
}

// DecodeEntry parses one child entry from the start of buf. isArray tells
// the decoder to skip key-info parsing. Returns needMore on any truncated
// field so the caller can extend buf with the next chunk and retry from
// the same starting offset.
func DecodeEntry(buf []byte, isArray bool, arrayIndex int) (e Entry, consumed int, needMore bool, err error) {
	pos := 0
	if !isArray {
		ki, n, nm := DecodeKeyInfo(buf)
		if nm {
			return Entry{}, 0, true, nil
		}
		e.Key = ki
		pos += n
	} else {
		e.IsArray = true
		e.Index = arrayIndex
	}

	vi, n, nm := DecodeValueInfo(buf[pos:])
	if nm {
		return Entry{}, 0, true, nil
	}
	e.Info = vi
	pos += n

	switch vi.Location {
	case LocTiny:
		// no payload bytes
	case LocInline:
		if len(buf) < pos+vi.Length {
			return Entry{}, 0, true, nil
		}
		e.Inline = buf[pos : pos+vi.Length]
		pos += vi.Length
	case LocRecord:
		addr, n, nm := DecodeRecordAddress(buf[pos:])
		if nm {
			return Entry{}, 0, true, nil
		}
		e.Address = addr
		pos += n
	case LocDeleted:
		return Entry{}, 0, false, dberrors.NewCorrupt("", fmt.Errorf("record: DELETED value_location encountered on read"))
	default:
		return Entry{}, 0, false, dberrors.NewCorrupt("", fmt.Errorf("record: unknown value_location %d", vi.Location))
	}
	return e, pos, false, nil
}

// Value reconstructs the child entry's logical value for TINY/INLINE
// entries. LocRecord entries have no inline value; callers resolve them by
// address instead.
func (e Entry) Value() (model.Value, error) {
	switch e.Info.Location {
	case LocTiny:
		return DecodeTinyValue(e.Info.Type, e.Info.Tiny), nil
	case LocInline:
		return DecodeInlinePayload(e.Info.Type, e.Inline)
	default:
		return model.Value{}, fmt.Errorf("record: entry has no inline value (location %s)", e.Info.Location)
	}
}

// ArrayIndexKey renders an array index as a fixed-width, zero-padded
// decimal byte string so that lexicographic comparison (the only ordering
// the embedded B+tree's node layout supports) agrees with
// numeric ordering. Only used to address array children inside an embedded
// tree; the linear body layout never encodes an array index on the wire.
func ArrayIndexKey(index int) []byte {
	return []byte(fmt.Sprintf("%020d", index))
}

// DecodeValueEntry parses a leaf's value_info+payload bytes -- the same
// shape as a linear Entry's tail, minus the key-info prefix a tree leaf
// never carries since its key is already the tree's own search key. Unlike DecodeEntry this never reports
// needMore: leaf bytes are always read whole out of a fully materialized
// tree body, never mid-chunk.
func DecodeValueEntry(buf []byte) (info ValueInfo, inline []byte, address model.RecordAddress, err error) {
	e, _, needMore, derr := DecodeEntry(buf, true, 0)
	if derr != nil {
		return ValueInfo{}, nil, model.RecordAddress{}, derr
	}
	if needMore {
		return ValueInfo{}, nil, model.RecordAddress{}, dberrors.NewCorrupt("", fmt.Errorf("record: truncated tree leaf value"))
	}
	return e.Info, e.Inline, e.Address, nil
}

// EncodeValueEntry is DecodeValueEntry's inverse: the bytes to store as a
// tree leaf's value (or, equivalently, a linear entry with no key prefix).
func EncodeValueEntry(vt model.ValueType, loc ValueLocation, tiny byte, payload []byte) ([]byte, error) {
	return EncodeEntry(nil, vt, loc, tiny, payload)
}
