package codec

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"sort"
	"time"

	"github.com/INLOpen/mailjournal/core"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/anypb"
)

// Value tags. Every supported Go type has its own tag so that a decoded value
// has exactly the type that was encoded. Tags are part of the on-disk format;
// never renumber them.
const (
	tagNil     byte = 0
	tagFalse   byte = 1
	tagTrue    byte = 2
	tagInt     byte = 3
	tagInt8    byte = 4
	tagInt16   byte = 5
	tagInt32   byte = 6
	tagInt64   byte = 7
	tagUint    byte = 8
	tagUint8   byte = 9
	tagUint16  byte = 10
	tagUint32  byte = 11
	tagUint64  byte = 12
	tagFloat32 byte = 13
	tagFloat64 byte = 14
	tagString  byte = 15
	tagBytes   byte = 16
	tagTime    byte = 17
	tagList    byte = 18
	tagMap     byte = 19
	tagProto   byte = 20
	// Typed nils keep a nil slice or map distinct from an empty one.
	tagNilBytes byte = 21
	tagNilList  byte = 22
	tagNilMap   byte = 23
)

const maxValueDepth = 32

type encoder struct {
	w       io.Writer
	scratch [binary.MaxVarintLen64]byte
}

func (e *encoder) writeByte(b byte) error {
	e.scratch[0] = b
	_, err := e.w.Write(e.scratch[:1])
	return err
}

func (e *encoder) writeUvarint(v uint64) error {
	n := binary.PutUvarint(e.scratch[:], v)
	_, err := e.w.Write(e.scratch[:n])
	return err
}

func (e *encoder) writeVarint(v int64) error {
	n := binary.PutVarint(e.scratch[:], v)
	_, err := e.w.Write(e.scratch[:n])
	return err
}

func (e *encoder) writeBytes(b []byte) error {
	if err := e.writeUvarint(uint64(len(b))); err != nil {
		return err
	}
	_, err := e.w.Write(b)
	return err
}

func (e *encoder) writeString(s string) error {
	if err := e.writeUvarint(uint64(len(s))); err != nil {
		return err
	}
	_, err := io.WriteString(e.w, s)
	return err
}

func (e *encoder) writeTagged(tag byte, write func() error) error {
	if err := e.writeByte(tag); err != nil {
		return err
	}
	return write()
}

func (e *encoder) writeValue(v any, depth int) error {
	if depth > maxValueDepth {
		return &core.UnsupportedTypeError{Message: "value nested too deeply"}
	}
	switch x := v.(type) {
	case nil:
		return e.writeByte(tagNil)
	case bool:
		if x {
			return e.writeByte(tagTrue)
		}
		return e.writeByte(tagFalse)
	case int:
		return e.writeTagged(tagInt, func() error { return e.writeVarint(int64(x)) })
	case int8:
		return e.writeTagged(tagInt8, func() error { return e.writeVarint(int64(x)) })
	case int16:
		return e.writeTagged(tagInt16, func() error { return e.writeVarint(int64(x)) })
	case int32:
		return e.writeTagged(tagInt32, func() error { return e.writeVarint(int64(x)) })
	case int64:
		return e.writeTagged(tagInt64, func() error { return e.writeVarint(x) })
	case uint:
		return e.writeTagged(tagUint, func() error { return e.writeUvarint(uint64(x)) })
	case uint8:
		return e.writeTagged(tagUint8, func() error { return e.writeUvarint(uint64(x)) })
	case uint16:
		return e.writeTagged(tagUint16, func() error { return e.writeUvarint(uint64(x)) })
	case uint32:
		return e.writeTagged(tagUint32, func() error { return e.writeUvarint(uint64(x)) })
	case uint64:
		return e.writeTagged(tagUint64, func() error { return e.writeUvarint(x) })
	case float32:
		return e.writeTagged(tagFloat32, func() error {
			binary.LittleEndian.PutUint32(e.scratch[:4], math.Float32bits(x))
			_, err := e.w.Write(e.scratch[:4])
			return err
		})
	case float64:
		return e.writeTagged(tagFloat64, func() error {
			binary.LittleEndian.PutUint64(e.scratch[:8], math.Float64bits(x))
			_, err := e.w.Write(e.scratch[:8])
			return err
		})
	case string:
		return e.writeTagged(tagString, func() error { return e.writeString(x) })
	case []byte:
		if x == nil {
			return e.writeByte(tagNilBytes)
		}
		return e.writeTagged(tagBytes, func() error { return e.writeBytes(x) })
	case time.Time:
		raw, err := x.MarshalBinary()
		if err != nil {
			return fmt.Errorf("encode time: %w", err)
		}
		return e.writeTagged(tagTime, func() error { return e.writeBytes(raw) })
	case []any:
		if x == nil {
			return e.writeByte(tagNilList)
		}
		return e.writeTagged(tagList, func() error {
			if err := e.writeUvarint(uint64(len(x))); err != nil {
				return err
			}
			for i, item := range x {
				if err := e.writeValue(item, depth+1); err != nil {
					return fmt.Errorf("list item %d: %w", i, err)
				}
			}
			return nil
		})
	case map[string]any:
		if x == nil {
			return e.writeByte(tagNilMap)
		}
		return e.writeTagged(tagMap, func() error {
			keys := make([]string, 0, len(x))
			for k := range x {
				keys = append(keys, k)
			}
			// Sorted so equal maps produce equal bytes.
			sort.Strings(keys)
			if err := e.writeUvarint(uint64(len(keys))); err != nil {
				return err
			}
			for _, k := range keys {
				if err := e.writeString(k); err != nil {
					return err
				}
				if err := e.writeValue(x[k], depth+1); err != nil {
					return fmt.Errorf("map key %q: %w", k, err)
				}
			}
			return nil
		})
	case proto.Message:
		packed, err := anypb.New(x)
		if err != nil {
			return fmt.Errorf("pack proto %T: %w", x, err)
		}
		raw, err := proto.MarshalOptions{Deterministic: true}.Marshal(packed)
		if err != nil {
			return fmt.Errorf("marshal proto %T: %w", x, err)
		}
		return e.writeTagged(tagProto, func() error { return e.writeBytes(raw) })
	default:
		return &core.UnsupportedTypeError{Message: fmt.Sprintf("%T", v)}
	}
}

// byteReader is what the decoder needs from its source.
type byteReader interface {
	io.Reader
	io.ByteReader
}

type decoder struct {
	r       byteReader
	limits  Limits
	scratch [8]byte
}

func corruptf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", core.ErrCorruptRecord, fmt.Sprintf(format, args...))
}

// eofAsCorrupt turns a premature end of the item into a corruption error.
// A record is only ever read from a complete item, so running out of bytes
// means the record itself is damaged.
func eofAsCorrupt(err error, what string) error {
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return corruptf("truncated %s", what)
	}
	return fmt.Errorf("read %s: %w", what, err)
}

func (d *decoder) readByte(what string) (byte, error) {
	b, err := d.r.ReadByte()
	if err != nil {
		return 0, eofAsCorrupt(err, what)
	}
	return b, nil
}

// readUvarint decodes the varint byte by byte so that an overlong or
// overflowing encoding is reported as corruption rather than a read error.
func (d *decoder) readUvarint(what string) (uint64, error) {
	var v uint64
	var shift uint
	for i := 0; i < binary.MaxVarintLen64; i++ {
		b, err := d.readByte(what)
		if err != nil {
			return 0, err
		}
		if b < 0x80 {
			if i == binary.MaxVarintLen64-1 && b > 1 {
				break
			}
			return v | uint64(b)<<shift, nil
		}
		v |= uint64(b&0x7f) << shift
		shift += 7
	}
	return 0, corruptf("%s varint overflows 64 bits", what)
}

func (d *decoder) readVarint(what string) (int64, error) {
	ux, err := d.readUvarint(what)
	if err != nil {
		return 0, err
	}
	x := int64(ux >> 1)
	if ux&1 != 0 {
		x = ^x
	}
	return x, nil
}

func (d *decoder) readBytes(what string) ([]byte, error) {
	n, err := d.readUvarint(what + " length")
	if err != nil {
		return nil, err
	}
	if n > uint64(d.limits.MaxBytesLength) {
		return nil, corruptf("%s length %d exceeds limit %d", what, n, d.limits.MaxBytesLength)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(d.r, buf); err != nil {
		return nil, eofAsCorrupt(err, what)
	}
	return buf, nil
}

func (d *decoder) readString(what string) (string, error) {
	b, err := d.readBytes(what)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (d *decoder) readCount(what string) (int, error) {
	n, err := d.readUvarint(what)
	if err != nil {
		return 0, err
	}
	if n > uint64(d.limits.MaxArgs) {
		return 0, corruptf("%s %d exceeds limit %d", what, n, d.limits.MaxArgs)
	}
	return int(n), nil
}

func (d *decoder) readFixed(n int, what string) ([]byte, error) {
	if _, err := io.ReadFull(d.r, d.scratch[:n]); err != nil {
		return nil, eofAsCorrupt(err, what)
	}
	return d.scratch[:n], nil
}

func (d *decoder) readSigned(what string, bits int) (int64, error) {
	v, err := d.readVarint(what)
	if err != nil {
		return 0, err
	}
	if bits < 64 {
		lo, hi := int64(-1)<<(bits-1), int64(1)<<(bits-1)-1
		if v < lo || v > hi {
			return 0, corruptf("%s value %d overflows int%d", what, v, bits)
		}
	}
	return v, nil
}

func (d *decoder) readUnsigned(what string, bits int) (uint64, error) {
	v, err := d.readUvarint(what)
	if err != nil {
		return 0, err
	}
	if bits < 64 && v > uint64(1)<<bits-1 {
		return 0, corruptf("%s value %d overflows uint%d", what, v, bits)
	}
	return v, nil
}

func (d *decoder) readValue(depth int) (any, error) {
	if depth > maxValueDepth {
		return nil, corruptf("value nested deeper than %d", maxValueDepth)
	}
	tag, err := d.readByte("value tag")
	if err != nil {
		return nil, err
	}
	switch tag {
	case tagNil:
		return nil, nil
	case tagNilBytes:
		return []byte(nil), nil
	case tagNilList:
		return []any(nil), nil
	case tagNilMap:
		return map[string]any(nil), nil
	case tagFalse:
		return false, nil
	case tagTrue:
		return true, nil
	case tagInt:
		v, err := d.readSigned("int", strconvIntSize)
		return int(v), err
	case tagInt8:
		v, err := d.readSigned("int8", 8)
		return int8(v), err
	case tagInt16:
		v, err := d.readSigned("int16", 16)
		return int16(v), err
	case tagInt32:
		v, err := d.readSigned("int32", 32)
		return int32(v), err
	case tagInt64:
		return d.readSigned("int64", 64)
	case tagUint:
		v, err := d.readUnsigned("uint", strconvIntSize)
		return uint(v), err
	case tagUint8:
		v, err := d.readUnsigned("uint8", 8)
		return uint8(v), err
	case tagUint16:
		v, err := d.readUnsigned("uint16", 16)
		return uint16(v), err
	case tagUint32:
		v, err := d.readUnsigned("uint32", 32)
		return uint32(v), err
	case tagUint64:
		return d.readUnsigned("uint64", 64)
	case tagFloat32:
		b, err := d.readFixed(4, "float32")
		if err != nil {
			return nil, err
		}
		return math.Float32frombits(binary.LittleEndian.Uint32(b)), nil
	case tagFloat64:
		b, err := d.readFixed(8, "float64")
		if err != nil {
			return nil, err
		}
		return math.Float64frombits(binary.LittleEndian.Uint64(b)), nil
	case tagString:
		return d.readString("string")
	case tagBytes:
		return d.readBytes("bytes")
	case tagTime:
		raw, err := d.readBytes("time")
		if err != nil {
			return nil, err
		}
		var t time.Time
		if err := t.UnmarshalBinary(raw); err != nil {
			return nil, corruptf("time: %v", err)
		}
		return t, nil
	case tagList:
		n, err := d.readCount("list length")
		if err != nil {
			return nil, err
		}
		list := make([]any, n)
		for i := range list {
			if list[i], err = d.readValue(depth + 1); err != nil {
				return nil, err
			}
		}
		return list, nil
	case tagMap:
		n, err := d.readCount("map size")
		if err != nil {
			return nil, err
		}
		m := make(map[string]any, n)
		for i := 0; i < n; i++ {
			k, err := d.readString("map key")
			if err != nil {
				return nil, err
			}
			if m[k], err = d.readValue(depth + 1); err != nil {
				return nil, err
			}
		}
		return m, nil
	case tagProto:
		raw, err := d.readBytes("proto")
		if err != nil {
			return nil, err
		}
		var packed anypb.Any
		if err := proto.Unmarshal(raw, &packed); err != nil {
			return nil, corruptf("proto envelope: %v", err)
		}
		msg, err := packed.UnmarshalNew()
		if err != nil {
			return nil, fmt.Errorf("%w: proto %s: %v", core.ErrCorruptRecord, packed.GetTypeUrl(), err)
		}
		return msg, nil
	default:
		return nil, corruptf("unknown value tag %d", tag)
	}
}

// strconvIntSize is the size of int and uint in bits.
const strconvIntSize = 32 << (^uint(0) >> 63)
