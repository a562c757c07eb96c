// Package codec encodes journal records. A record is written as
//
//	[kind][keyLen][key][methodLen][method][argCount]{[arg]}*
//
// where integers are unsigned varints and each argument is a tagged value
// (see value.go). argCount is the number of arguments plus one; zero marks a
// nil argument list. One record is stored per journal stream item.
package codec

import (
	"bufio"
	"bytes"
	"fmt"
	"io"

	"github.com/INLOpen/mailjournal/core"
)

// Record is one journaled call.
type Record struct {
	Kind     core.RecordKind
	ActorKey string
	Method   string
	Args     []any
}

// Limits bound the sizes a decoder accepts so that a damaged length prefix
// cannot trigger an arbitrarily large allocation.
type Limits struct {
	MaxBytesLength int // longest string or byte slice
	MaxArgs        int // most arguments, list items or map entries
}

// DefaultLimits are used by New.
var DefaultLimits = Limits{
	MaxBytesLength: 64 << 20,
	MaxArgs:        1 << 16,
}

// Codec encodes and decodes records. It holds no per-call state and is safe
// for concurrent use.
type Codec struct {
	limits Limits
}

// New returns a Codec using DefaultLimits.
func New() *Codec {
	return &Codec{limits: DefaultLimits}
}

// NewWithLimits returns a Codec with custom limits. Zero fields fall back to DefaultLimits.
func NewWithLimits(l Limits) *Codec {
	if l.MaxBytesLength <= 0 {
		l.MaxBytesLength = DefaultLimits.MaxBytesLength
	}
	if l.MaxArgs <= 0 {
		l.MaxArgs = DefaultLimits.MaxArgs
	}
	return &Codec{limits: l}
}

// Encode writes rec to w.
func (c *Codec) Encode(w io.Writer, rec *Record) error {
	if !rec.Kind.Valid() {
		return fmt.Errorf("encode record: invalid kind %d", rec.Kind)
	}
	e := &encoder{w: w}
	if err := e.writeUvarint(uint64(rec.Kind)); err != nil {
		return fmt.Errorf("encode record kind: %w", err)
	}
	if err := e.writeString(rec.ActorKey); err != nil {
		return fmt.Errorf("encode actor key: %w", err)
	}
	if err := e.writeString(rec.Method); err != nil {
		return fmt.Errorf("encode method name: %w", err)
	}
	argc := uint64(0)
	if rec.Args != nil {
		argc = uint64(len(rec.Args)) + 1
	}
	if err := e.writeUvarint(argc); err != nil {
		return fmt.Errorf("encode argument count: %w", err)
	}
	for i, arg := range rec.Args {
		if err := e.writeValue(arg, 0); err != nil {
			return fmt.Errorf("encode argument %d of %s.%s: %w", i, rec.ActorKey, rec.Method, err)
		}
	}
	return nil
}

// Decode reads exactly one record from r.
func (c *Codec) Decode(r io.Reader) (*Record, error) {
	br, ok := r.(byteReader)
	if !ok {
		br = bufio.NewReader(r)
	}
	d := &decoder{r: br, limits: c.limits}

	kind, err := d.readUvarint("record kind")
	if err != nil {
		return nil, err
	}
	if kind > 0xff || !core.RecordKind(kind).Valid() {
		return nil, corruptf("unknown record kind %d", kind)
	}
	rec := &Record{Kind: core.RecordKind(kind)}
	if rec.ActorKey, err = d.readString("actor key"); err != nil {
		return nil, err
	}
	if rec.Method, err = d.readString("method name"); err != nil {
		return nil, err
	}
	argc, err := d.readUvarint("argument count")
	if err != nil {
		return nil, err
	}
	if argc == 0 {
		return rec, nil
	}
	if argc-1 > uint64(c.limits.MaxArgs) {
		return nil, corruptf("argument count %d exceeds limit %d", argc-1, c.limits.MaxArgs)
	}
	rec.Args = make([]any, argc-1)
	for i := range rec.Args {
		if rec.Args[i], err = d.readValue(0); err != nil {
			return nil, fmt.Errorf("decode argument %d of %s.%s: %w", i, rec.ActorKey, rec.Method, err)
		}
	}
	return rec, nil
}

// Marshal encodes rec into a new byte slice.
func (c *Codec) Marshal(rec *Record) ([]byte, error) {
	var buf bytes.Buffer
	if err := c.Encode(&buf, rec); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Unmarshal decodes a complete item. Bytes left over after the record are
// treated as corruption.
func (c *Codec) Unmarshal(data []byte) (*Record, error) {
	r := bytes.NewReader(data)
	rec, err := c.Decode(r)
	if err != nil {
		return nil, err
	}
	if r.Len() != 0 {
		return nil, corruptf("%d trailing bytes after record", r.Len())
	}
	return rec, nil
}

// EncodeValue writes a single tagged value.
func (c *Codec) EncodeValue(w io.Writer, v any) error {
	e := &encoder{w: w}
	return e.writeValue(v, 0)
}

// DecodeValue reads a single tagged value.
func (c *Codec) DecodeValue(r io.Reader) (any, error) {
	br, ok := r.(byteReader)
	if !ok {
		br = bufio.NewReader(r)
	}
	d := &decoder{r: br, limits: c.limits}
	return d.readValue(0)
}
