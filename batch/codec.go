package batch

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/INLOpen/regionstore/core"
)

// batchCodecVersion is bumped whenever the encoding below changes.
const batchCodecVersion byte = 1

var ErrMalformedBatch = errors.New("malformed write batch")

// Encode serialises the batch. Column names and types are embedded so a
// batch can be decoded without the schema it was written under.
//
//	version u8 | schema_version uvarint | mutation count uvarint
//	per mutation: op u8 | rows uvarint | columns uvarint
//	per column:   name (uvarint len + bytes) | type u8 | values
func (b *WriteBatch) Encode() []byte {
	buf := make([]byte, 0, 64+b.numRows*16)
	buf = append(buf, batchCodecVersion)
	buf = binary.AppendUvarint(buf, uint64(b.schemaVersion))
	buf = binary.AppendUvarint(buf, uint64(len(b.mutations)))
	for i := range b.mutations {
		m := &b.mutations[i]
		buf = append(buf, byte(m.Op))
		buf = binary.AppendUvarint(buf, uint64(m.NumRows()))
		buf = binary.AppendUvarint(buf, uint64(len(m.Columns)))
		for j, vec := range m.Columns {
			buf = binary.AppendUvarint(buf, uint64(len(m.Names[j])))
			buf = append(buf, m.Names[j]...)
			buf = append(buf, byte(vec.Type))
			for _, v := range vec.Values {
				buf = core.AppendValue(buf, v)
			}
		}
	}
	return buf
}

// Decode is the inverse of Encode.
func Decode(data []byte) (*WriteBatch, error) {
	d := decoder{buf: data}
	if v := d.byte(); v != batchCodecVersion {
		if d.err != nil {
			return nil, d.err
		}
		return nil, fmt.Errorf("%w: unsupported codec version %d", ErrMalformedBatch, v)
	}
	wb := &WriteBatch{schemaVersion: uint32(d.uvarint())}
	count := d.uvarint()
	if d.err != nil {
		return nil, d.err
	}
	if count > uint64(len(data)) {
		return nil, fmt.Errorf("%w: mutation count %d", ErrMalformedBatch, count)
	}
	wb.mutations = make([]Mutation, 0, count)
	for i := uint64(0); i < count && d.err == nil; i++ {
		m := Mutation{Op: core.OpType(d.byte())}
		if m.Op != core.OpPut && m.Op != core.OpDelete && d.err == nil {
			return nil, fmt.Errorf("%w: op type %d", ErrMalformedBatch, m.Op)
		}
		rows := d.uvarint()
		cols := d.uvarint()
		if rows > uint64(len(data)) || cols > uint64(len(data)) {
			return nil, fmt.Errorf("%w: bad dimensions", ErrMalformedBatch)
		}
		for c := uint64(0); c < cols && d.err == nil; c++ {
			name := string(d.bytes())
			vec := core.Vector{Type: core.DataType(d.byte()), Values: make([]core.Value, 0, rows)}
			for r := uint64(0); r < rows && d.err == nil; r++ {
				vec.Values = append(vec.Values, d.value())
			}
			m.Names = append(m.Names, name)
			m.Columns = append(m.Columns, vec)
		}
		wb.numRows += int(rows)
		wb.mutations = append(wb.mutations, m)
	}
	if d.err != nil {
		return nil, d.err
	}
	if d.pos != len(data) {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrMalformedBatch, len(data)-d.pos)
	}
	return wb, nil
}

type decoder struct {
	buf []byte
	pos int
	err error
}

func (d *decoder) fail() {
	if d.err == nil {
		d.err = fmt.Errorf("%w: truncated at offset %d", ErrMalformedBatch, d.pos)
	}
}

func (d *decoder) byte() byte {
	if d.err != nil || d.pos >= len(d.buf) {
		d.fail()
		return 0
	}
	b := d.buf[d.pos]
	d.pos++
	return b
}

func (d *decoder) uvarint() uint64 {
	if d.err != nil {
		return 0
	}
	v, n := binary.Uvarint(d.buf[d.pos:])
	if n <= 0 {
		d.fail()
		return 0
	}
	d.pos += n
	return v
}

func (d *decoder) bytes() []byte {
	l := d.uvarint()
	if d.err != nil {
		return nil
	}
	if uint64(len(d.buf)-d.pos) < l {
		d.fail()
		return nil
	}
	out := d.buf[d.pos : d.pos+int(l)]
	d.pos += int(l)
	return out
}

func (d *decoder) value() core.Value {
	if d.err != nil {
		return core.Value{}
	}
	v, n, err := core.DecodeValue(d.buf[d.pos:])
	if err != nil {
		d.err = fmt.Errorf("%w: %v", ErrMalformedBatch, err)
		return core.Value{}
	}
	d.pos += n
	return v
}
