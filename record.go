package dbcore

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"strings"
)

// FieldType enumerates the fixed-width field kinds a Table schema can
// describe. Pack/unpack is driven entirely by this descriptor — per the
// "dynamic field types" design note, no per-table Go struct is synthesised.
type FieldType int

const (
	FieldInt FieldType = iota + 1
	FieldFloat
	FieldChar
	FieldBool
	FieldArray
)

func (t FieldType) String() string {
	switch t {
	case FieldInt:
		return "INT"
	case FieldFloat:
		return "FLOAT"
	case FieldChar:
		return "CHAR"
	case FieldBool:
		return "BOOL"
	case FieldArray:
		return "ARRAY"
	default:
		return "UNKNOWN"
	}
}

// FieldDescriptor describes one column: name, type, and width. Width is
// the byte count for CHAR, the element count (d) for ARRAY, and is
// ignored for INT/FLOAT/BOOL (their widths are fixed).
type FieldDescriptor struct {
	Name string
	Type FieldType
	Size int
}

// Width returns the on-disk byte width of a single field value.
func (fd FieldDescriptor) Width() int {
	switch fd.Type {
	case FieldInt:
		return 4
	case FieldFloat:
		return 4
	case FieldBool:
		return 1
	case FieldChar:
		return fd.Size
	case FieldArray:
		return 4 * fd.Size
	default:
		return 0
	}
}

// Table describes a record schema as an ordered list of typed fixed-width
// fields plus a designated key field. A record's byte size is fixed per
// table.
type Table struct {
	Name       string
	Fields     []FieldDescriptor
	KeyField   string
	RecordSize int
}

// NewTable builds a Table from base fields plus optional extra fields
// appended at the end (used by the Sequential File primary index to add
// its trailing "active" BOOL field).
func NewTable(name string, fields []FieldDescriptor, keyField string, extra ...FieldDescriptor) *Table {
	all := make([]FieldDescriptor, 0, len(fields)+len(extra))
	all = append(all, fields...)
	all = append(all, extra...)

	size := 0
	for _, fd := range all {
		size += fd.Width()
	}

	return &Table{Name: name, Fields: all, KeyField: keyField, RecordSize: size}
}

// Field returns the descriptor for name, or false if it is not part of
// the schema.
func (t *Table) Field(name string) (FieldDescriptor, bool) {
	for _, fd := range t.Fields {
		if fd.Name == name {
			return fd, true
		}
	}
	return FieldDescriptor{}, false
}

// KeyDescriptor returns the descriptor of the table's key field.
func (t *Table) KeyDescriptor() FieldDescriptor {
	fd, _ := t.Field(t.KeyField)
	return fd
}

// Record is an ordered tuple of typed field values bound to a Table.
// Records own their values and carry no pointers to page or node buffers:
// every Record produced by a search is already a value-copy detached from
// whatever block it was read from.
type Record struct {
	Table  *Table
	Values map[string]any
}

// NewRecord builds a Record from a name->value map; missing fields
// default to the type's zero value.
func NewRecord(table *Table, values map[string]any) *Record {
	v := make(map[string]any, len(table.Fields))
	for _, fd := range table.Fields {
		if val, ok := values[fd.Name]; ok {
			v[fd.Name] = val
		} else {
			v[fd.Name] = zeroValue(fd.Type)
		}
	}
	return &Record{Table: table, Values: v}
}

func zeroValue(t FieldType) any {
	switch t {
	case FieldInt:
		return int32(0)
	case FieldFloat:
		return float32(0)
	case FieldChar:
		return ""
	case FieldBool:
		return false
	case FieldArray:
		return []float32{}
	default:
		return nil
	}
}

// Get returns the value of a named field.
func (r *Record) Get(name string) any { return r.Values[name] }

// Set assigns the value of a named field.
func (r *Record) Set(name string, value any) { r.Values[name] = value }

// GetKey returns the value of the table's designated key field.
func (r *Record) GetKey() any { return r.Values[r.Table.KeyField] }

// Pack serialises the record to its fixed-width binary form, field by
// field in schema order.
func (r *Record) Pack() []byte {
	buf := make([]byte, 0, r.Table.RecordSize)
	for _, fd := range r.Table.Fields {
		buf = append(buf, packField(fd, r.Values[fd.Name])...)
	}
	return buf
}

// UnpackRecord parses a fixed-width buffer into a Record according to
// table's schema. The buffer must be exactly table.RecordSize bytes.
func UnpackRecord(data []byte, table *Table) (*Record, error) {
	if len(data) != table.RecordSize {
		return nil, fmt.Errorf("%w: record buffer is %d bytes, want %d", ErrCorruptMetadata, len(data), table.RecordSize)
	}

	values := make(map[string]any, len(table.Fields))
	offset := 0
	for _, fd := range table.Fields {
		w := fd.Width()
		values[fd.Name] = unpackField(fd, data[offset:offset+w])
		offset += w
	}
	return &Record{Table: table, Values: values}, nil
}

// IsZero reports whether every byte of a packed record is zero — the
// tombstone convention used throughout the engine's page and node stores.
func IsZero(buf []byte) bool {
	for _, b := range buf {
		if b != 0 {
			return false
		}
	}
	return true
}

func packField(fd FieldDescriptor, value any) []byte {
	switch fd.Type {
	case FieldInt:
		buf := make([]byte, 4)
		binary.LittleEndian.PutUint32(buf, uint32(toInt32(value)))
		return buf
	case FieldFloat:
		buf := make([]byte, 4)
		binary.LittleEndian.PutUint32(buf, math.Float32bits(toFloat32(value)))
		return buf
	case FieldBool:
		if toBool(value) {
			return []byte{1}
		}
		return []byte{0}
	case FieldChar:
		return packChar(value, fd.Size)
	case FieldArray:
		vals := toFloat32Slice(value, fd.Size)
		buf := make([]byte, 4*fd.Size)
		for i := 0; i < fd.Size; i++ {
			binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(vals[i]))
		}
		return buf
	default:
		return nil
	}
}

func unpackField(fd FieldDescriptor, buf []byte) any {
	switch fd.Type {
	case FieldInt:
		return int32(binary.LittleEndian.Uint32(buf))
	case FieldFloat:
		return math.Float32frombits(binary.LittleEndian.Uint32(buf))
	case FieldBool:
		return buf[0] != 0
	case FieldChar:
		return string(bytes.TrimRight(buf, "\x00"))
	case FieldArray:
		out := make([]float32, fd.Size)
		for i := 0; i < fd.Size; i++ {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
		}
		return out
	default:
		return nil
	}
}

// packChar right-pads with 0x00 to exactly size bytes, never spaces, so
// comparisons can strip trailing zeros without worrying about a second
// padding convention.
func packChar(value any, size int) []byte {
	var s []byte
	switch v := value.(type) {
	case []byte:
		s = v
	case string:
		s = []byte(v)
	default:
		s = []byte(fmt.Sprint(v))
	}

	buf := make([]byte, size)
	copy(buf, s)
	return buf
}

func toInt32(value any) int32 {
	switch v := value.(type) {
	case int32:
		return v
	case int:
		return int32(v)
	case int64:
		return int32(v)
	default:
		return 0
	}
}

func toFloat32(value any) float32 {
	switch v := value.(type) {
	case float32:
		return v
	case float64:
		return float32(v)
	default:
		return 0
	}
}

func toBool(value any) bool {
	v, _ := value.(bool)
	return v
}

func toFloat32Slice(value any, dimension int) []float32 {
	switch v := value.(type) {
	case []float32:
		out := make([]float32, dimension)
		copy(out, v)
		return out
	case []float64:
		out := make([]float32, dimension)
		for i, f := range v {
			if i >= dimension {
				break
			}
			out[i] = float32(f)
		}
		return out
	default:
		return make([]float32, dimension)
	}
}

// normalizeComparable reduces a field value to a form suitable for
// equality/ordering comparisons independent of zero-padding: CHAR values
// have trailing NUL and whitespace stripped, byte slices are treated as
// CHAR. Numeric and bool values pass through unchanged.
func normalizeComparable(value any) any {
	switch v := value.(type) {
	case string:
		return strings.TrimRight(strings.TrimRight(v, " "), "\x00")
	case []byte:
		return strings.TrimRight(strings.TrimRight(string(v), " "), "\x00")
	default:
		return v
	}
}

// compareKeys orders two key values of the same underlying type. Returns
// <0, 0, >0 the way bytes.Compare / strings.Compare do.
func compareKeys(a, b any) int {
	a = normalizeComparable(a)
	b = normalizeComparable(b)

	switch av := a.(type) {
	case int32:
		bv := b.(int32)
		switch {
		case av < bv:
			return -1
		case av > bv:
			return 1
		default:
			return 0
		}
	case float32:
		bv := b.(float32)
		switch {
		case av < bv:
			return -1
		case av > bv:
			return 1
		default:
			return 0
		}
	case string:
		return strings.Compare(av, b.(string))
	default:
		return 0
	}
}

// IndexRecord is the two-field payload of every unclustered secondary
// index: a secondary value paired with the primary key it points at.
type IndexRecord struct {
	IndexValue any
	PrimaryKey int32
	ValueType  FieldDescriptor // descriptor of IndexValue's type/width
	RecordSize int
}

// NewIndexRecord builds an IndexRecord for a given secondary field
// descriptor. ValueType.Name is irrelevant to packing; only Type/Size matter.
func NewIndexRecord(valueType FieldDescriptor, indexValue any, primaryKey int32) *IndexRecord {
	return &IndexRecord{
		IndexValue: indexValue,
		PrimaryKey: primaryKey,
		ValueType:  valueType,
		RecordSize: valueType.Width() + 4,
	}
}

// Pack serialises the IndexRecord as (index_value, primary_key).
func (ir *IndexRecord) Pack() []byte {
	buf := packField(ir.ValueType, ir.IndexValue)
	pk := make([]byte, 4)
	binary.LittleEndian.PutUint32(pk, uint32(ir.PrimaryKey))
	return append(buf, pk...)
}

// UnpackIndexRecord parses a buffer produced by IndexRecord.Pack.
func UnpackIndexRecord(data []byte, valueType FieldDescriptor) *IndexRecord {
	w := valueType.Width()
	value := unpackField(valueType, data[:w])
	pk := int32(binary.LittleEndian.Uint32(data[w : w+4]))
	return &IndexRecord{IndexValue: value, PrimaryKey: pk, ValueType: valueType, RecordSize: w + 4}
}
