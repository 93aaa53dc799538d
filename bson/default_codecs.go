// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package bson

import (
	"fmt"
	"math"
	"reflect"
	"strings"
	"sync"
	"time"
)

var tBinary = reflect.TypeOf(Binary{})
var tObjectID = reflect.TypeOf(ObjectID{})
var tDateTime = reflect.TypeOf(DateTime(0))
var tTime = reflect.TypeOf(time.Time{})
var tByteSlice = reflect.TypeOf([]byte(nil))
var tRegex = reflect.TypeOf(Regex{})
var tDBPointer = reflect.TypeOf(DBPointer{})
var tJavaScript = reflect.TypeOf(JavaScript(""))
var tSymbol = reflect.TypeOf(Symbol(""))
var tCodeWithScope = reflect.TypeOf(CodeWithScope{})
var tTimestamp = reflect.TypeOf(Timestamp{})
var tDecimal128 = reflect.TypeOf(Decimal128{})
var tMinKey = reflect.TypeOf(MinKey{})
var tMaxKey = reflect.TypeOf(MaxKey{})
var tUndefined = reflect.TypeOf(Undefined{})
var tNull = reflect.TypeOf(Null{})
var tEmpty = reflect.TypeOf((*interface{})(nil)).Elem()

// defaultCodecProvider serves the built-in codecs: BSON primitive types,
// numeric and string kinds, byte slices, time.Time, D/M/A, structs, maps,
// slices, and pointers.
type defaultCodecProvider struct{}

// LookupCodec implements CodecProvider.
func (defaultCodecProvider) LookupCodec(t reflect.Type, _ *Registry) (Codec, bool) {
	switch t {
	case tBinary, tObjectID, tDateTime, tRegex, tDBPointer, tJavaScript,
		tSymbol, tCodeWithScope, tTimestamp, tDecimal128, tMinKey, tMaxKey,
		tUndefined, tNull:
		return primitiveCodec{}, true
	case tTime:
		return timeCodec{}, true
	case tByteSlice:
		return byteSliceCodec{}, true
	case tD, tA:
		return dCodec{}, true
	case tEmpty:
		return emptyInterfaceCodec{}, true
	}
	switch t.Kind() {
	case reflect.Bool, reflect.Int, reflect.Int8, reflect.Int16,
		reflect.Int32, reflect.Int64, reflect.Uint, reflect.Uint8,
		reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Float32,
		reflect.Float64, reflect.String:
		return numericStringCodec{}, true
	case reflect.Map:
		if t.Key().Kind() != reflect.String {
			return nil, false
		}
		return mapCodec{}, true
	case reflect.Slice, reflect.Array:
		return sliceCodec{}, true
	case reflect.Struct:
		return defaultStructCodec, true
	case reflect.Ptr:
		return pointerCodec{}, true
	case reflect.Interface:
		return emptyInterfaceCodec{}, true
	}
	return nil, false
}

func encodeValue(ec EncodeContext, vw *ValueWriter, val reflect.Value) error {
	codec, err := ec.LookupCodec(val.Type())
	if err != nil {
		return err
	}
	return codec.EncodeValue(ec, vw, val)
}

func decodeValue(dc DecodeContext, vr *ValueReader, val reflect.Value) error {
	codec, err := dc.LookupCodec(val.Type())
	if err != nil {
		return err
	}
	return codec.DecodeValue(dc, vr, val)
}

// primitiveCodec handles the BSON primitive wrapper types.
type primitiveCodec struct{}

func (primitiveCodec) EncodeValue(ec EncodeContext, vw *ValueWriter, val reflect.Value) error {
	switch val.Type() {
	case tBinary:
		b := val.Interface().(Binary)
		return vw.WriteBinaryWithSubtype(b.Data, b.Subtype)
	case tObjectID:
		return vw.WriteObjectID(val.Interface().(ObjectID))
	case tDateTime:
		return vw.WriteDateTime(val.Int())
	case tRegex:
		r := val.Interface().(Regex)
		return vw.WriteRegex(r.Pattern, r.Options)
	case tDBPointer:
		dbp := val.Interface().(DBPointer)
		return vw.WriteDBPointer(dbp.DB, dbp.Pointer)
	case tJavaScript:
		return vw.WriteJavaScript(val.String())
	case tSymbol:
		return vw.WriteSymbol(val.String())
	case tTimestamp:
		ts := val.Interface().(Timestamp)
		return vw.WriteTimestamp(ts.T, ts.I)
	case tDecimal128:
		return vw.WriteDecimal128(val.Interface().(Decimal128))
	case tMinKey:
		return vw.WriteMinKey()
	case tMaxKey:
		return vw.WriteMaxKey()
	case tUndefined:
		return vw.WriteUndefined()
	case tNull:
		return vw.WriteNull()
	case tCodeWithScope:
		cws := val.Interface().(CodeWithScope)
		if err := vw.WriteCodeWithScope(string(cws.Code)); err != nil {
			return err
		}
		return writeScopeDocument(ec, vw, cws.Scope)
	}
	return fmt.Errorf("bson: primitiveCodec cannot encode %s", val.Type())
}

func (primitiveCodec) DecodeValue(_ DecodeContext, vr *ValueReader, val reflect.Value) error {
	switch val.Type() {
	case tBinary:
		b, err := vr.ReadBinary()
		if err != nil {
			return err
		}
		val.Set(reflect.ValueOf(b))
	case tObjectID:
		oid, err := vr.ReadObjectID()
		if err != nil {
			return err
		}
		val.Set(reflect.ValueOf(oid))
	case tDateTime:
		dt, err := vr.ReadDateTime()
		if err != nil {
			return err
		}
		val.SetInt(dt)
	case tRegex:
		r, err := vr.ReadRegex()
		if err != nil {
			return err
		}
		val.Set(reflect.ValueOf(r))
	case tDBPointer:
		dbp, err := vr.ReadDBPointer()
		if err != nil {
			return err
		}
		val.Set(reflect.ValueOf(dbp))
	case tJavaScript:
		js, err := vr.ReadJavaScript()
		if err != nil {
			return err
		}
		val.SetString(js)
	case tSymbol:
		s, err := vr.ReadSymbol()
		if err != nil {
			return err
		}
		val.SetString(string(s))
	case tTimestamp:
		ts, err := vr.ReadTimestamp()
		if err != nil {
			return err
		}
		val.Set(reflect.ValueOf(ts))
	case tDecimal128:
		d, err := vr.ReadDecimal128()
		if err != nil {
			return err
		}
		val.Set(reflect.ValueOf(d))
	case tMinKey:
		return vr.ReadMinKey()
	case tMaxKey:
		return vr.ReadMaxKey()
	case tUndefined:
		return vr.ReadUndefined()
	case tNull:
		return vr.ReadNull()
	default:
		return fmt.Errorf("bson: primitiveCodec cannot decode %s", val.Type())
	}
	return nil
}

// writeScopeDocument encodes scope as the already-opened scope document of a
// code-with-scope value.
func writeScopeDocument(ec EncodeContext, vw *ValueWriter, scope interface{}) error {
	if err := vw.WriteStartDocument(); err != nil {
		return err
	}
	if scope == nil {
		return vw.WriteEndDocument()
	}
	if err := encodeDocumentElements(ec, vw, reflect.ValueOf(scope)); err != nil {
		return err
	}
	return vw.WriteEndDocument()
}

// timeCodec maps time.Time to the BSON UTC datetime type.
type timeCodec struct{}

func (timeCodec) EncodeValue(_ EncodeContext, vw *ValueWriter, val reflect.Value) error {
	t := val.Interface().(time.Time)
	return vw.WriteDateTime(t.UnixMilli())
}

func (timeCodec) DecodeValue(_ DecodeContext, vr *ValueReader, val reflect.Value) error {
	dt, err := vr.ReadDateTime()
	if err != nil {
		return err
	}
	val.Set(reflect.ValueOf(DateTime(dt).Time()))
	return nil
}

// byteSliceCodec maps []byte to BSON binary with the generic subtype.
type byteSliceCodec struct{}

func (byteSliceCodec) EncodeValue(_ EncodeContext, vw *ValueWriter, val reflect.Value) error {
	if val.IsNil() {
		return vw.WriteNull()
	}
	return vw.WriteBinary(val.Bytes())
}

func (byteSliceCodec) DecodeValue(_ DecodeContext, vr *ValueReader, val reflect.Value) error {
	b, err := vr.ReadBinary()
	if err != nil {
		return err
	}
	val.SetBytes(b.Data)
	return nil
}

// numericStringCodec handles Go's numeric kinds, bool, and string with the
// round-trip coercion rules.
type numericStringCodec struct{}

func (numericStringCodec) EncodeValue(_ EncodeContext, vw *ValueWriter, val reflect.Value) error {
	switch val.Kind() {
	case reflect.Bool:
		return vw.WriteBoolean(val.Bool())
	case reflect.Int8, reflect.Int16, reflect.Int32:
		return vw.WriteInt32(int32(val.Int()))
	case reflect.Int, reflect.Int64:
		i := val.Int()
		if val.Kind() == reflect.Int && i >= math.MinInt32 && i <= math.MaxInt32 {
			return vw.WriteInt32(int32(i))
		}
		return vw.WriteInt64(i)
	case reflect.Uint8, reflect.Uint16:
		return vw.WriteInt32(int32(val.Uint()))
	case reflect.Uint, reflect.Uint32, reflect.Uint64:
		u := val.Uint()
		if u > math.MaxInt64 {
			return newSerializationError(ErrKindNumericOverflow, -1, "%d overflows int64", u)
		}
		if u <= math.MaxInt32 {
			return vw.WriteInt32(int32(u))
		}
		return vw.WriteInt64(int64(u))
	case reflect.Float32, reflect.Float64:
		return vw.WriteDouble(val.Float())
	case reflect.String:
		return vw.WriteString(val.String())
	}
	return fmt.Errorf("bson: numericStringCodec cannot encode %s", val.Type())
}

func (numericStringCodec) DecodeValue(_ DecodeContext, vr *ValueReader, val reflect.Value) error {
	switch val.Kind() {
	case reflect.Bool:
		b, err := vr.ReadBoolean()
		if err != nil {
			return err
		}
		val.SetBool(b)
	case reflect.Int8, reflect.Int16, reflect.Int32:
		i32, err := vr.ReadInt32()
		if err != nil {
			return err
		}
		if val.OverflowInt(int64(i32)) {
			return newSerializationError(ErrKindNumericOverflow, -1, "%d overflows %s", i32, val.Type())
		}
		val.SetInt(int64(i32))
	case reflect.Int, reflect.Int64:
		i64, err := vr.ReadInt64()
		if err != nil {
			return err
		}
		if val.OverflowInt(i64) {
			return newSerializationError(ErrKindNumericOverflow, -1, "%d overflows %s", i64, val.Type())
		}
		val.SetInt(i64)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		i64, err := vr.ReadInt64()
		if err != nil {
			return err
		}
		if i64 < 0 || val.OverflowUint(uint64(i64)) {
			return newSerializationError(ErrKindNumericOverflow, -1, "%d overflows %s", i64, val.Type())
		}
		val.SetUint(uint64(i64))
	case reflect.Float32, reflect.Float64:
		f, err := vr.ReadDouble()
		if err != nil {
			return err
		}
		if val.Kind() == reflect.Float32 && val.OverflowFloat(f) {
			return newSerializationError(ErrKindNumericOverflow, -1, "%g overflows float32", f)
		}
		val.SetFloat(f)
	case reflect.String:
		s, err := vr.ReadString()
		if err != nil {
			return err
		}
		val.SetString(s)
	default:
		return fmt.Errorf("bson: numericStringCodec cannot decode %s", val.Type())
	}
	return nil
}

// dCodec handles the ordered document type D and the array type A.
type dCodec struct{}

func (dCodec) EncodeValue(ec EncodeContext, vw *ValueWriter, val reflect.Value) error {
	if val.Type() == tA {
		return sliceCodec{}.EncodeValue(ec, vw, val)
	}
	if err := vw.WriteStartDocument(); err != nil {
		return err
	}
	d := val.Interface().(D)
	for _, e := range d {
		if err := vw.WriteName(e.Key); err != nil {
			return err
		}
		if err := encodeInterface(ec, vw, e.Value); err != nil {
			return err
		}
	}
	return vw.WriteEndDocument()
}

func (dCodec) DecodeValue(dc DecodeContext, vr *ValueReader, val reflect.Value) error {
	if val.Type() == tA {
		return sliceCodec{}.DecodeValue(dc, vr, val)
	}
	if err := vr.ReadStartDocument(); err != nil {
		return err
	}
	d := D{}
	for {
		t, err := vr.ReadBsonType()
		if err != nil {
			return err
		}
		if t == TypeEndOfDocument {
			break
		}
		name, err := vr.ReadName()
		if err != nil {
			return err
		}
		elemVal := reflect.New(tEmpty).Elem()
		if err := (emptyInterfaceCodec{}).DecodeValue(dc, vr, elemVal); err != nil {
			return err
		}
		d = append(d, E{Key: name, Value: elemVal.Interface()})
	}
	if err := vr.ReadEndDocument(); err != nil {
		return err
	}
	val.Set(reflect.ValueOf(d))
	return nil
}

// emptyInterfaceCodec encodes the dynamic value and decodes using the
// registry's type map.
type emptyInterfaceCodec struct{}

func (emptyInterfaceCodec) EncodeValue(ec EncodeContext, vw *ValueWriter, val reflect.Value) error {
	if val.IsNil() {
		return vw.WriteNull()
	}
	return encodeValue(ec, vw, val.Elem())
}

func (emptyInterfaceCodec) DecodeValue(dc DecodeContext, vr *ValueReader, val reflect.Value) error {
	if !vr.typePending {
		return vr.invalidStateError("decode interface value without element type")
	}
	if vr.vType == TypeNull {
		if err := vr.ReadNull(); err != nil {
			return err
		}
		val.Set(reflect.Zero(val.Type()))
		return nil
	}
	rt, ok := dc.LookupTypeMapEntry(vr.vType)
	if !ok {
		return fmt.Errorf("bson: no type map entry for %s", vr.vType)
	}
	elem := reflect.New(rt).Elem()
	if err := decodeValue(dc, vr, elem); err != nil {
		return err
	}
	val.Set(elem)
	return nil
}

func encodeInterface(ec EncodeContext, vw *ValueWriter, v interface{}) error {
	if v == nil {
		return vw.WriteNull()
	}
	return encodeValue(ec, vw, reflect.ValueOf(v))
}

// sliceCodec handles slices and arrays other than []byte.
type sliceCodec struct{}

func (sliceCodec) EncodeValue(ec EncodeContext, vw *ValueWriter, val reflect.Value) error {
	if val.Kind() == reflect.Slice && val.IsNil() {
		return vw.WriteNull()
	}
	if err := vw.WriteStartArray(); err != nil {
		return err
	}
	for i := 0; i < val.Len(); i++ {
		elem := val.Index(i)
		if elem.Kind() == reflect.Interface {
			if err := encodeInterface(ec, vw, elem.Interface()); err != nil {
				return err
			}
			continue
		}
		if err := encodeValue(ec, vw, elem); err != nil {
			return err
		}
	}
	return vw.WriteEndArray()
}

func (sliceCodec) DecodeValue(dc DecodeContext, vr *ValueReader, val reflect.Value) error {
	if err := vr.ReadStartArray(); err != nil {
		return err
	}
	elemType := val.Type().Elem()
	slc := reflect.MakeSlice(reflect.SliceOf(elemType), 0, 4)
	for {
		t, err := vr.ReadBsonType()
		if err != nil {
			return err
		}
		if t == TypeEndOfDocument {
			break
		}
		if err := vr.SkipName(); err != nil {
			return err
		}
		elem := reflect.New(elemType).Elem()
		if err := decodeValue(dc, vr, elem); err != nil {
			return err
		}
		slc = reflect.Append(slc, elem)
	}
	if err := vr.ReadEndArray(); err != nil {
		return err
	}
	if val.Kind() == reflect.Array {
		for i := 0; i < val.Len() && i < slc.Len(); i++ {
			val.Index(i).Set(slc.Index(i))
		}
		return nil
	}
	val.Set(slc)
	return nil
}

// mapCodec handles maps with string keys.
type mapCodec struct{}

func (mapCodec) EncodeValue(ec EncodeContext, vw *ValueWriter, val reflect.Value) error {
	if val.IsNil() {
		return vw.WriteNull()
	}
	if err := vw.WriteStartDocument(); err != nil {
		return err
	}
	for _, key := range val.MapKeys() {
		if err := vw.WriteName(key.String()); err != nil {
			return err
		}
		elem := val.MapIndex(key)
		if elem.Kind() == reflect.Interface {
			if err := encodeInterface(ec, vw, elem.Interface()); err != nil {
				return err
			}
			continue
		}
		if err := encodeValue(ec, vw, elem); err != nil {
			return err
		}
	}
	return vw.WriteEndDocument()
}

func (mapCodec) DecodeValue(dc DecodeContext, vr *ValueReader, val reflect.Value) error {
	if err := vr.ReadStartDocument(); err != nil {
		return err
	}
	if val.IsNil() {
		val.Set(reflect.MakeMap(val.Type()))
	}
	elemType := val.Type().Elem()
	for {
		t, err := vr.ReadBsonType()
		if err != nil {
			return err
		}
		if t == TypeEndOfDocument {
			break
		}
		name, err := vr.ReadName()
		if err != nil {
			return err
		}
		elem := reflect.New(elemType).Elem()
		if err := decodeValue(dc, vr, elem); err != nil {
			return err
		}
		val.SetMapIndex(reflect.ValueOf(name).Convert(val.Type().Key()), elem)
	}
	return vr.ReadEndDocument()
}

// pointerCodec dereferences pointers, writing null for nil and allocating on
// decode.
type pointerCodec struct{}

func (pointerCodec) EncodeValue(ec EncodeContext, vw *ValueWriter, val reflect.Value) error {
	if val.IsNil() {
		return vw.WriteNull()
	}
	return encodeValue(ec, vw, val.Elem())
}

func (pointerCodec) DecodeValue(dc DecodeContext, vr *ValueReader, val reflect.Value) error {
	if vr.typePending && vr.vType == TypeNull {
		if err := vr.ReadNull(); err != nil {
			return err
		}
		val.Set(reflect.Zero(val.Type()))
		return nil
	}
	if val.IsNil() {
		val.Set(reflect.New(val.Type().Elem()))
	}
	return decodeValue(dc, vr, val.Elem())
}

// StructCodec encodes and decodes struct types using bson struct tags. It
// can be configured to write a discriminator element recording the struct's
// short type name, which allows readers to reconstruct polymorphic values.
type StructCodec struct {
	// DiscriminatorField, when non-empty, is written as the first element of
	// every encoded document with the struct's short type name as value.
	DiscriminatorField string

	fieldCache sync.Map // reflect.Type -> []structField
}

type structField struct {
	name      string
	idx       int
	omitEmpty bool
}

var defaultStructCodec = &StructCodec{}

// NewStructCodecWithDiscriminator returns a StructCodec that encodes a
// discriminator into field, or DefaultDiscriminatorField if field is empty.
func NewStructCodecWithDiscriminator(field string) *StructCodec {
	if field == "" {
		field = DefaultDiscriminatorField
	}
	return &StructCodec{DiscriminatorField: field}
}

func (sc *StructCodec) fields(t reflect.Type) []structField {
	if cached, ok := sc.fieldCache.Load(t); ok {
		return cached.([]structField)
	}
	var fields []structField
	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		if sf.PkgPath != "" {
			continue
		}
		name := strings.ToLower(sf.Name)
		var omitEmpty bool
		if tag, ok := sf.Tag.Lookup("bson"); ok {
			parts := strings.Split(tag, ",")
			if parts[0] == "-" {
				continue
			}
			if parts[0] != "" {
				name = parts[0]
			}
			for _, opt := range parts[1:] {
				if opt == "omitempty" {
					omitEmpty = true
				}
			}
		}
		fields = append(fields, structField{name: name, idx: i, omitEmpty: omitEmpty})
	}
	sc.fieldCache.Store(t, fields)
	return fields
}

// EncodeValue implements ValueEncoder.
func (sc *StructCodec) EncodeValue(ec EncodeContext, vw *ValueWriter, val reflect.Value) error {
	if err := vw.WriteStartDocument(); err != nil {
		return err
	}
	if sc.DiscriminatorField != "" {
		if err := vw.WriteName(sc.DiscriminatorField); err != nil {
			return err
		}
		if err := vw.WriteString(val.Type().Name()); err != nil {
			return err
		}
	}
	if err := sc.encodeFields(ec, vw, val); err != nil {
		return err
	}
	return vw.WriteEndDocument()
}

func (sc *StructCodec) encodeFields(ec EncodeContext, vw *ValueWriter, val reflect.Value) error {
	for _, f := range sc.fields(val.Type()) {
		fv := val.Field(f.idx)
		if f.omitEmpty && fv.IsZero() {
			continue
		}
		if err := vw.WriteName(f.name); err != nil {
			return err
		}
		if fv.Kind() == reflect.Interface {
			if err := encodeInterface(ec, vw, fv.Interface()); err != nil {
				return err
			}
			continue
		}
		if err := encodeValue(ec, vw, fv); err != nil {
			return err
		}
	}
	return nil
}

// DecodeValue implements ValueDecoder. Fields present in the document but
// absent from the struct are skipped silently, as is the discriminator.
func (sc *StructCodec) DecodeValue(dc DecodeContext, vr *ValueReader, val reflect.Value) error {
	if err := vr.ReadStartDocument(); err != nil {
		return err
	}
	fields := sc.fields(val.Type())
	byName := make(map[string]structField, len(fields))
	for _, f := range fields {
		byName[f.name] = f
	}
	for {
		t, err := vr.ReadBsonType()
		if err != nil {
			return err
		}
		if t == TypeEndOfDocument {
			break
		}
		name, err := vr.ReadName()
		if err != nil {
			return err
		}
		f, ok := byName[name]
		if !ok {
			if err := vr.SkipValue(); err != nil {
				return err
			}
			continue
		}
		fv := val.Field(f.idx)
		if err := decodeValue(dc, vr, fv); err != nil {
			return &DecodeError{keys: []string{name}, wrapped: err}
		}
	}
	return vr.ReadEndDocument()
}

// encodeDocumentElements writes the elements of a D, M, or struct value into
// an already-opened document.
func encodeDocumentElements(ec EncodeContext, vw *ValueWriter, val reflect.Value) error {
	for val.Kind() == reflect.Ptr || val.Kind() == reflect.Interface {
		if val.IsNil() {
			return nil
		}
		val = val.Elem()
	}
	switch {
	case val.Type() == tD:
		for _, e := range val.Interface().(D) {
			if err := vw.WriteName(e.Key); err != nil {
				return err
			}
			if err := encodeInterface(ec, vw, e.Value); err != nil {
				return err
			}
		}
	case val.Kind() == reflect.Map:
		for _, key := range val.MapKeys() {
			if err := vw.WriteName(key.String()); err != nil {
				return err
			}
			if err := encodeInterface(ec, vw, val.MapIndex(key).Interface()); err != nil {
				return err
			}
		}
	case val.Kind() == reflect.Struct:
		return defaultStructCodec.encodeFields(ec, vw, val)
	default:
		return fmt.Errorf("bson: cannot encode %s as a document", val.Type())
	}
	return nil
}
