package persist

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/rleor/avm/pkg/avm"
	"github.com/rleor/avm/pkg/classfile"
	"github.com/rleor/avm/pkg/interp"
)

// Codec errors.
var (
	ErrBadRecord = errors.New("malformed object record")
)

// ReflectionCodec serializes and deserializes the object graph through
// declared-field iteration, and saves/loads the statics vector against the
// graph store.
//
// One codec instance lives for one executor call. It owns the id→instance
// table that preserves aliasing: two references to the same stored id
// always resolve to the same stub, and cycles terminate because ids are
// installed before recursing. Traversal uses an explicit work queue, never
// native recursion.
type ReflectionCodec struct {
	universe *interp.Universe
	store    GraphStore
	fees     FeeProcessor

	// byID uniques loaded instances per stored id.
	byID map[int64]*interp.Object
}

// NewReflectionCodec creates the direct graph codec for one call.
func NewReflectionCodec(u *interp.Universe, store GraphStore, fees FeeProcessor) *ReflectionCodec {
	return &ReflectionCodec{
		universe: u,
		store:    store,
		fees:     fees,
		byID:     make(map[int64]*interp.Object),
	}
}

// SaveStatics serializes the statics vector and every reachable resident
// object into the store's write buffer. Unloaded stubs keep their existing
// records.
func (c *ReflectionCodec) SaveStatics() error {
	var queue []*interp.Object
	queued := make(map[*interp.Object]bool)
	enqueue := func(obj *interp.Object) {
		if obj == nil || queued[obj] || obj.IsStub() {
			return
		}
		queued[obj] = true
		queue = append(queue, obj)
	}

	w := &recordWriter{}
	for _, root := range c.universe.StaticRoots() {
		v := root.Class.StaticValues[root.Index]
		if err := c.fees.ChargeFieldRead(); err != nil {
			return err
		}
		if classfile.IsPrimitive(root.Field.Descriptor) {
			w.prim(root.Field.Descriptor[0], v.I)
			continue
		}
		w.ref(v.Ref)
		enqueue(v.Ref)
	}
	if err := c.fees.ChargePayloadBytes(len(w.buf)); err != nil {
		return err
	}
	c.store.Write(StaticsKey, w.buf)

	for len(queue) > 0 {
		obj := queue[0]
		queue = queue[1:]
		record, err := c.encodeObject(obj, enqueue)
		if err != nil {
			return err
		}
		if err := c.fees.ChargePayloadBytes(len(record)); err != nil {
			return err
		}
		c.store.Write(uint64(obj.ID), record)
		c.byID[obj.ID] = obj
	}
	return nil
}

// LoadStatics populates the statics vector from the store, installing
// stubs for every reference root.
func (c *ReflectionCodec) LoadStatics() error {
	data, err := c.store.Read(StaticsKey)
	if errors.Is(err, ErrRecordNotFound) {
		// Fresh DApp: statics stay at their zero values until the class
		// initializers run.
		return nil
	}
	if err != nil {
		return err
	}
	if err := c.fees.ChargePayloadBytes(len(data)); err != nil {
		return err
	}

	r := &recordReader{data: data}
	for _, root := range c.universe.StaticRoots() {
		if err := c.fees.ChargeFieldWrite(); err != nil {
			return err
		}
		if classfile.IsPrimitive(root.Field.Descriptor) {
			v, err := r.prim(root.Field.Descriptor[0])
			if err != nil {
				return err
			}
			root.Class.StaticValues[root.Index] = interp.IntValue(v)
			continue
		}
		obj, err := c.readRef(r)
		if err != nil {
			return err
		}
		root.Class.StaticValues[root.Index] = interp.RefValue(obj)
	}
	return r.done()
}

// StartDeserializeInstance implements interp.Loader: it faults one stub in
// from its stored record. The interpreter clears the loader slot before
// invoking it, so re-entry into a loading instance cannot occur.
func (c *ReflectionCodec) StartDeserializeInstance(instance *interp.Object, instanceID int64) error {
	if instanceID <= int64(StaticsKey) || instanceID == avm.IDEphemeral {
		panic(fmt.Sprintf("persist: fault of reserved instance id %d", instanceID))
	}
	data, err := c.store.Read(uint64(instanceID))
	if err != nil {
		return err
	}
	if err := c.fees.ChargePayloadBytes(len(data)); err != nil {
		return err
	}

	r := &recordReader{data: data}
	className, err := r.str()
	if err != nil {
		return err
	}
	if className != instance.Class.Name {
		return fmt.Errorf("%w: record of %s faulted into %s", ErrBadRecord, className, instance.Class.Name)
	}
	hashCode, err := r.prim(classfile.DescInt)
	if err != nil {
		return err
	}
	instance.HashCode = int32(hashCode)

	switch {
	case instance.Class.IsString:
		s, err := r.str()
		if err != nil {
			return err
		}
		instance.Str = s
	case instance.Class.IsArray:
		if err := c.decodeArray(r, instance); err != nil {
			return err
		}
	default:
		for _, field := range instance.Class.AllFields {
			if err := c.fees.ChargeFieldWrite(); err != nil {
				return err
			}
			if classfile.IsPrimitive(field.Descriptor) {
				v, err := r.prim(field.Descriptor[0])
				if err != nil {
					return err
				}
				instance.Fields[field.Slot] = interp.IntValue(v)
				continue
			}
			obj, err := c.readRef(r)
			if err != nil {
				return err
			}
			instance.Fields[field.Slot] = interp.RefValue(obj)
		}
	}
	return r.done()
}

// encodeObject serializes one resident object, enqueueing its referents.
func (c *ReflectionCodec) encodeObject(obj *interp.Object, enqueue func(*interp.Object)) ([]byte, error) {
	if obj.ID == avm.IDEphemeral {
		panic("persist: serialization of ephemeral callee stub")
	}
	w := &recordWriter{}
	w.str(obj.Class.Name)
	w.prim(classfile.DescInt, int64(obj.HashCode))

	switch {
	case obj.Class.IsString:
		w.str(obj.Str)
	case obj.Class.IsArray:
		c.encodeArray(w, obj, enqueue)
	default:
		for _, field := range obj.Class.AllFields {
			if err := c.fees.ChargeFieldRead(); err != nil {
				return nil, err
			}
			v := obj.Fields[field.Slot]
			if classfile.IsPrimitive(field.Descriptor) {
				w.prim(field.Descriptor[0], v.I)
				continue
			}
			w.ref(v.Ref)
			enqueue(v.Ref)
		}
	}
	return w.buf, nil
}

func (c *ReflectionCodec) encodeArray(w *recordWriter, obj *interp.Object, enqueue func(*interp.Object)) {
	w.u32(uint32(len(obj.Elems)))
	kind := obj.Class.ElemKind
	for _, v := range obj.Elems {
		if kind != 0 {
			w.prim(kind, v.I)
			continue
		}
		w.ref(v.Ref)
		enqueue(v.Ref)
	}
}

func (c *ReflectionCodec) decodeArray(r *recordReader, obj *interp.Object) error {
	length, err := r.u32()
	if err != nil {
		return err
	}
	obj.Elems = make([]interp.Value, length)
	kind := obj.Class.ElemKind
	for i := range obj.Elems {
		if err := c.fees.ChargeFieldWrite(); err != nil {
			return err
		}
		if kind != 0 {
			v, err := r.prim(kind)
			if err != nil {
				return err
			}
			obj.Elems[i] = interp.IntValue(v)
			continue
		}
		ref, err := c.readRef(r)
		if err != nil {
			return err
		}
		obj.Elems[i] = interp.RefValue(ref)
	}
	return nil
}

// readRef decodes a reference, returning the unique stub (or already
// resident instance) for its id.
func (c *ReflectionCodec) readRef(r *recordReader) (*interp.Object, error) {
	tag, err := r.u8()
	if err != nil {
		return nil, err
	}
	if tag == refNull {
		return nil, nil
	}
	className, err := r.str()
	if err != nil {
		return nil, err
	}
	id, err := r.u64()
	if err != nil {
		return nil, err
	}
	return c.stubFor(className, int64(id))
}

// stubFor uniques instances per id: the same stored id always yields the
// same in-memory object, preserving aliasing across save/load.
func (c *ReflectionCodec) stubFor(className string, id int64) (*interp.Object, error) {
	if existing, ok := c.byID[id]; ok {
		return existing, nil
	}
	class, err := c.universe.Class(className)
	if err != nil {
		return nil, err
	}
	if err := c.fees.ChargeStubCreate(); err != nil {
		return nil, err
	}
	stub := c.universe.NewInstance(class, c, id, 0)
	c.byID[id] = stub
	return stub, nil
}

// Reference encoding tags.
const (
	refNull    = uint8(0x00)
	refPresent = uint8(0x01)
)

// recordWriter builds a record payload. Integers are big-endian
// fixed-width; strings are length-prefixed UTF-8.
type recordWriter struct {
	buf []byte
}

func (w *recordWriter) u8(v uint8)   { w.buf = append(w.buf, v) }
func (w *recordWriter) u32(v uint32) { w.buf = binary.BigEndian.AppendUint32(w.buf, v) }
func (w *recordWriter) u64(v uint64) { w.buf = binary.BigEndian.AppendUint64(w.buf, v) }

func (w *recordWriter) str(s string) {
	w.buf = binary.BigEndian.AppendUint16(w.buf, uint16(len(s)))
	w.buf = append(w.buf, s...)
}

func (w *recordWriter) prim(letter byte, v int64) {
	switch classfile.PrimitiveSize(letter) {
	case 1:
		w.u8(uint8(v))
	case 2:
		w.buf = binary.BigEndian.AppendUint16(w.buf, uint16(v))
	case 4:
		w.u32(uint32(v))
	default:
		w.u64(uint64(v))
	}
}

func (w *recordWriter) ref(obj *interp.Object) {
	if obj == nil {
		w.u8(refNull)
		return
	}
	w.u8(refPresent)
	w.str(obj.Class.Name)
	w.u64(uint64(obj.ID))
}

// recordReader consumes a record payload.
type recordReader struct {
	data []byte
	pos  int
}

func (r *recordReader) take(n int) ([]byte, error) {
	if r.pos+n > len(r.data) {
		return nil, fmt.Errorf("%w: truncated at %d", ErrBadRecord, r.pos)
	}
	out := r.data[r.pos : r.pos+n]
	r.pos += n
	return out, nil
}

func (r *recordReader) u8() (uint8, error) {
	b, err := r.take(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *recordReader) u32() (uint32, error) {
	b, err := r.take(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

func (r *recordReader) u64() (uint64, error) {
	b, err := r.take(8)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b), nil
}

func (r *recordReader) str() (string, error) {
	b, err := r.take(2)
	if err != nil {
		return "", err
	}
	s, err := r.take(int(binary.BigEndian.Uint16(b)))
	if err != nil {
		return "", err
	}
	return string(s), nil
}

// prim decodes one primitive, sign-extending signed kinds.
func (r *recordReader) prim(letter byte) (int64, error) {
	b, err := r.take(classfile.PrimitiveSize(letter))
	if err != nil {
		return 0, err
	}
	switch letter {
	case classfile.DescBoolean:
		return int64(b[0] & 1), nil
	case classfile.DescByte:
		return int64(int8(b[0])), nil
	case classfile.DescChar:
		return int64(binary.BigEndian.Uint16(b)), nil
	case classfile.DescShort:
		return int64(int16(binary.BigEndian.Uint16(b))), nil
	case classfile.DescInt:
		return int64(int32(binary.BigEndian.Uint32(b))), nil
	default:
		return int64(binary.BigEndian.Uint64(b)), nil
	}
}

func (r *recordReader) done() error {
	if r.pos != len(r.data) {
		return fmt.Errorf("%w: %d trailing bytes", ErrBadRecord, len(r.data)-r.pos)
	}
	return nil
}
