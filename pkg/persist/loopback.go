package persist

import (
	"errors"
	"fmt"

	"github.com/rleor/avm/pkg/classfile"
	"github.com/rleor/avm/pkg/interp"
)

// Loopback errors.
var (
	ErrLoopbackMismatch = errors.New("loopback structural mismatch")
)

// LoopbackCodec is the single-use in-memory pipe connecting a serializer
// and a deserializer over the same field stream without touching storage.
// A serializer drains an object's fields into the ordered queue; a
// deserializer drains them out, applying a reference translation function
// on the way. VerifyDone proves both sides walked the same structure.
type LoopbackCodec struct {
	queue []loopEntry
}

type loopKind uint8

const (
	loopPrim loopKind = iota
	loopRef
	loopStr
)

type loopEntry struct {
	kind loopKind
	i    int64
	ref  *interp.Object
	s    string
}

// NewLoopbackCodec creates an empty pipe.
func NewLoopbackCodec() *LoopbackCodec {
	return &LoopbackCodec{}
}

// Translate maps a reference read out of the serialized side into the
// reference installed on the deserialized side.
type Translate func(*interp.Object) (*interp.Object, error)

// SerializeObject drains src's automatic field stream into the queue:
// declared fields in class chain order for regular objects, payload for
// strings, length and elements for arrays.
func (l *LoopbackCodec) SerializeObject(src *interp.Object) {
	switch {
	case src.Class.IsString:
		l.queue = append(l.queue, loopEntry{kind: loopStr, s: src.Str})
	case src.Class.IsArray:
		l.queue = append(l.queue, loopEntry{kind: loopPrim, i: int64(len(src.Elems))})
		refElems := src.Class.ElemKind == 0
		for _, v := range src.Elems {
			if refElems {
				l.queue = append(l.queue, loopEntry{kind: loopRef, ref: v.Ref})
			} else {
				l.queue = append(l.queue, loopEntry{kind: loopPrim, i: v.I})
			}
		}
	default:
		for _, field := range src.Class.AllFields {
			v := src.Fields[field.Slot]
			if classfile.IsPrimitive(field.Descriptor) {
				l.queue = append(l.queue, loopEntry{kind: loopPrim, i: v.I})
			} else {
				l.queue = append(l.queue, loopEntry{kind: loopRef, ref: v.Ref})
			}
		}
	}
}

// DeserializeObject drains the queue into dst, translating each reference.
// dst must have the same class shape the serialized side had.
func (l *LoopbackCodec) DeserializeObject(dst *interp.Object, translate Translate) error {
	switch {
	case dst.Class.IsString:
		e, err := l.next(loopStr)
		if err != nil {
			return err
		}
		dst.Str = e.s
	case dst.Class.IsArray:
		e, err := l.next(loopPrim)
		if err != nil {
			return err
		}
		length := int(e.i)
		dst.Elems = make([]interp.Value, length)
		refElems := dst.Class.ElemKind == 0
		for i := 0; i < length; i++ {
			if refElems {
				e, err := l.next(loopRef)
				if err != nil {
					return err
				}
				mapped, err := translate(e.ref)
				if err != nil {
					return err
				}
				dst.Elems[i] = interp.RefValue(mapped)
				continue
			}
			e, err := l.next(loopPrim)
			if err != nil {
				return err
			}
			dst.Elems[i] = interp.IntValue(e.i)
		}
	default:
		for _, field := range dst.Class.AllFields {
			if classfile.IsPrimitive(field.Descriptor) {
				e, err := l.next(loopPrim)
				if err != nil {
					return err
				}
				dst.Fields[field.Slot] = interp.IntValue(e.i)
				continue
			}
			e, err := l.next(loopRef)
			if err != nil {
				return err
			}
			mapped, err := translate(e.ref)
			if err != nil {
				return err
			}
			dst.Fields[field.Slot] = interp.RefValue(mapped)
		}
	}
	return nil
}

func (l *LoopbackCodec) next(kind loopKind) (loopEntry, error) {
	if len(l.queue) == 0 {
		return loopEntry{}, fmt.Errorf("%w: queue exhausted", ErrLoopbackMismatch)
	}
	e := l.queue[0]
	l.queue = l.queue[1:]
	if e.kind != kind {
		return loopEntry{}, fmt.Errorf("%w: wanted kind %d, queued %d", ErrLoopbackMismatch, kind, e.kind)
	}
	return e, nil
}

// VerifyDone asserts both sides walked the same structure: a non-empty
// queue is a structural mismatch and fatal to the call.
func (l *LoopbackCodec) VerifyDone() error {
	if len(l.queue) != 0 {
		return fmt.Errorf("%w: %d entries left", ErrLoopbackMismatch, len(l.queue))
	}
	return nil
}
