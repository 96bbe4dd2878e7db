package classfile

import (
	"encoding/binary"
	"fmt"
)

// reader is a bounds-checked big-endian cursor over a class file.
type reader struct {
	data []byte
	pos  int
	err  error
}

func (r *reader) fail(what string) {
	if r.err == nil {
		r.err = fmt.Errorf("%w: reading %s at offset %d", ErrTruncated, what, r.pos)
	}
}

func (r *reader) u8(what string) uint8 {
	if r.err != nil || r.pos+1 > len(r.data) {
		r.fail(what)
		return 0
	}
	v := r.data[r.pos]
	r.pos++
	return v
}

func (r *reader) u16(what string) uint16 {
	if r.err != nil || r.pos+2 > len(r.data) {
		r.fail(what)
		return 0
	}
	v := binary.BigEndian.Uint16(r.data[r.pos:])
	r.pos += 2
	return v
}

func (r *reader) u32(what string) uint32 {
	if r.err != nil || r.pos+4 > len(r.data) {
		r.fail(what)
		return 0
	}
	v := binary.BigEndian.Uint32(r.data[r.pos:])
	r.pos += 4
	return v
}

func (r *reader) bytes(n int, what string) []byte {
	if r.err != nil || n < 0 || r.pos+n > len(r.data) {
		r.fail(what)
		return nil
	}
	v := r.data[r.pos : r.pos+n]
	r.pos += n
	return v
}

func (r *reader) str(what string) string {
	n := int(r.u16(what))
	return string(r.bytes(n, what))
}

// Parse decodes a class file. The returned Class owns copies of all code
// attributes so the input buffer may be reused.
func Parse(data []byte) (*Class, error) {
	r := &reader{data: data}

	if magic := r.u32("magic"); r.err == nil && magic != Magic {
		return nil, fmt.Errorf("%w: 0x%08x", ErrBadMagic, magic)
	}
	if version := r.u16("version"); r.err == nil && version != Version {
		return nil, fmt.Errorf("%w: %d", ErrBadVersion, version)
	}

	c := &Class{}
	c.Flags = r.u16("class flags")
	c.Name = r.str("class name")
	c.Super = r.str("super name")

	ifaceCount := int(r.u16("interface count"))
	for i := 0; i < ifaceCount && r.err == nil; i++ {
		c.Interfaces = append(c.Interfaces, r.str("interface name"))
	}

	constCount := int(r.u16("constant count"))
	for i := 0; i < constCount && r.err == nil; i++ {
		tag := r.u8("constant tag")
		value := r.str("constant value")
		switch tag {
		case ConstUTF8, ConstType, ConstFieldRef, ConstMethodRef:
		default:
			return nil, fmt.Errorf("%w: tag %d", ErrBadConstant, tag)
		}
		c.Constants = append(c.Constants, Constant{Tag: tag, Value: value})
	}

	fieldCount := int(r.u16("field count"))
	for i := 0; i < fieldCount && r.err == nil; i++ {
		f := Field{
			Flags:      r.u16("field flags"),
			Name:       r.str("field name"),
			Descriptor: r.str("field descriptor"),
		}
		if r.err == nil {
			if err := ValidateFieldDescriptor(f.Descriptor); err != nil {
				return nil, err
			}
		}
		c.Fields = append(c.Fields, f)
	}

	methodCount := int(r.u16("method count"))
	for i := 0; i < methodCount && r.err == nil; i++ {
		m := Method{
			Flags:      r.u16("method flags"),
			Name:       r.str("method name"),
			Descriptor: r.str("method descriptor"),
			MaxStack:   r.u16("max stack"),
			MaxLocals:  r.u16("max locals"),
		}
		codeLen := int(r.u32("code length"))
		m.Code = append([]byte(nil), r.bytes(codeLen, "code")...)
		handlerCount := int(r.u16("handler count"))
		for j := 0; j < handlerCount && r.err == nil; j++ {
			m.Handlers = append(m.Handlers, Handler{
				StartPC:   r.u16("handler start"),
				EndPC:     r.u16("handler end"),
				HandlerPC: r.u16("handler pc"),
				CatchType: r.u16("handler catch type"),
			})
		}
		if r.err == nil {
			if _, _, err := SplitMethodDescriptor(m.Descriptor); err != nil {
				return nil, err
			}
		}
		c.Methods = append(c.Methods, m)
	}

	if r.err != nil {
		return nil, r.err
	}
	if r.pos != len(data) {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrBadCode, len(data)-r.pos)
	}
	return c, nil
}
