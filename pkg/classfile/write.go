package classfile

import "encoding/binary"

// writer accumulates big-endian class file bytes.
type writer struct {
	buf []byte
}

func (w *writer) u8(v uint8)   { w.buf = append(w.buf, v) }
func (w *writer) u16(v uint16) { w.buf = binary.BigEndian.AppendUint16(w.buf, v) }
func (w *writer) u32(v uint32) { w.buf = binary.BigEndian.AppendUint32(w.buf, v) }

func (w *writer) str(s string) {
	w.u16(uint16(len(s)))
	w.buf = append(w.buf, s...)
}

// Bytes serializes the class back into file form. Serialization is
// deterministic: identical classes produce identical bytes.
func (c *Class) Bytes() []byte {
	w := &writer{}
	w.u32(Magic)
	w.u16(Version)
	w.u16(c.Flags)
	w.str(c.Name)
	w.str(c.Super)

	w.u16(uint16(len(c.Interfaces)))
	for _, iface := range c.Interfaces {
		w.str(iface)
	}

	w.u16(uint16(len(c.Constants)))
	for _, k := range c.Constants {
		w.u8(k.Tag)
		w.str(k.Value)
	}

	w.u16(uint16(len(c.Fields)))
	for _, f := range c.Fields {
		w.u16(f.Flags)
		w.str(f.Name)
		w.str(f.Descriptor)
	}

	w.u16(uint16(len(c.Methods)))
	for _, m := range c.Methods {
		w.u16(m.Flags)
		w.str(m.Name)
		w.str(m.Descriptor)
		w.u16(m.MaxStack)
		w.u16(m.MaxLocals)
		w.u32(uint32(len(m.Code)))
		w.buf = append(w.buf, m.Code...)
		w.u16(uint16(len(m.Handlers)))
		for _, h := range m.Handlers {
			w.u16(h.StartPC)
			w.u16(h.EndPC)
			w.u16(h.HandlerPC)
			w.u16(h.CatchType)
		}
	}
	return w.buf
}
