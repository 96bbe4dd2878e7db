package transform

import (
	"fmt"

	"github.com/rleor/avm/pkg/avm"
	"github.com/rleor/avm/pkg/classfile"
)

// ComputeObjectSizes returns the allocation size of every deployed class:
// the object header, the declared instance fields, and the cached size of
// the parent class. Array sizes are length-dependent and charged at the
// wrapper construction path instead.
func ComputeObjectSizes(forest *Forest) (map[string]uint64, error) {
	sizes := make(map[string]uint64, len(forest.Order()))

	var sizeOf func(name string, trail map[string]bool) (uint64, error)
	sizeOf = func(name string, trail map[string]bool) (uint64, error) {
		if s, ok := sizes[name]; ok {
			return s, nil
		}
		n := forest.Node(name)
		if n == nil {
			// Ancestors outside the deployed set contribute the bare header.
			return avm.ObjectHeaderSize, nil
		}
		if trail[name] {
			return 0, fmt.Errorf("inheritance cycle through %s", name)
		}
		trail[name] = true

		size, err := sizeOf(n.Super, trail)
		if err != nil {
			return 0, err
		}
		for _, field := range n.Class.Fields {
			if field.IsStatic() {
				continue
			}
			size += fieldSlotSize(field.Descriptor)
		}
		sizes[name] = size
		return size, nil
	}

	for _, name := range forest.Order() {
		if _, err := sizeOf(name, map[string]bool{}); err != nil {
			return nil, err
		}
	}
	return sizes, nil
}

// fieldSlotSize is the in-object footprint of one field.
func fieldSlotSize(desc string) uint64 {
	if classfile.IsPrimitive(desc) {
		return uint64(classfile.PrimitiveSize(desc[0]))
	}
	return avm.ReferenceSlotSize
}

// ArrayAllocSize is the allocation size of an array of the given element
// width and length.
func ArrayAllocSize(elemSize, length uint64) uint64 {
	return avm.ArrayHeaderSize + length*elemSize
}
