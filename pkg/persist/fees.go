package persist

import "github.com/rleor/avm/pkg/avm"

// FeeProcessor is the debit sink of the persistence layer: every field
// read and write, every stub instantiation, and every payload byte is
// reported here.
type FeeProcessor interface {
	ChargeFieldRead() error
	ChargeFieldWrite() error
	ChargeStubCreate() error
	ChargePayloadBytes(n int) error
}

// HelperStorageFees debits the per-task helper. Exhaustion surfaces as the
// out-of-energy control-flow kind.
type HelperStorageFees struct {
	helper *avm.Helper
}

// NewHelperStorageFees creates a fee processor backed by the helper.
func NewHelperStorageFees(h *avm.Helper) *HelperStorageFees {
	return &HelperStorageFees{helper: h}
}

// ChargeFieldRead debits one serialized field read.
func (f *HelperStorageFees) ChargeFieldRead() error {
	return f.helper.ChargeEnergy(avm.FeeFieldRead)
}

// ChargeFieldWrite debits one deserialized field write.
func (f *HelperStorageFees) ChargeFieldWrite() error {
	return f.helper.ChargeEnergy(avm.FeeFieldWrite)
}

// ChargeStubCreate debits one stub instantiation.
func (f *HelperStorageFees) ChargeStubCreate() error {
	return f.helper.ChargeEnergy(avm.FeeStubCreate)
}

// ChargePayloadBytes debits n bytes of record payload.
func (f *HelperStorageFees) ChargePayloadBytes(n int) error {
	return f.helper.ChargeEnergy(uint64(n) * avm.FeePayloadByte)
}
