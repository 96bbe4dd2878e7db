package persist

import (
	"fmt"

	"github.com/rleor/avm/pkg/avm"
	"github.com/rleor/avm/pkg/classfile"
	"github.com/rleor/avm/pkg/interp"
)

// ReentrantProcessor manages the caller/callee dual graph of a nested
// same-DApp call. At capture it freezes the caller's statics into a
// back-buffer and repoints every reference root at a callee-space stub
// that lazily copies out of the caller graph. On revert the back-buffer is
// restored verbatim; on commit the callee contents are copied back into
// the caller instances.
//
// Instance relationships are load-bearing: a caller instance is NEVER
// replaced by a callee instance, because the caller may still hold
// references to its objects on the logical stack. Copy-back is always
// content-wise, callee → caller, through the bidirectional identity maps.
type ReentrantProcessor struct {
	universe *interp.Universe
	fees     FeeProcessor

	// Bidirectional identity maps: callee→caller to find the source when a
	// callee stub faults, caller→callee to unique stubs per caller object.
	calleeToCaller map[*interp.Object]*interp.Object
	callerToCallee map[*interp.Object]*interp.Object

	// previousStatics is the FIFO back-buffer of the pre-call statics
	// vector, drained on revert.
	previousStatics []interp.Value
	captured        bool
}

// doneMarker is installed in a callee object's loader slot once it has
// been queued for commit processing, so each is enqueued at most once. It
// must be removed from any object surviving into the caller graph or a
// later serialization would treat it as an unloaded stub.
type doneMarker struct{}

func (doneMarker) StartDeserializeInstance(*interp.Object, int64) error { return nil }

// NewReentrantProcessor creates the processor for one nested call.
func NewReentrantProcessor(u *interp.Universe, fees FeeProcessor) *ReentrantProcessor {
	return &ReentrantProcessor{
		universe:       u,
		fees:           fees,
		calleeToCaller: make(map[*interp.Object]*interp.Object),
		callerToCallee: make(map[*interp.Object]*interp.Object),
	}
}

// CaptureAndReplaceStaticState freezes the current statics vector into the
// back-buffer and replaces every reference root with a callee-space stub.
func (p *ReentrantProcessor) CaptureAndReplaceStaticState() error {
	if p.captured || len(p.calleeToCaller) != 0 || len(p.callerToCallee) != 0 {
		panic("persist: reentrant capture on a used processor")
	}
	p.captured = true

	for _, root := range p.universe.StaticRoots() {
		v := root.Class.StaticValues[root.Index]
		p.previousStatics = append(p.previousStatics, v)
		if classfile.IsPrimitive(root.Field.Descriptor) || v.Ref == nil {
			continue
		}
		stub, err := p.calleeStubFor(v.Ref)
		if err != nil {
			return err
		}
		root.Class.StaticValues[root.Index] = interp.RefValue(stub)
	}
	return nil
}

// RevertToStoredFields discards the callee graph and restores the statics
// vector from the back-buffer, verbatim.
func (p *ReentrantProcessor) RevertToStoredFields() {
	if !p.captured {
		panic("persist: reentrant revert without capture")
	}
	roots := p.universe.StaticRoots()
	if len(roots) != len(p.previousStatics) {
		panic(fmt.Sprintf("persist: back-buffer holds %d entries for %d roots", len(p.previousStatics), len(roots)))
	}
	for i, root := range roots {
		root.Class.StaticValues[root.Index] = p.previousStatics[i]
	}
	p.previousStatics = nil
	p.captured = false
}

// CommitGraphToStoredFieldsAndRestore accepts the callee graph as correct
// but keeps the caller's instances: every static is rewritten to the
// caller counterpart where one exists, and each processed callee's
// contents are transcribed into its caller. Callee objects with no caller
// pair are new: they are promoted as-is and stitched into the caller
// graph, with their references likewise translated.
func (p *ReentrantProcessor) CommitGraphToStoredFieldsAndRestore() error {
	if !p.captured {
		panic("persist: reentrant commit without capture")
	}
	// The back-buffer's information (which caller each callee derives
	// from) already lives in the identity maps.
	p.previousStatics = nil
	p.captured = false

	var toProcess []*interp.Object

	// mapAndEnqueue translates one callee reference into the reference the
	// caller graph keeps, queueing resident callee objects exactly once.
	var mapAndEnqueue func(callee *interp.Object) (*interp.Object, error)
	mapAndEnqueue = func(callee *interp.Object) (*interp.Object, error) {
		if callee == nil {
			return nil, nil
		}
		caller := p.calleeToCaller[callee]
		// Only callee-space objects take the done marker: caller-space
		// objects may carry a real loader that must not be disturbed.
		if callee.Loader == nil {
			toProcess = append(toProcess, callee)
			callee.Loader = doneMarker{}
		}
		if caller != nil {
			return caller, nil
		}
		// New object: promoted into the caller graph as-is.
		return callee, nil
	}

	for _, root := range p.universe.StaticRoots() {
		if classfile.IsPrimitive(root.Field.Descriptor) {
			continue
		}
		callee := root.Class.StaticValues[root.Index].Ref
		mapped, err := mapAndEnqueue(callee)
		if err != nil {
			return err
		}
		root.Class.StaticValues[root.Index] = interp.RefValue(mapped)
	}

	// A faulted callee can drop out of the post-call graph (its last link
	// severed) while its caller counterpart stays reachable through other
	// caller-space paths. Its mutations must still be copied back, so
	// every resident callee in the identity maps is processed, not just
	// the statics-reachable ones.
	for callee := range p.calleeToCaller {
		if callee.Loader == nil {
			toProcess = append(toProcess, callee)
			callee.Loader = doneMarker{}
		}
	}

	// Drain the queue, copying each callee's contents into its caller (or
	// into itself for promoted new objects, to translate its references).
	var placeholdersToUnset []*interp.Object
	for len(toProcess) > 0 {
		calleeSpace := toProcess[0]
		toProcess = toProcess[1:]

		callerSpace := p.calleeToCaller[calleeSpace]

		loopback := NewLoopbackCodec()
		loopback.SerializeObject(calleeSpace)
		if callerSpace != nil {
			if err := loopback.DeserializeObject(callerSpace, func(ref *interp.Object) (*interp.Object, error) {
				return mapAndEnqueue(ref)
			}); err != nil {
				return err
			}
		} else {
			if err := loopback.DeserializeObject(calleeSpace, func(ref *interp.Object) (*interp.Object, error) {
				return mapAndEnqueue(ref)
			}); err != nil {
				return err
			}
			placeholdersToUnset = append(placeholdersToUnset, calleeSpace)
		}
		if err := loopback.VerifyDone(); err != nil {
			return err
		}
	}

	for _, obj := range placeholdersToUnset {
		obj.Loader = nil
	}
	return nil
}

// StartDeserializeInstance implements interp.Loader for callee stubs: it
// ensures the caller source is resident, then pipes the caller's fields
// through the loopback codec, translating every reference into callee
// space.
func (p *ReentrantProcessor) StartDeserializeInstance(instance *interp.Object, instanceID int64) error {
	if instanceID != avm.IDEphemeral {
		panic(fmt.Sprintf("persist: reentrant fault of instance id %d", instanceID))
	}
	caller, ok := p.calleeToCaller[instance]
	if !ok {
		panic("persist: callee stub with no caller counterpart")
	}
	if err := caller.LazyLoad(); err != nil {
		return err
	}
	instance.HashCode = caller.HashCode

	loopback := NewLoopbackCodec()
	loopback.SerializeObject(caller)
	if err := loopback.DeserializeObject(instance, func(ref *interp.Object) (*interp.Object, error) {
		return p.calleeStubFor(ref)
	}); err != nil {
		return err
	}
	return loopback.VerifyDone()
}

// calleeStubFor uniques the callee-space stub of one caller object. The
// stub's id is the reserved ephemeral sentinel: it is never persisted,
// because a caller instance is never replaced and new objects carry real
// ids of their own.
func (p *ReentrantProcessor) calleeStubFor(caller *interp.Object) (*interp.Object, error) {
	if caller == nil {
		return nil, nil
	}
	if callee, ok := p.callerToCallee[caller]; ok {
		return callee, nil
	}
	if err := p.fees.ChargeStubCreate(); err != nil {
		return nil, err
	}
	callee := p.universe.NewInstance(caller.Class, p, avm.IDEphemeral, caller.HashCode)
	p.callerToCallee[caller] = callee
	p.calleeToCaller[callee] = caller
	return callee, nil
}
