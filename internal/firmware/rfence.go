package firmware

import (
	"runtime"
	"sync"
	"sync/atomic"
)

// RFenceOp identifies the fence a remote hart must execute.
type RFenceOp uint8

const (
	OpFenceI RFenceOp = iota
	OpSFenceVMA
	OpSFenceVMAASID
	OpHFenceGVMA
	OpHFenceGVMAVMID
	OpHFenceVVMA
	OpHFenceVVMAASID
)

// String names the op for log output.
func (op RFenceOp) String() string {
	switch op {
	case OpFenceI:
		return "fence.i"
	case OpSFenceVMA:
		return "sfence.vma"
	case OpSFenceVMAASID:
		return "sfence.vma.asid"
	case OpHFenceGVMA:
		return "hfence.gvma"
	case OpHFenceGVMAVMID:
		return "hfence.gvma.vmid"
	case OpHFenceVVMA:
		return "hfence.vvma"
	case OpHFenceVVMAASID:
		return "hfence.vvma.asid"
	default:
		return "fence(?)"
	}
}

// RFenceContext describes one remote fence request.
type RFenceContext struct {
	Start uint64
	Size  uint64
	ASID  uint64
	VMID  uint64
	Op    RFenceOp
}

type rfenceEntry struct {
	ctx    RFenceContext
	source uint64 // initiator hart id
}

// rfenceCell coordinates the fences targeting one hart, plus the counter of
// fences that hart has originated elsewhere.
type rfenceCell struct {
	mu    sync.Mutex
	queue [RFenceQueueCap]rfenceEntry
	head  int
	count int

	// waitSyncCount tracks outstanding fences this hart initiated that
	// remote harts have not yet acknowledged; zero means every locally
	// initiated fence is globally complete. Go atomics are sequentially
	// consistent, which is the documented tightening over the minimal
	// release/acquire pairing the protocol needs.
	waitSyncCount atomic.Int64
}

// tryPush appends an entry unless the queue is full. The critical section is
// bounded to the one push.
func (c *rfenceCell) tryPush(e rfenceEntry) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.count == RFenceQueueCap {
		return false
	}
	c.queue[(c.head+c.count)%RFenceQueueCap] = e
	c.count++
	return true
}

// tryPop removes the oldest entry, if any.
func (c *rfenceCell) tryPop() (rfenceEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.count == 0 {
		return rfenceEntry{}, false
	}
	e := c.queue[c.head]
	c.head = (c.head + 1) % RFenceQueueCap
	c.count--
	return e, true
}

// RemoteFence runs the fence fan-out protocol from the calling hart:
//
//  1. For each eligible target, bump our wait counter and push the request
//     onto the target's queue.
//  2. Kick remote targets with a FENCE IPI (0→nonzero raises msip).
//  3. Drain our own queue until the wait counter hits zero, so self-directed
//     fences complete and cross-fences pointed back at us can make progress.
//
// A full target queue is never an error: the producer backs off, processes
// one entry of its own queue, and retries — with the target's mutex
// released, so symmetric producers cannot deadlock on each other.
func (fw *Firmware) RemoteFence(hc *HartContext, mask HartMask, ctx RFenceContext) SBIRet {
	if ctx.Op > OpHFenceVVMAASID {
		return SBIRet{Error: SBIErrNotSupported}
	}

	// start+size overflow collapses to a full flush; the conservative
	// fallback is indistinguishable from the requested fence.
	if ctx.Start+ctx.Size < ctx.Start {
		ctx.Size = ^uint64(0)
	}

	ids, ret := fw.targets(mask)
	if ret.Error != SBISuccess {
		return ret
	}

	for _, id := range ids {
		target := &fw.ctx[id]
		if !target.allowIPI() {
			continue
		}

		hc.rfence.waitSyncCount.Add(1)
		for !target.rfence.tryPush(rfenceEntry{ctx: ctx, source: hc.id}) {
			// Queue full: convert the stall into local work so a target
			// gated on us can drain.
			if !hc.processOneFence() {
				runtime.Gosched()
			}
		}

		if id != hc.id {
			fw.setIPIType(target, ipiFence)
		}
	}

	for hc.rfence.waitSyncCount.Load() > 0 {
		if !hc.processOneFence() {
			runtime.Gosched()
		}
	}
	return SBIRet{}
}

// processOneFence is the single-fence handler: pop one entry from the hart's
// own queue, execute it, and acknowledge the initiator.
func (hc *HartContext) processOneFence() bool {
	e, ok := hc.rfence.tryPop()
	if !ok {
		return false
	}
	hc.executeFence(e.ctx)
	hc.fw.ctx[e.source].rfence.waitSyncCount.Add(-1)
	return true
}

// drainFences services the queue until empty. Called from the software
// interrupt path when the FENCE reason bit is observed.
func (hc *HartContext) drainFences() {
	for hc.processOneFence() {
	}
}

// flushAll reports whether a ranged fence should collapse into a flush-all:
// an unbounded request, a sentinel size, or a span past the flush limit.
func flushAll(ctx RFenceContext) bool {
	if ctx.Start == 0 && ctx.Size == 0 {
		return true
	}
	return ctx.Size == ^uint64(0) || ctx.Size > TLBFlushLimit
}

// executeFence issues the machine-level fence the request names against the
// hart's sink, page by page for bounded ranges.
func (hc *HartContext) executeFence(ctx RFenceContext) {
	if ctx.Op == OpFenceI {
		hc.sink.FenceI()
		return
	}

	if flushAll(ctx) {
		hc.sink.FlushAll(ctx.Op, ctx.ASID, ctx.VMID)
		return
	}
	for addr := ctx.Start; addr < ctx.Start+ctx.Size; addr += PageSize {
		hc.sink.FlushPage(ctx.Op, addr, ctx.ASID, ctx.VMID)
	}
}

// WaitSyncCount exposes the hart's outstanding-fence counter for the
// machine's invariant checks.
func (fw *Firmware) WaitSyncCount(id uint64) int64 {
	return fw.ctx[id].rfence.waitSyncCount.Load()
}
