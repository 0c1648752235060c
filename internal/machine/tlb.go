package machine

import (
	"sync/atomic"

	"github.com/tinyrange/sbivm/internal/firmware"
)

// TLBModel is the per-hart fence sink: it models the translation caches only
// as counters, which is all the firmware contract needs observable.
type TLBModel struct {
	fenceI     atomic.Uint64
	flushAll   atomic.Uint64
	flushPages atomic.Uint64
}

// FenceI implements firmware.FenceSink.
func (t *TLBModel) FenceI() {
	t.fenceI.Add(1)
}

// FlushAll implements firmware.FenceSink.
func (t *TLBModel) FlushAll(op firmware.RFenceOp, asid, vmid uint64) {
	t.flushAll.Add(1)
}

// FlushPage implements firmware.FenceSink.
func (t *TLBModel) FlushPage(op firmware.RFenceOp, addr, asid, vmid uint64) {
	t.flushPages.Add(1)
}

// FenceICount returns how many instruction fences the hart executed.
func (t *TLBModel) FenceICount() uint64 { return t.fenceI.Load() }

// FlushAllCount returns how many full TLB flushes the hart executed.
func (t *TLBModel) FlushAllCount() uint64 { return t.flushAll.Load() }

// FlushPageCount returns how many page-granular flushes the hart executed.
func (t *TLBModel) FlushPageCount() uint64 { return t.flushPages.Load() }

var _ firmware.FenceSink = (*TLBModel)(nil)
