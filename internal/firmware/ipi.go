package firmware

import (
	"github.com/tinyrange/sbivm/internal/riscv"
)

// IPI reason bits. A single physical software interrupt fans out into these
// reasons; the bits coalesce between set and acknowledgement and the
// receiver clears and processes all of them at once.
const (
	ipiSSoft uint32 = 1 << 0 // forward a supervisor software interrupt
	ipiFence uint32 = 1 << 1 // drain the fence queue
)

// setIPIType ORs reason bits into a hart's pending set and raises the
// physical software interrupt on the 0→nonzero transition. The atomic OR is
// the release edge that publishes whatever the sender staged (fence queue
// entries in particular) before the receiver observes the bit.
func (fw *Firmware) setIPIType(hc *HartContext, bits uint32) {
	var old uint32
	for {
		old = hc.ipiType.Load()
		if hc.ipiType.CompareAndSwap(old, old|bits) {
			break
		}
	}
	if old == 0 {
		fw.device().SetMsip(hc.id)
	}
}

// getAndResetIPIType atomically claims every pending reason bit. The read
// side of the queue publication edge.
func (hc *HartContext) getAndResetIPIType() uint32 {
	return hc.ipiType.Swap(0)
}

// HartMask selects target harts the way the SBI ABI frames it: a bitmask
// shifted by a base hart id, with base == ^0 meaning all harts.
type HartMask struct {
	Mask uint64
	Base uint64
}

// AllHarts selects every hart.
func AllHarts() HartMask {
	return HartMask{Base: ^uint64(0)}
}

// OneHart selects a single hart.
func OneHart(id uint64) HartMask {
	return HartMask{Mask: 1, Base: id}
}

// targets expands a mask into hart ids, rejecting out-of-range selections.
func (fw *Firmware) targets(mask HartMask) ([]uint64, SBIRet) {
	n := uint64(len(fw.ctx))
	if mask.Base == ^uint64(0) {
		ids := make([]uint64, n)
		for i := range ids {
			ids[i] = uint64(i)
		}
		return ids, SBIRet{}
	}

	var ids []uint64
	for bit := uint64(0); bit < 64; bit++ {
		if mask.Mask&(1<<bit) == 0 {
			continue
		}
		id := mask.Base + bit
		if id >= n {
			return nil, SBIRet{Error: SBIErrInvalidParam}
		}
		ids = append(ids, id)
	}
	return ids, SBIRet{}
}

// SendIPI delivers supervisor software interrupts to every eligible hart in
// the mask. Suspended targets are flipped to RESUME_PENDING so the wake
// completes a resume.
func (fw *Firmware) SendIPI(mask HartMask) SBIRet {
	ids, ret := fw.targets(mask)
	if ret.Error != SBISuccess {
		return ret
	}
	for _, id := range ids {
		hc := &fw.ctx[id]
		if !hc.allowIPI() {
			continue
		}
		hc.hsmState.CompareAndSwap(HsmSuspended, HsmResumePending)
		fw.setIPIType(hc, ipiSSoft)
	}
	return SBIRet{}
}

// SetTimer programs the hart's next timer event. With Sstc the supervisor
// compare is written directly; otherwise the device-side compare is
// programmed and the pending supervisor timer bit is retracted. Either way
// the machine timer is re-enabled so the expiry traps back here.
func (fw *Firmware) SetTimer(hc *HartContext, stime uint64) SBIRet {
	h := hc.hart
	if hc.ext.Sstc {
		h.Stimecmp = stime
		h.Mie |= riscv.MipMTIP
		return SBIRet{}
	}

	fw.device().WriteMtimecmp(hc.id, stime)
	h.ClearMip(riscv.MipSTIP)
	h.Mie |= riscv.MipMTIP
	return SBIRet{}
}
