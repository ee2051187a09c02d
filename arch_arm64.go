package detour

import (
	"sync"
	"sync/atomic"
	"unsafe"
)

const (
	a64MaxInstructions = 5
	a64MaxReferences   = a64MaxInstructions * 2
	a64Nop             = uint32(0xd503201f)
)

// a64FixInfo records a forward reference to an instruction this backend has
// not relocated yet: when that instruction is finally placed, processFixMap
// patches the bits at bp that depend on its final address.
type a64FixInfo struct {
	bp uintptr
	ls uint32
	ad uint32
}

type a64InsnsInfo struct {
	insp uintptr
	fmap [a64MaxReferences]a64FixInfo
}

// a64Context tracks the relocation state for one prologue being rewritten:
// which source addresses fall inside the region being displaced, where each
// source instruction ended up in the output, and any not-yet-resolved
// internal branches.
type a64Context struct {
	basep int64
	endp  int64
	dat   [a64MaxInstructions]a64InsnsInfo
}

func newA64Context(inp uintptr, count int32) *a64Context {
	return &a64Context{basep: int64(inp), endp: int64(inp) + int64(count)*4}
}

func (c *a64Context) isInFixingRange(absoluteAddr int64) bool {
	return absoluteAddr >= c.basep && absoluteAddr < c.endp
}

func (c *a64Context) getRefInsIndex(absoluteAddr int64) int {
	return int((absoluteAddr - c.basep) / 4)
}

func (c *a64Context) getAndSetCurrentIndex(inp, outp uintptr) int {
	idx := c.getRefInsIndex(int64(inp))
	c.dat[idx].insp = outp
	return idx
}

func (c *a64Context) resetCurrentIns(idx int, outp uintptr) {
	c.dat[idx].insp = outp
}

func (c *a64Context) insertFixMap(idx int, bp uintptr, ls, ad uint32) {
	for i := range c.dat[idx].fmap {
		if c.dat[idx].fmap[i].bp == 0 {
			c.dat[idx].fmap[i] = a64FixInfo{bp: bp, ls: ls, ad: ad}
			return
		}
	}
}

func (c *a64Context) processFixMap(idx int) {
	for i := range c.dat[idx].fmap {
		f := &c.dat[idx].fmap[i]
		if f.bp == 0 {
			break
		}
		offset := int32((int64(c.dat[idx].insp) - int64(f.bp)) >> 2)
		storeU32(f.bp, loadU32(f.bp)|(uint32(offset<<f.ls)&f.ad))
		f.bp = 0
	}
}

func loadU32(addr uintptr) uint32 {
	return *(*uint32)(unsafe.Pointer(addr))
}

func storeU32(addr uintptr, v uint32) {
	*(*uint32)(unsafe.Pointer(addr)) = v
}

// storeU64 writes the raw little-endian bytes of v, mirroring the original's
// ptr::copy_nonoverlapping of an address value's bytes into two adjacent
// output words (an inline 8-byte literal used by the LDR-literal veneer).
func storeU64(addr uintptr, v uint64) {
	*(*uint64)(unsafe.Pointer(addr)) = v
}

func copyMem(dst, src uintptr, n int) {
	s := unsafe.Slice((*byte)(unsafe.Pointer(src)), n)
	d := unsafe.Slice((*byte)(unsafe.Pointer(dst)), n)
	copy(d, s)
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

// fixBranchImm relocates an unconditional B/BL. When the displaced
// instruction's target no longer fits in the 26-bit immediate (or its
// target is itself inside the displaced region and not yet placed), it is
// rewritten as a literal-pool load-and-branch veneer instead.
func fixBranchImm(inpp, outpp *uintptr, ctx *a64Context) bool {
	const mask = uint32(0xfc000000)
	const rmask = uint32(0x03ffffff)
	const opB = uint32(0x14000000)
	const opBL = uint32(0x94000000)

	ins := loadU32(*inpp)
	opc := ins & mask
	if opc != opB && opc != opBL {
		return false
	}

	currentIdx := ctx.getAndSetCurrentIndex(*inpp, *outpp)
	absoluteAddr := int64(*inpp) + int64(int32(ins<<6)>>4)
	newPcOffset := (absoluteAddr - int64(*outpp)) >> 2
	specialFixType := ctx.isInFixingRange(absoluteAddr)

	if !specialFixType && abs64(newPcOffset) >= int64(rmask>>1) {
		bAligned := (*outpp+8)&7 == 0

		if opc == opB {
			if !bAligned {
				storeU32(*outpp, a64Nop)
				*outpp += 4
				ctx.resetCurrentIns(currentIdx, *outpp)
			}
			storeU32(*outpp, 0x58000051)
			storeU32(*outpp+4, 0xd61f0220)
			storeU64(*outpp+8, uint64(absoluteAddr))
			*outpp += 16
		} else {
			if bAligned {
				storeU32(*outpp, a64Nop)
				*outpp += 4
				ctx.resetCurrentIns(currentIdx, *outpp)
			}
			storeU32(*outpp, 0x58000071)
			storeU32(*outpp+4, 0x1000009e)
			storeU32(*outpp+8, 0xd61f0220)
			storeU64(*outpp+12, uint64(absoluteAddr))
			*outpp += 20
		}
	} else {
		if specialFixType {
			refIdx := ctx.getRefInsIndex(absoluteAddr)
			if refIdx <= currentIdx {
				newPcOffset = (int64(ctx.dat[refIdx].insp) - int64(*outpp)) >> 2
			} else {
				ctx.insertFixMap(refIdx, *outpp, 0, rmask)
				newPcOffset = 0
			}
		}
		storeU32(*outpp, opc|(uint32(newPcOffset)&^mask))
		*outpp += 4
	}

	*inpp += 4
	ctx.processFixMap(currentIdx)
	return true
}

// fixCondCompTestBranch relocates B.cond, CBZ/CBNZ and TBZ/TBNZ, each of
// which carries a narrower PC-relative immediate than a plain branch and so
// needs its own out-of-range veneer shape.
func fixCondCompTestBranch(inpp, outpp *uintptr, ctx *a64Context) bool {
	const lsb = uint32(5)
	const lmask01 = uint32(0xff00001f)
	const mask0 = uint32(0xff000010)
	const opBC = uint32(0x54000000)
	const mask1 = uint32(0x7f000000)
	const opCBZ = uint32(0x34000000)
	const opCBNZ = uint32(0x35000000)
	const lmask2 = uint32(0xfff8001f)
	const mask2 = uint32(0x7f000000)
	const opTBZ = uint32(0x36000000)
	const opTBNZ = uint32(0x37000000)

	ins := loadU32(*inpp)
	lmask := lmask01

	if ins&mask0 != opBC {
		opc := ins & mask1
		if opc != opCBZ && opc != opCBNZ {
			opc = ins & mask2
			if opc != opTBZ && opc != opTBNZ {
				return false
			}
			lmask = lmask2
		}
	}

	currentIdx := ctx.getAndSetCurrentIndex(*inpp, *outpp)
	absoluteAddr := int64(*inpp) + int64(int32(ins&^lmask)>>(lsb-2))
	newPcOffset := (absoluteAddr - int64(*outpp)) >> 2
	specialFixType := ctx.isInFixingRange(absoluteAddr)

	if !specialFixType && abs64(newPcOffset) >= int64((^lmask)>>(lsb+1)) {
		if (*outpp+16)&7 != 0 {
			storeU32(*outpp, a64Nop)
			*outpp += 4
			ctx.resetCurrentIns(currentIdx, *outpp)
		}
		storeU32(*outpp, (uint32(8>>2)<<lsb)&^lmask|(ins&lmask))
		storeU32(*outpp+4, 0x14000005)
		storeU32(*outpp+8, 0x58000051)
		storeU32(*outpp+12, 0xd61f0220)
		storeU64(*outpp+16, uint64(absoluteAddr))
		*outpp += 24
	} else {
		if specialFixType {
			refIdx := ctx.getRefInsIndex(absoluteAddr)
			if refIdx <= currentIdx {
				newPcOffset = (int64(ctx.dat[refIdx].insp) - int64(*outpp)) >> 2
			} else {
				ctx.insertFixMap(refIdx, *outpp, lsb, ^lmask)
				newPcOffset = 0
			}
		}
		storeU32(*outpp, (uint32(newPcOffset)<<lsb)&^lmask|(ins&lmask))
		*outpp += 4
	}

	*inpp += 4
	ctx.processFixMap(currentIdx)
	return true
}

// fixLoadlit relocates LDR-literal (including vector and LDRSW forms). The
// out-of-range veneer copies the literal's actual bytes into the trampoline
// rather than chasing a pointer, so the relocated load stays self-contained.
func fixLoadlit(inpp, outpp *uintptr, ctx *a64Context) bool {
	ins := loadU32(*inpp)

	if ins&0xff000000 == 0xd8000000 {
		idx := ctx.getAndSetCurrentIndex(*inpp, *outpp)
		ctx.processFixMap(idx)
		*inpp += 4
		return true
	}

	const msb = uint32(8)
	const lsb = uint32(5)
	const mask30 = uint32(0x40000000)
	const mask31 = uint32(0x80000000)
	const lmask = uint32(0xff00001f)
	const maskLDR = uint32(0xbf000000)
	const opLDR = uint32(0x18000000)
	const maskLDRV = uint32(0x3f000000)
	const opLDRV = uint32(0x1c000000)
	const maskLDRSW = uint32(0xff000000)
	const opLDRSW = uint32(0x98000000)

	mask := maskLDR
	var faligned uint32
	if ins&mask30 != 0 {
		faligned = 7
	} else {
		faligned = 3
	}

	if ins&maskLDR != opLDR {
		mask = maskLDRV
		if faligned != 7 {
			if ins&mask31 != 0 {
				faligned = 15
			} else {
				faligned = 3
			}
		}
		if ins&maskLDRV != opLDRV {
			if ins&maskLDRSW != opLDRSW {
				return false
			}
			mask = maskLDRSW
			faligned = 7
		}
	}

	currentIdx := ctx.getAndSetCurrentIndex(*inpp, *outpp)
	absoluteAddr := int64(*inpp) + int64((int32(ins<<msb)>>(msb+lsb-2))&^3)
	newPcOffset := (absoluteAddr - int64(*outpp)) >> 2
	specialFixType := ctx.isInFixingRange(absoluteAddr)

	if specialFixType || abs64(newPcOffset)+int64((faligned+1-4)/4) >= int64((^lmask)>>(lsb+1)) {
		for (*outpp+8)&uintptr(faligned) != 0 {
			storeU32(*outpp, a64Nop)
			*outpp += 4
		}
		ctx.resetCurrentIns(currentIdx, *outpp)

		ns := (faligned + 1) / 4
		storeU32(*outpp, (uint32(8>>2)<<lsb)&^mask|(ins&lmask))
		storeU32(*outpp+4, 0x14000001+ns)
		copyMem(*outpp+8, uintptr(absoluteAddr), int(ns)*4)
		*outpp += 8 + uintptr(ns)*4
	} else {
		newOffset := newPcOffset
		falignedShifted := int64(faligned >> 2)
		for newOffset&falignedShifted != 0 {
			storeU32(*outpp, a64Nop)
			*outpp += 4
			newOffset = (absoluteAddr - int64(*outpp)) >> 2
		}
		ctx.resetCurrentIns(currentIdx, *outpp)
		storeU32(*outpp, (uint32(newOffset)<<lsb)&^mask|(ins&lmask))
		*outpp += 4
	}

	*inpp += 4
	ctx.processFixMap(currentIdx)
	return true
}

// fixPcreladdr relocates ADR and ADRP. An ADRP target inside the displaced
// region is copied verbatim (its page-relative result still resolves
// correctly when the trampoline sits near the original), everything else
// gets the literal-pool veneer.
func fixPcreladdr(inpp, outpp *uintptr, ctx *a64Context) bool {
	const msb = uint32(8)
	const lsb = uint32(5)
	const mask = uint32(0x9f000000)
	const rmask = uint32(0x0000001f)
	const lmask = uint32(0xff00001f)
	const fmask = uint32(0x00ffffff)
	const maxVal = uint32(0x001fffff)
	const opADR = uint32(0x10000000)
	const opADRP = uint32(0x90000000)

	ins := loadU32(*inpp)

	switch ins & mask {
	case opADR:
		currentIdx := ctx.getAndSetCurrentIndex(*inpp, *outpp)
		lsbBytes := int64((ins << 1) >> 30)
		absoluteAddr := int64(*inpp) + (int64((int32(ins<<msb)>>(msb+lsb-2))&^3) | lsbBytes)
		newPcOffset := absoluteAddr - int64(*outpp)
		specialFixType := ctx.isInFixingRange(absoluteAddr)

		if !specialFixType && abs64(newPcOffset) >= int64(maxVal>>1) {
			if (*outpp+8)&7 != 0 {
				storeU32(*outpp, a64Nop)
				*outpp += 4
				ctx.resetCurrentIns(currentIdx, *outpp)
			}
			storeU32(*outpp, 0x58000000|((uint32(8>>2)<<lsb)&^mask)|(ins&rmask))
			storeU32(*outpp+4, 0x14000003)
			storeU64(*outpp+8, uint64(absoluteAddr))
			*outpp += 16
		} else {
			if specialFixType {
				refIdx := ctx.getRefInsIndex(absoluteAddr &^ 3)
				if refIdx <= currentIdx {
					newPcOffset = int64(ctx.dat[refIdx].insp) - int64(*outpp)
				} else {
					ctx.insertFixMap(refIdx, *outpp, lsb, fmask)
					newPcOffset = 0
				}
			}
			storeU32(*outpp, (uint32(newPcOffset)<<(lsb-2))&fmask|(ins&lmask))
			*outpp += 4
		}

		*inpp += 4
		ctx.processFixMap(currentIdx)
		return true

	case opADRP:
		currentIdx := ctx.getAndSetCurrentIndex(*inpp, *outpp)
		lsbBytes := int32((ins << 1) >> 30)
		absoluteAddr := (int64(*inpp) &^ 0xfff) + (int64(((int32(ins<<msb)>>(msb+lsb-2))&^3)|lsbBytes) << 12)

		if ctx.isInFixingRange(absoluteAddr) {
			storeU32(*outpp, ins)
			*outpp += 4
		} else {
			if (*outpp+8)&7 != 0 {
				storeU32(*outpp, a64Nop)
				*outpp += 4
				ctx.resetCurrentIns(currentIdx, *outpp)
			}
			storeU32(*outpp, 0x58000000|((uint32(8>>2)<<lsb)&^mask)|(ins&rmask))
			storeU32(*outpp+4, 0x14000003)
			storeU64(*outpp+8, uint64(absoluteAddr))
			*outpp += 16
		}

		*inpp += 4
		ctx.processFixMap(currentIdx)
		return true

	default:
		return false
	}
}

// fixInstructions relocates count instructions starting at inp into the
// trampoline at outp, then appends a veneer back to inp+count*4 so the
// trampoline resumes the original function after running the displaced
// prologue.
func fixInstructions(inp uintptr, count int32, outp uintptr) {
	ctx := newA64Context(inp, count)
	outpBase := outp
	inpCur := inp
	outpCur := outp
	remaining := count

	for remaining > 0 {
		traceInsn("a64: relocate inp=%#x outp=%#x insn=%#08x", inpCur, outpCur, loadU32(inpCur))

		if fixBranchImm(&inpCur, &outpCur, ctx) {
			remaining--
			continue
		}
		if fixCondCompTestBranch(&inpCur, &outpCur, ctx) {
			remaining--
			continue
		}
		if fixLoadlit(&inpCur, &outpCur, ctx) {
			remaining--
			continue
		}
		if fixPcreladdr(&inpCur, &outpCur, ctx) {
			remaining--
			continue
		}

		idx := ctx.getAndSetCurrentIndex(inpCur, outpCur)
		ctx.processFixMap(idx)
		storeU32(outpCur, loadU32(inpCur))
		inpCur += 4
		outpCur += 4
		remaining--
	}

	callback := inpCur
	pcOffset := (int64(callback) - int64(outpCur)) >> 2

	if abs64(pcOffset) >= int64(0x03ffffff>>1) {
		if (outpCur+8)&7 != 0 {
			storeU32(outpCur, a64Nop)
			outpCur += 4
		}
		storeU32(outpCur, 0x58000051)
		storeU32(outpCur+4, 0xd61f0220)
		storeU64(outpCur+8, uint64(callback))
		outpCur += 16
	} else {
		storeU32(outpCur, 0x14000000|(uint32(pcOffset)&0x03ffffff))
		outpCur += 4
	}

	total := int(outpCur-outpBase) / 4
	clearInstructionCache(outpBase, total*4)
}

// The A64 backend carves its trampolines out of one fixed-slot pool
// allocated RWX on first use instead of mmapping a fresh page per hook:
// each trampoline is at most a handful of instructions, far smaller than a
// page, and hooks on this architecture tend to be installed in bursts
// during process start where per-call mmap overhead adds up.
var (
	a64PoolOnce  sync.Once
	a64PoolMem   []byte
	a64PoolSlot  int
	a64PoolIndex int32 = -1
)

func a64InitPool() {
	a64PoolOnce.Do(func() {
		slots := arm64PoolSlots
		slotSize := arm64PoolSlotSize
		mem, err := allocateTrampolinePoolRWX(slots * slotSize)
		if err != nil {
			return
		}
		a64PoolMem = mem
		a64PoolSlot = slotSize
	})
}

func fastAllocateTrampoline() (uintptr, bool) {
	a64InitPool()
	if a64PoolMem == nil || a64PoolSlot == 0 {
		return 0, false
	}
	slots := int32(len(a64PoolMem) / a64PoolSlot)
	i := atomic.AddInt32(&a64PoolIndex, 1)
	if i < 0 || i >= slots {
		return 0, false
	}
	return uintptr(unsafe.Pointer(&a64PoolMem[0])) + uintptr(i)*uintptr(a64PoolSlot), true
}

// installARM64 rewrites the prologue at symbolAddr with a veneer that
// transfers control to replaceAddr, choosing the 4-byte direct-branch
// shape when replaceAddr is reachable from symbolAddr and otherwise the
// 16-byte literal-pool veneer (20 bytes when a leading NOP is needed to
// 8-byte-align the literal). When trampoline is non-nil, the displaced
// instructions are relocated into a slot from the shared pool.
func installARM64(symbolAddr, replaceAddr uintptr, trampoline *uintptr) (int, error) {
	if symbolAddr == 0 {
		return 0, ErrNullPointer
	}

	var tramp uintptr
	if trampoline != nil {
		t, ok := fastAllocateTrampoline()
		if !ok {
			return 0, wrapErr(KindInsufficientSpace, nil, "arm64 trampoline pool exhausted")
		}
		tramp = t
	}

	original := symbolAddr
	pcOffset := (int64(replaceAddr) - int64(symbolAddr)) >> 2

	var used int
	if abs64(pcOffset) >= int64(0x03ffffff>>1) {
		count := int32(4)
		if (original+8)&7 != 0 {
			count = 5
		}

		if tramp != 0 {
			fixInstructions(original, count, tramp)
		}

		scope, err := openWritableScope(original, 5*4)
		if err != nil {
			return 0, err
		}
		if count == 5 {
			storeU32(original, a64Nop)
			target := original + 4
			storeU32(target, 0x58000051)
			storeU32(target+4, 0xd61f0220)
			storeU64(target+8, uint64(replaceAddr))
		} else {
			storeU32(original, 0x58000051)
			storeU32(original+4, 0xd61f0220)
			storeU64(original+8, uint64(replaceAddr))
		}
		if err := scope.Close(); err != nil {
			return 0, err
		}
		used = int(count) * 4
	} else {
		if tramp != 0 {
			fixInstructions(original, 1, tramp)
		}

		scope, err := openWritableScope(original, 4)
		if err != nil {
			return 0, err
		}
		storeU32(original, 0x14000000|(uint32(pcOffset)&0x03ffffff))
		if err := scope.Close(); err != nil {
			return 0, err
		}
		used = 4
	}

	if trampoline != nil {
		*trampoline = tramp
	}

	return used, nil
}
