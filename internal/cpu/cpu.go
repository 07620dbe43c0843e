// Package cpu implements the 26-bit ARM2/ARM3 instruction
// decode/execute pipeline described in spec.md §4.4: condition codes, the
// barrel shifter, data-processing, load/store, block transfer, multiply,
// branch-with-link, software interrupt, and the banked-register exception
// model.
//
// The core is instruction-stepped, not pipelined: Step fetches, decodes,
// and executes exactly one instruction (or takes one exception entry) per
// call, replacing the teacher's two-stage ARM7 pipeline (this package's
// Pipeline/ShouldResetPipeline fields in the teacher repo) with the
// simpler model spec.md §1 calls for.
package cpu

import (
	"math/bits"

	"github.com/archie-emu/core/internal/logging"
	"github.com/archie-emu/core/internal/memory"
)

// Mode is one of the four processor modes the 26-bit architecture
// defines. Unlike later ARMs there is no separate Abort or Undefined
// mode, and the only synchronous exception this core takes is SWI, which
// enters Supervisor. An unclassified encoding is counted and logged by
// Step; no Undefined or Abort exception is raised.
type Mode uint8

const (
	ModeUSR Mode = 0
	ModeFIQ Mode = 1
	ModeIRQ Mode = 2
	ModeSVC Mode = 3
)

func (m Mode) String() string {
	switch m {
	case ModeFIQ:
		return "FIQ"
	case ModeIRQ:
		return "IRQ"
	case ModeSVC:
		return "SVC"
	default:
		return "USR"
	}
}

// CPSR bit positions for the 32-bit status representation, the
// CPSR-primary representation this core adopts (mode narrowed to the two
// bits the 26-bit architecture actually defines; see PCMask below for the
// packed-PC alternative this core does not use internally).
const (
	BitN uint32 = 1 << 31
	BitZ uint32 = 1 << 30
	BitC uint32 = 1 << 29
	BitV uint32 = 1 << 28
	BitF uint32 = 1 << 7
	BitI uint32 = 1 << 6
	BitM uint32 = 0x3
)

// PCMask implements the invariant that R15's low two bits are always
// zero. The core keeps R15 as a plain address — the CPSR-primary
// representation — rather than ARM2's packed PC+flags word; the two
// representations are equivalent for every externally observable
// property this core is asked to hold.
const PCMask uint32 = 0x03FFFFFC

// AddrMask26 is the 26-bit physical address mask.
const AddrMask26 uint32 = 0x03FFFFFF

// Exception vectors.
const (
	vectorReset uint32 = 0x00000000
	vectorSWI   uint32 = 0x00000008
	vectorIRQ   uint32 = 0x00000018
	vectorFIQ   uint32 = 0x0000001C
)

// InterruptSource is the narrow capability the CPU polls for pending
// IRQ/FIQ lines, replacing a raw pointer to IOC: the CPU never reaches
// into IOC directly, it only sees whatever implements this.
type InterruptSource interface {
	Lines() (irq, fiq bool)
}

// CPU holds all ARM register state. Banked registers are a table keyed by
// Mode rather than separate named fields per mode, generalizing the
// teacher's bankedReg[5][16] array (which keyed on five modes including
// ABT/UND this architecture does not have) down to the four 26-bit modes.
type CPU struct {
	R    [16]uint32 // R0..R12 (R8..R12 of the non-FIQ bank); R15 is the PC. R[13]/R[14] are unused.
	CPSR uint32

	spsr    [4]uint32 // indexed by Mode; spsr[ModeUSR] is unused.
	bankR13 [4]uint32 // per-mode SP; bankR13[ModeUSR] is the User-mode R13.
	bankR14 [4]uint32 // per-mode LR; bankR14[ModeUSR] is the User-mode R14.
	fiqBank [5]uint32 // R8..R12 banked only in FIQ mode.

	Mem        memory.Memory
	Interrupts InterruptSource
	Log        logging.Logger

	// Unimplemented counts instructions the decoder could not classify.
	// The core keeps running and the PC keeps advancing past them
	// instead of treating an unrecognised encoding as fatal.
	Unimplemented int
}

// New returns a CPU wired to the given memory capability, interrupt line
// source, and diagnostic logger, already reset.
func New(mem memory.Memory, interrupts InterruptSource, log logging.Logger) *CPU {
	c := &CPU{Mem: mem, Interrupts: interrupts, Log: log}
	c.Reset()
	return c
}

// Reset zeroes every register and enters Supervisor mode with both
// interrupt sources masked, at the reset vector.
func (c *CPU) Reset() {
	c.R = [16]uint32{}
	c.spsr = [4]uint32{}
	c.bankR13 = [4]uint32{}
	c.bankR14 = [4]uint32{}
	c.fiqBank = [5]uint32{}
	c.CPSR = BitI | BitF | uint32(ModeSVC)
	c.Unimplemented = 0
}

func (c *CPU) Mode() Mode { return Mode(c.CPSR & BitM) }

func (c *CPU) setMode(m Mode) { c.CPSR = (c.CPSR &^ BitM) | uint32(m) }

func (c *CPU) flag(bit uint32) bool { return c.CPSR&bit != 0 }

func (c *CPU) setFlag(bit uint32, set bool) {
	if set {
		c.CPSR |= bit
	} else {
		c.CPSR &^= bit
	}
}

// ReadReg returns register i in the current mode's bank.
func (c *CPU) ReadReg(i uint32) uint32 {
	mode := c.Mode()
	switch {
	case i == 15:
		return c.R[15]
	case i >= 8 && i <= 12 && mode == ModeFIQ:
		return c.fiqBank[i-8]
	case i == 13:
		return c.bankR13[mode]
	case i == 14:
		return c.bankR14[mode]
	default:
		return c.R[i]
	}
}

// ReadOperand returns register i the way an ARM operand read does: R15
// reads as the currently-executing instruction's address plus 8 (the
// traditional "PC as seen by the instruction" convention, kept even
// though this core has no pipeline to justify it physically), every other
// register reads normally. At the point ReadOperand is called, R[15] has
// already been advanced past the fetched instruction by Step, so it holds
// fetch_pc+4; adding 4 more yields fetch_pc+8.
func (c *CPU) ReadOperand(i uint32) uint32 {
	if i == 15 {
		return c.R[15] + 4
	}
	return c.ReadReg(i)
}

// WriteReg writes register i in the current mode's bank. Writes to R15
// are masked to a word-aligned 26-bit address.
func (c *CPU) WriteReg(i uint32, val uint32) {
	mode := c.Mode()
	switch {
	case i == 15:
		c.R[15] = val & PCMask
	case i >= 8 && i <= 12 && mode == ModeFIQ:
		c.fiqBank[i-8] = val
	case i == 13:
		c.bankR13[mode] = val
	case i == 14:
		c.bankR14[mode] = val
	default:
		c.R[i] = val
	}
}

// ReadUserReg/WriteUserReg access the User-mode bank directly, used by
// block transfer's S-bit "transfer the user-mode bank" rule.
func (c *CPU) ReadUserReg(i uint32) uint32 {
	switch {
	case i == 13:
		return c.bankR13[ModeUSR]
	case i == 14:
		return c.bankR14[ModeUSR]
	default:
		return c.R[i]
	}
}

func (c *CPU) WriteUserReg(i uint32, val uint32) {
	switch {
	case i == 15:
		c.R[15] = val & PCMask
	case i == 13:
		c.bankR13[ModeUSR] = val
	case i == 14:
		c.bankR14[ModeUSR] = val
	default:
		c.R[i] = val
	}
}

func (c *CPU) readSPSR(m Mode) uint32 {
	if m == ModeUSR {
		return c.CPSR
	}
	return c.spsr[m]
}

func (c *CPU) writeSPSR(m Mode, val uint32) {
	if m != ModeUSR {
		c.spsr[m] = val
	}
}

// Flags returns the NZCV flags.
func (c *CPU) Flags() (n, z, cy, v bool) {
	return c.flag(BitN), c.flag(BitZ), c.flag(BitC), c.flag(BitV)
}

func (c *CPU) setArithFlags(result uint32, carry, overflow bool) {
	c.setFlag(BitN, result&0x80000000 != 0)
	c.setFlag(BitZ, result == 0)
	c.setFlag(BitC, carry)
	c.setFlag(BitV, overflow)
}

func (c *CPU) setLogicalFlags(result uint32, carry bool) {
	c.setFlag(BitN, result&0x80000000 != 0)
	c.setFlag(BitZ, result == 0)
	c.setFlag(BitC, carry)
}

func addOverflow(a, b, result uint32) bool {
	signA, signB, signR := a>>31, b>>31, result>>31
	return signA == signB && signA != signR
}

func subOverflow(a, b, result uint32) bool {
	signA, signB, signR := a>>31, b>>31, result>>31
	return signA != signB && signA != signR
}

// enterException implements the common shape of every exception entry:
// save CPSR into the target mode's SPSR, save the return address into
// that mode's LR, switch mode, set I (and F for FIQ/reset), clear the
// PC's low bits, and jump to the vector.
func (c *CPU) enterException(target Mode, vector uint32, returnAddr uint32, setF bool) {
	cpsr := c.CPSR
	c.writeSPSR(target, cpsr)
	c.setMode(target)
	c.bankR14[target] = returnAddr
	c.setFlag(BitI, true)
	if setF {
		c.setFlag(BitF, true)
	}
	c.R[15] = vector & PCMask
}

// Step executes exactly one exception entry or one instruction, in the
// order: exception check, fetch, PC advance, condition check, dispatch.
// FIQ is checked ahead of IRQ, matching real ARM priority.
func (c *CPU) Step() error {
	if irq, fiq := c.Interrupts.Lines(); fiq && !c.flag(BitF) {
		c.enterException(ModeFIQ, vectorFIQ, c.R[15]+4, true)
		return nil
	} else if irq && !c.flag(BitI) {
		c.enterException(ModeIRQ, vectorIRQ, c.R[15]+4, false)
		return nil
	}

	fetchPC := c.R[15] & PCMask
	instr := c.Mem.ReadWord(fetchPC)
	if instr == sentinelWord {
		return &InvalidPCError{Addr: fetchPC}
	}

	c.R[15] = fetchPC + 4

	if !c.checkCondition(instr) {
		return nil
	}

	switch {
	case isMultiply(instr):
		c.executeMultiply(instr)
	case isBlockTransfer(instr):
		c.executeBlockTransfer(instr)
	case isBranch(instr):
		c.executeBranch(instr)
	case isSWI(instr):
		c.executeSWI()
	case isSingleDataTransfer(instr):
		c.executeSingleDataTransfer(instr)
	case isDataProcessing(instr):
		c.executeDataProcessing(instr)
	default:
		c.Unimplemented++
		c.logf(logging.LevelWarn, "unimplemented instruction 0x%08X at 0x%08X", instr, fetchPC)
	}
	return nil
}

func (c *CPU) logf(level logging.Level, format string, args ...any) {
	if c.Log != nil {
		c.Log.Printf(level, format, args...)
	}
}

// sentinelWord is the memory map's marker for an address that decodes to
// nothing. Any fetched word equal to it is treated as an invalid fetch,
// including a mapped location that happens to hold 0xFFFFFFFF.
const sentinelWord uint32 = 0xFFFFFFFF

// InvalidPCError reports a fetch from an address the memory map could not
// decode.
type InvalidPCError struct{ Addr uint32 }

func (e *InvalidPCError) Error() string {
	return "cpu: invalid fetch address"
}

func (c *CPU) checkCondition(instr uint32) bool {
	n, z, cy, v := c.Flags()
	switch instr >> 28 {
	case 0x0:
		return z
	case 0x1:
		return !z
	case 0x2:
		return cy
	case 0x3:
		return !cy
	case 0x4:
		return n
	case 0x5:
		return !n
	case 0x6:
		return v
	case 0x7:
		return !v
	case 0x8:
		return cy && !z
	case 0x9:
		return !cy || z
	case 0xA:
		return n == v
	case 0xB:
		return n != v
	case 0xC:
		return !z && n == v
	case 0xD:
		return z || n != v
	case 0xE:
		return true
	default:
		return false
	}
}

// Instruction class predicates.
func isMultiply(i uint32) bool { return i&0x0FC000F0 == 0x00000090 }

func isDataProcessing(i uint32) bool {
	return i&0x0C000000 == 0x00000000 && !isMultiply(i)
}

func isSingleDataTransfer(i uint32) bool { return i&0x0C000000 == 0x04000000 }

func isBlockTransfer(i uint32) bool { return i&0x0E000000 == 0x08000000 }

func isBranch(i uint32) bool { return i&0x0E000000 == 0x0A000000 }

func isSWI(i uint32) bool { return i&0x0F000000 == 0x0F000000 }

// shiftType identifies the barrel shifter's operation.
type shiftType uint32

const (
	shiftLSL shiftType = 0
	shiftLSR shiftType = 1
	shiftASR shiftType = 2
	shiftROR shiftType = 3
)

// shiftImmediate implements the immediate-amount boundary rules: LSR/ASR
// #0 mean "shift by 32", ROR #0 means RRX.
func shiftImmediate(value uint32, st shiftType, amount uint32, carryIn bool) (result uint32, carryOut bool) {
	switch st {
	case shiftLSL:
		if amount == 0 {
			return value, carryIn
		}
		return value << amount, (value>>(32-amount))&1 != 0
	case shiftLSR:
		if amount == 0 {
			return 0, value&0x80000000 != 0
		}
		return value >> amount, (value>>(amount-1))&1 != 0
	case shiftASR:
		if amount == 0 {
			if value&0x80000000 != 0 {
				return 0xFFFFFFFF, true
			}
			return 0, false
		}
		return uint32(int32(value) >> amount), (value>>(amount-1))&1 != 0
	case shiftROR:
		if amount == 0 { // RRX
			carryOut = value&1 != 0
			result = value >> 1
			if carryIn {
				result |= 0x80000000
			}
			return result, carryOut
		}
		return bits.RotateLeft32(value, -int(amount)), (value>>(amount-1))&1 != 0
	}
	return value, carryIn
}

// shiftRegister implements the register-specified-shift boundary rules: a
// shift amount of zero leaves the value and carry untouched; amounts of
// 32 and beyond saturate.
func shiftRegister(value uint32, st shiftType, amount uint32, carryIn bool) (result uint32, carryOut bool) {
	if amount == 0 {
		return value, carryIn
	}
	switch st {
	case shiftLSL:
		switch {
		case amount < 32:
			return value << amount, (value>>(32-amount))&1 != 0
		case amount == 32:
			return 0, value&1 != 0
		default:
			return 0, false
		}
	case shiftLSR:
		switch {
		case amount < 32:
			return value >> amount, (value>>(amount-1))&1 != 0
		case amount == 32:
			return 0, value&0x80000000 != 0
		default:
			return 0, false
		}
	case shiftASR:
		if amount < 32 {
			return uint32(int32(value) >> amount), (value>>(amount-1))&1 != 0
		}
		if value&0x80000000 != 0 {
			return 0xFFFFFFFF, true
		}
		return 0, false
	case shiftROR:
		m := amount % 32
		if m == 0 {
			return value, value&0x80000000 != 0
		}
		return bits.RotateLeft32(value, -int(m)), (value>>(m-1))&1 != 0
	}
	return value, carryIn
}

// operand2 computes Operand2 and its carry-out.
func (c *CPU) operand2(instr uint32) (val uint32, carryOut bool) {
	if instr&(1<<25) != 0 { // immediate, rotated right by 2*rot4
		imm := instr & 0xFF
		rot := ((instr >> 8) & 0xF) * 2
		if rot == 0 {
			return imm, c.flag(BitC)
		}
		rotated := bits.RotateLeft32(imm, -int(rot))
		return rotated, rotated&0x80000000 != 0
	}

	rm := instr & 0xF
	rmVal := c.ReadOperand(rm)
	st := shiftType((instr >> 5) & 0x3)
	if instr&(1<<4) != 0 { // register-specified shift
		rs := (instr >> 8) & 0xF
		amount := c.ReadReg(rs) & 0xFF
		return shiftRegister(rmVal, st, amount, c.flag(BitC))
	}
	amount := (instr >> 7) & 0x1F
	return shiftImmediate(rmVal, st, amount, c.flag(BitC))
}

func (c *CPU) executeDataProcessing(instr uint32) {
	opc := (instr >> 21) & 0xF
	s := instr&(1<<20) != 0
	rn := (instr >> 16) & 0xF
	rd := (instr >> 12) & 0xF

	op1 := c.ReadOperand(rn)
	op2, shiftCarry := c.operand2(instr)

	var result uint32
	writesResult := true

	switch opc {
	case 0x0: // AND
		result = op1 & op2
		if s {
			c.setLogicalFlags(result, shiftCarry)
		}
	case 0x1: // EOR
		result = op1 ^ op2
		if s {
			c.setLogicalFlags(result, shiftCarry)
		}
	case 0x2: // SUB
		result = op1 - op2
		if s {
			c.setArithFlags(result, op1 >= op2, subOverflow(op1, op2, result))
		}
	case 0x3: // RSB
		result = op2 - op1
		if s {
			c.setArithFlags(result, op2 >= op1, subOverflow(op2, op1, result))
		}
	case 0x4: // ADD
		wide := uint64(op1) + uint64(op2)
		result = uint32(wide)
		if s {
			c.setArithFlags(result, wide > 0xFFFFFFFF, addOverflow(op1, op2, result))
		}
	case 0x5: // ADC
		cin := uint64(0)
		if c.flag(BitC) {
			cin = 1
		}
		wide := uint64(op1) + uint64(op2) + cin
		result = uint32(wide)
		if s {
			c.setArithFlags(result, wide > 0xFFFFFFFF, addOverflow(op1, op2, result))
		}
	case 0x6: // SBC
		borrow := uint64(1)
		if c.flag(BitC) {
			borrow = 0
		}
		wide := uint64(op1) - uint64(op2) - borrow
		result = uint32(wide)
		if s {
			c.setArithFlags(result, uint64(op1) >= uint64(op2)+borrow, subOverflow(op1, op2, result))
		}
	case 0x7: // RSC
		borrow := uint64(1)
		if c.flag(BitC) {
			borrow = 0
		}
		wide := uint64(op2) - uint64(op1) - borrow
		result = uint32(wide)
		if s {
			c.setArithFlags(result, uint64(op2) >= uint64(op1)+borrow, subOverflow(op2, op1, result))
		}
	case 0x8: // TST
		writesResult = false
		c.setLogicalFlags(op1&op2, shiftCarry)
	case 0x9: // TEQ
		writesResult = false
		c.setLogicalFlags(op1^op2, shiftCarry)
	case 0xA: // CMP
		writesResult = false
		r := op1 - op2
		c.setArithFlags(r, op1 >= op2, subOverflow(op1, op2, r))
	case 0xB: // CMN
		writesResult = false
		wide := uint64(op1) + uint64(op2)
		r := uint32(wide)
		c.setArithFlags(r, wide > 0xFFFFFFFF, addOverflow(op1, op2, r))
	case 0xC: // ORR
		result = op1 | op2
		if s {
			c.setLogicalFlags(result, shiftCarry)
		}
	case 0xD: // MOV
		result = op2
		if s {
			c.setLogicalFlags(result, shiftCarry)
		}
	case 0xE: // BIC
		result = op1 &^ op2
		if s {
			c.setLogicalFlags(result, shiftCarry)
		}
	case 0xF: // MVN
		result = ^op2
		if s {
			c.setLogicalFlags(result, shiftCarry)
		}
	}

	if writesResult {
		c.WriteReg(rd, result)
	}
	if s && rd == 15 {
		c.CPSR = c.readSPSR(c.Mode())
	}
}

func (c *CPU) executeSingleDataTransfer(instr uint32) {
	immediate := instr&(1<<25) == 0
	pre := instr&(1<<24) != 0
	up := instr&(1<<23) != 0
	byteTransfer := instr&(1<<22) != 0
	writeback := instr&(1<<21) != 0
	load := instr&(1<<20) != 0
	rn := (instr >> 16) & 0xF
	rd := (instr >> 12) & 0xF

	var offset uint32
	if immediate {
		offset = instr & 0xFFF
	} else {
		st := shiftType((instr >> 5) & 0x3)
		amount := (instr >> 7) & 0x1F
		rm := instr & 0xF
		offset, _ = shiftImmediate(c.ReadOperand(rm), st, amount, c.flag(BitC))
	}

	base := c.ReadOperand(rn)
	addr := base
	if pre {
		if up {
			addr = base + offset
		} else {
			addr = base - offset
		}
	}

	if !pre || writeback {
		var next uint32
		if up {
			next = base + offset
		} else {
			next = base - offset
		}
		c.WriteReg(rn, next)
	}

	if load {
		var val uint32
		if byteTransfer {
			val = uint32(c.Mem.ReadByte(addr))
		} else {
			val = c.Mem.ReadWord(addr)
		}
		c.WriteReg(rd, val)
	} else {
		val := c.ReadOperand(rd)
		if byteTransfer {
			c.Mem.WriteByte(addr, byte(val))
		} else {
			c.Mem.WriteWord(addr, val)
		}
	}
}

// executeBlockTransfer transfers registers in ascending address order
// regardless of the up/down bit, per the architecture's LDM/STM
// semantics: the lowest-numbered register in the list always lands at the
// lowest address touched.
func (c *CPU) executeBlockTransfer(instr uint32) {
	pre := instr&(1<<24) != 0
	up := instr&(1<<23) != 0
	userBank := instr&(1<<22) != 0
	writeback := instr&(1<<21) != 0
	load := instr&(1<<20) != 0
	rn := (instr >> 16) & 0xF
	list := instr & 0xFFFF

	count := uint32(bits.OnesCount32(list))
	base := c.ReadReg(rn)

	var addr uint32
	switch {
	case up && pre:
		addr = base + 4
	case up && !pre:
		addr = base
	case !up && pre:
		addr = base - 4*count
	default: // !up && !pre
		addr = base - 4*count + 4
	}

	if writeback {
		if up {
			c.WriteReg(rn, base+4*count)
		} else {
			c.WriteReg(rn, base-4*count)
		}
	}

	for i := uint32(0); i < 16; i++ {
		if list&(1<<i) == 0 {
			continue
		}
		if load {
			val := c.Mem.ReadWord(addr)
			if userBank && i != 15 {
				c.WriteUserReg(i, val)
			} else {
				c.WriteReg(i, val)
				if i == 15 && userBank {
					c.CPSR = c.readSPSR(c.Mode())
				}
			}
		} else {
			var val uint32
			if userBank {
				val = c.ReadUserReg(i)
			} else {
				val = c.ReadReg(i)
			}
			c.Mem.WriteWord(addr, val)
		}
		addr += 4
	}
}

func (c *CPU) executeBranch(instr uint32) {
	withLink := instr&(1<<24) != 0
	offset := instr & 0xFFFFFF
	if offset&0x800000 != 0 {
		offset |= 0xFF000000
	}
	pcExec := c.R[15] + 4 // fetch_pc+8
	target := pcExec + offset<<2
	if withLink {
		c.WriteReg(14, c.R[15]) // address of the next instruction
	}
	c.WriteReg(15, target)
}

func (c *CPU) executeSWI() {
	c.enterException(ModeSVC, vectorSWI, c.R[15], false)
}

func (c *CPU) executeMultiply(instr uint32) {
	accumulate := instr&(1<<21) != 0
	s := instr&(1<<20) != 0
	rd := (instr >> 16) & 0xF
	rn := (instr >> 12) & 0xF
	rs := (instr >> 8) & 0xF
	rm := instr & 0xF

	result := c.ReadReg(rm) * c.ReadReg(rs)
	if accumulate {
		result += c.ReadReg(rn)
	}
	c.WriteReg(rd, result)
	if s {
		c.setFlag(BitN, result&0x80000000 != 0)
		c.setFlag(BitZ, result == 0)
	}
}
