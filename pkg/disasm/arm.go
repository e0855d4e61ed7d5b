package disasm

import "encoding/binary"

// ARMClassifier classifies ARM/AArch64 instructions by hand-decoding their
// fixed-width encoding field, since no library in the example corpus
// decodes ARM (see DESIGN.md). Branch-with-link (BL/BLX) and
// supervisor-call (SVC/SWI) instructions are treated as call-like, the
// direct ARM analogue of x86's CALL/SYSCALL treatment. AArch64 and
// AArch32 (A32) both use a fixed 4-byte instruction width, which is all
// this classifier needs — it does not attempt Thumb (T32)'s mixed 2/4-byte
// encoding, since the thread's CPSR/PSTATE mode (needed to even know
// whether a given address holds Thumb code) is not observable from a raw
// instruction buffer alone.
type ARMClassifier struct {
	// AArch64 selects the 64-bit instruction set's encoding; false selects
	// 32-bit ARM (A32).
	AArch64 bool
}

// NewARMClassifier builds a classifier for the given bitness.
func NewARMClassifier(aarch64 bool) *ARMClassifier {
	return &ARMClassifier{AArch64: aarch64}
}

const armInstructionLength = 4

func (c *ARMClassifier) Classify(code []byte) (bool, int, error) {
	if len(code) < armInstructionLength {
		return false, 0, errShortBuffer
	}
	word := binary.LittleEndian.Uint32(code[:armInstructionLength])

	if c.AArch64 {
		return classifyAArch64(word), armInstructionLength, nil
	}
	return classifyA32(word), armInstructionLength, nil
}

// classifyAArch64 recognises BL (unconditional branch-with-link, bits
// 31:26 == 100101) and SVC (bits 31:21 == 11010100000, bits 4:2 == 000,
// bits 1:0 == 01, i.e. the exception-generation SVC encoding).
func classifyAArch64(word uint32) bool {
	if word>>26 == 0b100101 {
		return true // BL
	}
	if word&0xFFE0001F == 0xD4000001 {
		return true // SVC #imm16
	}
	return false
}

// classifyA32 recognises BL/BLX (condition bits 31:28, then 101 at
// 27:25 with the link bit 24 set selects BL; the unconditional BLX
// encoding has cond==1111 with bits 27:25==101) and SVC/SWI (bits
// 27:24 == 1111).
func classifyA32(word uint32) bool {
	cond := word >> 28
	top3 := (word >> 25) & 0b111

	if top3 == 0b101 { // B/BL family
		link := (word >> 24) & 1
		if cond == 0xF {
			return true // BLX (unconditional encoding always links)
		}
		return link == 1 // BL
	}
	if (word>>24)&0xF == 0xF {
		return true // SVC/SWI
	}
	return false
}

type shortBufferError struct{}

func (shortBufferError) Error() string { return "disasm: short instruction buffer" }

var errShortBuffer = shortBufferError{}
