package disasm

import (
	"golang.org/x/arch/x86/x86asm"
)

// X86Classifier classifies x86/x86-64 instructions using x86asm, the same
// decoder delve's gdbserver backend uses for register/instruction
// inspection. call-like instructions (used by the step-out reply) are
// CALL, SYSCALL, SYSENTER, and anything carrying a REP/REPE/REPNE prefix.
type X86Classifier struct {
	Mode int // 32 or 64
}

// NewX86Classifier builds a classifier for the given address width (32 or
// 64 bits).
func NewX86Classifier(mode int) *X86Classifier {
	if mode != 32 {
		mode = 64
	}
	return &X86Classifier{Mode: mode}
}

func (c *X86Classifier) Classify(code []byte) (bool, int, error) {
	inst, err := x86asm.Decode(code, c.Mode)
	if err != nil {
		return false, 0, err
	}

	callLike := false
	switch inst.Op {
	case x86asm.CALL, x86asm.LCALL, x86asm.SYSCALL, x86asm.SYSENTER:
		callLike = true
	}
	if hasRepPrefix(inst) {
		callLike = true
	}
	return callLike, inst.Len, nil
}

func hasRepPrefix(inst x86asm.Inst) bool {
	for _, p := range inst.Prefix {
		switch p &^ x86asm.PrefixImplicit {
		case x86asm.PrefixREP, x86asm.PrefixREPN:
			return true
		}
	}
	return false
}
