package scheduler

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	xerrors "Oracle-Relay/internal/errors"
	"Oracle-Relay/internal/runtime"
)

const (
	// MaxCompiledAccounts 是账户表的容量上限，索引以 u8 编码。
	MaxCompiledAccounts = 255
	// MaxCompiledDataSize 限制全部指令数据的总字节数。
	MaxCompiledDataSize = 1232
)

// CompiledInstruction 以账户表索引表示的一条指令。
type CompiledInstruction struct {
	ProgramIDIndex uint8   `json:"program_id_index"`
	Accounts       []uint8 `json:"accounts"`
	Data           []byte  `json:"data"`
}

// CompiledTransaction 是可延迟执行的紧凑交易。账户表按
// 可写签名者、只读签名者、可写、只读的顺序排列，各段内保持首次出现的顺序。
type CompiledTransaction struct {
	NumRwSigners uint8                 `json:"num_rw_signers"`
	NumRoSigners uint8                 `json:"num_ro_signers"`
	NumRw        uint8                 `json:"num_rw"`
	Accounts     []common.Address      `json:"accounts"`
	Instructions []CompiledInstruction `json:"instructions"`
	// SignerSeeds 中的每组种子（含 bump）在执行时由调度程序签名。
	SignerSeeds [][][]byte `json:"signer_seeds,omitempty"`
}

type accountFlags struct {
	signer   bool
	writable bool
	order    int
}

// Compile 把指令压缩为 CompiledTransaction。
func Compile(instructions []runtime.Instruction, signerSeeds [][][]byte) (*CompiledTransaction, error) {
	if len(instructions) == 0 {
		return nil, xerrors.New(CodeInvalidTransaction, "至少需要一条指令")
	}

	flags := make(map[common.Address]*accountFlags)
	var order []common.Address
	touch := func(addr common.Address, signer, writable bool) {
		f, ok := flags[addr]
		if !ok {
			f = &accountFlags{order: len(order)}
			flags[addr] = f
			order = append(order, addr)
		}
		f.signer = f.signer || signer
		f.writable = f.writable || writable
	}

	dataSize := 0
	for i, ix := range instructions {
		if ix.ProgramID == (common.Address{}) {
			return nil, xerrors.New(CodeInvalidTransaction, fmt.Sprintf("第 %d 条指令缺少程序 ID", i))
		}
		dataSize += len(ix.Data)
		for _, meta := range ix.Accounts {
			touch(meta.Pubkey, meta.IsSigner, meta.IsWritable)
		}
		touch(ix.ProgramID, false, false)
	}
	if dataSize > MaxCompiledDataSize {
		return nil, xerrors.New(CodeInvalidTransaction, fmt.Sprintf("指令数据共 %d 字节，超过上限 %d", dataSize, MaxCompiledDataSize))
	}
	if len(order) > MaxCompiledAccounts {
		return nil, xerrors.New(CodeInvalidTransaction, fmt.Sprintf("账户数量 %d 超过上限 %d", len(order), MaxCompiledAccounts))
	}

	var rwSigners, roSigners, rw, ro []common.Address
	for _, addr := range order {
		f := flags[addr]
		switch {
		case f.signer && f.writable:
			rwSigners = append(rwSigners, addr)
		case f.signer:
			roSigners = append(roSigners, addr)
		case f.writable:
			rw = append(rw, addr)
		default:
			ro = append(ro, addr)
		}
	}
	accounts := make([]common.Address, 0, len(order))
	accounts = append(accounts, rwSigners...)
	accounts = append(accounts, roSigners...)
	accounts = append(accounts, rw...)
	accounts = append(accounts, ro...)

	index := make(map[common.Address]uint8, len(accounts))
	for i, addr := range accounts {
		index[addr] = uint8(i)
	}

	compiled := &CompiledTransaction{
		NumRwSigners: uint8(len(rwSigners)),
		NumRoSigners: uint8(len(roSigners)),
		NumRw:        uint8(len(rw)),
		Accounts:     accounts,
		Instructions: make([]CompiledInstruction, 0, len(instructions)),
		SignerSeeds:  signerSeeds,
	}
	for _, ix := range instructions {
		refs := make([]uint8, 0, len(ix.Accounts))
		for _, meta := range ix.Accounts {
			refs = append(refs, index[meta.Pubkey])
		}
		compiled.Instructions = append(compiled.Instructions, CompiledInstruction{
			ProgramIDIndex: index[ix.ProgramID],
			Accounts:       refs,
			Data:           append([]byte(nil), ix.Data...),
		})
	}
	return compiled, nil
}

// IsSigner 报告账户表第 i 项是否为签名者。
func (c *CompiledTransaction) IsSigner(i int) bool {
	return i < int(c.NumRwSigners)+int(c.NumRoSigners)
}

// IsWritable 报告账户表第 i 项是否可写。
func (c *CompiledTransaction) IsWritable(i int) bool {
	if i < int(c.NumRwSigners) {
		return true
	}
	signers := int(c.NumRwSigners) + int(c.NumRoSigners)
	return i >= signers && i < signers+int(c.NumRw)
}

// Decompile 还原指令。账户权限取自账户表，即同一账户在所有指令中权限的并集。
func (c *CompiledTransaction) Decompile() ([]runtime.Instruction, error) {
	if c == nil || len(c.Instructions) == 0 {
		return nil, xerrors.New(CodeInvalidTransaction, "交易不包含指令")
	}
	if int(c.NumRwSigners)+int(c.NumRoSigners)+int(c.NumRw) > len(c.Accounts) {
		return nil, xerrors.New(CodeInvalidTransaction, "账户表分段超出账户数量")
	}
	resolve := func(i uint8) (runtime.AccountMeta, error) {
		if int(i) >= len(c.Accounts) {
			return runtime.AccountMeta{}, xerrors.New(CodeInvalidTransaction, fmt.Sprintf("账户索引 %d 越界", i))
		}
		return runtime.AccountMeta{
			Pubkey:     c.Accounts[i],
			IsSigner:   c.IsSigner(int(i)),
			IsWritable: c.IsWritable(int(i)),
		}, nil
	}

	out := make([]runtime.Instruction, 0, len(c.Instructions))
	for _, ci := range c.Instructions {
		program, err := resolve(ci.ProgramIDIndex)
		if err != nil {
			return nil, err
		}
		metas := make([]runtime.AccountMeta, 0, len(ci.Accounts))
		for _, ref := range ci.Accounts {
			meta, err := resolve(ref)
			if err != nil {
				return nil, err
			}
			metas = append(metas, meta)
		}
		out = append(out, runtime.Instruction{
			ProgramID: program.Pubkey,
			Accounts:  metas,
			Data:      append([]byte(nil), ci.Data...),
		})
	}
	return out, nil
}
