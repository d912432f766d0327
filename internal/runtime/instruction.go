package runtime

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	xerrors "Oracle-Relay/internal/errors"
)

// SelectorSize 是指令数据前缀的字节数。
const SelectorSize = 8

// Selector 标识程序内的一个入口。
type Selector [SelectorSize]byte

// SelectorFor 计算 keccak256("global:<name>") 的前 8 字节。
func SelectorFor(name string) Selector {
	var s Selector
	copy(s[:], crypto.Keccak256([]byte("global:"+name)))
	return s
}

// String 返回十六进制表示。
func (s Selector) String() string { return hex.EncodeToString(s[:]) }

// MarshalText 以十六进制编码选择器。
func (s Selector) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText 解析十六进制选择器。
func (s *Selector) UnmarshalText(text []byte) error {
	raw, err := hex.DecodeString(string(text))
	if err != nil || len(raw) != SelectorSize {
		return xerrors.New(CodeInvalidInstructionData, fmt.Sprintf("非法的选择器 %q", string(text)))
	}
	copy(s[:], raw)
	return nil
}

// AccountMeta 声明指令访问的账户及其权限。
type AccountMeta struct {
	Pubkey     common.Address `json:"pubkey"`
	IsSigner   bool           `json:"is_signer"`
	IsWritable bool           `json:"is_writable"`
}

// Writable 返回可写、非签名的账户声明。
func Writable(addr common.Address) AccountMeta {
	return AccountMeta{Pubkey: addr, IsWritable: true}
}

// ReadOnly 返回只读账户声明。
func ReadOnly(addr common.Address) AccountMeta {
	return AccountMeta{Pubkey: addr}
}

// WritableSigner 返回可写且必须签名的账户声明。
func WritableSigner(addr common.Address) AccountMeta {
	return AccountMeta{Pubkey: addr, IsSigner: true, IsWritable: true}
}

// ReadOnlySigner 返回只读但必须签名的账户声明。
func ReadOnlySigner(addr common.Address) AccountMeta {
	return AccountMeta{Pubkey: addr, IsSigner: true}
}

// Instruction 是一次程序调用：目标程序、账户列表与指令数据。
type Instruction struct {
	ProgramID common.Address `json:"program_id"`
	Accounts  []AccountMeta  `json:"accounts"`
	Data      []byte         `json:"data"`
}

// EncodeData 生成 selector 加 JSON 参数的指令数据，args 为 nil 时只包含 selector。
func EncodeData(name string, args any) ([]byte, error) {
	selector := SelectorFor(name)
	data := append([]byte(nil), selector[:]...)
	if args == nil {
		return data, nil
	}
	payload, err := json.Marshal(args)
	if err != nil {
		return nil, xerrors.Wrap(CodeInvalidInstructionData, err, fmt.Sprintf("编码指令 %s 参数失败", name))
	}
	return append(data, payload...), nil
}

// NewInstruction 构造指令。
func NewInstruction(program common.Address, name string, args any, accounts ...AccountMeta) (Instruction, error) {
	data, err := EncodeData(name, args)
	if err != nil {
		return Instruction{}, err
	}
	return Instruction{ProgramID: program, Accounts: accounts, Data: data}, nil
}

// SplitData 将指令数据拆分为 selector 与参数部分。
func SplitData(data []byte) (Selector, []byte, error) {
	var s Selector
	if len(data) < SelectorSize {
		return s, nil, xerrors.New(CodeInvalidInstructionData, "指令数据缺少 selector")
	}
	copy(s[:], data[:SelectorSize])
	return s, data[SelectorSize:], nil
}
