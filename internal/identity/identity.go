package identity

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	xerrors "Oracle-Relay/internal/errors"
)

const (
	// MaxSeeds 限制单个派生身份可使用的种子数量（包含 bump）。
	MaxSeeds = 16
	// MaxSeedLength 限制单个种子的字节长度。
	MaxSeedLength = 32
)

// derivationMarker 混入哈希输入，使派生身份与普通密钥地址处于不同的命名空间。
var derivationMarker = []byte("ProgramDerivedAddress")

const (
	CodeInvalidSeeds xerrors.Code = "INVALID_SEEDS"
	CodeNoViableBump xerrors.Code = "NO_VIABLE_BUMP"
)

func init() {
	xerrors.Register(CodeInvalidSeeds, xerrors.Attributes{
		Message:    "invalid derivation seeds",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: 400,
	})
	xerrors.Register(CodeNoViableBump, xerrors.Attributes{
		Message:    "unable to find a viable bump seed",
		Severity:   xerrors.SeverityCritical,
		HTTPStatus: 500,
	})
}

// Derived 描述一个派生身份及其 canonical bump。
type Derived struct {
	Address common.Address
	Bump    uint8
}

// Seeds 返回包含 bump 的完整种子列表，可直接用于签名。
func (d Derived) Seeds(seeds ...[]byte) [][]byte {
	out := make([][]byte, 0, len(seeds)+1)
	out = append(out, seeds...)
	return append(out, []byte{d.Bump})
}

// CreateProgramAddress 根据完整种子（含 bump）与程序 ID 计算派生身份。
// 该函数是纯函数：不持有也不生成任何私钥材料。
func CreateProgramAddress(seeds [][]byte, program common.Address) (common.Address, error) {
	if len(seeds) > MaxSeeds {
		return common.Address{}, xerrors.New(CodeInvalidSeeds, fmt.Sprintf("种子数量 %d 超过上限 %d", len(seeds), MaxSeeds))
	}
	var buf bytes.Buffer
	for i, seed := range seeds {
		if len(seed) > MaxSeedLength {
			return common.Address{}, xerrors.New(CodeInvalidSeeds, fmt.Sprintf("第 %d 个种子长度 %d 超过上限 %d", i, len(seed), MaxSeedLength))
		}
		buf.Write(seed)
	}
	buf.Write(program.Bytes())
	buf.Write(derivationMarker)

	addr := common.BytesToAddress(crypto.Keccak256(buf.Bytes()))
	if addr == (common.Address{}) {
		return common.Address{}, xerrors.New(CodeInvalidSeeds, "派生结果落在保留地址上")
	}
	return addr, nil
}

// FindProgramAddress 从 255 开始向下搜索第一个可用的 bump。
func FindProgramAddress(seeds [][]byte, program common.Address) (Derived, error) {
	if len(seeds)+1 > MaxSeeds {
		return Derived{}, xerrors.New(CodeInvalidSeeds, fmt.Sprintf("种子数量 %d 超过上限 %d", len(seeds)+1, MaxSeeds))
	}
	for i, seed := range seeds {
		if len(seed) > MaxSeedLength {
			return Derived{}, xerrors.New(CodeInvalidSeeds, fmt.Sprintf("第 %d 个种子长度 %d 超过上限 %d", i, len(seed), MaxSeedLength))
		}
	}
	candidate := make([][]byte, len(seeds)+1)
	copy(candidate, seeds)
	for bump := 255; bump >= 0; bump-- {
		candidate[len(seeds)] = []byte{byte(bump)}
		if addr, err := CreateProgramAddress(candidate, program); err == nil {
			return Derived{Address: addr, Bump: uint8(bump)}, nil
		}
	}
	return Derived{}, xerrors.New(CodeNoViableBump, "")
}

// MustFind 与 FindProgramAddress 相同，但在失败时 panic，仅用于常量种子。
func MustFind(program common.Address, seeds ...[]byte) Derived {
	derived, err := FindProgramAddress(seeds, program)
	if err != nil {
		panic(err)
	}
	return derived
}

// Verify 检查地址是否由给定种子与 bump 派生而来。
func Verify(addr common.Address, program common.Address, bump uint8, seeds ...[]byte) bool {
	full := append(append([][]byte{}, seeds...), []byte{bump})
	derived, err := CreateProgramAddress(full, program)
	if err != nil {
		return false
	}
	return derived == addr
}

// U32Seed 将计数器编码为小端 4 字节种子。
func U32Seed(v uint32) []byte {
	out := make([]byte, 4)
	binary.LittleEndian.PutUint32(out, v)
	return out
}

// U16Seed 将计数器编码为小端 2 字节种子。
func U16Seed(v uint16) []byte {
	out := make([]byte, 2)
	binary.LittleEndian.PutUint16(out, v)
	return out
}
