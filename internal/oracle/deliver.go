package oracle

import (
	"context"
	"encoding/json"

	"github.com/ethereum/go-ethereum/common"

	"Oracle-Relay/internal/ledger"
	"Oracle-Relay/internal/runtime"
)

// Invoker 是执行指令并读取账本的最小能力，由 runtime.Runtime 实现。
type Invoker interface {
	Invoke(ctx context.Context, signers []common.Address, instructions ...runtime.Instruction) error
	Ledger() ledger.Ledger
}

// Pending 返回交互及其上下文的当前内容。
func Pending(ctx context.Context, l ledger.Ledger, program, interactionAddr common.Address) (Interaction, ContextAccount, error) {
	var (
		interaction Interaction
		account     ContextAccount
	)
	err := l.View(ctx, func(tx ledger.Tx) error {
		var err error
		interaction, err = LoadInteraction(ctx, tx, program, interactionAddr)
		if err != nil {
			return err
		}
		account, err = LoadContext(ctx, tx, program, interaction.Context)
		return err
	})
	return interaction, account, err
}

// Deliver 以运营方身份提交计算结果，预言机程序随后在同一事务内回调目标程序。
func Deliver(ctx context.Context, invoker Invoker, program, operator, interactionAddr common.Address, response string) error {
	interaction, _, err := Pending(ctx, invoker.Ledger(), program, interactionAddr)
	if err != nil {
		return err
	}
	ix, err := CallbackInstruction(program, operator, interactionAddr, interaction.Callback, response)
	if err != nil {
		return err
	}
	return invoker.Invoke(ctx, []common.Address{operator}, ix)
}

// Unprocessed 枚举 program 名下尚未回调的交互地址。账本不支持按 owner 枚举时返回 nil。
func Unprocessed(ctx context.Context, l ledger.Ledger, program common.Address) ([]common.Address, error) {
	scanner, ok := l.(ledger.OwnerScanner)
	if !ok {
		return nil, nil
	}
	accounts, err := scanner.AccountsByOwner(ctx, program)
	if err != nil {
		return nil, err
	}
	var out []common.Address
	for _, acc := range accounts {
		var interaction Interaction
		if json.Unmarshal(acc.Data, &interaction) != nil || interaction.ID == "" || interaction.IsProcessed {
			continue
		}
		// 计数器与上下文账户也归预言机所有，按派生地址确认是交互账户。
		if InteractionAddress(program, interaction.Payer, interaction.Context).Address != acc.Address {
			continue
		}
		out = append(out, acc.Address)
	}
	return out, nil
}
