// Package catalog 汇集助手可以调用的全部工具。
package catalog

import (
	"context"
	"fmt"
	"time"

	xerrors "ChainChat/internal/errors"
	"ChainChat/internal/rates"
	"ChainChat/internal/swap"
	"ChainChat/internal/tool"
	"ChainChat/internal/web3/provider"
)

// 工具名称。
const (
	GetBalance         = "getBalance"
	Convert            = "convert"
	Transfer           = "transfer"
	Swap               = "swap"
	AskForConfirmation = "askForConfirmation"
)

// Networks 解析工具参数中的链名称，空串表示默认链。
type Networks interface {
	Network(name string) (provider.Network, error)
}

// Deps 是工具执行所需的外部依赖。
type Deps struct {
	Networks       Networks
	Rates          rates.Provider
	ReceiptTimeout time.Duration
	SwapOptions    []swap.Option
}

func (d Deps) network(name string) (provider.Network, error) {
	if d.Networks == nil {
		return provider.Network{}, xerrors.New(xerrors.CodeInitializationFailure, "未配置链与钱包")
	}
	n, err := d.Networks.Network(name)
	if err != nil {
		return provider.Network{}, xerrors.Wrap(xerrors.CodeExecutionFailure, err, "无法解析目标链")
	}
	return n, nil
}

func (d Deps) receiptContext(ctx context.Context) (context.Context, context.CancelFunc) {
	timeout := d.ReceiptTimeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return context.WithTimeout(ctx, timeout)
}

// Definitions 返回完整的工具列表。
func Definitions(deps Deps) []tool.Definition {
	if deps.Rates == nil {
		deps.Rates = rates.NewStatic(nil, rates.DefaultFallbackRate)
	}
	return []tool.Definition{
		balanceTool(deps),
		convertTool(deps),
		transferTool(deps),
		swapTool(deps),
		confirmationTool(),
	}
}

// Register 将全部工具注册到 reg 并冻结注册表。
func Register(reg *tool.Registry, deps Deps) error {
	for _, def := range Definitions(deps) {
		if err := reg.Register(def); err != nil {
			return fmt.Errorf("注册工具 %s 失败: %w", def.Name, err)
		}
	}
	reg.Freeze()
	return nil
}

// NewRegistry 构造已注册全部工具并冻结的注册表。
func NewRegistry(deps Deps) (*tool.Registry, error) {
	reg := tool.NewRegistry()
	if err := Register(reg, deps); err != nil {
		return nil, err
	}
	return reg, nil
}
