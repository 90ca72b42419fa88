package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// main 是 ChainChat 守护进程的入口。
func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "chaind 运行失败: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string
	root := &cobra.Command{
		Use:           "chaind",
		Short:         "ChainChat on-chain assistant daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "配置文件路径，默认读取 $CHAINCHAT_CONFIG 或 configs/chainchat.json")
	root.AddCommand(newServeCommand(&configPath), newToolsCommand())
	return root
}
