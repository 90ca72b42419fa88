package main

import (
	"encoding/json"

	"github.com/spf13/cobra"

	"ChainChat/internal/tool/catalog"
)

func newToolsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "tools",
		Short: "以 JSON 输出模型可调用的工具目录",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			reg, err := catalog.NewRegistry(catalog.Deps{})
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(reg.Declarations())
		},
	}
}
