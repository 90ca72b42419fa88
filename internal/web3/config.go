package web3

import (
	"fmt"
	"math/big"
	"os"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

// ChainDefinitions models the structure of configs/chain.yaml.
type ChainDefinitions struct {
	Default string                     `yaml:"default"`
	Chains  map[string]ChainDefinition `yaml:"chains"`
}

// ChainDefinition describes a single EVM network and the tokens the assistant
// may move on it.
type ChainDefinition struct {
	Type           string                     `yaml:"type"`
	RPCURL         string                     `yaml:"rpc_url"`
	ChainID        int64                      `yaml:"chain_id"`
	NativeSymbol   string                     `yaml:"native_symbol"`
	NativeDecimals int                        `yaml:"native_decimals"`
	ExplorerURL    string                     `yaml:"explorer_url"`
	Router         string                     `yaml:"router"`
	BaseTokens     []string                   `yaml:"base_tokens"`
	Tokens         map[string]TokenDefinition `yaml:"tokens"`
	Description    string                     `yaml:"description"`
}

// TokenDefinition describes an ERC-20 token by symbol.
type TokenDefinition struct {
	Address  string `yaml:"address"`
	Decimals int    `yaml:"decimals"`
}

// Token is a resolved ERC-20 token.
type Token struct {
	Symbol   string
	Address  common.Address
	Decimals int
}

// LoadChainDefinitions parses the YAML file containing chain metadata.
func LoadChainDefinitions(path string) (ChainDefinitions, error) {
	if strings.TrimSpace(path) == "" {
		return ChainDefinitions{Chains: map[string]ChainDefinition{}}, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return ChainDefinitions{}, fmt.Errorf("读取链配置失败: %w", err)
	}
	return ParseChainDefinitions(content)
}

// ParseChainDefinitions decodes chain metadata and fills defaults.
func ParseChainDefinitions(content []byte) (ChainDefinitions, error) {
	var defs ChainDefinitions
	if err := yaml.Unmarshal(content, &defs); err != nil {
		return ChainDefinitions{}, fmt.Errorf("解析链配置失败: %w", err)
	}
	if defs.Chains == nil {
		defs.Chains = map[string]ChainDefinition{}
	}
	for name, chain := range defs.Chains {
		if chain.NativeDecimals == 0 {
			chain.NativeDecimals = 18
		}
		if chain.NativeSymbol == "" {
			chain.NativeSymbol = "ETH"
		}
		normalized := make(map[string]TokenDefinition, len(chain.Tokens))
		for symbol, token := range chain.Tokens {
			if !common.IsHexAddress(token.Address) {
				return ChainDefinitions{}, fmt.Errorf("链 %s 的代币 %s 地址无效: %q", name, symbol, token.Address)
			}
			if token.Decimals == 0 {
				token.Decimals = 18
			}
			normalized[strings.ToUpper(symbol)] = token
		}
		chain.Tokens = normalized
		if chain.Router != "" && !common.IsHexAddress(chain.Router) {
			return ChainDefinitions{}, fmt.Errorf("链 %s 的路由合约地址无效: %q", name, chain.Router)
		}
		defs.Chains[name] = chain
	}
	return defs, nil
}

// Names returns the configured chain names sorted alphabetically.
func (d ChainDefinitions) Names() []string {
	names := make([]string, 0, len(d.Chains))
	for name := range d.Chains {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Token resolves a token by symbol (case-insensitive).
func (c ChainDefinition) Token(symbol string) (Token, bool) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	def, ok := c.Tokens[symbol]
	if !ok {
		return Token{}, false
	}
	return Token{Symbol: symbol, Address: common.HexToAddress(def.Address), Decimals: def.Decimals}, true
}

// ChainIDBig returns the configured chain id.
func (c ChainDefinition) ChainIDBig() *big.Int {
	return big.NewInt(c.ChainID)
}

// TxLink builds the block explorer link for a transaction hash.
func (c ChainDefinition) TxLink(hash common.Hash) string {
	if c.ExplorerURL == "" {
		return ""
	}
	return strings.TrimRight(c.ExplorerURL, "/") + "/tx/" + hash.Hex()
}

// SameSymbol compares token symbols case-insensitively.
func SameSymbol(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}
