package provider

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"ChainChat/internal/config"
	"ChainChat/internal/web3"
	"ChainChat/internal/web3/ethereum"
)

// Network binds a chain definition to the wallet that acts on it.
type Network struct {
	Name       string
	Definition web3.ChainDefinition
	Wallet     web3.Wallet
}

// Registry manages the wallets of every configured chain keyed by name.
type Registry struct {
	defaultChain string
	networks     map[string]Network
	closers      []func()
}

// NewRegistry loads chain definitions and dials a wallet for each of them.
// onSend, when set, is called with the chain name after every broadcast.
func NewRegistry(ctx context.Context, cfg config.Web3Config, onSend func(chain string), opts ...ethereum.Option) (*Registry, error) {
	defs, err := web3.LoadChainDefinitions(cfg.ChainConfig)
	if err != nil {
		return nil, err
	}
	if len(defs.Chains) == 0 && strings.TrimSpace(cfg.RPCURL) != "" {
		defs.Chains = map[string]web3.ChainDefinition{
			"default": {Type: "evm", RPCURL: cfg.RPCURL, NativeSymbol: "ETH", NativeDecimals: 18},
		}
		if defs.Default == "" {
			defs.Default = "default"
		}
	}
	if len(defs.Chains) == 0 {
		return nil, errors.New("未配置任何链的 RPC 端点")
	}

	signer, err := loadSigner(cfg)
	if err != nil {
		return nil, err
	}

	networks := make([]Network, 0, len(defs.Chains))
	var closers []func()
	fail := func(err error) (*Registry, error) {
		for _, c := range closers {
			c()
		}
		return nil, err
	}
	for _, name := range defs.Names() {
		chain := defs.Chains[name]
		chainType := strings.ToLower(strings.TrimSpace(chain.Type))
		if chainType == "" {
			chainType = "evm"
		}
		if chainType != "evm" {
			return fail(fmt.Errorf("链 %s 使用了不支持的类型 %s", name, chain.Type))
		}

		walletOpts := append([]ethereum.Option(nil), opts...)
		if limit := strings.TrimSpace(cfg.MaxNativeValue); limit != "" {
			max, err := web3.ParseUnits(limit, chain.NativeDecimals)
			if err != nil {
				return fail(fmt.Errorf("解析链 %s 的单笔限额失败: %w", name, err))
			}
			walletOpts = append(walletOpts, ethereum.WithApprover(web3.LimitApprover{Max: max}))
		}

		if onSend != nil {
			chainName := name
			walletOpts = append(walletOpts, ethereum.WithSendHook(func() { onSend(chainName) }))
		}

		wallet, err := ethereum.Dial(ctx, chain.RPCURL, signer, walletOpts...)
		if err != nil {
			return fail(fmt.Errorf("初始化链 %s 失败: %w", name, err))
		}
		closers = append(closers, wallet.Close)
		networks = append(networks, Network{Name: name, Definition: chain, Wallet: wallet})
	}

	defaultChain := cfg.DefaultChain
	if defaultChain == "" {
		defaultChain = defs.Default
	}
	registry, err := NewStaticRegistry(defaultChain, networks...)
	if err != nil {
		return fail(err)
	}
	registry.closers = closers
	return registry, nil
}

// NewStaticRegistry builds a registry from already constructed networks.
func NewStaticRegistry(defaultChain string, networks ...Network) (*Registry, error) {
	if len(networks) == 0 {
		return nil, errors.New("未配置任何链")
	}
	byName := make(map[string]Network, len(networks))
	for _, n := range networks {
		if n.Wallet == nil {
			return nil, fmt.Errorf("链 %s 缺少钱包", n.Name)
		}
		byName[n.Name] = n
	}
	r := &Registry{defaultChain: defaultChain, networks: byName}
	if r.defaultChain == "" {
		r.defaultChain = r.Chains()[0]
	}
	if _, ok := byName[r.defaultChain]; !ok {
		return nil, fmt.Errorf("默认链 %s 未在配置中找到", r.defaultChain)
	}
	return r, nil
}

func loadSigner(cfg config.Web3Config) (ethereum.Signer, error) {
	key := strings.TrimSpace(cfg.PrivateKey)
	if key == "" && cfg.PrivateKeyEnv != "" {
		key = strings.TrimSpace(os.Getenv(cfg.PrivateKeyEnv))
	}
	if key == "" {
		return nil, errors.New("未配置钱包私钥")
	}
	return ethereum.ParseKeySigner(key)
}

// Default returns the network configured as default chain.
func (r *Registry) Default() (Network, error) {
	if r == nil {
		return Network{}, errors.New("未初始化的链注册表")
	}
	n, ok := r.networks[r.defaultChain]
	if !ok {
		return Network{}, fmt.Errorf("默认链 %s 未在注册表中", r.defaultChain)
	}
	return n, nil
}

// Network returns the named network, or the default one when name is empty.
func (r *Registry) Network(name string) (Network, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return r.Default()
	}
	if r == nil {
		return Network{}, errors.New("未初始化的链注册表")
	}
	n, ok := r.networks[name]
	if !ok {
		return Network{}, fmt.Errorf("未知的链 %s", name)
	}
	return n, nil
}

// Close releases every wallet connection owned by the registry.
func (r *Registry) Close() {
	if r == nil {
		return
	}
	for _, c := range r.closers {
		c()
	}
	r.closers = nil
}

// Chains returns the sorted list of registered chain names.
func (r *Registry) Chains() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.networks))
	for name := range r.networks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
