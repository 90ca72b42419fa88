package tool

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	xerrors "ChainChat/internal/errors"
)

// ErrToolNotFound 表示模型请求了未注册的工具。
var ErrToolNotFound = xerrors.New(xerrors.CodeToolNotFound, "tool not registered")

// Registry 保存工具定义。启动阶段注册，Freeze 之后只读。
type Registry struct {
	mu     sync.RWMutex
	defs   map[string]*Definition
	frozen bool
}

// NewRegistry 创建空注册表。
func NewRegistry() *Registry {
	return &Registry{defs: make(map[string]*Definition)}
}

// Register 编译 schema 并登记工具。
func (r *Registry) Register(def Definition) error {
	name := strings.TrimSpace(def.Name)
	if name == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "工具名称不能为空")
	}
	switch def.Risk {
	case RiskAuto, RiskConfirm:
	case "":
		def.Risk = RiskAuto
	default:
		return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("工具 %s 的风险等级 %q 无效", name, def.Risk))
	}
	if def.Handler == nil && def.Risk == RiskAuto {
		return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("自动执行的工具 %s 必须提供 Handler", name))
	}

	compiled, err := compile(name, def.Schema)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, fmt.Sprintf("编译工具 %s 的 schema 失败", name))
	}
	def.Name = name
	def.compiled = compiled

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return xerrors.New(xerrors.CodeRegistryFrozen, "")
	}
	if _, exists := r.defs[name]; exists {
		return xerrors.New(xerrors.CodeConflict, fmt.Sprintf("工具 %s 已注册", name))
	}
	r.defs[name] = &def
	return nil
}

// MustRegister 注册失败时 panic，用于启动期的静态目录。
func (r *Registry) MustRegister(defs ...Definition) {
	for _, def := range defs {
		if err := r.Register(def); err != nil {
			panic(err)
		}
	}
}

// Freeze 冻结注册表。
func (r *Registry) Freeze() {
	r.mu.Lock()
	r.frozen = true
	r.mu.Unlock()
}

// Resolve 按名称查找工具定义。
func (r *Registry) Resolve(name string) (*Definition, error) {
	r.mu.RLock()
	def, ok := r.defs[name]
	r.mu.RUnlock()
	if !ok {
		return nil, xerrors.New(xerrors.CodeToolNotFound, fmt.Sprintf("tool %q is not registered", name))
	}
	return def, nil
}

// Names 返回按字母排序的工具名称。
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.defs))
	for name := range r.defs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Declarations 返回发送给模型的工具声明，顺序稳定。
func (r *Registry) Declarations() []Declaration {
	names := r.Names()
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Declaration, 0, len(names))
	for _, name := range names {
		out = append(out, r.defs[name].Declaration())
	}
	return out
}
