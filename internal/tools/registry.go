package tools

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	xerrors "ChainPulse/internal/errors"
	"ChainPulse/internal/llm"
)

// Handler 执行一次工具调用。
type Handler func(ctx context.Context, args map[string]any) (any, error)

// Definition 描述一个工具，InputSchema 为 JSON Schema，为空时接受任意对象。
type Definition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

type registered struct {
	def     Definition
	handler Handler
	schema  *jsonschema.Schema
}

// Registry 保存工具名到处理函数的映射，启动时注册、运行时只读。
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*registered
}

// NewRegistry 创建空的工具注册表。
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*registered)}
}

const emptyObjectSchema = `{"type":"object"}`

// Register 编译输入 Schema 并注册工具，重名时返回错误。
func (r *Registry) Register(def Definition, handler Handler) error {
	def.Name = strings.TrimSpace(def.Name)
	if def.Name == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "工具名称不能为空")
	}
	if handler == nil {
		return xerrors.Newf(xerrors.CodeInvalidArgument, "工具 %s 缺少处理函数", def.Name)
	}
	if len(def.InputSchema) == 0 {
		def.InputSchema = json.RawMessage(emptyObjectSchema)
	}
	schema, err := jsonschema.CompileString(def.Name+".schema.json", string(def.InputSchema))
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编译工具输入 Schema 失败")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[def.Name]; exists {
		return xerrors.Newf(xerrors.CodeInvalidArgument, "工具 %s 已注册", def.Name)
	}
	r.tools[def.Name] = &registered{def: def, handler: handler, schema: schema}
	return nil
}

// MustRegister 在注册失败时 panic，用于内置工具。
func (r *Registry) MustRegister(def Definition, handler Handler) {
	if err := r.Register(def, handler); err != nil {
		panic(err)
	}
}

// Lookup 返回工具的处理函数。
func (r *Registry) Lookup(name string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	if !ok {
		return nil, false
	}
	return t.handler, true
}

// Validate 按 Schema 校验参数，未知工具返回 UNKNOWN_TOOL。
func (r *Registry) Validate(name string, args map[string]any) error {
	r.mu.RLock()
	t, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return xerrors.Newf(xerrors.CodeUnknownTool, "unknown tool %q", name)
	}
	if args == nil {
		args = map[string]any{}
	}
	// 经 JSON 往返，使数值类型与 Schema 校验器一致。
	raw, err := json.Marshal(args)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "工具参数无法编码")
	}
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "工具参数无法解码")
	}
	if err := t.schema.Validate(decoded); err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "invalid arguments for "+name)
	}
	return nil
}

// Definitions 返回按名称排序的工具定义。
func (r *Registry) Definitions() []Definition {
	r.mu.RLock()
	defs := make([]Definition, 0, len(r.tools))
	for _, t := range r.tools {
		defs = append(defs, t.def)
	}
	r.mu.RUnlock()
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Names 返回排序后的工具名称。
func (r *Registry) Names() []string {
	defs := r.Definitions()
	names := make([]string, len(defs))
	for i, d := range defs {
		names[i] = d.Name
	}
	return names
}

// Specs 把工具定义转换为模型可见的工具描述。
func (r *Registry) Specs() []llm.ToolSpec {
	defs := r.Definitions()
	specs := make([]llm.ToolSpec, len(defs))
	for i, d := range defs {
		specs[i] = llm.ToolSpec{Name: d.Name, Description: d.Description, InputSchema: d.InputSchema}
	}
	return specs
}
