package runtime

import (
	"context"
	"fmt"

	xerrors "Oracle-Relay/internal/errors"
)

// HandlerFunc 处理一个具名指令。
type HandlerFunc func(ctx context.Context, call *Call) error

type route struct {
	name    string
	handler HandlerFunc
}

// Router 按 selector 将指令分派到具名处理函数。
type Router struct {
	routes map[Selector]route
}

// NewRouter 创建空路由表。
func NewRouter() *Router {
	return &Router{routes: make(map[Selector]route)}
}

// Handle 注册指令，重复注册会覆盖之前的处理函数。
func (r *Router) Handle(name string, handler HandlerFunc) *Router {
	r.routes[SelectorFor(name)] = route{name: name, handler: handler}
	return r
}

// Process 实现 Program 接口。
func (r *Router) Process(ctx context.Context, call *Call) error {
	selector, _, err := SplitData(call.Data)
	if err != nil {
		return err
	}
	rt, ok := r.routes[selector]
	if !ok {
		return unknownInstruction(selector)
	}
	return rt.handler(ctx, call)
}

// InstructionName 返回 selector 对应的指令名，未知时返回空串。
func (r *Router) InstructionName(data []byte) string {
	selector, _, err := SplitData(data)
	if err != nil {
		return ""
	}
	return r.routes[selector].name
}

func unknownInstruction(s Selector) error {
	return xerrors.New(CodeUnknownInstruction, fmt.Sprintf("未知指令 %s", s))
}
