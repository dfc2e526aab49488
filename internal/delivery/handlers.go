package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// MethodFunc handles one invocation. The returned value becomes the reply
// message: strings are sent as-is, anything else is JSON encoded.
type MethodFunc func(ctx context.Context, params map[string]any) (any, error)

// ParseTarget splits "<class>@<method>". A target without a method gets
// DefaultMethod.
func ParseTarget(target string) (class, method string) {
	target = strings.TrimSpace(target)
	class, method, found := strings.Cut(target, "@")
	if !found || method == "" {
		method = DefaultMethod
	}
	return strings.TrimSpace(class), strings.TrimSpace(method)
}

// Registry resolves class and method names to handlers.
type Registry struct {
	mu      sync.RWMutex
	classes map[string]map[string]MethodFunc
}

func NewRegistry() *Registry {
	return &Registry{classes: make(map[string]map[string]MethodFunc)}
}

func (r *Registry) Register(class, method string, fn MethodFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()

	methods, ok := r.classes[class]
	if !ok {
		methods = make(map[string]MethodFunc)
		r.classes[class] = methods
	}
	methods[method] = fn
}

func (r *Registry) RegisterClass(class string, methods map[string]MethodFunc) {
	for name, fn := range methods {
		r.Register(class, name, fn)
	}
}

func (r *Registry) lookup(class, method string) (MethodFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	methods, ok := r.classes[class]
	if !ok {
		return nil, false
	}
	fn, ok := methods[method]
	return fn, ok
}

// Targets lists every registered "class@method".
func (r *Registry) Targets() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var targets []string
	for class, methods := range r.classes {
		for method := range methods {
			targets = append(targets, class+"@"+method)
		}
	}
	sort.Strings(targets)
	return targets
}

// Invoke runs the handler for req and never panics.
func (r *Registry) Invoke(ctx context.Context, req *Request) (resp Response) {
	resp.ID = req.ID

	fn, ok := r.lookup(req.Class, req.Method)
	if !ok {
		resp.Code = CodeFailure
		resp.Msg = MsgNotFound
		return resp
	}

	defer func() {
		if p := recover(); p != nil {
			resp.Code = CodeFailure
			resp.Msg = fmt.Sprintf("panic: %v", p)
		}
	}()

	params := req.Parameter
	if params == nil {
		params = map[string]any{}
	}

	result, err := fn(ctx, params)
	if err != nil {
		resp.Code = CodeFailure
		resp.Msg = err.Error()
		return resp
	}

	resp.Code = CodeSuccess
	resp.Msg = stringify(result)
	return resp
}

func stringify(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case []byte:
		return string(val)
	case fmt.Stringer:
		return val.String()
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(data)
}
