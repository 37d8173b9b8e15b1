package executor

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"time"

	"github.com/dop251/goja"
	"github.com/rotisserie/eris"

	"github.com/sells-group/sheet-assist/internal/workbook"
)

var asyncDeclRe = regexp.MustCompile(`async\s+function\s+([A-Za-z_$][\w$]*)\s*\(`)

// syncWrapper turns a throwing native sync into a promise-returning one.
const syncWrapper = `(function (native) {
	return function sync() {
		try {
			native();
			return Promise.resolve();
		} catch (e) {
			return Promise.reject(e);
		}
	};
})`

const isAsyncCheck = `(function (f) {
	return typeof f === 'function' &&
		(Object.prototype.toString.call(f) === '[object AsyncFunction]' ||
		 (f.constructor !== undefined && f.constructor.name === 'AsyncFunction'));
})`

type compiled struct {
	vm    *goja.Runtime
	entry goja.Callable
}

// compile evaluates the candidate and returns its entry point. The entry is
// the top-level named async function chosen by entryName, or the whole source
// when it is a single async function expression.
func compile(src string, timeout time.Duration) (*compiled, error) {
	src = strings.TrimSpace(src)
	if src == "" {
		return nil, &FormatError{Reason: "empty source"}
	}

	var wrapped string
	if name := entryName(src); name != "" {
		wrapped = "(function () {\n" + src + "\n;return " + name + ";\n})()"
	} else if strings.HasPrefix(src, "async") {
		wrapped = "(" + strings.TrimRight(src, "; \n\t") + ")"
	} else {
		return nil, &FormatError{Reason: "no async function found"}
	}

	prog, err := goja.Compile("candidate.js", wrapped, false)
	if err != nil {
		return nil, &FormatError{Reason: "syntax error", Err: err}
	}

	vm := goja.New()
	vm.GlobalObject().Delete("eval")

	timer := time.AfterFunc(timeout, func() {
		vm.Interrupt("timed out after " + timeout.String())
	})
	defer timer.Stop()

	fnVal, err := runGuarded(vm, func() (goja.Value, error) { return vm.RunProgram(prog) })
	if err != nil {
		return nil, &FormatError{Reason: "evaluating the implementation failed", Err: err}
	}

	check, err := vm.RunString(isAsyncCheck)
	if err != nil {
		return nil, eris.Wrap(err, "executor: build async check")
	}
	checkFn, _ := goja.AssertFunction(check)
	isAsync, err := checkFn(goja.Undefined(), fnVal)
	if err != nil {
		return nil, eris.Wrap(err, "executor: async check")
	}
	if !isAsync.ToBoolean() {
		return nil, &FormatError{Reason: "entry point is not an async function"}
	}

	obj := fnVal.ToObject(vm)
	if n := obj.Get("length").ToInteger(); n != 1 {
		return nil, &FormatError{Reason: "entry point must take exactly one parameter (context)"}
	}

	entry, ok := goja.AssertFunction(fnVal)
	if !ok {
		return nil, &FormatError{Reason: "entry point is not callable"}
	}
	return &compiled{vm: vm, entry: entry}, nil
}

// runScript compiles src before opening a transaction, so a malformed
// candidate never touches the host.
func (e *Executor) runScript(ctx context.Context, src string, host workbook.Host) error {
	c, err := compile(src, e.timeout)
	if err != nil {
		return err
	}

	return host.Run(ctx, func(tx *workbook.Tx) error {
		s := newSession(c.vm, tx)
		ctxObj, err := s.contextObject()
		if err != nil {
			return eris.Wrap(err, "executor: build context")
		}

		c.vm.ClearInterrupt()
		timer := time.AfterFunc(e.timeout, func() {
			c.vm.Interrupt("timed out after " + e.timeout.String())
		})
		defer timer.Stop()
		stop := context.AfterFunc(ctx, func() {
			c.vm.Interrupt(ctx.Err().Error())
		})
		defer stop()

		ret, err := runGuarded(c.vm, func() (goja.Value, error) {
			return c.entry(goja.Undefined(), ctxObj)
		})
		if err != nil {
			return &ExecutionError{Err: err}
		}
		return settle(c.vm, ret)
	})
}

// settle inspects the promise returned by the entry point. Promise jobs run
// before the outermost call returns, so a promise still pending here can
// never resolve.
func settle(vm *goja.Runtime, ret goja.Value) error {
	p, ok := ret.Export().(*goja.Promise)
	if !ok {
		return &ExecutionError{Err: eris.New("implementation did not return a promise")}
	}
	switch p.State() {
	case goja.PromiseStateFulfilled:
		return nil
	case goja.PromiseStateRejected:
		return &ExecutionError{Err: eris.New(rejectionMessage(vm, p.Result()))}
	default:
		return &ExecutionError{Err: eris.New("implementation never settled (awaited a promise that cannot resolve)")}
	}
}

func rejectionMessage(vm *goja.Runtime, reason goja.Value) string {
	if reason == nil || goja.IsUndefined(reason) || goja.IsNull(reason) {
		return "promise rejected without a reason"
	}
	if obj, ok := reason.(*goja.Object); ok {
		if msg := obj.Get("message"); msg != nil && !goja.IsUndefined(msg) {
			return msg.String()
		}
	}
	return reason.String()
}

func runGuarded(vm *goja.Runtime, fn func() (goja.Value, error)) (v goja.Value, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = eris.Errorf("panic: %v", r)
		}
	}()
	v, err = fn()
	if err != nil {
		var ex *goja.Exception
		if errors.As(err, &ex) {
			return nil, eris.New(rejectionMessage(vm, ex.Value()))
		}
		var ie *goja.InterruptedError
		if errors.As(err, &ie) {
			return nil, eris.Errorf("interrupted: %v", ie.Value())
		}
	}
	return v, err
}

// entryName picks the entry point among the async functions declared at the
// top level of src, skipping strings and comments. executeChanges wins, then
// the last single-parameter function, then the last one declared.
func entryName(src string) string {
	depth := 0
	var last, single string
	pick := func() string {
		if single != "" {
			return single
		}
		return last
	}
	for i := 0; i < len(src); i++ {
		switch ch := src[i]; {
		case ch == '/' && i+1 < len(src) && src[i+1] == '/':
			for i < len(src) && src[i] != '\n' {
				i++
			}
		case ch == '/' && i+1 < len(src) && src[i+1] == '*':
			end := strings.Index(src[i+2:], "*/")
			if end < 0 {
				return pick()
			}
			i += end + 3
		case ch == '"' || ch == '\'' || ch == '`':
			i = skipString(src, i)
		case ch == '{':
			depth++
		case ch == '}':
			depth--
		case depth == 0 && ch == 'a' && (i == 0 || !isIdentChar(src[i-1])):
			if m := asyncDeclRe.FindStringSubmatchIndex(src[i:]); m != nil && m[0] == 0 {
				name := src[i+m[2] : i+m[3]]
				if name == "executeChanges" {
					return name
				}
				params, end := paramCount(src, i+m[1]-1)
				if params == 1 {
					single = name
				}
				last = name
				i = end
			}
		}
	}
	return pick()
}

// paramCount counts the parameters of the list opening at src[open] and
// returns the index of its closing paren.
func paramCount(src string, open int) (int, int) {
	depth, commas := 0, 0
	empty := true
	for j := open; j < len(src); j++ {
		switch ch := src[j]; ch {
		case '"', '\'', '`':
			j = skipString(src, j)
			empty = false
		case '(', '[', '{':
			depth++
			if j > open {
				empty = false
			}
		case ')', ']', '}':
			depth--
			if depth == 0 {
				if empty {
					return 0, j
				}
				return commas + 1, j
			}
		case ',':
			if depth == 1 {
				commas++
			}
		case ' ', '\t', '\n', '\r':
		default:
			empty = false
		}
	}
	return commas + 1, len(src)
}

func skipString(src string, i int) int {
	quote := src[i]
	for j := i + 1; j < len(src); j++ {
		switch src[j] {
		case '\\':
			j++
		case quote:
			return j
		}
	}
	return len(src)
}

func isIdentChar(ch byte) bool {
	return ch == '_' || ch == '$' || ch >= '0' && ch <= '9' || ch >= 'a' && ch <= 'z' || ch >= 'A' && ch <= 'Z'
}
