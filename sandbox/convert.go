package sandbox

import (
	"fmt"
	"math"

	lua "github.com/yuin/gopher-lua"

	"github.com/ehrlich-b/go-hive/internal/seri"
)

// lPack serializes its arguments with the canonical in-process codec and
// returns the buffer as a string.
func (s *Sandbox) lPack(L *lua.LState) int {
	top := L.GetTop()
	values := make([]any, 0, top)
	for i := 1; i <= top; i++ {
		v, err := luaToGo(L.Get(i), 0)
		if err != nil {
			L.RaiseError("pack: %v", err)
			return 0
		}
		values = append(values, v)
	}
	buf, err := seri.Pack(values...)
	if err != nil {
		L.RaiseError("pack: %v", err)
		return 0
	}
	L.Push(lua.LString(buf))
	return 1
}

// lUnpack decodes a packed buffer back into Lua values.
func (s *Sandbox) lUnpack(L *lua.LState) int {
	buf := []byte(L.CheckString(1))
	values, err := seri.Unpack(buf)
	if err != nil {
		L.RaiseError("unpack: %v", err)
		return 0
	}
	for _, v := range values {
		L.Push(goToLua(L, v))
	}
	return len(values)
}

const maxConvertDepth = 32

// luaToGo maps a Lua value into the codec's value domain.
func luaToGo(v lua.LValue, depth int) (any, error) {
	if depth > maxConvertDepth {
		return nil, fmt.Errorf("table nesting exceeds %d", maxConvertDepth)
	}
	switch x := v.(type) {
	case *lua.LNilType:
		return nil, nil
	case lua.LBool:
		return bool(x), nil
	case lua.LNumber:
		f := float64(x)
		if f == math.Trunc(f) && f >= math.MinInt64 && f <= math.MaxInt64 {
			return int64(f), nil
		}
		return f, nil
	case lua.LString:
		return string(x), nil
	case *lua.LTable:
		return tableToGo(x, depth)
	default:
		return nil, fmt.Errorf("unsupported lua type %s", v.Type())
	}
}

func tableToGo(t *lua.LTable, depth int) (any, error) {
	out := &seri.Table{}
	alen := t.Len()
	for i := 1; i <= alen; i++ {
		v, err := luaToGo(t.RawGetInt(i), depth+1)
		if err != nil {
			return nil, err
		}
		out.Array = append(out.Array, v)
	}
	var ferr error
	t.ForEach(func(k, v lua.LValue) {
		if ferr != nil {
			return
		}
		// skip the dense array part already encoded above
		if kn, ok := k.(lua.LNumber); ok {
			f := float64(kn)
			if f == math.Trunc(f) && f >= 1 && f <= float64(alen) {
				return
			}
		}
		gk, err := luaToGo(k, depth+1)
		if err != nil {
			ferr = err
			return
		}
		gv, err := luaToGo(v, depth+1)
		if err != nil {
			ferr = err
			return
		}
		if out.Hash == nil {
			out.Hash = make(map[any]any)
		}
		out.Hash[gk] = gv
	})
	if ferr != nil {
		return nil, ferr
	}
	return out, nil
}

// goToLua maps a decoded codec value back into the interpreter.
func goToLua(L *lua.LState, v any) lua.LValue {
	switch x := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(x)
	case int64:
		return lua.LNumber(x)
	case float64:
		return lua.LNumber(x)
	case string:
		return lua.LString(x)
	case *seri.Table:
		t := L.NewTable()
		for i, item := range x.Array {
			t.RawSetInt(i+1, goToLua(L, item))
		}
		for k, val := range x.Hash {
			t.RawSet(goToLua(L, k), goToLua(L, val))
		}
		return t
	default:
		return lua.LNil
	}
}
