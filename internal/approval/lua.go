package approval

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"
)

// LuaGate runs a policy script defining a global approve(reason) function
// that returns a boolean, or a table { approved = bool, note = string }.
// Script errors deny.
type LuaGate struct {
	path   string
	logger *zap.Logger
}

func NewLuaGate(scriptPath string, logger *zap.Logger) (*LuaGate, error) {
	absPath, err := filepath.Abs(scriptPath)
	if err != nil {
		return nil, fmt.Errorf("script path: %w", err)
	}
	if _, err := os.Stat(absPath); err != nil {
		return nil, fmt.Errorf("approval script: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LuaGate{path: absPath, logger: logger}, nil
}

func (g *LuaGate) Approve(reason string) bool {
	approved, note, err := g.Evaluate(reason)
	if err != nil {
		g.logger.Warn("approval script failed", zap.String("script", g.path), zap.Error(err))
		return false
	}
	g.logger.Info("approval script decision",
		zap.Bool("approved", approved),
		zap.String("note", note))
	return approved
}

// Evaluate runs the script in a fresh interpreter.
func (g *LuaGate) Evaluate(reason string) (bool, string, error) {
	lState := lua.NewState()
	defer lState.Close()

	lState.PreloadModule("os", osModuleLoader)

	if err := lState.DoFile(g.path); err != nil {
		return false, "", fmt.Errorf("load script: %w", err)
	}

	fn := lState.GetGlobal("approve")
	if fn.Type() == lua.LTNil {
		return false, "", fmt.Errorf("script must define global function approve(reason)")
	}
	if fn.Type() != lua.LTFunction {
		return false, "", fmt.Errorf("approve must be a function, got %s", fn.Type().String())
	}

	lState.Push(fn)
	lState.Push(lua.LString(reason))
	if err := lState.PCall(1, 1, nil); err != nil {
		return false, "", fmt.Errorf("approve(): %w", err)
	}

	ret := lState.Get(-1)
	lState.Pop(1)

	switch ret.Type() {
	case lua.LTBool:
		return ret == lua.LTrue, "", nil
	case lua.LTTable:
		tbl := ret.(*lua.LTable)
		var approved bool
		var note string
		tbl.ForEach(func(k, v lua.LValue) {
			if k.String() == "approved" && v.Type() == lua.LTBool {
				approved = v == lua.LTrue
			}
			if k.String() == "note" && v.Type() == lua.LTString {
				note = v.String()
			}
		})
		return approved, note, nil
	default:
		return false, "", fmt.Errorf("approve() must return boolean or table { approved, note }, got %s", ret.Type().String())
	}
}

// osModuleLoader exposes os.getenv and os.time to scripts.
func osModuleLoader(lState *lua.LState) int {
	mod := lState.NewTable()
	lState.SetField(mod, "getenv", lState.NewFunction(func(ls *lua.LState) int {
		ls.Push(lua.LString(os.Getenv(ls.CheckString(1))))
		return 1
	}))
	lState.SetField(mod, "time", lState.NewFunction(func(ls *lua.LState) int {
		ls.Push(lua.LNumber(time.Now().Unix()))
		return 1
	}))
	lState.Push(mod)
	return 1
}
