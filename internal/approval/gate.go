package approval

import (
	"fmt"
	"io"

	"go.uber.org/zap"

	"github.com/opentalon/toolgate/internal/controller"
)

const (
	KindDeny   = "deny"
	KindAlways = "always"
	KindPrompt = "prompt"
	KindLua    = "lua"
)

// FromKind builds the gate named by a config value. "always" is for dry-run
// pipelines; an empty kind denies.
func FromKind(kind, script string, in io.Reader, out io.Writer, logger *zap.Logger) (controller.ApprovalGate, error) {
	switch kind {
	case "", KindDeny:
		return controller.DenyAll{}, nil
	case KindAlways:
		if logger != nil {
			logger.Warn("approval gate approves every LIVE request; use only for dry-run pipelines")
		}
		return controller.AlwaysApprove{}, nil
	case KindPrompt:
		return NewPrompt(in, out, logger), nil
	case KindLua:
		if script == "" {
			return nil, fmt.Errorf("approval: lua gate needs a script path")
		}
		return NewLuaGate(script, logger)
	}
	return nil, fmt.Errorf("approval: unknown gate kind %q", kind)
}
