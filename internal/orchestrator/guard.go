package orchestrator

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	DefaultMaxOutputBytes = 16 * 1024
	DefaultCallTimeout    = 30 * time.Second
)

// Outputs end up in journals and the store. Markup that could be replayed as a
// tool call, and credentials, are masked before that happens.
var defaultMaskPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\[tool_call\]`),
	regexp.MustCompile(`<tool_call>`),
	regexp.MustCompile(`<function_call>`),
	regexp.MustCompile(`"tool_calls"\s*:\s*\[`),
	regexp.MustCompile(`(?i)bearer\s+[a-z0-9._\-]{8,}`),
	regexp.MustCompile(`(?i)(password|passwd|api_key|secret)\s*[=:]\s*\S+`),
}

// Guard bounds a single executor call: deadline, output size, masking and
// call-ID checks.
type Guard struct {
	MaxOutputBytes int
	DefaultTimeout time.Duration
	MaskPatterns   []*regexp.Regexp
}

func NewGuard() *Guard {
	return &Guard{
		MaxOutputBytes: DefaultMaxOutputBytes,
		DefaultTimeout: DefaultCallTimeout,
		MaskPatterns:   defaultMaskPatterns,
	}
}

func (g *Guard) Sanitize(result ToolResult) ToolResult {
	result.Content = g.sanitize(result.Content)
	result.Error = g.sanitize(result.Error)
	return result
}

func (g *Guard) sanitize(s string) string {
	if s == "" {
		return s
	}
	if g.MaxOutputBytes > 0 && len(s) > g.MaxOutputBytes {
		cut := g.MaxOutputBytes
		for cut > 0 && !utf8.RuneStart(s[cut]) {
			cut--
		}
		s = s[:cut] + " [truncated]"
	}
	for _, pat := range g.MaskPatterns {
		s = pat.ReplaceAllStringFunc(s, func(match string) string {
			return strings.Repeat("*", len(match))
		})
	}
	return s
}

// ValidateResult rejects results that answer a different call.
func (g *Guard) ValidateResult(call ToolCall, result ToolResult) ToolResult {
	if result.CallID != call.ID {
		return ToolResult{
			CallID: call.ID,
			Error:  fmt.Sprintf("executor returned mismatched call ID %q", result.CallID),
		}
	}
	return result
}

// ExecuteWithTimeout runs exec under timeout, or g.DefaultTimeout when
// timeout is not positive. The executor sees a context that is cancelled on
// expiry; a call that ignores it is abandoned.
func (g *Guard) ExecuteWithTimeout(ctx context.Context, exec Executor, call ToolCall, timeout time.Duration) ToolResult {
	if timeout <= 0 {
		timeout = g.DefaultTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan ToolResult, 1)
	go func() {
		done <- exec.Execute(callCtx, call)
	}()

	select {
	case result := <-done:
		return result
	case <-callCtx.Done():
		return ToolResult{
			CallID: call.ID,
			Error:  fmt.Sprintf("%s timed out after %s", call.Tool, timeout),
		}
	}
}

// Run is ExecuteWithTimeout followed by ValidateResult and Sanitize.
func (g *Guard) Run(ctx context.Context, exec Executor, call ToolCall, timeout time.Duration) ToolResult {
	result := g.ExecuteWithTimeout(ctx, exec, call, timeout)
	result = g.ValidateResult(call, result)
	return g.Sanitize(result)
}
