// Package approval provides production ApprovalGate implementations: an
// operator prompt and a Lua policy script.
package approval

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// Prompt asks an operator on out and reads a y/n answer from in. Anything
// other than an explicit yes is a denial.
type Prompt struct {
	mu     sync.Mutex
	in     *bufio.Reader
	out    io.Writer
	logger *zap.Logger
}

func NewPrompt(in io.Reader, out io.Writer, logger *zap.Logger) *Prompt {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Prompt{in: bufio.NewReader(in), out: out, logger: logger}
}

func (p *Prompt) Approve(reason string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, err := fmt.Fprintf(p.out, "LIVE execution requested: %s\nApprove? [y/N]: ", reason); err != nil {
		p.logger.Warn("approval prompt write failed", zap.Error(err))
		return false
	}
	line, err := p.in.ReadString('\n')
	if err != nil && line == "" {
		p.logger.Warn("approval prompt read failed", zap.Error(err))
		return false
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true
	}
	return false
}
