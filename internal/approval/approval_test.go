package approval

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/opentalon/toolgate/internal/controller"
)

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gate.lua")
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestPromptApproves(t *testing.T) {
	tests := []struct {
		input string
		want  bool
	}{
		{"y\n", true},
		{"YES\n", true},
		{"n\n", false},
		{"\n", false},
		{"", false},
		{"maybe\n", false},
	}
	for _, tt := range tests {
		var out bytes.Buffer
		p := NewPrompt(strings.NewReader(tt.input), &out, nil)
		if got := p.Approve("send_email"); got != tt.want {
			t.Errorf("input %q: Approve = %v, want %v", tt.input, got, tt.want)
		}
		if !strings.Contains(out.String(), "send_email") {
			t.Errorf("prompt should show reason, got %q", out.String())
		}
	}
}

func TestLuaGateBoolean(t *testing.T) {
	path := writeScript(t, `
function approve(reason)
  return string.find(reason, "send_email") == nil
end
`)
	g, err := NewLuaGate(path, nil)
	if err != nil {
		t.Fatal(err)
	}
	if g.Approve("send_email: risk HIGH") {
		t.Error("script should deny send_email")
	}
	if !g.Approve("create_contact: risk HIGH") {
		t.Error("script should approve create_contact")
	}
}

func TestLuaGateTable(t *testing.T) {
	path := writeScript(t, `
function approve(reason)
  return { approved = true, note = "on-call ok" }
end
`)
	g, _ := NewLuaGate(path, nil)
	ok, note, err := g.Evaluate("anything")
	if err != nil {
		t.Fatal(err)
	}
	if !ok || note != "on-call ok" {
		t.Errorf("Evaluate = %v, %q", ok, note)
	}
}

func TestLuaGateErrorsDeny(t *testing.T) {
	tests := map[string]string{
		"missing function": `x = 1`,
		"not a function":   `approve = 5`,
		"runtime error":    `function approve(r) error("boom") end`,
		"bad return":       `function approve(r) return 42 end`,
		"syntax":           `function approve(`,
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			g, err := NewLuaGate(writeScript(t, body), nil)
			if err != nil {
				t.Fatal(err)
			}
			if g.Approve("x") {
				t.Error("broken script must deny")
			}
		})
	}
}

func TestLuaGateEnv(t *testing.T) {
	t.Setenv("TOOLGATE_LIVE_WINDOW", "open")
	path := writeScript(t, `
local os = require("os")
function approve(reason)
  return os.getenv("TOOLGATE_LIVE_WINDOW") == "open"
end
`)
	g, _ := NewLuaGate(path, nil)
	if !g.Approve("x") {
		t.Error("script should read env")
	}
}

func TestNewLuaGateMissingFile(t *testing.T) {
	if _, err := NewLuaGate(filepath.Join(t.TempDir(), "nope.lua"), nil); err == nil {
		t.Error("expected error for missing script")
	}
}

func TestFromKind(t *testing.T) {
	g, err := FromKind("", "", nil, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := g.(controller.DenyAll); !ok {
		t.Errorf("empty kind = %T, want DenyAll", g)
	}
	g, _ = FromKind(KindAlways, "", nil, nil, nil)
	if !g.Approve("x") {
		t.Error("always gate should approve")
	}
	if _, err := FromKind(KindLua, "", nil, nil, nil); err == nil {
		t.Error("lua without script should fail")
	}
	if _, err := FromKind("vibes", "", nil, nil, nil); err == nil {
		t.Error("unknown kind should fail")
	}
	g, err = FromKind(KindPrompt, "", strings.NewReader("y\n"), &bytes.Buffer{}, nil)
	if err != nil || !g.Approve("x") {
		t.Errorf("prompt gate: %v", err)
	}
}
