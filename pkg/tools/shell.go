package tools

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/shlex"
)

const (
	execOutputTruncateBytes = 10 * 1024
	execDefaultTimeout      = 30 * time.Second
)

// denyPatterns are destructive commands that are never allowed regardless
// of any configured allowlist. Checked before the allowlist so an operator
// cannot accidentally unblock them.
var denyPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\brm\s+(-[a-zA-Z]*r[a-zA-Z]*f|-[a-zA-Z]*f[a-zA-Z]*r)\b`),
	regexp.MustCompile(`\brm\s+-[a-zA-Z]*f\b`),
	regexp.MustCompile(`\brm\s+-[a-zA-Z]*r\b`),
	regexp.MustCompile(`\bdel\s+/[fF]\b`),
	regexp.MustCompile(`\bdel\s+/[qQ]\b`),
	regexp.MustCompile(`\brmdir\s+/[sS]\b`),
	regexp.MustCompile(`\bformat\s+[a-zA-Z]:`),
	regexp.MustCompile(`\bmkfs(\.\w+)?\b`),
	regexp.MustCompile(`\bdiskpart\b`),
	regexp.MustCompile(`\bdd\s+if=`),
	regexp.MustCompile(`>\s*/dev/sd[a-z]\d*\b`),
	regexp.MustCompile(`\bshutdown\b`),
	regexp.MustCompile(`\breboot\b`),
	regexp.MustCompile(`\bpoweroff\b`),
	regexp.MustCompile(`:\(\)\s*\{\s*:\s*\|\s*:\s*&?\s*\}\s*;\s*:`),
}

// shellMetaRe rejects argv-level shell interpretation. The exec tool never
// hands the command to a shell, but a literal metacharacter in the command
// string almost always indicates the caller expected one, so it is rejected
// rather than tokenized verbatim. The redirection operators need exemptions
// RE2 can't express, so hasShellMetacharacters handles them with plain
// string scans.
var shellMetaRe = regexp.MustCompile(`[;|` + "`" + `]|&&|\$\(|\{\w`)

// hasShellMetacharacters reports whether command contains a shell
// metacharacter. ">" is tolerated as part of "->" or ">-" (arrow tokens in
// quoted code) and when redirecting to /dev/null; "<" is tolerated as part
// of "<-".
func hasShellMetacharacters(command string) bool {
	if shellMetaRe.MatchString(command) {
		return true
	}
	for i := 0; i < len(command); i++ {
		switch command[i] {
		case '>':
			if i > 0 && command[i-1] == '-' {
				continue
			}
			rest := command[i+1:]
			if strings.HasPrefix(rest, "-") || strings.HasPrefix(strings.TrimLeft(rest, " \t"), "/dev/null") {
				continue
			}
			return true
		case '<':
			if strings.HasPrefix(command[i+1:], "-") {
				continue
			}
			return true
		}
	}
	return false
}

// ExecTool runs a single shell command via an argv tokenizer, never through
// a shell interpreter, gated by a denylist of destructive patterns, an
// optional allowlist, and optional workspace confinement.
type ExecTool struct {
	mu                  sync.RWMutex
	workspace           string
	restrictToWorkspace bool
	allowPatterns       []*regexp.Regexp
	timeout             time.Duration
}

func NewExecTool(workspace string) *ExecTool {
	return &ExecTool{
		workspace: workspace,
		timeout:   execDefaultTimeout,
	}
}

func (t *ExecTool) Name() string { return "exec" }

func (t *ExecTool) Description() string {
	return "Execute a shell command in the workspace. Commands are tokenized and run " +
		"directly (no shell interpreter); destructive commands are blocked."
}

func (t *ExecTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"command": map[string]interface{}{
				"type":        "string",
				"description": "The command to execute",
			},
			"cwd": map[string]interface{}{
				"type":        "string",
				"description": "Optional working directory, relative to the workspace",
			},
		},
		"required": []string{"command"},
	}
}

// SetAllowPatterns installs a binary allowlist: every command must match at
// least one pattern to run. An empty list disables the allowlist.
func (t *ExecTool) SetAllowPatterns(patterns []string) error {
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return fmt.Errorf("invalid allow pattern %q: %w", p, err)
		}
		compiled = append(compiled, re)
	}
	t.mu.Lock()
	t.allowPatterns = compiled
	t.mu.Unlock()
	return nil
}

func (t *ExecTool) SetRestrictToWorkspace(v bool) {
	t.mu.Lock()
	t.restrictToWorkspace = v
	t.mu.Unlock()
}

func (t *ExecTool) SetTimeout(d time.Duration) {
	if d <= 0 {
		return
	}
	t.mu.Lock()
	t.timeout = d
	t.mu.Unlock()
}

// guardCommand returns a non-empty rejection message if command must not
// run, or "" if it may proceed. cwd is the resolved working directory the
// command would run in, used for the workspace-restriction check.
func (t *ExecTool) guardCommand(command, cwd string) string {
	for _, pat := range denyPatterns {
		if pat.MatchString(command) {
			return fmt.Sprintf("Error: command matches a dangerous pattern (%s) and is blocked", pat.String())
		}
	}

	if hasShellMetacharacters(command) {
		return "Error: command contains shell metacharacters (;, |, &&, $(), `, <, >, {) which are not permitted; this tool runs argv directly without a shell"
	}

	t.mu.RLock()
	allowPatterns := t.allowPatterns
	restrictToWorkspace := t.restrictToWorkspace
	t.mu.RUnlock()

	if len(allowPatterns) > 0 {
		allowed := false
		for _, pat := range allowPatterns {
			if pat.MatchString(command) {
				allowed = true
				break
			}
		}
		if !allowed {
			return "Error: command is not in allowlist"
		}
	}

	if restrictToWorkspace {
		if strings.Contains(command, "..") {
			return "Error: path traversal (..) is not permitted with workspace restriction enabled"
		}
		if strings.Contains(command, `\..\`) || strings.Contains(command, `..\`) {
			return "Error: path traversal (..) is not permitted with workspace restriction enabled"
		}
		abs, err := filepath.Abs(cwd)
		if err == nil {
			workspaceAbs, werr := filepath.Abs(t.workspace)
			if werr == nil && !strings.HasPrefix(abs, workspaceAbs) {
				return "Error: command working directory is outside the workspace"
			}
		}
	}

	return ""
}

func (t *ExecTool) Execute(ctx context.Context, args map[string]interface{}) (string, error) {
	command, ok := args["command"].(string)
	if !ok || command == "" {
		return "", fmt.Errorf("command is required")
	}

	cwd := t.workspace
	if rel, ok := args["cwd"].(string); ok && rel != "" {
		cwd = filepath.Join(t.workspace, rel)
	}

	if msg := t.guardCommand(command, cwd); msg != "" {
		return msg, nil
	}

	tokens, err := shlex.Split(command)
	if err != nil {
		return "", fmt.Errorf("failed to tokenize command: %w", err)
	}
	if len(tokens) == 0 {
		return "", fmt.Errorf("command is empty after tokenization")
	}

	t.mu.RLock()
	timeout := t.timeout
	t.mu.RUnlock()

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, tokens[0], tokens[1:]...)
	cmd.Dir = cwd

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	runErr := cmd.Run()

	output := out.String()
	if len(output) > execOutputTruncateBytes {
		output = output[:execOutputTruncateBytes] + "\n... [output truncated]"
	}

	if runCtx.Err() == context.DeadlineExceeded {
		return fmt.Sprintf("Error: command timed out after %s\nPartial output:\n%s", timeout, output), nil
	}

	if runErr != nil {
		if exitErr, ok := runErr.(*exec.ExitError); ok {
			return fmt.Sprintf("Exit code: %d\n%s", exitErr.ExitCode(), output), nil
		}
		return fmt.Sprintf("Error: %v\n%s", runErr, output), nil
	}

	if output == "" {
		return "(no output)", nil
	}
	return output, nil
}
