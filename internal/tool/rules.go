package tool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
	"mvdan.cc/sh/v3/syntax"
)

// Rules lists permission rules of the form "tool" or "tool(pattern)". A
// pattern is a glob with * wildcards matched against each simple command of
// run_command, or against the path or title argument of other tools.
type Rules struct {
	Allow []string `yaml:"allow"`
	Deny  []string `yaml:"deny"`
}

type Decision int

const (
	DecisionAsk Decision = iota
	DecisionAllow
	DecisionDeny
)

func (d Decision) String() string {
	switch d {
	case DecisionAllow:
		return "allow"
	case DecisionDeny:
		return "deny"
	default:
		return "ask"
	}
}

// RuleSet holds the active rules. Deny wins over allow.
type RuleSet struct {
	mu    sync.RWMutex
	rules Rules
}

func NewRuleSet(rules Rules) *RuleSet {
	return &RuleSet{rules: rules}
}

func (s *RuleSet) Set(rules Rules) {
	s.mu.Lock()
	s.rules = rules
	s.mu.Unlock()
}

func (s *RuleSet) Rules() Rules {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Rules{
		Allow: append([]string(nil), s.rules.Allow...),
		Deny:  append([]string(nil), s.rules.Deny...),
	}
}

// Decide returns the decision for a call of toolName with the given raw
// input. A nil RuleSet always asks.
func (s *RuleSet) Decide(toolName string, input json.RawMessage) (Decision, string) {
	if s == nil {
		return DecisionAsk, ""
	}
	var args map[string]any
	_ = json.Unmarshal(input, &args)

	s.mu.RLock()
	defer s.mu.RUnlock()
	if toolName == runCommandTool {
		cmd, _ := args["command"].(string)
		return s.decideCommand(cmd)
	}
	for _, rule := range s.rules.Deny {
		if matchRule(rule, toolName, args) {
			return DecisionDeny, rule
		}
	}
	for _, rule := range s.rules.Allow {
		if matchRule(rule, toolName, args) {
			return DecisionAllow, rule
		}
	}
	return DecisionAsk, ""
}

func matchRule(rule, toolName string, input map[string]any) bool {
	rTool, rPattern, hasPattern := parseRule(rule)
	if rTool != toolName {
		return false
	}
	if !hasPattern {
		return true
	}
	for _, key := range []string{"path", "title", "id", "query"} {
		if val, ok := input[key].(string); ok && matchGlob(rPattern, val) {
			return true
		}
	}
	return false
}

const runCommandTool = "run_command"

// decideCommand matches a command line per simple command. Deny wins when
// the whole line or any of its commands matches. Allow needs every command
// to match and the line to hold nothing but commands joined by lists and
// pipes; anything else asks.
func (s *RuleSet) decideCommand(command string) (Decision, string) {
	parts, simple := commandParts(command)
	candidates := append([]string{command}, parts...)
	if printed, err := FormatCommand(command); err == nil {
		candidates = append(candidates, printed)
	}
	for _, rule := range s.rules.Deny {
		pattern, ok := commandPattern(rule)
		if !ok {
			continue
		}
		for _, c := range candidates {
			if matchGlob(pattern, c) {
				return DecisionDeny, rule
			}
		}
	}

	if !simple || len(parts) == 0 {
		return DecisionAsk, ""
	}
	var used []string
	for _, part := range parts {
		rule, ok := s.allowedCommand(part)
		if !ok {
			return DecisionAsk, ""
		}
		used = append(used, rule)
	}
	slices.Sort(used)
	return DecisionAllow, strings.Join(slices.Compact(used), ", ")
}

func (s *RuleSet) allowedCommand(part string) (string, bool) {
	for _, rule := range s.rules.Allow {
		if pattern, ok := commandPattern(rule); ok && matchGlob(pattern, part) {
			return rule, true
		}
	}
	return "", false
}

// commandPattern returns the glob of a run_command rule. A bare rule
// matches every command.
func commandPattern(rule string) (string, bool) {
	name, pattern, hasPattern := parseRule(rule)
	if name != runCommandTool {
		return "", false
	}
	if !hasPattern {
		return "*", true
	}
	return pattern, true
}

// commandParts returns the printed simple commands of a command line.
// simple is false when the line does not parse or holds redirections,
// background jobs, subshells, substitutions, compound commands or
// function declarations.
func commandParts(command string) (parts []string, simple bool) {
	f, err := syntax.NewParser(syntax.Variant(syntax.LangBash)).Parse(strings.NewReader(command), "")
	if err != nil {
		return nil, false
	}
	simple = true
	printer := syntax.NewPrinter()
	syntax.Walk(f, func(node syntax.Node) bool {
		switch n := node.(type) {
		case *syntax.Stmt:
			if len(n.Redirs) > 0 || n.Background || n.Coprocess {
				simple = false
			}
		case *syntax.CallExpr:
			var buf strings.Builder
			if err := printer.Print(&buf, n); err != nil {
				simple = false
				return false
			}
			parts = append(parts, strings.TrimSpace(buf.String()))
		case *syntax.Subshell, *syntax.Block, *syntax.CmdSubst, *syntax.ProcSubst,
			*syntax.IfClause, *syntax.WhileClause, *syntax.ForClause, *syntax.CaseClause,
			*syntax.FuncDecl, *syntax.ArithmCmd, *syntax.ArithmExp, *syntax.TestClause,
			*syntax.DeclClause, *syntax.LetClause, *syntax.CoprocClause, *syntax.TimeClause:
			simple = false
		}
		return true
	})
	return parts, simple
}

func parseRule(rule string) (toolName, pattern string, hasPattern bool) {
	rule = strings.TrimSpace(rule)
	idx := strings.Index(rule, "(")
	if idx < 0 || !strings.HasSuffix(rule, ")") {
		return rule, "", false
	}
	return rule[:idx], rule[idx+1 : len(rule)-1], true
}

func matchGlob(pattern, value string) bool {
	if pattern == "*" {
		return true
	}
	if !strings.Contains(pattern, "*") {
		return pattern == value
	}
	parts := strings.Split(pattern, "*")
	if !strings.HasPrefix(value, parts[0]) {
		return false
	}
	remaining := value[len(parts[0]):]
	for _, mid := range parts[1 : len(parts)-1] {
		idx := strings.Index(remaining, mid)
		if idx < 0 {
			return false
		}
		remaining = remaining[idx+len(mid):]
	}
	return strings.HasSuffix(remaining, parts[len(parts)-1])
}

// LoadRules reads a rules file. A missing file yields empty rules.
func LoadRules(path string) (Rules, error) {
	var rules Rules
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return rules, nil
	}
	if err != nil {
		return rules, fmt.Errorf("failed to read rules file: %w", err)
	}
	if err := yaml.Unmarshal(data, &rules); err != nil {
		return rules, fmt.Errorf("failed to parse rules file %s: %w", path, err)
	}
	for _, r := range append(append([]string(nil), rules.Allow...), rules.Deny...) {
		if name, _, _ := parseRule(r); name == "" {
			return Rules{}, fmt.Errorf("rules file %s: empty tool name in %q", path, r)
		}
	}
	return rules, nil
}

// WatchRules loads path into set and reloads it whenever the file changes
// until ctx is done. The directory is watched so editors that replace the
// file by rename are followed. A broken edit keeps the previous rules.
func WatchRules(ctx context.Context, path string, set *RuleSet) error {
	rules, err := LoadRules(path)
	if err != nil {
		return err
	}
	set.Set(rules)

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsw.Add(filepath.Dir(path)); err != nil {
		_ = fsw.Close()
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(path), err)
	}
	target := filepath.Clean(path)

	go func() {
		defer fsw.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
					continue
				}
				rules, err := LoadRules(path)
				if err != nil {
					slog.ErrorContext(ctx, "keeping previous permission rules", "path", path, "error", err)
					continue
				}
				set.Set(rules)
				slog.InfoContext(ctx, "permission rules reloaded", "path", path,
					"allow", len(rules.Allow), "deny", len(rules.Deny))
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				slog.ErrorContext(ctx, "rules watcher error", "error", err)
			}
		}
	}()
	return nil
}
