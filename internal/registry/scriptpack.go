package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"go/parser"
	"go/token"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"

	"routenerd/internal/catalog"
	"routenerd/internal/logging"
)

// ScriptPack loads action groups whose handlers are Go scripts interpreted
// by yaegi. Each card names its script; each script must define
//
//	func Run(input string) (string, error)
//
// where input is the JSON-encoded argument map. Scripts are re-read and
// re-evaluated on every (re)load, which is what makes ReloadGroup a real
// hot swap: edit the script, reload the group, the new logic is live.
//
// Interpretation instead of compilation keeps the sandbox tight: only an
// allowlisted slice of the stdlib is importable, and Run is raced against
// the caller's context so a runaway script cannot hang a turn.
type ScriptPack struct {
	cardDir       string
	scriptDir     string
	overridesPath string
	allowed       map[string]bool
}

// NewScriptPack creates a pack over a card directory and a script
// directory. overridesPath may be empty.
func NewScriptPack(cardDir, scriptDir, overridesPath string) *ScriptPack {
	return &ScriptPack{
		cardDir:       cardDir,
		scriptDir:     scriptDir,
		overridesPath: overridesPath,
		allowed: map[string]bool{
			"strings":         true,
			"strconv":         true,
			"fmt":             true,
			"math":            true,
			"regexp":          true,
			"encoding/json":   true,
			"encoding/base64": true,
			"time":            true,
			"sort":            true,
			"bytes":           true,
			"errors":          true,
			"unicode/utf8":    true,

			// Blocked by omission: os, os/exec, net, net/http, syscall,
			// unsafe, io, path/filepath.
		},
	}
}

// Groups lists the group names declared by the card files on disk.
func (sp *ScriptPack) Groups() ([]string, error) {
	packs, err := catalog.LoadCardDir(sp.cardDir)
	if err != nil {
		return nil, err
	}
	groups := make([]string, 0, len(packs))
	for _, p := range packs {
		groups = append(groups, p.Group)
	}
	return groups, nil
}

// LoaderFor returns the GroupLoader for one group. The loader re-reads the
// card file, the overrides file and every script on each invocation.
func (sp *ScriptPack) LoaderFor(group string) GroupLoader {
	return func(ctx context.Context) ([]*Action, error) {
		return sp.loadGroup(ctx, group)
	}
}

func (sp *ScriptPack) loadGroup(ctx context.Context, group string) ([]*Action, error) {
	timer := logging.StartTimer(logging.CategoryPacks, "loadGroup:"+group)
	defer timer.Stop()

	packs, err := catalog.LoadCardDir(sp.cardDir)
	if err != nil {
		return nil, err
	}

	var pack *catalog.CardPack
	for _, p := range packs {
		if p.Group == group {
			pack = p
			break
		}
	}
	if pack == nil {
		return nil, fmt.Errorf("%w: no card file declares group %s", ErrGroupNotFound, group)
	}

	overrides := catalog.Overrides{}
	if sp.overridesPath != "" {
		overrides, err = catalog.LoadOverrides(sp.overridesPath)
		if err != nil {
			return nil, err
		}
	}

	actions := make([]*Action, 0, len(pack.Actions))
	for _, card := range pack.Actions {
		if card.Script == "" {
			return nil, fmt.Errorf("action %s in group %s names no script", card.Name, group)
		}

		desc := card.ActionDescriptor
		if overrides.Apply(&desc) {
			logging.Packs("Applied descriptor overrides to %s", desc.Name)
		}

		handler, err := sp.compileScript(filepath.Join(sp.scriptDir, card.Script))
		if err != nil {
			return nil, fmt.Errorf("script for action %s: %w", card.Name, err)
		}

		d := desc
		actions = append(actions, &Action{Descriptor: &d, Handler: handler})
	}

	logging.Packs("Loaded group %s: %d script-backed actions", group, len(actions))
	return actions, nil
}

// compileScript reads and evaluates one script, returning a Handler that
// invokes its Run function. Evaluation happens once per load; execution
// reuses the interpreted function under a per-script mutex because a yaegi
// interpreter is not safe for concurrent use.
func (sp *ScriptPack) compileScript(path string) (Handler, error) {
	code, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read script %s: %w", path, err)
	}

	src := wrapScript(string(code))
	if err := sp.validateImports(path, src); err != nil {
		return nil, err
	}

	i := interp.New(interp.Options{})
	if err := i.Use(stdlib.Symbols); err != nil {
		return nil, fmt.Errorf("failed to load stdlib symbols: %w", err)
	}
	if _, err := i.Eval(src); err != nil {
		return nil, fmt.Errorf("script %s failed to evaluate: %w", filepath.Base(path), err)
	}

	v, err := i.Eval("main.Run")
	if err != nil {
		return nil, fmt.Errorf("script %s defines no Run function: %w", filepath.Base(path), err)
	}
	run, ok := v.Interface().(func(string) (string, error))
	if !ok {
		return nil, fmt.Errorf("script %s: Run must be func(string) (string, error)", filepath.Base(path))
	}

	var mu sync.Mutex
	name := filepath.Base(path)
	return func(ctx context.Context, args map[string]any) (*Result, error) {
		input, err := json.Marshal(args)
		if err != nil {
			return nil, fmt.Errorf("failed to encode args: %w", err)
		}

		type outcome struct {
			out string
			err error
		}
		ch := make(chan outcome, 1)
		go func() {
			mu.Lock()
			defer mu.Unlock()
			out, err := run(string(input))
			ch <- outcome{out, err}
		}()

		select {
		case o := <-ch:
			if o.err != nil {
				return nil, fmt.Errorf("script %s: %w", name, o.err)
			}
			return parseScriptResult(o.out), nil
		case <-ctx.Done():
			logging.PacksWarn("Script %s abandoned: %v", name, ctx.Err())
			return nil, fmt.Errorf("script %s: %w", name, ctx.Err())
		}
	}, nil
}

// validateImports parses the script and rejects any import outside the
// allowlist. go/parser sees through the same syntax yaegi will interpret,
// so string tricks in comments cannot smuggle an import past the check.
func (sp *ScriptPack) validateImports(path, src string) error {
	fset := token.NewFileSet()
	f, err := parser.ParseFile(fset, path, src, parser.ImportsOnly)
	if err != nil {
		return fmt.Errorf("script %s does not parse: %w", filepath.Base(path), err)
	}

	var forbidden []string
	for _, imp := range f.Imports {
		pkg, err := strconv.Unquote(imp.Path.Value)
		if err != nil {
			continue
		}
		if !sp.allowed[pkg] {
			forbidden = append(forbidden, pkg)
		}
	}
	if len(forbidden) > 0 {
		return fmt.Errorf("script %s imports forbidden packages %v", filepath.Base(path), forbidden)
	}
	return nil
}

// wrapScript prepends a package clause when the script omits one.
func wrapScript(code string) string {
	if strings.Contains(code, "package main") {
		return code
	}
	return "package main\n\n" + code
}

// parseScriptResult interprets the script's output string. A JSON object
// carrying needs_more_input becomes a NeedsMoreInput result; anything else
// is plain output.
func parseScriptResult(out string) *Result {
	trimmed := strings.TrimSpace(out)
	if strings.HasPrefix(trimmed, "{") {
		var envelope struct {
			NeedsMoreInput []string `json:"needs_more_input"`
		}
		if err := json.Unmarshal([]byte(trimmed), &envelope); err == nil && len(envelope.NeedsMoreInput) > 0 {
			return NeedsMoreInput(envelope.NeedsMoreInput...)
		}
	}
	return TextResult(out)
}
