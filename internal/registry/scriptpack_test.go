package registry

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const greetScript = `import (
	"encoding/json"
	"fmt"
)

func Run(input string) (string, error) {
	var args map[string]any
	if err := json.Unmarshal([]byte(input), &args); err != nil {
		return "", err
	}
	name, _ := args["name"].(string)
	if name == "" {
		return ` + "`" + `{"needs_more_input": ["name"]}` + "`" + `, nil
	}
	return fmt.Sprintf("안녕하세요, %s님", name), nil
}
`

const greetCard = `group: greetings
actions:
  - name: greet
    purpose: 사용자에게 인사한다
    usage_phrases:
      - 인사해줘
    script: greet.go
`

func newTestPack(t *testing.T) (*ScriptPack, string, string) {
	t.Helper()
	cardDir := t.TempDir()
	scriptDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(cardDir, "greetings.yaml"), []byte(greetCard), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(scriptDir, "greet.go"), []byte(greetScript), 0644))
	return NewScriptPack(cardDir, scriptDir, ""), cardDir, scriptDir
}

func TestScriptPack_LoadAndExecute(t *testing.T) {
	pack, _, _ := newTestPack(t)
	ctx := context.Background()

	reg := NewRegistry()
	require.NoError(t, reg.RegisterGroup(ctx, "greetings", pack.LoaderFor("greetings")))

	res, err := reg.Execute(ctx, "greet", map[string]any{"name": "민수"})
	require.NoError(t, err)
	assert.Equal(t, "안녕하세요, 민수님", res.Output)
}

func TestScriptPack_NeedsMoreInputEnvelope(t *testing.T) {
	pack, _, _ := newTestPack(t)
	ctx := context.Background()

	reg := NewRegistry()
	require.NoError(t, reg.RegisterGroup(ctx, "greetings", pack.LoaderFor("greetings")))

	res, err := reg.Execute(ctx, "greet", map[string]any{})
	require.NoError(t, err)
	require.True(t, res.NeedsInput())
	assert.Equal(t, []string{"name"}, res.Missing)
}

func TestScriptPack_ReloadPicksUpScriptEdit(t *testing.T) {
	pack, _, scriptDir := newTestPack(t)
	ctx := context.Background()

	reg := NewRegistry()
	require.NoError(t, reg.RegisterGroup(ctx, "greetings", pack.LoaderFor("greetings")))

	edited := `func Run(input string) (string, error) {
	return "반갑습니다", nil
}
`
	require.NoError(t, os.WriteFile(filepath.Join(scriptDir, "greet.go"), []byte(edited), 0644))
	require.NoError(t, reg.ReloadGroup(ctx, "greetings"))

	res, err := reg.Execute(ctx, "greet", map[string]any{"name": "민수"})
	require.NoError(t, err)
	assert.Equal(t, "반갑습니다", res.Output)
	assert.Equal(t, int64(2), reg.Version())
}

func TestScriptPack_ForbiddenImportRejected(t *testing.T) {
	pack, _, scriptDir := newTestPack(t)

	evil := `import "os"

func Run(input string) (string, error) {
	return os.Getenv("HOME"), nil
}
`
	require.NoError(t, os.WriteFile(filepath.Join(scriptDir, "greet.go"), []byte(evil), 0644))

	_, err := pack.LoaderFor("greetings")(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "forbidden")
}

func TestScriptPack_MissingRunRejected(t *testing.T) {
	pack, _, scriptDir := newTestPack(t)

	noRun := `func Walk(input string) (string, error) { return "", nil }`
	require.NoError(t, os.WriteFile(filepath.Join(scriptDir, "greet.go"), []byte(noRun), 0644))

	_, err := pack.LoaderFor("greetings")(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Run")
}

func TestScriptPack_WrongSignatureRejected(t *testing.T) {
	pack, _, scriptDir := newTestPack(t)

	wrong := `func Run(a, b string) (string, error) { return a + b, nil }`
	require.NoError(t, os.WriteFile(filepath.Join(scriptDir, "greet.go"), []byte(wrong), 0644))

	_, err := pack.LoaderFor("greetings")(context.Background())
	require.Error(t, err)
}

func TestScriptPack_MissingScriptFile(t *testing.T) {
	cardDir := t.TempDir()
	scriptDir := t.TempDir()
	card := `group: g
actions:
  - name: ghost
    purpose: p
    script: nowhere.go
`
	require.NoError(t, os.WriteFile(filepath.Join(cardDir, "g.yaml"), []byte(card), 0644))

	pack := NewScriptPack(cardDir, scriptDir, "")
	_, err := pack.LoaderFor("g")(context.Background())
	require.Error(t, err)
}

func TestScriptPack_CardWithoutScriptRejected(t *testing.T) {
	cardDir := t.TempDir()
	card := `group: g
actions:
  - name: bare
    purpose: p
`
	require.NoError(t, os.WriteFile(filepath.Join(cardDir, "g.yaml"), []byte(card), 0644))

	pack := NewScriptPack(cardDir, t.TempDir(), "")
	_, err := pack.LoaderFor("g")(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "script")
}

func TestScriptPack_OverridesApplyOnLoad(t *testing.T) {
	pack, _, _ := newTestPack(t)
	overrides := `actions:
  greet:
    purpose: 수정된 용도 설명
`
	// Overrides live outside the card dir so the card loader never sees
	// the file.
	overridesPath := filepath.Join(t.TempDir(), "overrides.yaml")
	require.NoError(t, os.WriteFile(overridesPath, []byte(overrides), 0644))
	pack.overridesPath = overridesPath

	actions, err := pack.LoaderFor("greetings")(context.Background())
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, "수정된 용도 설명", actions[0].Descriptor.Purpose)
}

func TestScriptPack_Groups(t *testing.T) {
	pack, _, _ := newTestPack(t)
	groups, err := pack.Groups()
	require.NoError(t, err)
	assert.Equal(t, []string{"greetings"}, groups)
}
