package catalog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleCardYAML = `group: insurance
actions:
  - name: search_products
    purpose: 조건에 맞는 보험 상품을 검색한다
    usage_phrases:
      - 암 보험 추천해줘
      - 어떤 보험 상품 있어?
    tags: [상품, 검색]
    script: search_products.go
  - name: coverage_summary
    purpose: 특정 상품의 보장 내용을 요약한다
    usage_phrases:
      - 보장 내용 알려줘
    disambiguation_notes:
      - 보험료 금액 질문은 premium_estimate 담당
`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadCardFile(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "insurance.yaml", sampleCardYAML)

	pack, err := LoadCardFile(path)
	require.NoError(t, err)
	assert.Equal(t, "insurance", pack.Group)
	require.Len(t, pack.Actions, 2)

	assert.Equal(t, "search_products", pack.Actions[0].Name)
	assert.Equal(t, "search_products.go", pack.Actions[0].Script)
	assert.Len(t, pack.Actions[0].UsagePhrases, 2)
	assert.Empty(t, pack.Actions[1].Script)

	descs := pack.Descriptors()
	for _, d := range descs {
		assert.Equal(t, "insurance", d.Group)
	}
}

func TestLoadCardFile_GroupDefaultsToFileName(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "travel.yaml", "actions:\n  - name: quote\n    purpose: p\n")

	pack, err := LoadCardFile(path)
	require.NoError(t, err)
	assert.Equal(t, "travel", pack.Group)
}

func TestLoadCardFile_RejectsDuplicatePhrase(t *testing.T) {
	dir := t.TempDir()
	bad := `group: g
actions:
  - name: one
    purpose: p
    usage_phrases: [겹치는 문구]
  - name: two
    purpose: p
    usage_phrases: [겹치는 문구]
`
	path := writeFile(t, dir, "bad.yaml", bad)
	_, err := LoadCardFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "usage phrase")
}

func TestLoadCardFile_RejectsEmpty(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "empty.yaml", "group: g\nactions: []\n")
	_, err := LoadCardFile(path)
	assert.Error(t, err)
}

func TestLoadCardDir(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "b_second.yaml", "group: second\nactions:\n  - name: s1\n    purpose: p\n")
	writeFile(t, dir, "a_first.yml", "group: first\nactions:\n  - name: f1\n    purpose: p\n")
	writeFile(t, dir, "notes.txt", "ignored")

	packs, err := LoadCardDir(dir)
	require.NoError(t, err)
	require.Len(t, packs, 2)
	assert.Equal(t, "first", packs[0].Group, "packs load in file-name order")
	assert.Equal(t, "second", packs[1].Group)
}

func TestLoadCardDir_Missing(t *testing.T) {
	packs, err := LoadCardDir(filepath.Join(t.TempDir(), "absent"))
	require.NoError(t, err)
	assert.Nil(t, packs)
}

func TestOverrides(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "overrides.yaml", `actions:
  search_products:
    purpose: 보험 상품을 조건 검색한다 (개정판)
    usage_phrases:
      - 상품 찾아줘
  unknown_action:
    purpose: 등록되지 않은 액션
`)

	ov, err := LoadOverrides(path)
	require.NoError(t, err)
	require.Len(t, ov, 2)

	d := &ActionDescriptor{
		Name:         "search_products",
		Purpose:      "조건에 맞는 보험 상품을 검색한다",
		UsagePhrases: []string{"암 보험 추천해줘"},
		Tags:         []string{"상품"},
	}
	assert.True(t, ov.Apply(d))
	assert.Equal(t, "보험 상품을 조건 검색한다 (개정판)", d.Purpose)
	assert.Equal(t, []string{"상품 찾아줘"}, d.UsagePhrases)
	assert.Equal(t, []string{"상품"}, d.Tags, "unset override fields keep original values")

	other := &ActionDescriptor{Name: "coverage_summary", Purpose: "p"}
	assert.False(t, ov.Apply(other))
	assert.Equal(t, "p", other.Purpose)
}

func TestLoadOverrides_Missing(t *testing.T) {
	ov, err := LoadOverrides(filepath.Join(t.TempDir(), "none.yaml"))
	require.NoError(t, err)
	assert.Empty(t, ov)
}
