package gate

import (
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"

	"routenerd/internal/logging"
)

// Pattern is one deterministic rejection rule. Patterns are data, not
// code: the active set can be replaced at runtime for operational tuning
// without a restart.
type Pattern struct {
	Name string
	re   *regexp.Regexp
}

// Match reports whether the pattern matches the text.
func (p Pattern) Match(text string) bool {
	return p.re.MatchString(text)
}

// DefaultPatterns returns the built-in adversarial patterns: instruction
// override attempts and probes for internal instructions, in English and
// Korean. Order matters only for which pattern name a rejection reports.
func DefaultPatterns() []Pattern {
	return []Pattern{
		{Name: "ignore_instructions", re: regexp.MustCompile(`(?i)ignore\s+(all\s+|any\s+)?(previous|prior|above)\s+instructions`)},
		{Name: "disregard_instructions", re: regexp.MustCompile(`(?i)disregard\s+(all\s+|your\s+)?(previous\s+|prior\s+)?(instructions|rules)`)},
		{Name: "reveal_prompt", re: regexp.MustCompile(`(?i)(reveal|show|print|repeat|output)\s+(me\s+)?(your|the)\s+(system\s+|hidden\s+|initial\s+)?(prompt|instructions)`)},
		{Name: "role_override", re: regexp.MustCompile(`(?i)you\s+are\s+(now|no\s+longer)\s+`)},
		{Name: "jailbreak_marker", re: regexp.MustCompile(`(?i)\b(jailbreak|DAN\s+mode|developer\s+mode)\b`)},
		{Name: "ignore_instructions_ko", re: regexp.MustCompile(`(이전|위의?|앞의?|기존)\s*(지시|명령|규칙|프롬프트)\s*(사항)?\s*(을|를|은|는)?\s*(무시|잊|삭제)`)},
		{Name: "reveal_prompt_ko", re: regexp.MustCompile(`(시스템\s*프롬프트|내부\s*(지시|명령|규칙|설정))\s*(사항)?\s*(을|를|이|가)?\s*(보여|알려|공개|출력|말해)`)},
		{Name: "role_override_ko", re: regexp.MustCompile(`(너는?|당신은?)\s*(이제|지금)부터\s*`)},
	}
}

type patternFile struct {
	Patterns []struct {
		Name  string `yaml:"name"`
		Regex string `yaml:"regex"`
	} `yaml:"patterns"`
}

// LoadPatternsFile parses a YAML pattern override file. Any invalid
// regular expression fails the whole load so a typo cannot silently
// disable part of the layer.
func LoadPatternsFile(path string) ([]Pattern, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read patterns file: %w", err)
	}
	var pf patternFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return nil, fmt.Errorf("failed to parse patterns file %s: %w", path, err)
	}
	if len(pf.Patterns) == 0 {
		return nil, fmt.Errorf("patterns file %s declares no patterns", path)
	}

	patterns := make([]Pattern, 0, len(pf.Patterns))
	for i, p := range pf.Patterns {
		if p.Name == "" {
			return nil, fmt.Errorf("pattern %d in %s has no name", i, path)
		}
		re, err := regexp.Compile(p.Regex)
		if err != nil {
			return nil, fmt.Errorf("pattern %s in %s: %w", p.Name, path, err)
		}
		patterns = append(patterns, Pattern{Name: p.Name, re: re})
	}
	return patterns, nil
}

// SetPatterns atomically replaces the active pattern set.
func (g *Gate) SetPatterns(patterns []Pattern) {
	g.patterns.Store(&patterns)
}

// ReloadPatterns loads the given file and swaps it in. On failure the
// previous set stays active.
func (g *Gate) ReloadPatterns(path string) error {
	patterns, err := LoadPatternsFile(path)
	if err != nil {
		return err
	}
	g.SetPatterns(patterns)
	logging.Gate("Pattern set reloaded from %s: %d patterns", path, len(patterns))
	return nil
}

// matchPattern returns the name of the first matching pattern.
func (g *Gate) matchPattern(text string) (string, bool) {
	patterns := g.patterns.Load()
	if patterns == nil {
		return "", false
	}
	for _, p := range *patterns {
		if p.Match(text) {
			return p.Name, true
		}
	}
	return "", false
}
