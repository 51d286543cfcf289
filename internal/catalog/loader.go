package catalog

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Card pairs a descriptor with the name of the script that implements it.
// Script is resolved relative to the pack's script directory and is empty
// for actions whose handlers are provided in code.
type Card struct {
	ActionDescriptor `yaml:",inline"`
	Script           string `yaml:"script,omitempty"`
}

// CardPack is one parsed card file: a provider group plus its actions.
type CardPack struct {
	Group   string  `yaml:"group"`
	Actions []*Card `yaml:"actions"`
}

// Descriptors returns the pack's descriptors with Group stamped on each.
func (p *CardPack) Descriptors() []*ActionDescriptor {
	out := make([]*ActionDescriptor, 0, len(p.Actions))
	for _, c := range p.Actions {
		d := c.ActionDescriptor
		d.Group = p.Group
		out = append(out, &d)
	}
	return out
}

// LoadCardFile parses and validates a single card file.
func LoadCardFile(path string) (*CardPack, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read card file %s: %w", path, err)
	}

	var pack CardPack
	if err := yaml.Unmarshal(data, &pack); err != nil {
		return nil, fmt.Errorf("failed to parse card file %s: %w", path, err)
	}
	if strings.TrimSpace(pack.Group) == "" {
		pack.Group = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	if len(pack.Actions) == 0 {
		return nil, fmt.Errorf("card file %s declares no actions", path)
	}
	if err := ValidateSet(pack.Descriptors()); err != nil {
		return nil, fmt.Errorf("card file %s: %w", path, err)
	}
	return &pack, nil
}

// LoadCardDir loads every .yaml/.yml card file in dir, sorted by file name
// so pack load order is deterministic. A missing directory is not an error;
// card packs are optional.
func LoadCardDir(dir string) ([]*CardPack, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read card directory %s: %w", dir, err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := filepath.Ext(e.Name())
		if ext == ".yaml" || ext == ".yml" {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	packs := make([]*CardPack, 0, len(names))
	for _, name := range names {
		pack, err := LoadCardFile(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		packs = append(packs, pack)
	}
	return packs, nil
}

// Override replaces selected descriptor fields without touching handler
// code. Nil/absent fields keep the descriptor's original value.
type Override struct {
	Purpose             *string  `yaml:"purpose,omitempty"`
	UsagePhrases        []string `yaml:"usage_phrases,omitempty"`
	DisambiguationNotes []string `yaml:"disambiguation_notes,omitempty"`
	Tags                []string `yaml:"tags,omitempty"`
	Disclaimer          *string  `yaml:"disclaimer,omitempty"`
}

// Overrides maps action names to their field overrides.
type Overrides map[string]Override

// LoadOverrides reads an overrides file. A missing file yields an empty
// set, not an error.
func LoadOverrides(path string) (Overrides, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return Overrides{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read overrides file %s: %w", path, err)
	}

	var file struct {
		Actions Overrides `yaml:"actions"`
	}
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse overrides file %s: %w", path, err)
	}
	if file.Actions == nil {
		file.Actions = Overrides{}
	}
	return file.Actions, nil
}

// Apply rewrites d in place with any override registered for its name.
// Returns true when at least one field changed.
func (o Overrides) Apply(d *ActionDescriptor) bool {
	ov, ok := o[d.Name]
	if !ok {
		return false
	}
	changed := false
	if ov.Purpose != nil && *ov.Purpose != d.Purpose {
		d.Purpose = *ov.Purpose
		changed = true
	}
	if ov.UsagePhrases != nil {
		d.UsagePhrases = append([]string(nil), ov.UsagePhrases...)
		changed = true
	}
	if ov.DisambiguationNotes != nil {
		d.DisambiguationNotes = append([]string(nil), ov.DisambiguationNotes...)
		changed = true
	}
	if ov.Tags != nil {
		d.Tags = append([]string(nil), ov.Tags...)
		changed = true
	}
	if ov.Disclaimer != nil && *ov.Disclaimer != d.Disclaimer {
		d.Disclaimer = *ov.Disclaimer
		changed = true
	}
	return changed
}
