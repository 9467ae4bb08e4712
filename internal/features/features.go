// Package features gates the tool surface by mode: each mode enables a
// set of categories, each tool belongs to one category, and tools/list
// only advertises tools whose category is enabled.
package features

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/masc-dev/masc/internal/room"
)

// Category is a named group of tools.
type Category string

const (
	Core       Category = "core"
	Comm       Category = "comm"
	Portal     Category = "portal"
	Worktree   Category = "worktree"
	Health     Category = "health"
	Discovery  Category = "discovery"
	Voting     Category = "voting"
	Interrupt  Category = "interrupt"
	Cost       Category = "cost"
	Auth       Category = "auth"
	RateLimit  Category = "ratelimit"
	Encryption Category = "encryption"
)

// All lists every category in canonical order.
var All = []Category{
	Core, Comm, Portal, Worktree, Health, Discovery,
	Voting, Interrupt, Cost, Auth, RateLimit, Encryption,
}

// Mode names accepted in config.
const (
	ModeMinimal  = "minimal"
	ModeStandard = "standard"
	ModeFull     = "full"
	ModeSolo     = "solo"
	ModeCustom   = "custom"
)

// CustomFileName is the per-room custom mode file, relative to the room
// base.
const CustomFileName = ".masc/features.yaml"

var modeSets = map[string][]Category{
	ModeMinimal:  {Core},
	ModeStandard: {Core, Comm, Portal, Health, Discovery, RateLimit},
	ModeFull:     All,
	ModeSolo:     {Core, Portal, Worktree, Health},
}

// Set is the enabled-category set for a room.
type Set struct {
	mode    string
	enabled map[Category]bool
}

// Resolve builds the category set for mode. Custom mode reads the YAML
// file under base; a missing or broken custom file falls back to standard
// with an error the caller may log.
func Resolve(mode, base string) (*Set, error) {
	mode = strings.ToLower(strings.TrimSpace(mode))
	if mode == "" {
		mode = ModeStandard
	}
	if mode == ModeCustom {
		return resolveCustom(base)
	}
	cats, ok := modeSets[mode]
	if !ok {
		return newSet(ModeStandard, modeSets[ModeStandard]),
			room.NewValidationError("unknown feature mode %q, using standard", mode)
	}
	return newSet(mode, cats), nil
}

type customFile struct {
	Categories []string `yaml:"categories"`
}

func resolveCustom(base string) (*Set, error) {
	fallback := newSet(ModeStandard, modeSets[ModeStandard])
	path := filepath.Join(base, CustomFileName)
	raw, err := os.ReadFile(path)
	if err != nil {
		return fallback, fmt.Errorf("custom feature file: %w", err)
	}
	var cf customFile
	if err := yaml.Unmarshal(raw, &cf); err != nil {
		return fallback, room.NewInvalidJSON("custom feature file", err)
	}
	var cats []Category
	for _, name := range cf.Categories {
		c := Category(strings.ToLower(strings.TrimSpace(name)))
		if !validCategory(c) {
			return fallback, room.NewValidationError("unknown feature category %q", name)
		}
		cats = append(cats, c)
	}
	// Core is never optional; a room without core tools cannot even join.
	cats = append(cats, Core)
	return newSet(ModeCustom, cats), nil
}

func newSet(mode string, cats []Category) *Set {
	enabled := make(map[Category]bool, len(cats))
	for _, c := range cats {
		enabled[c] = true
	}
	return &Set{mode: mode, enabled: enabled}
}

func validCategory(c Category) bool {
	for _, known := range All {
		if c == known {
			return true
		}
	}
	return false
}

// Mode reports the resolved mode name.
func (s *Set) Mode() string { return s.mode }

// Enabled reports whether a category is on.
func (s *Set) Enabled(c Category) bool { return s.enabled[c] }

// Enabled list in canonical order.
func (s *Set) List() []Category {
	var out []Category
	for _, c := range All {
		if s.enabled[c] {
			out = append(out, c)
		}
	}
	return out
}

// Names returns the enabled categories as sorted strings, for status
// rendering.
func (s *Set) Names() []string {
	out := make([]string, 0, len(s.enabled))
	for c := range s.enabled {
		out = append(out, string(c))
	}
	sort.Strings(out)
	return out
}
