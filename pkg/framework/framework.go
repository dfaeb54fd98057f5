package framework

import (
	_ "embed"
	"os"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// None is the name of the empty framework. Selecting it adds nothing to the
// system prompt.
const None = "None"

var ErrUnknownFramework = errors.New("unknown prompt framework")

//go:embed frameworks.yaml
var builtinYAML []byte

// Framework is a named prompt template appended to the system prompt.
type Framework struct {
	Name        string `yaml:"name" json:"name"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
	Template    string `yaml:"template" json:"template"`
	Builtin     bool   `yaml:"-" json:"builtin"`
}

type file struct {
	Frameworks []Framework `yaml:"frameworks"`
}

// Registry holds frameworks in display order. "None" is always first.
type Registry struct {
	order  []string
	byName map[string]Framework
}

// NewRegistry returns the built-in frameworks.
func NewRegistry() (*Registry, error) {
	r := &Registry{byName: map[string]Framework{}}
	r.add(Framework{Name: None, Builtin: true})
	fs, err := parse(builtinYAML)
	if err != nil {
		return nil, errors.Wrap(err, "parse built-in frameworks")
	}
	for _, f := range fs {
		f.Builtin = true
		r.add(f)
	}
	return r, nil
}

// LoadFile adds frameworks from a YAML file with the same layout as the
// built-in set. Names that already exist are skipped.
func (r *Registry) LoadFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, "read frameworks file %s", path)
	}
	fs, err := parse(raw)
	if err != nil {
		return errors.Wrapf(err, "parse frameworks file %s", path)
	}
	for _, f := range fs {
		if _, ok := r.byName[f.Name]; ok {
			log.Warn().Str("component", "framework").Str("name", f.Name).Str("file", path).Msg("framework already defined, skipping")
			continue
		}
		f.Builtin = false
		r.add(f)
	}
	return nil
}

func parse(raw []byte) ([]Framework, error) {
	var f file
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, err
	}
	out := make([]Framework, 0, len(f.Frameworks))
	for i, fw := range f.Frameworks {
		fw.Name = strings.TrimSpace(fw.Name)
		if fw.Name == "" {
			return nil, errors.Errorf("framework %d has no name", i)
		}
		if fw.Name == None {
			continue
		}
		out = append(out, fw)
	}
	return out, nil
}

func (r *Registry) add(f Framework) {
	r.order = append(r.order, f.Name)
	r.byName[f.Name] = f
}

// Names lists framework names in display order.
func (r *Registry) Names() []string {
	return append([]string(nil), r.order...)
}

func (r *Registry) List() []Framework {
	out := make([]Framework, 0, len(r.order))
	for _, n := range r.order {
		out = append(out, r.byName[n])
	}
	return out
}

func (r *Registry) Get(name string) (Framework, bool) {
	f, ok := r.byName[name]
	return f, ok
}

// Compose builds the system prompt for a turn from the user's own system
// prompt and the selected framework. An empty name is treated as None.
func (r *Registry) Compose(userSystem, name string) (string, error) {
	if name == "" {
		name = None
	}
	f, ok := r.byName[name]
	if !ok {
		return "", errors.Wrapf(ErrUnknownFramework, "%q", name)
	}
	return Compose(userSystem, f.Name, f.Template), nil
}

// Compose joins the parts:
//
//	SYSTEM PROMPT:\n<user>\n\n      when user is non-empty
//	PROMPT FRAMEWORK:\n<template>   when name is not None
func Compose(userSystem, name, template string) string {
	var sb strings.Builder
	if userSystem != "" {
		sb.WriteString("SYSTEM PROMPT:\n")
		sb.WriteString(userSystem)
		sb.WriteString("\n\n")
	}
	if name != None {
		sb.WriteString("PROMPT FRAMEWORK:\n")
		sb.WriteString(template)
	}
	return sb.String()
}
