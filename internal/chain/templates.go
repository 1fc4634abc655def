package chain

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed defaults.yaml
var defaultTemplates []byte

// Placeholder names bound at invocation time.
const (
	VarUserQuery     = "user_query"
	VarDomainContext = "domain_context"
	VarMetadata      = "metadata"
	VarAttributeInfo = "attribute_info"
)

// Templates holds the two prompt templates in FString syntax: {name} is a
// placeholder and literal braces are doubled.
type Templates struct {
	CodeGenerator     string `yaml:"codeGeneratorPrompt"`
	MetadataGenerator string `yaml:"metadataGeneratorPrompt"`
}

// LoadTemplates reads the YAML template file at path, or the built-in
// templates when path is empty.
func LoadTemplates(path string) (*Templates, error) {
	data := defaultTemplates
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, &ConstructionError{Stage: "templates", Err: err}
		}
		data = b
	}
	return ParseTemplates(data)
}

// ParseTemplates decodes and validates a template document.
func ParseTemplates(data []byte) (*Templates, error) {
	var t Templates
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, &ConstructionError{Stage: "templates", Err: fmt.Errorf("parse yaml: %w", err)}
	}
	if err := t.Validate(); err != nil {
		return nil, &ConstructionError{Stage: "templates", Err: err}
	}
	return &t, nil
}

// Validate checks that both templates are present and reference the
// placeholders their chains bind.
func (t *Templates) Validate() error {
	var problems []string
	check := func(key, tpl string, vars ...string) {
		if strings.TrimSpace(tpl) == "" {
			problems = append(problems, key+" is missing")
			return
		}
		for _, v := range vars {
			if !hasPlaceholder(tpl, v) {
				problems = append(problems, fmt.Sprintf("%s lacks {%s}", key, v))
			}
		}
	}
	check("codeGeneratorPrompt", t.CodeGenerator, VarUserQuery, VarDomainContext, VarMetadata)
	check("metadataGeneratorPrompt", t.MetadataGenerator, VarAttributeInfo)
	if len(problems) > 0 {
		return errors.New(strings.Join(problems, "; "))
	}
	return nil
}

// hasPlaceholder reports an unescaped {name} occurrence.
func hasPlaceholder(tpl, name string) bool {
	re := regexp.MustCompile(`\{+` + regexp.QuoteMeta(name) + `\}+`)
	for _, m := range re.FindAllString(tpl, -1) {
		open := strings.Count(m, "{")
		if open%2 == 1 {
			return true
		}
	}
	return false
}
