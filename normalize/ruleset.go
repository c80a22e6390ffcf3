package normalize

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Field classes the default hints assign.
const (
	ClassEmail    = "email"
	ClassUsername = "username"
	ClassPassword = "password"
	ClassPhone    = "phone"
	ClassName     = "name"
	ClassAddress  = "address"
	ClassState    = "state"
	ClassCountry  = "country"
	ClassFreeText = "free_text"
	ClassIP       = "ip"
)

// ClassHint maps a header substring to a field class.
type ClassHint struct {
	Contains string `yaml:"contains"`
	Class    string `yaml:"class"`
}

// EmailRules configures mailbox canonicalization.
type EmailRules struct {
	// PlusStripping removes "+tag" from local parts.
	PlusStripping bool `yaml:"plus_stripping"`
	// DotInsensitiveDomains lists providers that ignore dots in local parts.
	DotInsensitiveDomains []string `yaml:"dot_insensitive_domains"`
	// DomainAliases rewrites equivalent provider domains (googlemail.com: gmail.com).
	DomainAliases map[string]string `yaml:"domain_aliases"`
}

// Ruleset is the active normalization configuration. Two normalizers built
// from equal rulesets produce identical output for identical input.
type Ruleset struct {
	// Version is stamped into reports so output can be tied to its rules.
	Version string `yaml:"version"`
	// NullTokens compare against the case-folded, trimmed value.
	NullTokens []string `yaml:"null_tokens"`
	// SensitiveFields keep their whitespace untouched (passwords, free text).
	SensitiveFields []string `yaml:"sensitive_fields"`
	// FieldClasses pins a class per header (case-insensitive exact match).
	FieldClasses map[string]string `yaml:"field_classes"`
	// ClassHints are tried in order when FieldClasses has no entry.
	ClassHints []ClassHint `yaml:"class_hints"`
	Email      EmailRules  `yaml:"email"`
	// Substitutions maps class -> folded value -> replacement. Applied only
	// for fields of that class.
	Substitutions map[string]map[string]string `yaml:"substitutions"`
}

// DefaultRuleset returns the built-in rules: null tokens, header hints and
// plus-stripping. No substitution table is active by default.
func DefaultRuleset() Ruleset {
	return Ruleset{
		Version:         "default-1",
		NullTokens:      []string{"null", "", `""`, "n/a", "-", `\n`},
		SensitiveFields: nil,
		FieldClasses:    map[string]string{},
		ClassHints: []ClassHint{
			{Contains: "mail", Class: ClassEmail},
			{Contains: "pass", Class: ClassPassword},
			{Contains: "pwd", Class: ClassPassword},
			{Contains: "hash", Class: ClassPassword},
			{Contains: "phone", Class: ClassPhone},
			{Contains: "mobile", Class: ClassPhone},
			{Contains: "tel", Class: ClassPhone},
			{Contains: "user", Class: ClassUsername},
			{Contains: "login", Class: ClassUsername},
			{Contains: "address", Class: ClassAddress},
			{Contains: "street", Class: ClassAddress},
			{Contains: "state", Class: ClassState},
			{Contains: "country", Class: ClassCountry},
			{Contains: "name", Class: ClassName},
			{Contains: "comment", Class: ClassFreeText},
			{Contains: "note", Class: ClassFreeText},
			{Contains: "bio", Class: ClassFreeText},
			{Contains: "ip_addr", Class: ClassIP},
			{Contains: "ipaddr", Class: ClassIP},
		},
		Email: EmailRules{
			PlusStripping: true,
		},
		Substitutions: map[string]map[string]string{},
	}
}

// LoadRuleset reads a YAML ruleset. Unset sections keep DefaultRuleset values.
func LoadRuleset(path string) (Ruleset, error) {
	rs := DefaultRuleset()
	data, err := os.ReadFile(path)
	if err != nil {
		return rs, fmt.Errorf("read ruleset %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &rs); err != nil {
		return rs, fmt.Errorf("parse ruleset %s: %w", path, err)
	}
	return rs, rs.Validate()
}

// Validate rejects rulesets that would make normalization ambiguous.
func (rs Ruleset) Validate() error {
	for i, h := range rs.ClassHints {
		if h.Contains == "" || h.Class == "" {
			return fmt.Errorf("class_hints[%d]: contains and class are required", i)
		}
	}
	for from, to := range rs.Email.DomainAliases {
		if from == "" || to == "" {
			return fmt.Errorf("email.domain_aliases: empty domain")
		}
		if next, ok := rs.Email.DomainAliases[to]; ok && next != to {
			return fmt.Errorf("email.domain_aliases: chained alias %s -> %s -> %s", from, to, next)
		}
	}
	return nil
}

// compiled is the lookup-friendly form of a Ruleset. Built once, read-only.
type compiled struct {
	version       string
	nullTokens    map[string]struct{}
	sensitive     map[string]struct{}
	fieldClasses  map[string]string
	hints         []ClassHint
	plusStripping bool
	dotless       map[string]struct{}
	domainAliases map[string]string
	substitutions map[string]map[string]string
}

func compile(rs Ruleset) *compiled {
	c := &compiled{
		version:       rs.Version,
		nullTokens:    make(map[string]struct{}, len(rs.NullTokens)),
		sensitive:     make(map[string]struct{}, len(rs.SensitiveFields)),
		fieldClasses:  make(map[string]string, len(rs.FieldClasses)),
		plusStripping: rs.Email.PlusStripping,
		dotless:       make(map[string]struct{}, len(rs.Email.DotInsensitiveDomains)),
		domainAliases: make(map[string]string, len(rs.Email.DomainAliases)),
		substitutions: make(map[string]map[string]string, len(rs.Substitutions)),
	}
	for _, t := range rs.NullTokens {
		c.nullTokens[fold(strings.TrimSpace(t))] = struct{}{}
	}
	for _, f := range rs.SensitiveFields {
		c.sensitive[fold(f)] = struct{}{}
	}
	for k, v := range rs.FieldClasses {
		c.fieldClasses[fold(k)] = v
	}
	for _, h := range rs.ClassHints {
		c.hints = append(c.hints, ClassHint{Contains: fold(h.Contains), Class: h.Class})
	}
	for _, d := range rs.Email.DotInsensitiveDomains {
		c.dotless[fold(d)] = struct{}{}
	}
	for k, v := range rs.Email.DomainAliases {
		c.domainAliases[fold(k)] = fold(v)
	}
	for class, table := range rs.Substitutions {
		m := make(map[string]string, len(table))
		for k, v := range table {
			m[fold(k)] = fold(v)
		}
		c.substitutions[class] = m
	}
	return c
}

// classFor resolves the class of a header name. Exact pins win over hints;
// hints are tried in declaration order.
func (c *compiled) classFor(name string) string {
	key := fold(strings.TrimSpace(name))
	if class, ok := c.fieldClasses[key]; ok {
		return class
	}
	for _, h := range c.hints {
		if strings.Contains(key, h.Contains) {
			return h.Class
		}
	}
	return ""
}

func (c *compiled) isSensitive(name, class string) bool {
	if class == ClassPassword || class == ClassFreeText {
		return true
	}
	_, ok := c.sensitive[fold(strings.TrimSpace(name))]
	return ok
}
