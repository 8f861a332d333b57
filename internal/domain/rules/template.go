package rules

import (
	"sort"
	"strings"
)

// RefKind distinguishes the namespaces allowed inside {{ }} tokens.
type RefKind int

const (
	RefVariable RefKind = iota // {{var.key}}
	RefField                   // {{event.path}} / {{context.path}}
)

// Segment is one piece of a parsed template: literal text or a reference.
type Segment struct {
	Text string
	Ref  *Reference
}

// Reference is a typed {{...}} token.
type Reference struct {
	Kind RefKind
	// Key is the variable key for RefVariable and the dotted path for RefField.
	Key string
	Raw string
}

// Template is a string parsed once into segments. Evaluation code renders
// templates without re-scanning the source text.
type Template struct {
	Source   string
	Segments []Segment
}

// ParseTemplate tokenizes s. Unterminated or unknown tokens stay literal text.
func ParseTemplate(s string) Template {
	t := Template{Source: s}
	var lit strings.Builder
	for i := 0; i < len(s); {
		if strings.HasPrefix(s[i:], "{{") {
			end := strings.Index(s[i+2:], "}}")
			if end >= 0 {
				raw := s[i : i+2+end+2]
				if ref, ok := parseRef(s[i+2 : i+2+end], raw); ok {
					if lit.Len() > 0 {
						t.Segments = append(t.Segments, Segment{Text: lit.String()})
						lit.Reset()
					}
					t.Segments = append(t.Segments, Segment{Ref: ref})
					i += len(raw)
					continue
				}
			}
		}
		lit.WriteByte(s[i])
		i++
	}
	if lit.Len() > 0 {
		t.Segments = append(t.Segments, Segment{Text: lit.String()})
	}
	return t
}

func parseRef(body, raw string) (*Reference, bool) {
	body = strings.TrimSpace(body)
	ns, rest, ok := strings.Cut(body, ".")
	if !ok || rest == "" || strings.ContainsAny(rest, " {}") {
		return nil, false
	}
	switch ns {
	case "var":
		if !variableKeyPattern.MatchString(rest) {
			return nil, false
		}
		return &Reference{Kind: RefVariable, Key: rest, Raw: raw}, true
	case "event", "context":
		return &Reference{Kind: RefField, Key: body, Raw: raw}, true
	}
	return nil, false
}

// SingleRef returns the reference when the template is exactly one token with
// no surrounding text. Such templates render to the referenced value's native
// type instead of a string.
func (t Template) SingleRef() (*Reference, bool) {
	if len(t.Segments) == 1 && t.Segments[0].Ref != nil {
		return t.Segments[0].Ref, true
	}
	return nil, false
}

// HasRefs reports whether the template contains any token.
func (t Template) HasRefs() bool {
	for _, seg := range t.Segments {
		if seg.Ref != nil {
			return true
		}
	}
	return false
}

// VariableKeys returns the variable keys referenced, in order of appearance.
func (t Template) VariableKeys() []string {
	var keys []string
	for _, seg := range t.Segments {
		if seg.Ref != nil && seg.Ref.Kind == RefVariable {
			keys = append(keys, seg.Ref.Key)
		}
	}
	return keys
}

// Render substitutes every token through lookup. Tokens whose lookup reports
// !ok are left verbatim.
func (t Template) Render(lookup func(*Reference) (string, bool)) string {
	var b strings.Builder
	for _, seg := range t.Segments {
		if seg.Ref == nil {
			b.WriteString(seg.Text)
			continue
		}
		if v, ok := lookup(seg.Ref); ok {
			b.WriteString(v)
		} else {
			b.WriteString(seg.Ref.Raw)
		}
	}
	return b.String()
}

// ExtractVariableKeys scans arbitrary text for {{var.*}} tokens and returns
// the deduplicated, sorted key set.
func ExtractVariableKeys(texts ...string) []string {
	set := map[string]struct{}{}
	for _, s := range texts {
		for _, k := range ParseTemplate(s).VariableKeys() {
			set[k] = struct{}{}
		}
	}
	return sortedKeys(set)
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
