// Package prompt parses templated generation requests into their structured
// form: base text, variable references, an optional enhancement instruction,
// and optional batch overrides extracted from a trailing parameter segment.
//
// Parsing is total. Any input string produces a ParsedPrompt; malformed or
// unrecognized fragments degrade to warnings or literal text, never errors.
package prompt

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// VariableRef is one occurrence of a __name__ or __name:index__ token in the
// base text, in left-to-right order. The same variable may appear more than
// once; each occurrence is substituted independently.
type VariableRef struct {
	Name     string
	Index    int
	HasIndex bool
}

// BatchOverrides holds request-level parameters recognized in the trailing
// parameter segment of a prompt. Nil fields were not present.
type BatchOverrides struct {
	Count  *int
	Width  *int
	Height *int
	Seed   *int64
	Steps  *int
}

// Empty reports whether no override was recognized.
func (o BatchOverrides) Empty() bool {
	return o.Count == nil && o.Width == nil && o.Height == nil && o.Seed == nil && o.Steps == nil
}

// ParsedPrompt is the structured form of a raw request template.
type ParsedPrompt struct {
	// Base is the prompt text with variable tokens intact and escape
	// sequences resolved.
	Base string
	// Vars lists variable token occurrences in Base, in order.
	Vars []VariableRef
	// Enhancement is the instruction following the first unescaped '>',
	// empty when absent.
	Enhancement string
	// Overrides carries recognized trailing batch parameters.
	Overrides BatchOverrides
	// Warnings records non-fatal oddities found while parsing.
	Warnings []string
}

// varToken matches __name__ and __name:digits__ variable tokens.
var varToken = regexp.MustCompile(`__([A-Za-z][A-Za-z0-9_-]*)(?::([0-9]+))?__`)

// Parse converts a raw request template into a ParsedPrompt. It never fails:
// unrecognized trailing segments stay literal prompt text and malformed
// pieces are reported through ParsedPrompt.Warnings.
func Parse(raw string) ParsedPrompt {
	var p ParsedPrompt

	rest, overrides, warnings := extractOverrides(raw)
	p.Overrides = overrides
	p.Warnings = warnings

	base, instruction := splitEnhancement(rest)
	p.Enhancement = unescape(instruction)
	p.Base = strings.TrimSpace(unescape(base))

	p.Vars, p.Warnings = scanVariables(p.Base, p.Warnings)
	return p
}

// Substitute replaces each variable token occurrence in Base using pick,
// which receives the parsed reference and its zero-based occurrence number.
// Returning ok=false leaves that token literal.
func (p ParsedPrompt) Substitute(pick func(ref VariableRef, occurrence int) (string, bool)) string {
	occurrence := 0
	return varToken.ReplaceAllStringFunc(p.Base, func(tok string) string {
		ref, _ := refFromToken(tok)
		value, ok := pick(ref, occurrence)
		occurrence++
		if !ok {
			return tok
		}
		return value
	})
}

// extractOverrides finds the trailing parameter segment, if any. Candidate
// segments are tried right to left across unescaped colons; the first whose
// comma tokens include at least one recognized key wins. Colons that sit
// inside a seed:<n> or steps:<n> key token are not split points, otherwise a
// segment like "x3,seed:42" would be cut mid-key at its rightmost colon.
func extractOverrides(raw string) (rest string, ov BatchOverrides, warnings []string) {
	colons := unescapedPositions(raw, ':')
	for i := len(colons) - 1; i >= 0; i-- {
		pos := colons[i]
		if keyInternalColon(raw, pos) {
			continue
		}
		candidate := raw[pos+1:]
		tokens := strings.Split(candidate, ",")
		if !anyRecognized(tokens) {
			continue
		}
		for _, tok := range tokens {
			tok = strings.TrimSpace(tok)
			if tok == "" {
				continue
			}
			if !applyToken(&ov, tok) {
				warnings = append(warnings, fmt.Sprintf("ignoring unrecognized batch parameter %q", tok))
			}
		}
		return raw[:pos], ov, warnings
	}
	return raw, BatchOverrides{}, nil
}

// keyInternalColon reports whether the colon at pos belongs to a seed:<n> or
// steps:<n> token: the text before it ends with the key word and an unbroken
// digit run after it reaches a comma or the end of the string.
func keyInternalColon(raw string, pos int) bool {
	before := strings.ToLower(raw[:pos])
	if !strings.HasSuffix(before, "seed") && !strings.HasSuffix(before, "steps") {
		return false
	}
	i := pos + 1
	for i < len(raw) && raw[i] >= '0' && raw[i] <= '9' {
		i++
	}
	if i == pos+1 {
		return false
	}
	return i == len(raw) || raw[i] == ','
}

// anyRecognized reports whether at least one comma token is a recognized
// batch parameter. This is the accept test that keeps ordinary prompt
// punctuation (ratios, times of day) from being eaten as parameters.
func anyRecognized(tokens []string) bool {
	for _, tok := range tokens {
		var probe BatchOverrides
		if applyToken(&probe, strings.TrimSpace(tok)) {
			return true
		}
	}
	return false
}

// applyToken classifies one comma token and stores recognized values.
// Recognized forms: x<digits>, w<digits>, h<digits>, seed:<digits>,
// steps:<digits>. Later duplicates overwrite earlier ones.
func applyToken(ov *BatchOverrides, tok string) bool {
	lower := strings.ToLower(tok)
	switch {
	case strings.HasPrefix(lower, "seed:"):
		n, err := strconv.ParseInt(lower[len("seed:"):], 10, 64)
		if err != nil {
			return false
		}
		ov.Seed = &n
		return true
	case strings.HasPrefix(lower, "steps:"):
		n, err := strconv.Atoi(lower[len("steps:"):])
		if err != nil {
			return false
		}
		ov.Steps = &n
		return true
	case strings.HasPrefix(lower, "x"):
		n, err := strconv.Atoi(lower[1:])
		if err != nil {
			return false
		}
		ov.Count = &n
		return true
	case strings.HasPrefix(lower, "w"):
		n, err := strconv.Atoi(lower[1:])
		if err != nil {
			return false
		}
		ov.Width = &n
		return true
	case strings.HasPrefix(lower, "h"):
		n, err := strconv.Atoi(lower[1:])
		if err != nil {
			return false
		}
		ov.Height = &n
		return true
	}
	return false
}

// splitEnhancement divides text at the first unescaped '>'. Everything after
// it is the enhancement instruction; an empty instruction counts as absent.
func splitEnhancement(text string) (base, instruction string) {
	positions := unescapedPositions(text, '>')
	if len(positions) == 0 {
		return text, ""
	}
	pos := positions[0]
	return text[:pos], strings.TrimSpace(text[pos+1:])
}

// scanVariables records each variable token occurrence in order. An index too
// large for int falls back to random selection with a warning rather than
// failing the parse.
func scanVariables(base string, warnings []string) ([]VariableRef, []string) {
	matches := varToken.FindAllString(base, -1)
	if len(matches) == 0 {
		return nil, warnings
	}
	refs := make([]VariableRef, 0, len(matches))
	for _, tok := range matches {
		ref, err := refFromToken(tok)
		if err != nil {
			warnings = append(warnings, err.Error())
		}
		refs = append(refs, ref)
	}
	return refs, warnings
}

// refFromToken parses one matched __...__ token into a VariableRef.
func refFromToken(tok string) (VariableRef, error) {
	sub := varToken.FindStringSubmatch(tok)
	if sub == nil {
		return VariableRef{Name: tok}, nil
	}
	ref := VariableRef{Name: sub[1]}
	if sub[2] == "" {
		return ref, nil
	}
	idx, err := strconv.Atoi(sub[2])
	if err != nil {
		return ref, fmt.Errorf("variable index too large in %q, selecting randomly", tok)
	}
	ref.Index = idx
	ref.HasIndex = true
	return ref, nil
}

// unescapedPositions returns the byte offsets of every ch in s not preceded
// by a backslash.
func unescapedPositions(s string, ch byte) []int {
	var out []int
	for i := 0; i < len(s); i++ {
		if s[i] != ch {
			continue
		}
		if i > 0 && s[i-1] == '\\' {
			continue
		}
		out = append(out, i)
	}
	return out
}

// unescape resolves the two escape sequences the template grammar defines.
func unescape(s string) string {
	return strings.NewReplacer(`\:`, ":", `\>`, ">").Replace(s)
}
