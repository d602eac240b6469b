package ast

import "strings"

// Shell-maintained variables whose value changes between runs. They are lexed
// as special parameters so later stages can flag them without re-scanning text.
var entropyParams = map[string]bool{
	"RANDOM":        true,
	"SRANDOM":       true,
	"$":             true,
	"BASHPID":       true,
	"PPID":          true,
	"SECONDS":       true,
	"EPOCHSECONDS":  true,
	"EPOCHREALTIME": true,
}

// IsEntropyParam reports whether expanding name yields a value that depends
// on randomness, time or process identity.
func IsEntropyParam(name string) bool {
	return entropyParams[name]
}

// IsSpecialName reports whether name is lexed as a special parameter.
func IsSpecialName(name string) bool {
	if entropyParams[name] {
		return true
	}
	if len(name) != 1 {
		return false
	}
	switch c := name[0]; {
	case c >= '0' && c <= '9':
		return true
	default:
		return strings.ContainsRune("?#@*!-", rune(c))
	}
}

// IsSafeToken reports whether s can be written unquoted without any shell
// interpretation.
func IsSafeToken(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if (r >= 'a' && r <= 'z') ||
			(r >= 'A' && r <= 'Z') ||
			(r >= '0' && r <= '9') ||
			r == '_' || r == '@' || r == '%' || r == '+' || r == '=' || r == ':' ||
			r == ',' || r == '.' || r == '/' || r == '-' {
			continue
		}
		return false
	}
	return true
}

// IsName reports whether s is a valid shell variable name.
func IsName(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		switch {
		case r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z'):
		case i > 0 && r >= '0' && r <= '9':
		default:
			return false
		}
	}
	return true
}

// NewWord builds a synthesized word holding s. Safe tokens stay bare literals,
// anything else is single-quoted.
func NewWord(s string) *Word {
	if IsSafeToken(s) {
		return &Word{Parts: []WordPart{&Lit{Value: s}}}
	}
	return &Word{Parts: []WordPart{&SglQuoted{Value: s}}}
}

// Static returns the value of w after quote removal when w contains no
// expansions.
func (w *Word) Static() (string, bool) {
	if w == nil {
		return "", false
	}
	var b strings.Builder
	for _, part := range w.Parts {
		if !staticPart(&b, part, false) {
			return "", false
		}
	}
	return b.String(), true
}

// Lit returns w's value when it is a single unquoted literal.
func (w *Word) Lit() (string, bool) {
	if w == nil || len(w.Parts) != 1 {
		return "", false
	}
	l, ok := w.Parts[0].(*Lit)
	if !ok {
		return "", false
	}
	return l.Value, true
}

// HasExpansion reports whether any part of w expands at run time.
func (w *Word) HasExpansion() bool {
	if w == nil {
		return false
	}
	return partsExpand(w.Parts)
}

func partsExpand(parts []WordPart) bool {
	for _, part := range parts {
		switch p := part.(type) {
		case *ParamExp, *CmdSubst, *ArithExp, *ProcSubst:
			return true
		case *DblQuoted:
			if partsExpand(p.Parts) {
				return true
			}
		}
	}
	return false
}

func staticPart(b *strings.Builder, part WordPart, quoted bool) bool {
	switch p := part.(type) {
	case *Lit:
		b.WriteString(Unescape(p.Value, quoted))
	case *SglQuoted:
		if p.Dollar {
			return false
		}
		b.WriteString(p.Value)
	case *DblQuoted:
		for _, inner := range p.Parts {
			if !staticPart(b, inner, true) {
				return false
			}
		}
	default:
		return false
	}
	return true
}

// Unescape removes backslash quoting from literal text. Inside double quotes
// a backslash only escapes $, `, ", \ and newline.
func Unescape(s string, inDouble bool) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '\\' || i+1 >= len(s) {
			b.WriteByte(c)
			continue
		}
		next := s[i+1]
		switch {
		case next == '\n':
			i++
		case !inDouble:
			b.WriteByte(next)
			i++
		case strings.IndexByte("$`\"\\", next) >= 0:
			b.WriteByte(next)
			i++
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}
