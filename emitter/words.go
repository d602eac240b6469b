package emitter

import (
	"strings"

	"github.com/jonchun/shellpure/ast"
)

func (pr *printer) word(w *ast.Word) {
	if w == nil {
		return
	}
	pr.parts(w.Parts)
}

func (pr *printer) parts(parts []ast.WordPart) {
	for i, part := range parts {
		switch n := part.(type) {
		case *ast.Lit:
			if i+1 < len(parts) && danglingDollar(n.Value) {
				pr.WriteString(n.Value[:len(n.Value)-1] + `\$`)
				continue
			}
			pr.WriteString(n.Value)
		case *ast.SglQuoted:
			switch {
			case n.Dollar:
				pr.WriteString("$'" + n.Value + "'")
			case strings.Contains(n.Value, "'"):
				pr.WriteString("'" + strings.ReplaceAll(n.Value, "'", `'"'"'`) + "'")
			default:
				pr.WriteString("'" + n.Value + "'")
			}
		case *ast.DblQuoted:
			pr.WriteByte('"')
			pr.parts(n.Parts)
			pr.WriteByte('"')
		case *ast.ParamExp:
			var next ast.WordPart
			if i+1 < len(parts) {
				next = parts[i+1]
			}
			pr.param(n, next)
		case *ast.CmdSubst:
			pr.WriteString("$(")
			pr.substBody(n.Stmts)
			pr.WriteByte(')')
		case *ast.ArithExp:
			pr.WriteString("$((" + n.Expr + "))")
		case *ast.ProcSubst:
			pr.WriteString(n.Op + "(")
			pr.substBody(n.Stmts)
			pr.WriteByte(')')
		}
	}
}

// param writes $NAME, switching to ${NAME} when the following literal would
// otherwise extend the name.
func (pr *printer) param(n *ast.ParamExp, next ast.WordPart) {
	braced := n.Braced || n.Length || n.Modifier != ""
	if !braced && ast.IsName(n.Name) {
		if l, ok := next.(*ast.Lit); ok && l.Value != "" && isNameChar(l.Value[0]) {
			braced = true
		}
	}
	if !braced {
		pr.WriteString("$" + n.Name)
		return
	}
	pr.WriteString("${")
	if n.Length {
		pr.WriteByte('#')
	}
	pr.WriteString(n.Name)
	pr.WriteString(n.Modifier)
	pr.WriteByte('}')
}

// danglingDollar reports whether s ends in an unescaped $, which the next
// part would turn into an expansion such as $( or $'.
func danglingDollar(s string) bool {
	if !strings.HasSuffix(s, "$") {
		return false
	}
	slashes := 0
	for i := len(s) - 2; i >= 0 && s[i] == '\\'; i-- {
		slashes++
	}
	return slashes%2 == 0
}

func isNameChar(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

// substBody writes the statements of $(...). One-line bodies stay inline;
// anything with a newline or a here-document gets its own lines.
func (pr *printer) substBody(stmts []ast.Stmt) {
	sub := &printer{}
	sub.list(stmts, 1)
	text := sub.String()
	body := strings.TrimSuffix(text, "\n")
	if !strings.Contains(body, "\n") {
		body = strings.TrimPrefix(body, indentUnit)
		if strings.HasPrefix(body, "(") {
			pr.WriteByte(' ')
		}
		pr.WriteString(body)
		return
	}
	pr.WriteByte('\n')
	pr.WriteString(text)
}
