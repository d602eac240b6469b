// Package report renders purification results as the JSON issue report and
// truncates large text with head/tail preservation.
package report

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/jonchun/shellpure/ast"
	"github.com/jonchun/shellpure/emitter"
	"github.com/jonchun/shellpure/lexer"
	"github.com/jonchun/shellpure/parser"
	"github.com/jonchun/shellpure/purifier"
	"github.com/jonchun/shellpure/validator"
)

const (
	DefaultMaxBytes  = 65536
	DefaultHeadBytes = 48 * 1024
	DefaultTailBytes = 16 * 1024
)

// Rule ids for issues that do not come from a purification rule.
const (
	RuleLex      = "LEX001"
	RuleParse    = "PARSE001"
	RuleEmit     = "EMIT001"
	RuleValidate = "VAL001"
	RuleInternal = "INT001"
)

type Severity string

const (
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

type Issue struct {
	RuleID     string   `json:"rule_id"`
	Severity   Severity `json:"severity"`
	Line       int      `json:"line"`
	Column     int      `json:"column"`
	Message    string   `json:"message"`
	Suggestion string   `json:"suggestion,omitempty"`
}

type Report struct {
	ID         string  `json:"id"`
	Issues     []Issue `json:"issues"`
	IssueCount int     `json:"issue_count"`
	LineCount  int     `json:"line_count"`
}

// namespace scopes report ids so equal sources always get equal ids.
var namespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://github.com/jonchun/shellpure/report"))

// ID returns the name-based UUID of source.
func ID(source string) string {
	return uuid.NewSHA1(namespace, []byte(source)).String()
}

// New starts an empty report for source.
func New(source string) *Report {
	return &Report{
		ID:        ID(source),
		Issues:    []Issue{},
		LineCount: lineCount(source),
	}
}

func lineCount(source string) int {
	if source == "" {
		return 0
	}
	n := strings.Count(source, "\n")
	if !strings.HasSuffix(source, "\n") {
		n++
	}
	return n
}

func (r *Report) add(issue Issue) {
	r.Issues = append(r.Issues, issue)
	r.IssueCount = len(r.Issues)
}

// AddPurification records every fix and warning as a warning-severity issue.
func (r *Report) AddPurification(rep *purifier.Report) {
	if rep == nil {
		return
	}
	for _, f := range rep.Fixes {
		r.add(Issue{
			RuleID:     f.Rule.String(),
			Severity:   SeverityWarning,
			Line:       f.Span.Start.Line,
			Column:     f.Span.Start.Col,
			Message:    f.Description,
			Suggestion: f.Rule.Suggestion(),
		})
	}
	for _, w := range rep.Warnings {
		r.add(Issue{
			RuleID:     w.Rule.String(),
			Severity:   SeverityWarning,
			Line:       w.Span.Start.Line,
			Column:     w.Span.Start.Col,
			Message:    w.Message,
			Suggestion: w.Rule.Suggestion(),
		})
	}
}

// AddError maps a pipeline error to an error-severity issue.
func (r *Report) AddError(err error) {
	if err == nil {
		return
	}
	issue := Issue{RuleID: RuleInternal, Severity: SeverityError, Message: err.Error()}
	var (
		lexErr   *lexer.Error
		parseErr *parser.ParseError
		purErr   *purifier.PurifyError
		emitErr  *emitter.EmitError
		valErr   *validator.ValidationError
	)
	switch {
	case errors.As(err, &lexErr):
		issue.RuleID, issue.Message = RuleLex, lexErr.Message
		if issue.Message == "" {
			issue.Message = fmt.Sprintf("unexpected character %q", lexErr.Char)
		}
		setPos(&issue, lexErr.Pos())
	case errors.As(err, &parseErr):
		issue.RuleID, issue.Message = RuleParse, parseErr.Message
		setPos(&issue, parseErr.Span.Start)
	case errors.As(err, &purErr):
		issue.RuleID = purErr.Rule.String()
		issue.Message = fmt.Sprintf("%s (%s)", purErr.Message, purErr.Kind)
		issue.Suggestion = purErr.Rule.Suggestion()
		setPos(&issue, purErr.Span.Start)
	case errors.As(err, &emitErr):
		issue.RuleID, issue.Message = RuleEmit, emitErr.Message
		setPos(&issue, emitErr.Span.Start)
	case errors.As(err, &valErr):
		issue.RuleID, issue.Message = RuleValidate, valErr.Message
		setPos(&issue, valErr.Span.Start)
	}
	r.add(issue)
}

// AddViolations records validator findings as error-severity issues.
func (r *Report) AddViolations(errs []*validator.ValidationError) {
	for _, e := range errs {
		r.AddError(e)
	}
}

func setPos(issue *Issue, pos ast.Pos) {
	if pos.IsValid() {
		issue.Line, issue.Column = pos.Line, pos.Col
	}
}

// HasErrors reports whether any issue has error severity.
func (r *Report) HasErrors() bool {
	for _, i := range r.Issues {
		if i.Severity == SeverityError {
			return true
		}
	}
	return false
}

// Truncate bounds text to maxBytes, keeping its head and tail around a
// marker. A non-positive limit uses DefaultMaxBytes.
func Truncate(text string, maxBytes int) (string, bool) {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	data := []byte(text)
	total := len(data)
	if total <= maxBytes {
		return text, false
	}

	separator := []byte(fmt.Sprintf("\n... [TRUNCATED: %d bytes total] ...\n", total))
	if maxBytes <= len(separator) {
		return string(separator[:maxBytes]), true
	}

	budget := maxBytes - len(separator)
	var headSize, tailSize int
	if maxBytes == DefaultMaxBytes {
		headSize = min(DefaultHeadBytes, budget)
		tailSize = min(DefaultTailBytes, budget-headSize)
	} else {
		headSize = budget * 3 / 4
		tailSize = budget - headSize
	}

	out := make([]byte, 0, maxBytes)
	out = append(out, data[:headSize]...)
	out = append(out, separator...)
	out = append(out, data[total-tailSize:]...)
	return string(out), true
}
