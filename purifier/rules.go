package purifier

import "fmt"

// RuleID identifies one purification rule. The set is closed; every rule has
// an entry in the rules table.
type RuleID int

const (
	RuleRandom RuleID = iota
	RuleProcessID
	RuleTimestamp
	RuleProcessSubst
	RuleMkdir
	RuleRm
	RuleLn
	RuleGuarded
	RuleNonIdempotent
	RulePermissionGuard
	RuleAppend
	RuleIdempotentFlag
	RuleQuoteParam
	RuleQuoteCmdSubst
	RuleBackquote
	RuleDoubleBracket
	RuleFunctionKeyword
	RuleSource
	RuleTestEquality
	RuleDollarQuote
	RuleBothRedirect
	RuleBraceExpansion
	RuleHomoglyph
	RuleUnquotedLoop
	RuleDynamicCommand

	numRules
)

// Category groups the fixes a rule can make.
type Category int

const (
	Advisory Category = iota
	Determinism
	Idempotency
	Quoting
	Portability
)

func (c Category) String() string {
	switch c {
	case Determinism:
		return "Determinism"
	case Idempotency:
		return "Idempotency"
	case Quoting:
		return "Quoting"
	case Portability:
		return "Portability"
	default:
		return "Advisory"
	}
}

// Rules in the Advisory category only ever produce warnings.
type ruleSpec struct {
	code       string
	category   Category
	summary    string
	suggestion string
}

var rules = [numRules]ruleSpec{
	RuleRandom:          {"DET001", Determinism, "$RANDOM replaced with a fixed seed", "use a fixed value instead of $RANDOM"},
	RuleProcessID:       {"DET002", Determinism, "process id replaced with a fixed value", "use a fixed name instead of $$"},
	RuleTimestamp:       {"DET003", Determinism, "clock read replaced with a fixed timestamp", "derive timestamps from SOURCE_DATE_EPOCH"},
	RuleProcessSubst:    {"DET004", Determinism, "process substitution", "write to a temporary file instead of <(...)"},
	RuleMkdir:           {"IDEM001", Idempotency, "mkdir made idempotent with -p", "use mkdir -p"},
	RuleRm:              {"IDEM002", Idempotency, "rm made idempotent with -f", "use rm -f"},
	RuleLn:              {"IDEM003", Idempotency, "ln made idempotent with -f", "use ln -sf"},
	RuleGuarded:         {"IDEM004", Idempotency, "command guarded by an existence probe", "check whether the object exists first"},
	RuleNonIdempotent:   {"IDEM005", Idempotency, "command has no idempotent form", "restructure so reruns are safe"},
	RulePermissionGuard: {"IDEM006", Idempotency, "write permission checked before mutation", "check the parent directory is writable"},
	RuleAppend:          {"IDEM007", Advisory, "append redirection grows the file on every run", "write with > or guard the append"},
	RuleIdempotentFlag:  {"IDEM008", Idempotency, "idempotent flag added", "add the command's idempotent flag"},
	RuleQuoteParam:      {"SEC001", Quoting, "variable expansion quoted", `quote the expansion: "$VAR"`},
	RuleQuoteCmdSubst:   {"SEC002", Quoting, "command substitution quoted", `quote the substitution: "$(...)"`},
	RuleBackquote:       {"SEC003", Quoting, "backquotes replaced with $(...)", "use $(...) instead of backquotes"},
	RuleDoubleBracket:   {"PORT001", Portability, "[[ ]] rewritten as [ ]", "use [ ] tests"},
	RuleFunctionKeyword: {"PORT002", Portability, "function keyword removed", "define functions as name() { ... }"},
	RuleSource:          {"PORT003", Portability, "source replaced with .", "use . instead of source"},
	RuleTestEquality:    {"PORT004", Portability, "== replaced with = in test", "use = for string comparison"},
	RuleDollarQuote:     {"PORT005", Portability, "$'...' rewritten with plain quotes", "use printf or plain quotes"},
	RuleBothRedirect:    {"PORT006", Portability, "&> rewritten as > file 2>&1", "redirect stdout and stderr separately"},
	RuleBraceExpansion:  {"PORT007", Portability, "brace expansion", "list the words or use a for loop"},
	RuleHomoglyph:       {"SEC004", Advisory, "command name changes under Unicode normalization", "spell the command in ASCII"},
	RuleUnquotedLoop:    {"SEC005", Advisory, "unquoted expansion in for list is split and globbed", "quote the list or iterate over \"$@\""},
	RuleDynamicCommand:  {"SEC006", Advisory, "command name comes from an expansion", "call the command by name"},
}

// String returns the stable rule code, such as "IDEM001".
func (r RuleID) String() string {
	if r < 0 || r >= numRules {
		return fmt.Sprintf("RuleID(%d)", int(r))
	}
	return rules[r].code
}

func (r RuleID) Category() Category {
	if r < 0 || r >= numRules {
		return Advisory
	}
	return rules[r].category
}

func (r RuleID) Summary() string {
	if r < 0 || r >= numRules {
		return ""
	}
	return rules[r].summary
}

// Suggestion is the remediation shown next to issues raised by r.
func (r RuleID) Suggestion() string {
	if r < 0 || r >= numRules {
		return ""
	}
	return rules[r].suggestion
}

// Rules lists every rule in table order.
func Rules() []RuleID {
	out := make([]RuleID, numRules)
	for i := range out {
		out[i] = RuleID(i)
	}
	return out
}

// ParseRuleID looks a rule up by its code.
func ParseRuleID(code string) (RuleID, bool) {
	for i, spec := range rules {
		if spec.code == code {
			return RuleID(i), true
		}
	}
	return 0, false
}

// flagRules maps registry commands with a flag rewrite to their rule. Other
// flag entries, such as ones loaded from a rules directory, use
// RuleIdempotentFlag.
var flagRules = map[string]RuleID{
	"mkdir": RuleMkdir,
	"rm":    RuleRm,
	"ln":    RuleLn,
}
