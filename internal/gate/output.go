package gate

import (
	"fmt"
	"regexp"
	"strings"
	"sync"

	"routenerd/internal/logging"
	"routenerd/internal/registry"
)

var (
	// Korean resident registration number: 6 digits, dash, 7 digits.
	rrnRe = regexp.MustCompile(`\b\d{6}\s*-\s*\d{7}\b`)

	// Korean mobile number with optional separators.
	phoneRe = regexp.MustCompile(`\b01[016789][-.\s]?\d{3,4}[-.\s]?\d{4}\b`)

	// Internal product codes must never reach the user.
	productCodeRe = regexp.MustCompile(`\bB\d{5,}\b`)

	multiSpaceRe = regexp.MustCompile(`[ \t]{2,}`)
)

// forbiddenPhrases are compliance violations: absolute coverage claims an
// insurance answer may never make, plus internal-instruction leak markers.
var forbiddenPhrases = []string{
	"100% 보장",
	"무조건 보장",
	"전액 보장을 약속",
	"절대 손해",
	"시스템 프롬프트",
	"system prompt",
}

// Verdict is the outcome of one output policy check. Hint carries the
// repair instruction handed back to the generator on the single retry.
type Verdict struct {
	OK         bool
	Violations []string
	Hint       string
}

// OutputGate validates generated text before it reaches the caller and
// strips internal identifiers from text that passes.
type OutputGate struct {
	reg *registry.Registry

	mu          sync.Mutex
	nameRe      *regexp.Regexp
	nameVersion int64
}

// NewOutputGate creates an output gate over the given registry. The
// registry supplies the action names to strip from user-visible text.
func NewOutputGate(reg *registry.Registry) *OutputGate {
	return &OutputGate{reg: reg}
}

// Check scans the text for policy violations: empty output, resident
// registration numbers, phone numbers, and forbidden phrases.
func (og *OutputGate) Check(text string) Verdict {
	var violations, repairs []string

	if strings.TrimSpace(text) == "" {
		violations = append(violations, "empty_output")
		repairs = append(repairs, "the answer was empty, produce a substantive answer")
	}
	if rrnRe.MatchString(text) {
		violations = append(violations, "resident_registration_number")
		repairs = append(repairs, "remove the resident registration number")
	}
	if phoneRe.MatchString(text) {
		violations = append(violations, "phone_number")
		repairs = append(repairs, "remove the phone number")
	}
	for _, phrase := range forbiddenPhrases {
		if strings.Contains(strings.ToLower(text), strings.ToLower(phrase)) {
			violations = append(violations, fmt.Sprintf("forbidden_phrase:%s", phrase))
			repairs = append(repairs, fmt.Sprintf("remove the forbidden phrase %q", phrase))
		}
	}

	if len(violations) == 0 {
		return Verdict{OK: true}
	}

	logging.GateWarn("Output policy violations: %s", strings.Join(violations, ", "))
	return Verdict{
		Violations: violations,
		Hint:       "Rewrite the previous answer: " + strings.Join(repairs, "; ") + ". Keep everything else intact.",
	}
}

// Sanitize strips registered action names and internal product codes
// from text that passed Check. Runs on every turn, so the compiled name
// pattern is cached and rebuilt only when the registry version moves.
func (og *OutputGate) Sanitize(text string) string {
	out := productCodeRe.ReplaceAllString(text, "")
	if re := og.nameRegexp(); re != nil {
		out = re.ReplaceAllString(out, "")
	}
	out = multiSpaceRe.ReplaceAllString(out, " ")
	return strings.TrimSpace(out)
}

func (og *OutputGate) nameRegexp() *regexp.Regexp {
	og.mu.Lock()
	defer og.mu.Unlock()

	v := og.reg.Version()
	if v == og.nameVersion {
		return og.nameRe
	}

	names := og.reg.Names()
	og.nameVersion = v
	if len(names) == 0 {
		og.nameRe = nil
		return nil
	}
	quoted := make([]string, len(names))
	for i, name := range names {
		quoted[i] = regexp.QuoteMeta(name)
	}
	og.nameRe = regexp.MustCompile(`\b(` + strings.Join(quoted, "|") + `)\b`)
	return og.nameRe
}

// AppendDisclaimers appends the deduplicated disclaimers of the actions
// executed this turn, each at most once, skipping any already present in
// the text (the repair retry must not double-append).
func AppendDisclaimers(text string, disclaimers []string) string {
	seen := make(map[string]struct{})
	var add []string
	for _, d := range disclaimers {
		d = strings.TrimSpace(d)
		if d == "" {
			continue
		}
		if _, ok := seen[d]; ok {
			continue
		}
		seen[d] = struct{}{}
		if strings.Contains(text, d) {
			continue
		}
		add = append(add, d)
	}
	if len(add) == 0 {
		return text
	}
	return strings.TrimRight(text, "\n") + "\n\n" + strings.Join(add, "\n")
}
