package salesguard

import (
	"fmt"
	"regexp"
	"strings"
)

const (
	RepeatThreshold   = 0.6
	OnScriptThreshold = 0.4
)

var activityPattern = regexp.MustCompile(`(?i)\b(i (see|noticed|can see) (that )?you|you('re| are| were) (looking|checking|browsing|reading|scrolling|on)|you (clicked|visited|viewed|opened)|pricing page|while you browse)`)

type Input struct {
	Text              string
	PreviousQuestions []string
	Step              int
}

type Report struct {
	Valid                   bool     `json:"valid"`
	Questions               []string `json:"questions"`
	RepeatedQuestion        bool     `json:"repeatedQuestion"`
	ActivityWithoutQuestion bool     `json:"activityWithoutQuestion"`
	OffScript               bool     `json:"offScript"`
	MatchedStep             int      `json:"matchedStep"`
	Issues                  []string `json:"issues"`
}

// Validator checks generated chat replies against a question script. It
// only reports; it never alters the reply.
type Validator struct {
	steps []Step
}

func NewValidator(steps []Step) *Validator {
	if len(steps) == 0 {
		steps = DefaultScript()
	}
	return &Validator{steps: steps}
}

func (v *Validator) Steps() []Step {
	out := make([]Step, len(v.steps))
	copy(out, v.steps)
	return out
}

// ExtractQuestions returns every sentence of text that ends with a question mark.
func ExtractQuestions(text string) []string {
	var (
		out     []string
		current strings.Builder
	)
	for _, r := range text {
		switch r {
		case '?':
			current.WriteRune(r)
			if q := strings.TrimSpace(current.String()); q != "?" {
				out = append(out, q)
			}
			current.Reset()
		case '.', '!', '\n':
			current.Reset()
		default:
			current.WriteRune(r)
		}
	}
	return out
}

func MentionsActivity(text string) bool {
	return activityPattern.MatchString(text)
}

func (v *Validator) Validate(in Input) Report {
	report := Report{
		Questions: ExtractQuestions(in.Text),
		Issues:    []string{},
	}
	activity := MentionsActivity(in.Text)

	for _, q := range report.Questions {
		for _, prev := range in.PreviousQuestions {
			if score := Similarity(q, prev); score > RepeatThreshold {
				report.RepeatedQuestion = true
				report.Issues = append(report.Issues, fmt.Sprintf("repeats earlier question %q (similarity %.2f)", prev, score))
				break
			}
		}
	}

	if activity && len(report.Questions) == 0 {
		report.ActivityWithoutQuestion = true
		report.Issues = append(report.Issues, "mentions user activity without asking a question")
	}

	report.MatchedStep = v.bestStep(report.Questions)

	if expected, ok := v.step(in.Step); ok && !activity {
		best := 0.0
		for _, q := range report.Questions {
			best = max(best, Similarity(q, expected.Question))
		}
		if best < OnScriptThreshold {
			report.OffScript = true
			report.Issues = append(report.Issues, fmt.Sprintf("does not ask the step %d question %q", expected.Number, expected.Question))
		}
	}

	report.Valid = !report.RepeatedQuestion && !report.ActivityWithoutQuestion && !report.OffScript
	return report
}

func (v *Validator) step(number int) (Step, bool) {
	for _, s := range v.steps {
		if s.Number == number {
			return s, true
		}
	}
	return Step{}, false
}

func (v *Validator) bestStep(questions []string) int {
	matched, best := 0, OnScriptThreshold
	for _, q := range questions {
		for _, s := range v.steps {
			if score := Similarity(q, s.Question); score >= best {
				matched, best = s.Number, score
			}
		}
	}
	return matched
}
