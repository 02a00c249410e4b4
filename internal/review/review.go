// Package review defines the code review verdict and the two-stage review
// workflow built on the executor.
package review

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/vinayprograms/codereview/internal/schema"
)

// Severity of a finding. The set is closed.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Severities lists every severity, most severe first.
var Severities = []Severity{SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow}

// Rank orders severities; higher is worse. Unknown values rank 0.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	}
	return 0
}

// Category of a finding.
type Category string

const (
	CategoryBug         Category = "bug"
	CategorySecurity    Category = "security"
	CategoryPerformance Category = "performance"
	CategoryStyle       Category = "style"
)

// Issue is one finding.
type Issue struct {
	Severity    Severity `json:"severity" validate:"required,oneof=low medium high critical"`
	Category    Category `json:"category" validate:"required,oneof=bug security performance style"`
	File        string   `json:"file" validate:"required"`
	Line        int      `json:"line,omitempty" validate:"gte=0"`
	Description string   `json:"description" validate:"required"`
	Suggestion  string   `json:"suggestion,omitempty"`
}

// Location renders file[:line].
func (i Issue) Location() string {
	if i.Line > 0 {
		return fmt.Sprintf("%s:%d", i.File, i.Line)
	}
	return i.File
}

// Review is the structured verdict of a review run.
type Review struct {
	Issues       []Issue `json:"issues" validate:"dive"`
	Summary      string  `json:"summary"`
	OverallScore float64 `json:"overallScore" validate:"gte=0,lte=100"`
}

// Counts returns the number of issues per severity.
func (r *Review) Counts() map[Severity]int {
	counts := make(map[Severity]int, len(Severities))
	for _, is := range r.Issues {
		counts[is.Severity]++
	}
	return counts
}

// Sorted returns the issues most severe first, keeping reported order
// within a severity.
func (r *Review) Sorted() []Issue {
	out := append([]Issue(nil), r.Issues...)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Severity.Rank() > out[j].Severity.Rank()
	})
	return out
}

// Worst returns the most severe issue, or false when there are none.
func (r *Review) Worst() (Issue, bool) {
	sorted := r.Sorted()
	if len(sorted) == 0 {
		return Issue{}, false
	}
	return sorted[0], true
}

// Contract returns the schema the backend must fill.
func Contract() *schema.Contract {
	return &schema.Contract{
		Name: "code_review",
		Root: &schema.Field{
			Type:     schema.Object,
			Required: []string{"issues", "summary", "overallScore"},
			Properties: map[string]*schema.Field{
				"issues": {
					Type: schema.Array,
					Items: &schema.Field{
						Type:     schema.Object,
						Required: []string{"severity", "category", "file", "description"},
						Properties: map[string]*schema.Field{
							"severity":    {Type: schema.String, Enum: severityNames()},
							"category":    {Type: schema.String, Enum: []string{"bug", "security", "performance", "style"}},
							"file":        {Type: schema.String},
							"line":        {Type: schema.Integer, Minimum: schema.Bound(0)},
							"description": {Type: schema.String},
							"suggestion":  {Type: schema.String},
						},
					},
				},
				"summary":      {Type: schema.String},
				"overallScore": {Type: schema.Number, Minimum: schema.Bound(0), Maximum: schema.Bound(100)},
			},
		},
	}
}

func severityNames() []string {
	return []string{string(SeverityLow), string(SeverityMedium), string(SeverityHigh), string(SeverityCritical)}
}

var validate *validator.Validate

func init() {
	validate = validator.New()
	// Report json names so violation paths match the payload.
	validate.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
}

// Decode validates payload against Contract, decodes it and checks the
// typed value. Every failure matches schema.ErrSchemaViolation.
func Decode(payload interface{}) (*Review, error) {
	if err := Contract().Validate(payload); err != nil {
		return nil, err
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, &schema.ViolationError{Reason: err.Error()}
	}
	var r Review
	if err := json.Unmarshal(raw, &r); err != nil {
		var te *json.UnmarshalTypeError
		if errors.As(err, &te) {
			return nil, &schema.ViolationError{Path: te.Field, Reason: fmt.Sprintf("cannot hold %s as %s", te.Value, te.Type)}
		}
		return nil, &schema.ViolationError{Reason: err.Error()}
	}
	if err := validate.Struct(&r); err != nil {
		return nil, violation(err)
	}
	return &r, nil
}

// violation converts the first validator failure into a ViolationError.
func violation(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return &schema.ViolationError{Reason: err.Error()}
	}
	fe := verrs[0]
	path := fe.Namespace()
	if i := strings.IndexByte(path, '.'); i >= 0 {
		path = path[i+1:] // drop the struct name
	}
	reason := fmt.Sprintf("failed %s", fe.Tag())
	if fe.Param() != "" {
		reason += "=" + fe.Param()
	}
	return &schema.ViolationError{Path: path, Reason: fmt.Sprintf("%s (got %v)", reason, fe.Value())}
}

// Output is the contract handed to the executor: the schema is sent to the
// backend and results are checked with Decode.
type Output struct{}

// JSONSchema implements executor.Contract.
func (Output) JSONSchema() map[string]interface{} { return Contract().JSONSchema() }

// Validate implements executor.Contract.
func (Output) Validate(payload interface{}) error {
	_, err := Decode(payload)
	return err
}
