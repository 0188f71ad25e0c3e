package probe

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/Ramsey-B/fern/pkg/expressions"
	"github.com/Ramsey-B/fern/pkg/httpclient"
	"github.com/Ramsey-B/fern/pkg/models"
)

// HTTPDefinition describes a connectivity check as a single HTTP request. URL and header values may
// reference canonical credential fields with {{ field }} placeholders.
type HTTPDefinition struct {
	Method  string                        `yaml:"method"`
	URLs    map[models.Environment]string `yaml:"urls"`
	Headers map[string]string             `yaml:"headers"`

	// ExpectedStatus lists accepted status codes. Empty accepts any 2xx.
	ExpectedStatus []int `yaml:"expected_status"`

	// Success is an optional JMESPath expression evaluated against the JSON body
	Success string `yaml:"success"`
}

// Validate checks the definition for obvious mistakes
func (d HTTPDefinition) Validate(evaluator *expressions.Evaluator) error {
	if len(d.URLs) == 0 {
		return fmt.Errorf("http probe needs at least one url")
	}
	for env, url := range d.URLs {
		if _, err := models.ParseEnvironment(string(env)); err != nil {
			return err
		}
		if url == "" {
			return fmt.Errorf("http probe url for %s is empty", env)
		}
	}
	if d.Success != "" {
		if err := evaluator.Validate(d.Success); err != nil {
			return fmt.Errorf("invalid success expression: %w", err)
		}
	}
	return nil
}

// Fields returns the credential fields referenced by the URL and header placeholders
func (d HTTPDefinition) Fields() []string {
	seen := map[string]bool{}
	var fields []string
	add := func(template string) {
		for _, expr := range expressions.ExtractExpressions(template) {
			if !seen[expr] {
				seen[expr] = true
				fields = append(fields, expr)
			}
		}
	}
	for _, url := range d.URLs {
		add(url)
	}
	for _, value := range d.Headers {
		add(value)
	}
	return fields
}

func (d HTTPDefinition) accepts(code int) bool {
	if len(d.ExpectedStatus) == 0 {
		return code >= 200 && code < 300
	}
	for _, expected := range d.ExpectedStatus {
		if code == expected {
			return true
		}
	}
	return false
}

// HTTPProbe checks an integration with one HTTP request built from an HTTPDefinition
type HTTPProbe struct {
	name       string
	definition HTTPDefinition
	client     *httpclient.Client
	evaluator  *expressions.Evaluator
	template   *expressions.Template
	now        func() time.Time
}

// NewHTTPProbe creates a probe for the named integration
func NewHTTPProbe(name string, definition HTTPDefinition, client *httpclient.Client, evaluator *expressions.Evaluator) *HTTPProbe {
	if definition.Method == "" {
		definition.Method = http.MethodGet
	}
	return &HTTPProbe{
		name:       name,
		definition: definition,
		client:     client,
		evaluator:  evaluator,
		template:   expressions.NewTemplate(evaluator),
		now:        time.Now,
	}
}

// TestConnection sends the configured request and classifies the response
func (p *HTTPProbe) TestConnection(ctx context.Context, target Target) (Outcome, error) {
	rawURL, ok := p.definition.URLs[target.Key.Environment]
	if !ok {
		return Outcome{}, fmt.Errorf("%s has no probe url for %s", p.name, target.Key.Environment)
	}

	data := make(map[string]any, len(target.Credentials))
	for k, v := range target.Credentials {
		data[k] = v
	}

	url, err := p.template.Render(rawURL, data)
	if err != nil {
		return Outcome{}, err
	}
	headers, err := p.template.RenderMap(p.definition.Headers, data)
	if err != nil {
		return Outcome{}, err
	}

	resp, err := p.client.Request(ctx, strings.ToUpper(p.definition.Method), url, headers)
	if err != nil {
		return Outcome{}, err
	}

	outcome := Outcome{StatusCode: resp.StatusCode}
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		outcome.Throttled = true
		outcome.RetryAfter = resp.RetryAfter(p.now())
		outcome.Message = "rate limited by provider"
		return outcome, nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		outcome.Message = fmt.Sprintf("credentials rejected (%d)", resp.StatusCode)
		return outcome, nil
	case !p.definition.accepts(resp.StatusCode):
		outcome.Message = fmt.Sprintf("unexpected status %d", resp.StatusCode)
		return outcome, nil
	}

	if p.definition.Success != "" {
		body, err := resp.JSON()
		if err != nil {
			outcome.Message = "unreadable response body"
			return outcome, nil
		}
		ok, err := p.evaluator.EvaluateBool(p.definition.Success, body)
		if err != nil {
			return outcome, err
		}
		if !ok {
			outcome.Message = "success check did not match"
			return outcome, nil
		}
	}

	outcome.Success = true
	outcome.Message = "connection ok"
	return outcome, nil
}
