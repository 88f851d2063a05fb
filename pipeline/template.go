package pipeline

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/bemcculley/auto-merge/githubapi"
)

// templateFields are the only placeholders a title/body template may
// reference. Anything else is a config error caught at LOAD_POLICY time
// rather than surfacing as a garbled commit message.
var templateFields = map[string]bool{
	"number": true,
	"title":  true,
	"body":   true,
	"head":   true,
	"base":   true,
	"user":   true,
}

// ValidateTemplate scans tmpl for `{word}` placeholders and rejects any
// that aren't in templateFields.
func ValidateTemplate(tmpl string) error {
	for i := 0; i < len(tmpl); i++ {
		if tmpl[i] != '{' {
			continue
		}
		end := strings.IndexByte(tmpl[i:], '}')
		if end < 0 {
			return fmt.Errorf("pipeline: unterminated placeholder in template %q", tmpl)
		}
		name := tmpl[i+1 : i+end]
		if !templateFields[name] {
			return fmt.Errorf("pipeline: unknown placeholder {%s} in template %q", name, tmpl)
		}
		i += end
	}
	return nil
}

// RenderTemplate substitutes placeholders with fields from pr. Callers
// must run ValidateTemplate first — this performs no validation itself.
func RenderTemplate(tmpl string, pr *githubapi.PullRequest) string {
	replacer := strings.NewReplacer(
		"{number}", strconv.Itoa(pr.Number),
		"{title}", pr.Title,
		"{body}", pr.Body,
		"{head}", pr.HeadRef,
		"{base}", pr.BaseRef,
		"{user}", pr.User,
	)
	return replacer.Replace(tmpl)
}
