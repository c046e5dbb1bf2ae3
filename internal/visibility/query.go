// Package visibility is the read side of the orchestrator: a minimal query
// language over the eventually consistent execution projection, resolved
// through the namespace registry.
package visibility

import (
	"regexp"
	"strings"

	"github.com/edvin/orchestrator/internal/errkind"
	"github.com/edvin/orchestrator/internal/store"
)

// queryFields maps recognized query field names (lowercased) to projection
// columns. State is an alias of Status: the projection stores one status
// string per run.
var queryFields = map[string]string{
	"workflowtype": "workflow_type",
	"workflowid":   "workflow_id",
	"status":       "status",
	"state":        "status",
	"taskqueue":    "task_queue",
}

var conjunctRe = regexp.MustCompile(`^(\w+)\s*=\s*(?:'([^']*)'|"([^"]*)"|(\S+))$`)

// ParseQuery turns a visibility query into a normalized filter. The grammar
// is `Field = 'value'` conjuncts joined by AND; anything that does not parse
// as a recognized conjunct folds into the free-text term.
//
//	WorkflowType = 'ProcessOrder' AND Status = 'Running'
//
// An empty query yields an empty filter. Repeating a field keeps the last
// value.
func ParseQuery(query string) (store.ListFilter, error) {
	filter := store.ListFilter{Equals: map[string]string{}}
	query = strings.TrimSpace(query)
	if query == "" {
		return filter, nil
	}

	var freeText []string
	for _, conjunct := range splitConjuncts(query) {
		conjunct = strings.TrimSpace(conjunct)
		if conjunct == "" {
			continue
		}
		m := conjunctRe.FindStringSubmatch(conjunct)
		if m == nil {
			freeText = append(freeText, conjunct)
			continue
		}
		column, ok := queryFields[strings.ToLower(m[1])]
		if !ok {
			freeText = append(freeText, conjunct)
			continue
		}
		filter.Equals[column] = firstNonEmpty(m[2], m[3], m[4])
	}

	filter.FreeText = strings.Join(freeText, " ")
	if len(filter.Equals) == 0 && filter.FreeText == "" {
		return filter, errkind.Newf(errkind.InvalidRequest, "query %q has no usable terms", query)
	}
	return filter, nil
}

// splitConjuncts splits on the AND keyword outside of quoted values.
func splitConjuncts(query string) []string {
	var parts []string
	var current strings.Builder
	inQuote := rune(0)

	tokens := strings.Fields(query)
	for _, tok := range tokens {
		if inQuote == 0 && strings.EqualFold(tok, "and") {
			parts = append(parts, current.String())
			current.Reset()
			continue
		}
		if current.Len() > 0 {
			current.WriteByte(' ')
		}
		current.WriteString(tok)
		for _, r := range tok {
			switch {
			case inQuote == 0 && (r == '\'' || r == '"'):
				inQuote = r
			case inQuote == r:
				inQuote = 0
			}
		}
	}
	parts = append(parts, current.String())
	return parts
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
