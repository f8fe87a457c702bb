// Package template implements the script templating contract of §9: simple
// `{{name}}` string substitution over the union of a runner's env_data and
// caller-supplied context, with no conditionals or loops.
package template

import (
	"regexp"

	"github.com/runnerforge/engine/internal/engineerr"
)

var placeholder = regexp.MustCompile(`\{\{\s*([A-Za-z_][A-Za-z0-9_]*)\s*\}\}`)

// Render substitutes every `{{name}}` occurrence in script with the
// matching entry from vars. An unresolved placeholder is a hard error
// (§9): scripts never render partially.
func Render(script string, vars map[string]string) (string, error) {
	var missing []string
	rendered := placeholder.ReplaceAllStringFunc(script, func(match string) string {
		name := placeholder.FindStringSubmatch(match)[1]
		val, ok := vars[name]
		if !ok {
			missing = append(missing, name)
			return match
		}
		return val
	})
	if len(missing) > 0 {
		return "", engineerr.New(engineerr.ScriptFailure, "template: unresolved placeholder(s): "+joinUnique(missing))
	}
	return rendered, nil
}

// Merge layers caller-supplied context over a runner's env_data, caller
// values winning on key collision (§3 payload is the base template context).
func Merge(envData map[string]string, callerContext map[string]string) map[string]string {
	out := make(map[string]string, len(envData)+len(callerContext))
	for k, v := range envData {
		out[k] = v
	}
	for k, v := range callerContext {
		out[k] = v
	}
	return out
}

func joinUnique(names []string) string {
	seen := make(map[string]bool, len(names))
	out := ""
	for _, n := range names {
		if seen[n] {
			continue
		}
		seen[n] = true
		if out != "" {
			out += ", "
		}
		out += n
	}
	return out
}
