package rollout

import (
	"regexp"
	"strings"

	api "github.com/flockctl/flockctl/api/v1"
)

// MatchPolicy picks the enabled policy whose imagePattern matches the image
// repo. The longest pattern wins; equal-length patterns fall back to the
// oldest policy so matching stays deterministic. Returns nil when nothing
// matches.
func MatchPolicy(policies []api.RolloutPolicy, repo string) *api.RolloutPolicy {
	var best *api.RolloutPolicy
	for i := range policies {
		p := &policies[i]
		if !p.Enabled || !MatchesPattern(p.ImagePattern, repo) {
			continue
		}
		if best == nil ||
			len(p.ImagePattern) > len(best.ImagePattern) ||
			(len(p.ImagePattern) == len(best.ImagePattern) && p.CreatedAt.Before(best.CreatedAt)) {
			best = p
		}
	}
	return best
}

// MatchesPattern reports whether the glob pattern matches the image repo.
// '*' matches any run of characters including '/', '?' matches exactly one
// character. Malformed patterns match nothing.
func MatchesPattern(pattern, repo string) bool {
	re, err := compileGlob(pattern)
	if err != nil {
		return false
	}
	return re.MatchString(repo)
}

func compileGlob(pattern string) (*regexp.Regexp, error) {
	expr := regexp.QuoteMeta(pattern)
	expr = strings.ReplaceAll(expr, `\*`, `.*`)
	expr = strings.ReplaceAll(expr, `\?`, `.`)
	return regexp.Compile(`^` + expr + `$`)
}
