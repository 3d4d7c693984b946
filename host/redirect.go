package host

import (
	"path"
	"strings"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Redirector maps module names onto full paths. Rules are tried in
// insertion order; a rule matches the whole name or its base name, and
// may be a path.Match pattern.
type Redirector struct {
	rules *orderedmap.OrderedMap[string, string]
}

func NewRedirector() *Redirector {
	return &Redirector{rules: orderedmap.New[string, string]()}
}

func (r *Redirector) Add(pattern, target string) {
	r.rules.Set(strings.ToLower(pattern), target)
}

func (r *Redirector) Len() int {
	return r.rules.Len()
}

func (r *Redirector) Redirect(name string) (string, bool, error) {
	name = strings.ToLower(strings.ReplaceAll(name, "\\", "/"))
	base := path.Base(name)
	for p := r.rules.Oldest(); p != nil; p = p.Next() {
		for _, candidate := range [...]string{name, base} {
			ok, err := path.Match(p.Key, candidate)
			if err != nil {
				return "", false, err
			} else if ok {
				return p.Value, true, nil
			}
		}
	}
	return "", false, nil
}
