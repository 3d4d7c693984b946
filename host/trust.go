package host

import (
	"path"
	"strings"

	"github.com/samber/lo"
	"github.com/wnxd/microld/loader"
)

// TrustList decides by path.Match patterns over lower-cased paths. Deny
// wins over allow; a non-empty allow list denies everything it misses.
type TrustList struct {
	Allow []string
	Deny  []string
}

func (t TrustList) CheckAllowed(name string, _ loader.File) (loader.TrustDecision, error) {
	name = strings.ToLower(strings.ReplaceAll(name, "\\", "/"))
	var err error
	match := func(pattern string) bool {
		ok, merr := path.Match(strings.ToLower(pattern), name)
		if merr != nil {
			err = merr
		}
		return ok
	}
	switch {
	case lo.SomeBy(t.Deny, match):
		return loader.TrustDeny, err
	case lo.SomeBy(t.Allow, match):
		return loader.TrustAllow, err
	case len(t.Allow) > 0:
		return loader.TrustDeny, err
	}
	return loader.TrustNotConfigured, err
}
