package config

import (
	"sort"
	"strings"
)

type compiledRoute struct {
	pattern  string
	segs     []string
	params   []bool
	wildcard bool
	static   int
	route    Route
}

func compileRoutes(routes map[string]Route) ([]compiledRoute, error) {
	out := make([]compiledRoute, 0, len(routes))
	for pattern, r := range routes {
		cr := compiledRoute{pattern: pattern, route: r}
		segs := splitPath(pattern)
		for i, s := range segs {
			switch {
			case s == "*":
				if i != len(segs)-1 {
					return nil, invalid("routes."+pattern, "* is only allowed as the last segment")
				}
				cr.wildcard = true
			case strings.HasPrefix(s, "{") && strings.HasSuffix(s, "}"):
				if len(s) < 3 {
					return nil, invalid("routes."+pattern, "empty parameter name")
				}
				cr.segs = append(cr.segs, s)
				cr.params = append(cr.params, true)
			default:
				cr.segs = append(cr.segs, s)
				cr.params = append(cr.params, false)
				cr.static++
			}
		}
		out = append(out, cr)
	}
	// Most specific first: exact before wildcard, then more literal
	// segments, then longer patterns.
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.wildcard != b.wildcard {
			return !a.wildcard
		}
		if a.static != b.static {
			return a.static > b.static
		}
		if len(a.segs) != len(b.segs) {
			return len(a.segs) > len(b.segs)
		}
		return a.pattern < b.pattern
	})
	return out, nil
}

func splitPath(p string) []string {
	p = strings.Trim(p, "/")
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}

func (c *compiledRoute) match(segs []string) bool {
	if c.wildcard {
		if len(segs) < len(c.segs) {
			return false
		}
	} else if len(segs) != len(c.segs) {
		return false
	}
	for i, s := range c.segs {
		if c.params[i] {
			if segs[i] == "" {
				return false
			}
			continue
		}
		if segs[i] != s {
			return false
		}
	}
	return true
}

// MatchRoute returns the most specific configured pattern matching path.
func (p *Policy) MatchRoute(path string) (string, Route, bool) {
	segs := splitPath(path)
	for i := range p.routes {
		if p.routes[i].match(segs) {
			return p.routes[i].pattern, p.routes[i].route, true
		}
	}
	return "", Route{}, false
}

// MethodAllowed reports whether method is permitted on the route. An empty
// method list allows everything.
func (r Route) MethodAllowed(method string) bool {
	if len(r.Methods) == 0 {
		return true
	}
	for _, m := range r.Methods {
		if m == method {
			return true
		}
	}
	return false
}
