// Package router picks the role a task runs under. A forced designation on
// the submission always wins; otherwise a keyword classifier scores the
// configured roles and falls back to the default role on a tie or no signal.
package router

import (
	"log/slog"
	"strings"

	"github.com/basket/loom/internal/config"
	"github.com/basket/loom/internal/fault"
)

// Role is one agent persona the engine can route to.
type Role struct {
	Name         string
	Description  string
	Instructions string
	keywords     []string
}

type Router struct {
	roles       map[string]*Role
	order       []string
	defaultRole string
	log         *slog.Logger
}

// New builds a router from configured roles. The first role is the default.
func New(roles []config.RoleConfig, log *slog.Logger) (*Router, error) {
	if len(roles) == 0 {
		return nil, fault.Validationf("at least one role is required")
	}
	if log == nil {
		log = slog.Default()
	}
	r := &Router{
		roles:       make(map[string]*Role, len(roles)),
		defaultRole: roles[0].Name,
		log:         log,
	}
	for _, rc := range roles {
		kws := make([]string, 0, len(rc.Keywords))
		for _, k := range rc.Keywords {
			k = strings.ToLower(strings.TrimSpace(k))
			if k != "" {
				kws = append(kws, k)
			}
		}
		r.roles[rc.Name] = &Role{
			Name:         rc.Name,
			Description:  rc.Description,
			Instructions: rc.Instructions,
			keywords:     kws,
		}
		r.order = append(r.order, rc.Name)
	}
	return r, nil
}

// Role returns a registered role by name.
func (r *Router) Role(name string) (*Role, bool) {
	role, ok := r.roles[name]
	return role, ok
}

// Roles lists role names in configuration order.
func (r *Router) Roles() []string {
	return append([]string(nil), r.order...)
}

// Route resolves the role for a request. forced, when set, must name a
// registered role and is honored without classification.
func (r *Router) Route(content, forced string) (*Role, error) {
	if forced != "" {
		role, ok := r.roles[forced]
		if !ok {
			return nil, fault.Validationf("unknown forced intent %q", forced)
		}
		return role, nil
	}
	return r.classify(content), nil
}

// classify scores each role by keyword hits in the request. Longer keywords
// weigh more; ties and zero scores fall back to the default role, earlier
// configuration order breaking exact ties.
func (r *Router) classify(content string) *Role {
	lower := strings.ToLower(content)
	best := r.roles[r.defaultRole]
	bestScore := 0
	for _, name := range r.order {
		role := r.roles[name]
		score := 0
		for _, kw := range role.keywords {
			if strings.Contains(lower, kw) {
				score += len(kw)
			}
		}
		if score > bestScore {
			best = role
			bestScore = score
		}
	}
	if bestScore == 0 {
		r.log.Debug("no keyword signal, using default role", "role", r.defaultRole)
	}
	return best
}
