package nodes

import (
	"log/slog"
	"sort"
	"strings"

	"github.com/meikuraledutech/flow"
	"github.com/meikuraledutech/flow/expr"
)

// View is the value exposed as "current": the most recently read or produced
// card, plus optional extra attributes such as card_type_info.
// Unknown names fall through to the card's own fields.
type View struct {
	Card  *flow.Card
	Extra map[string]any
}

// Field implements expr.Fielder.
func (v *View) Field(name string) (any, bool) {
	if v == nil {
		return nil, false
	}
	if name == "card" {
		if v.Card == nil {
			return nil, false
		}
		return v.Card, true
	}
	if x, ok := v.Extra[name]; ok {
		return x, true
	}
	return v.Card.Field(name)
}

// State is the ephemeral execution state of one run. It is not safe for
// concurrent use; a run executes its nodes sequentially.
type State struct {
	Scope     map[string]any
	Card      *flow.Card // active card
	Current   *View
	Item      map[string]any
	LastChild *flow.Card
	Logger    *slog.Logger

	resolver *expr.Resolver
	touched  map[string]struct{}
}

// NewState creates the state for a run over scope.
func NewState(scope map[string]any, resolver *expr.Resolver, logger *slog.Logger) *State {
	if resolver == nil {
		resolver = expr.NewResolver()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if scope == nil {
		scope = map[string]any{}
	}
	return &State{
		Scope:    scope,
		Logger:   logger,
		resolver: resolver,
		touched:  make(map[string]struct{}),
	}
}

// Var implements expr.Vars.
func (s *State) Var(name string) (any, bool) {
	switch name {
	case expr.VarItem:
		if s.Item == nil {
			return nil, false
		}
		return s.Item, true
	case expr.VarCurrent:
		if s.Current == nil {
			return nil, false
		}
		return s.Current, true
	case expr.VarScope:
		return s.Scope, true
	case expr.VarContent:
		card := s.contentCard()
		if card == nil {
			return map[string]any{}, true
		}
		return map[string]any{"content": card.Content}, true
	}
	return nil, false
}

// contentCard is the card "$." paths address: current.card, then the active card.
func (s *State) contentCard() *flow.Card {
	if s.Current != nil && s.Current.Card != nil {
		return s.Current.Card
	}
	return s.Card
}

// Render resolves every expression in val against the state.
func (s *State) Render(val any) any {
	return s.resolver.Render(val, s)
}

// RenderString renders val and returns its string form.
func (s *State) RenderString(val string) string {
	return s.resolver.RenderString(val, s)
}

// Lookup resolves a reference parameter such as "$item.name" or "$.content.items".
func (s *State) Lookup(ref any) any {
	return s.resolver.Lookup(ref, s)
}

// LookupSource resolves a loop source reference. Bare "$." paths read the
// active card first and fall back to current.card when the active card has no
// such value. Templates resolve like Lookup.
func (s *State) LookupSource(ref any) any {
	if str, ok := ref.(string); ok && !strings.Contains(str, "{") && s.Card != nil {
		if v := s.resolver.Lookup(ref, activeFirst{s}); v != nil {
			return v
		}
	}
	return s.Lookup(ref)
}

// activeFirst binds "$" to the active card instead of current.card.
type activeFirst struct{ *State }

func (a activeFirst) Var(name string) (any, bool) {
	if name == expr.VarContent {
		return map[string]any{"content": a.Card.Content}, true
	}
	return a.State.Var(name)
}

// ScopeString returns scope[key] as a string identifier.
func (s *State) ScopeString(key string) string {
	return expr.ToString(s.Scope[key])
}

// SetCurrent points "current" at card.
func (s *State) SetCurrent(card *flow.Card, extra map[string]any) {
	s.Current = &View{Card: card, Extra: extra}
}

// Touch records id as affected by the run.
func (s *State) Touch(id string) {
	if id == "" {
		return
	}
	s.touched[id] = struct{}{}
}

// Touched returns the distinct affected ids in sorted order.
func (s *State) Touched() []string {
	out := make([]string, 0, len(s.touched))
	for id := range s.touched {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// ItemIndex returns the loop index of the current item, if any.
func (s *State) ItemIndex() (int, bool) {
	if s.Item == nil {
		return 0, false
	}
	return expr.ToInt(s.Item["index"])
}
