package nodes

// Built-in node type tags.
const (
	TypeCardRead             = "Card.Read"
	TypeCardModifyContent    = "Card.ModifyContent"
	TypeCardUpsertChild      = "Card.UpsertChildByTitle"
	TypeCardClearFields      = "Card.ClearFields"
	TypeCardReplaceFieldText = "Card.ReplaceFieldText"
	TypeListForEach          = "List.ForEach"
	TypeListForEachRange     = "List.ForEachRange"
)

// RegisterBuiltins adds the built-in node handlers to r.
func RegisterBuiltins(r *Registry) {
	r.Register(TypeCardRead, CardRead)
	r.Describe(TypeCardRead, "Read the scope card or a card by id and make it the active card")

	r.Register(TypeCardModifyContent, CardModifyContent)
	r.Describe(TypeCardModifyContent, "Set a content path or merge an object into the active card")

	r.Register(TypeCardUpsertChild, CardUpsertChildByTitle)
	r.Describe(TypeCardUpsertChild, "Create or update a child card matched by title")

	r.Register(TypeCardClearFields, CardClearFields)
	r.Describe(TypeCardClearFields, "Clear content fields of a card")

	r.Register(TypeCardReplaceFieldText, CardReplaceFieldText)
	r.Describe(TypeCardReplaceFieldText, "Replace a text fragment inside a card field")

	r.RegisterLoop(TypeListForEach, ListForEach)
	r.Describe(TypeListForEach, "Run the body once per list element")

	r.RegisterLoop(TypeListForEachRange, ListForEachRange)
	r.Describe(TypeListForEachRange, "Run the body once per integer in a counted range")
}

// Default returns a registry holding the built-in handlers.
func Default() *Registry {
	r := NewRegistry()
	RegisterBuiltins(r)
	return r
}
