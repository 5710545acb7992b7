package nodes

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/meikuraledutech/flow"
	"github.com/meikuraledutech/flow/expr"
)

const (
	targetSelf = "$self"
	contentPfx = "$.content."
)

// resolveTarget returns the card id named by a target parameter.
// "$self" (the default) means the scope card.
func resolveTarget(st *State, target any) string {
	if target == nil {
		target = targetSelf
	}
	if s, ok := target.(string); ok && strings.TrimSpace(s) == targetSelf {
		return st.ScopeString("card_id")
	}
	return expr.ToString(st.Render(target))
}

func loadCard(ctx context.Context, store Store, id string) (*flow.Card, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: no target card id", flow.ErrCardNotFound)
	}
	card, err := store.GetCard(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get card %s: %w", id, err)
	}
	if card == nil {
		return nil, fmt.Errorf("%w: %s", flow.ErrCardNotFound, id)
	}
	return card, nil
}

func copyContent(src map[string]any) map[string]any {
	out := make(map[string]any, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}

func saveContent(ctx context.Context, store Store, card *flow.Card, content map[string]any) (*flow.Card, error) {
	updated := *card
	updated.Content = content
	if err := store.UpdateCard(ctx, &updated); err != nil {
		return nil, fmt.Errorf("update card %s: %w", card.ID, err)
	}
	return &updated, nil
}

// CardRead loads the scope card or a card by id and makes it the active card.
//
//	target:    "$self" | card id
//	type_name: optional card type; attaches card_type_info and field_structure
func CardRead(ctx context.Context, store Store, st *State, params map[string]any) (any, error) {
	card, err := loadCard(ctx, store, resolveTarget(st, params["target"]))
	if err != nil {
		return nil, err
	}

	var (
		typeInfo map[string]any
		fields   []SchemaField
	)
	if typeName := expr.ToString(params["type_name"]); typeName != "" {
		ct, err := store.GetCardTypeByName(ctx, typeName)
		if err != nil {
			return nil, fmt.Errorf("get card type %s: %w", typeName, err)
		}
		if ct != nil && len(ct.Schema) > 0 {
			typeInfo = map[string]any{"id": ct.ID, "name": ct.Name, "schema": ct.Schema}
			fields = ParseSchemaFields(ct.Schema)
		}
	}

	st.Card = card
	st.SetCurrent(card, map[string]any{
		"card_type_info":  typeInfo,
		"field_structure": fields,
	})
	st.Logger.Info("card read", "card_id", card.ID, "title", card.Title)
	return map[string]any{
		"card":            card,
		"card_type_info":  typeInfo,
		"field_structure": fields,
	}, nil
}

// normalizeContentPath maps "$card.x", "$.content.x", "$.x" and bare "x"
// to the path "x" inside card content.
func normalizeContentPath(p string) expr.Path {
	p = strings.TrimSpace(p)
	if rest, ok := strings.CutPrefix(p, "$card."); ok {
		p = "$." + rest
	}
	if rest, ok := strings.CutPrefix(p, contentPfx); ok {
		return expr.ParsePath(rest)
	}
	if rest, ok := strings.CutPrefix(p, "$."); ok {
		return expr.ParsePath(rest)
	}
	return expr.ParsePath(p)
}

// CardModifyContent edits the active card's content.
//
//	setPath + setValue: store one value at a content path
//	contentMerge:       render an object and shallow-merge it into content
func CardModifyContent(ctx context.Context, store Store, st *State, params map[string]any) (any, error) {
	card := st.Card
	if card == nil {
		return nil, errors.New("no active card, run Card.Read first")
	}

	var content map[string]any
	if setPath, _ := params["setPath"].(string); strings.TrimSpace(setPath) != "" {
		path := normalizeContentPath(setPath)
		if len(path) == 0 {
			return nil, fmt.Errorf("invalid setPath %q", setPath)
		}
		value := st.Lookup(params["setValue"])
		content = expr.Set(card.Content, path, value)
		st.Logger.Info("card content set", "card_id", card.ID, "path", setPath)
	} else {
		merge := map[string]any{}
		if raw, ok := params["contentMerge"]; ok && raw != nil {
			rendered, ok := st.Render(raw).(map[string]any)
			if !ok {
				return nil, errors.New("contentMerge must be an object")
			}
			merge = rendered
		}
		content = copyContent(card.Content)
		for k, v := range merge {
			content[k] = v
		}
		st.Logger.Info("card content merged", "card_id", card.ID, "keys", len(merge))
	}

	updated, err := saveContent(ctx, store, card, content)
	if err != nil {
		return nil, err
	}
	st.Touch(updated.ID)
	st.Card = updated
	st.SetCurrent(updated, nil)
	return map[string]any{"card": updated}, nil
}

func isProjectRoot(ref string) bool {
	switch ref {
	case "$root", "$projectRoot", "$project_root":
		return true
	}
	return false
}

func truthy(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		return t != "" && t != "false" && t != "0"
	case nil:
		return false
	}
	n, ok := expr.ToInt(v)
	return !ok || n != 0
}

// CardUpsertChildByTitle creates a child card, or replaces the content of the
// child with the same project, parent, type and title.
//
//	cardType:         card type name (required)
//	title, titlePath: child title; defaults to the type name
//	parent:           "$self" | "$root" | "$projectRoot" | card id
//	useItemAsContent, contentTemplate, contentPath, contentMerge: content source
func CardUpsertChildByTitle(ctx context.Context, store Store, st *State, params map[string]any) (any, error) {
	typeName := expr.ToString(params["cardType"])
	if typeName == "" {
		return nil, errors.New("parameter cardType is required")
	}
	ct, err := store.GetCardTypeByName(ctx, typeName)
	if err != nil {
		return nil, fmt.Errorf("get card type %s: %w", typeName, err)
	}
	if ct == nil {
		return nil, fmt.Errorf("%w: %s", flow.ErrCardTypeNotFound, typeName)
	}

	title := upsertTitle(st, params)
	if title == "" {
		title = ct.Name
	}
	if title == "" {
		title = "Unnamed"
	}

	parentID, projectID, err := upsertParent(ctx, store, st, params["parent"])
	if err != nil {
		return nil, err
	}

	siblings, err := store.ListChildren(ctx, projectID, parentID, ct.ID)
	if err != nil {
		return nil, fmt.Errorf("list children: %w", err)
	}
	var existing *flow.Card
	for i := range siblings {
		if siblings[i].Title == title {
			existing = &siblings[i]
			break
		}
	}

	content := upsertContent(st, params, existing)

	var result *flow.Card
	if existing != nil {
		result, err = saveContent(ctx, store, existing, content)
		if err != nil {
			return nil, err
		}
		st.Logger.Info("child card updated", "parent_id", parentID, "title", title, "card_id", result.ID)
	} else {
		modelName := ct.ModelName
		if modelName == "" {
			modelName = ct.Name
		}
		result = &flow.Card{
			Title:             title,
			ModelName:         modelName,
			Content:           content,
			ParentID:          parentID,
			ProjectID:         projectID,
			CardTypeID:        ct.ID,
			CardTypeName:      ct.Name,
			DisplayOrder:      len(siblings),
			AIContextTemplate: ct.DefaultAIContextTemplate,
		}
		if err := store.CreateCard(ctx, result); err != nil {
			return nil, fmt.Errorf("create card: %w", err)
		}
		st.Logger.Info("child card created", "parent_id", parentID, "title", title, "card_id", result.ID)
	}

	st.LastChild = result
	st.SetCurrent(result, nil)
	st.Touch(result.ID)
	if st.Card != nil {
		st.Touch(st.Card.ID)
	}
	return map[string]any{"card": result}, nil
}

func upsertTitle(st *State, params map[string]any) string {
	if raw, ok := params["title"].(string); ok && raw != "" {
		return strings.TrimSpace(expr.ToString(st.Render(raw)))
	}
	if path, ok := params["titlePath"].(string); ok && path != "" {
		return expr.ToString(st.Lookup(path))
	}
	return ""
}

func upsertParent(ctx context.Context, store Store, st *State, raw any) (parentID, projectID string, err error) {
	ref := expr.ToString(raw)
	if ref == "" {
		ref = "$projectRoot"
		if st.Card != nil {
			ref = targetSelf
		}
	}
	switch {
	case ref == targetSelf:
		if st.Card == nil {
			return "", "", errors.New("no active card to use as parent, run Card.Read first or set parent")
		}
		return st.Card.ID, st.Card.ProjectID, nil
	case isProjectRoot(ref):
		projectID = st.ScopeString("project_id")
		if st.Card != nil {
			projectID = st.Card.ProjectID
		}
		if projectID == "" {
			return "", "", errors.New("no project for root-level child")
		}
		return "", projectID, nil
	}
	parent, err := store.GetCard(ctx, ref)
	if err != nil {
		return "", "", fmt.Errorf("get parent card %s: %w", ref, err)
	}
	if parent == nil {
		return "", "", fmt.Errorf("%w: parent %s", flow.ErrCardNotFound, ref)
	}
	return parent.ID, parent.ProjectID, nil
}

func upsertContent(st *State, params map[string]any, existing *flow.Card) map[string]any {
	if truthy(params["useItemAsContent"]) {
		return copyContent(st.Item)
	}
	if tpl, ok := params["contentTemplate"]; ok {
		switch tpl.(type) {
		case map[string]any, []any, string:
			return asObject(st.Render(tpl))
		}
	}
	if path, ok := params["contentPath"].(string); ok && path != "" {
		return asObject(st.Lookup(path))
	}
	var base map[string]any
	if existing != nil {
		base = existing.Content
	}
	content := copyContent(base)
	if merge, ok := params["contentMerge"].(map[string]any); ok {
		if rendered, ok := st.Render(merge).(map[string]any); ok {
			for k, v := range rendered {
				content[k] = v
			}
		}
	}
	return content
}

func asObject(v any) map[string]any {
	if m, ok := v.(map[string]any); ok {
		return m
	}
	return map[string]any{"value": v}
}

// CardClearFields sets the listed content fields of the target card to null.
//
//	target: "$self" | card id
//	fields: ["$.content.a", "$.content.b.c"]
func CardClearFields(ctx context.Context, store Store, st *State, params map[string]any) (any, error) {
	card, err := loadCard(ctx, store, resolveTarget(st, params["target"]))
	if err != nil {
		return nil, err
	}
	fields, _ := params["fields"].([]any)
	if len(fields) == 0 {
		st.Logger.Warn("clear fields: no fields given", "card_id", card.ID)
		return nil, nil
	}

	content := card.Content
	cleared := 0
	for _, f := range fields {
		s, ok := f.(string)
		if !ok || !strings.HasPrefix(strings.TrimSpace(s), "$.") {
			continue
		}
		path := normalizeContentPath(s)
		if len(path) == 0 {
			continue
		}
		content = expr.Set(content, path, nil)
		cleared++
	}
	if cleared == 0 {
		return nil, nil
	}

	updated, err := saveContent(ctx, store, card, content)
	if err != nil {
		return nil, err
	}
	st.Touch(updated.ID)
	if st.Card != nil && st.Card.ID == updated.ID {
		st.Card = updated
	}
	return map[string]any{"card": updated, "cleared": cleared}, nil
}

// CardReplaceFieldText replaces a fragment of a text field in a card's content.
// old_text may take the form "start...end" to match the shortest span from
// start to end. A fragment that cannot be found is reported in the result
// with success=false and does not fail the run.
//
//	card_id, field_path, old_text, new_text
func CardReplaceFieldText(ctx context.Context, store Store, st *State, params map[string]any) (any, error) {
	cardID := expr.ToString(st.Render(params["card_id"]))
	fieldPath := strings.TrimSpace(expr.ToString(params["field_path"]))
	oldText, _ := params["old_text"].(string)
	newText, _ := params["new_text"].(string)

	switch {
	case cardID == "":
		return nil, errors.New("parameter card_id is required")
	case fieldPath == "":
		return nil, errors.New("parameter field_path is required")
	case oldText == "":
		return nil, errors.New("parameter old_text is required")
	}

	card, err := loadCard(ctx, store, cardID)
	if err != nil {
		return nil, err
	}

	path := expr.ParsePath(strings.TrimPrefix(fieldPath, "content."))
	if len(path) == 0 {
		return softFailure(fmt.Sprintf("field path %s is invalid", fieldPath)), nil
	}
	cur, found := expr.Get(card.Content, path)
	if !found {
		parent, _ := expr.Get(card.Content, path[:len(path)-1])
		if _, ok := parent.(map[string]any); !ok {
			return softFailure(fmt.Sprintf("field path %s is invalid at %q", fieldPath, path[:len(path)-1].String())), nil
		}
	}
	text, ok := cur.(string)
	if cur == nil {
		text, ok = "", true
	}
	if !ok {
		return softFailure(fmt.Sprintf("field %s is not text", fieldPath)), nil
	}

	match, reason := findFragment(text, oldText)
	if match == "" {
		res := softFailure(fmt.Sprintf("%s in field %s", reason, fieldPath))
		res["field_preview"] = preview(text, 100)
		return res, nil
	}

	count := strings.Count(text, match)
	replaced := strings.ReplaceAll(text, match, newText)
	updated, err := saveContent(ctx, store, card, expr.Set(card.Content, path, replaced))
	if err != nil {
		return nil, err
	}
	st.Touch(updated.ID)
	st.Logger.Info("field text replaced", "card_id", updated.ID, "field", fieldPath, "count", count)

	return map[string]any{
		"success":        true,
		"card_id":        updated.ID,
		"card_title":     updated.Title,
		"field_path":     fieldPath,
		"replaced_count": count,
		"old_length":     len([]rune(text)),
		"new_length":     len([]rune(replaced)),
	}, nil
}

// findFragment locates oldText in text, honouring the "start...end" form.
// It returns the exact fragment to replace, or "" and a reason.
func findFragment(text, oldText string) (string, string) {
	sep := ""
	switch {
	case strings.Contains(oldText, "..."):
		sep = "..."
	case strings.Contains(oldText, "……"):
		sep = "……"
	}
	if sep == "" {
		if !strings.Contains(text, oldText) {
			return "", "original text not found"
		}
		return oldText, ""
	}

	startText, endText, _ := strings.Cut(oldText, sep)
	startText, endText = strings.TrimSpace(startText), strings.TrimSpace(endText)
	start := strings.Index(text, startText)
	if start < 0 {
		return "", "start text not found"
	}
	from := start + len(startText)
	end := strings.Index(text[from:], endText)
	if end < 0 {
		return "", "end text not found"
	}
	match := text[start : from+end+len(endText)]
	if match == "" {
		return "", "original text not found"
	}
	return match, ""
}

func softFailure(msg string) map[string]any {
	return map[string]any{"success": false, "error": msg}
}

func preview(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
