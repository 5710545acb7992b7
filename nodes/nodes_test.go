package nodes

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meikuraledutech/flow"
	"github.com/meikuraledutech/flow/memstore"
)

type fixture struct {
	store *memstore.Store
	root  *flow.Card
	chap  *flow.CardType
	st    *State
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	s := memstore.New()

	outline := &flow.CardType{Name: "Outline", Schema: map[string]any{
		"properties": map[string]any{"items": map[string]any{"type": "array"}},
	}}
	chap := &flow.CardType{Name: "Chapter", ModelName: "ChapterModel", DefaultAIContextTemplate: "ctx"}
	require.NoError(t, s.CreateCardType(ctx, outline))
	require.NoError(t, s.CreateCardType(ctx, chap))

	root := &flow.Card{
		Title:      "Root",
		ProjectID:  "p1",
		CardTypeID: outline.ID,
		Content: map[string]any{
			"items":       []any{map[string]any{"name": "A"}, map[string]any{"name": "B"}},
			"stage_count": 3,
			"summary":     "The quick brown fox jumps over the lazy dog.",
		},
	}
	require.NoError(t, s.CreateCard(ctx, root))

	st := NewState(map[string]any{"card_id": root.ID, "project_id": "p1"}, nil, nil)
	return &fixture{store: s, root: root, chap: chap, st: st}
}

func TestRegistry(t *testing.T) {
	r := Default()

	h, err := r.Get(TypeCardRead)
	require.NoError(t, err)
	assert.False(t, h.IsLoop())
	assert.True(t, r.IsLoop(TypeListForEach))
	assert.True(t, r.IsLoop(TypeListForEachRange))
	assert.False(t, r.IsLoop("Nope"))

	_, err = r.Get("Nope")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnknownNodeType))
	assert.Contains(t, err.Error(), "Nope")
	assert.Contains(t, err.Error(), TypeCardRead)

	assert.Len(t, r.Types(), 7)
	infos := r.Infos()
	require.NotEmpty(t, infos)
	assert.Equal(t, "Card", infos[0].Category)
	assert.Equal(t, "ClearFields", infos[0].Name)
}

func TestRegistryLastWriteWins(t *testing.T) {
	r := NewRegistry()
	r.Register("X", func(context.Context, Store, *State, map[string]any) (any, error) { return 1, nil })
	r.Register("X", func(context.Context, Store, *State, map[string]any) (any, error) { return 2, nil })

	h, err := r.Get("X")
	require.NoError(t, err)
	out, err := h.Func(context.Background(), nil, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, out)
}

func TestCardRead(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	out, err := CardRead(ctx, f.store, f.st, map[string]any{"type_name": "Outline"})
	require.NoError(t, err)

	assert.Equal(t, f.root.ID, f.st.Card.ID)
	assert.Equal(t, "Root", f.st.Lookup("$current.card.title"))
	assert.Equal(t, "Root", f.st.Lookup("$current.title"))
	res := out.(map[string]any)
	require.NotNil(t, res["card_type_info"])
	fields := res["field_structure"].([]SchemaField)
	require.Len(t, fields, 1)
	assert.Equal(t, "$.content.items", fields[0].Path)
}

func TestCardReadMissing(t *testing.T) {
	f := newFixture(t)
	_, err := CardRead(context.Background(), f.store, f.st, map[string]any{"target": "missing"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, flow.ErrCardNotFound))
}

func TestCardModifyContent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := CardModifyContent(ctx, f.store, f.st, map[string]any{"contentMerge": map[string]any{}})
	require.Error(t, err, "requires an active card")

	_, err = CardRead(ctx, f.store, f.st, nil)
	require.NoError(t, err)

	_, err = CardModifyContent(ctx, f.store, f.st, map[string]any{"setPath": "$card.content.meta.owner", "setValue": "$scope.project_id"})
	require.NoError(t, err)
	_, err = CardModifyContent(ctx, f.store, f.st, map[string]any{"contentMerge": map[string]any{"label": "Stage {$.content.stage_count}"}})
	require.NoError(t, err)

	got, err := f.store.GetCard(ctx, f.root.ID)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"owner": "p1"}, got.Content["meta"])
	assert.Equal(t, "Stage 3", got.Content["label"])
	assert.Equal(t, []string{f.root.ID}, f.st.Touched())

	_, err = CardModifyContent(ctx, f.store, f.st, map[string]any{"contentMerge": "not an object"})
	require.Error(t, err)
}

func TestUpsertChildByTitle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := CardRead(ctx, f.store, f.st, nil)
	require.NoError(t, err)

	f.st.Item = map[string]any{"index": 1, "name": "Intro"}
	params := map[string]any{
		"cardType":     "Chapter",
		"title":        "{item.name}",
		"contentMerge": map[string]any{"number": "{index}"},
	}
	out, err := CardUpsertChildByTitle(ctx, f.store, f.st, params)
	require.NoError(t, err)
	child := out.(map[string]any)["card"].(*flow.Card)

	assert.Equal(t, "Intro", child.Title)
	assert.Equal(t, f.root.ID, child.ParentID)
	assert.Equal(t, "p1", child.ProjectID)
	assert.Equal(t, "ChapterModel", child.ModelName)
	assert.Equal(t, "ctx", child.AIContextTemplate)
	assert.Equal(t, 0, child.DisplayOrder)
	assert.Equal(t, map[string]any{"number": 1}, child.Content)
	assert.Same(t, child, f.st.LastChild)

	// Same title again updates in place.
	f.st.Item = map[string]any{"index": 2, "name": "Intro"}
	out, err = CardUpsertChildByTitle(ctx, f.store, f.st, params)
	require.NoError(t, err)
	again := out.(map[string]any)["card"].(*flow.Card)
	assert.Equal(t, child.ID, again.ID)
	assert.Equal(t, map[string]any{"number": 2}, again.Content)

	children, err := f.store.ListChildren(ctx, "p1", f.root.ID, f.chap.ID)
	require.NoError(t, err)
	assert.Len(t, children, 1)
	assert.ElementsMatch(t, []string{f.root.ID, child.ID}, f.st.Touched())
}

func TestUpsertChildContentSources(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := CardRead(ctx, f.store, f.st, nil)
	require.NoError(t, err)
	f.st.Item = map[string]any{"index": 1, "name": "X"}

	tests := []struct {
		name   string
		params map[string]any
		want   map[string]any
	}{
		{"item as content", map[string]any{"title": "t1", "useItemAsContent": true}, map[string]any{"index": 1, "name": "X"}},
		{"template object", map[string]any{"title": "t2", "contentTemplate": map[string]any{"n": "{item.name}"}}, map[string]any{"n": "X"}},
		{"template scalar", map[string]any{"title": "t3", "contentTemplate": "{index}"}, map[string]any{"value": 1}},
		{"content path", map[string]any{"title": "t4", "contentPath": "$.content.stage_count"}, map[string]any{"value": 3}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.params["cardType"] = "Chapter"
			f.st.SetCurrent(f.st.Card, nil)
			out, err := CardUpsertChildByTitle(ctx, f.store, f.st, tt.params)
			require.NoError(t, err)
			assert.Equal(t, tt.want, out.(map[string]any)["card"].(*flow.Card).Content)
		})
	}
}

func TestUpsertChildAtProjectRoot(t *testing.T) {
	f := newFixture(t)
	out, err := CardUpsertChildByTitle(context.Background(), f.store, f.st, map[string]any{"cardType": "Chapter"})
	require.NoError(t, err)
	child := out.(map[string]any)["card"].(*flow.Card)
	assert.Equal(t, "", child.ParentID)
	assert.Equal(t, "p1", child.ProjectID)
	assert.Equal(t, "Chapter", child.Title, "title falls back to the type name")
}

func TestUpsertChildErrors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := CardUpsertChildByTitle(ctx, f.store, f.st, map[string]any{})
	require.Error(t, err)

	_, err = CardUpsertChildByTitle(ctx, f.store, f.st, map[string]any{"cardType": "Missing"})
	assert.True(t, errors.Is(err, flow.ErrCardTypeNotFound))

	_, err = CardUpsertChildByTitle(ctx, f.store, f.st, map[string]any{"cardType": "Chapter", "parent": "$self"})
	require.Error(t, err)

	_, err = CardUpsertChildByTitle(ctx, f.store, f.st, map[string]any{"cardType": "Chapter", "parent": "nope"})
	assert.True(t, errors.Is(err, flow.ErrCardNotFound))
}

func TestCardClearFields(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := CardClearFields(ctx, f.store, f.st, map[string]any{
		"fields": []any{"$.content.summary", "$.content.meta.x", "ignored"},
	})
	require.NoError(t, err)

	got, err := f.store.GetCard(ctx, f.root.ID)
	require.NoError(t, err)
	assert.Contains(t, got.Content, "summary")
	assert.Nil(t, got.Content["summary"])
	assert.Equal(t, map[string]any{"x": nil}, got.Content["meta"])
	assert.Equal(t, 3, got.Content["stage_count"])
	assert.Equal(t, []string{f.root.ID}, f.st.Touched())
}

func TestCardReplaceFieldText(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	out, err := CardReplaceFieldText(ctx, f.store, f.st, map[string]any{
		"card_id": "{scope.card_id}", "field_path": "content.summary",
		"old_text": "quick brown", "new_text": "slow red",
	})
	require.NoError(t, err)
	res := out.(map[string]any)
	assert.Equal(t, true, res["success"])
	assert.Equal(t, 1, res["replaced_count"])

	out, err = CardReplaceFieldText(ctx, f.store, f.st, map[string]any{
		"card_id": f.root.ID, "field_path": "summary",
		"old_text": "jumps...lazy", "new_text": "sleeps near the",
	})
	require.NoError(t, err)
	assert.Equal(t, true, out.(map[string]any)["success"])

	got, err := f.store.GetCard(ctx, f.root.ID)
	require.NoError(t, err)
	assert.Equal(t, "The slow red fox sleeps near the dog.", got.Content["summary"])

	out, err = CardReplaceFieldText(ctx, f.store, f.st, map[string]any{
		"card_id": f.root.ID, "field_path": "summary", "old_text": "absent", "new_text": "x",
	})
	require.NoError(t, err, "a text miss is a soft failure")
	assert.Equal(t, false, out.(map[string]any)["success"])

	out, err = CardReplaceFieldText(ctx, f.store, f.st, map[string]any{
		"card_id": f.root.ID, "field_path": "stage_count", "old_text": "3", "new_text": "4",
	})
	require.NoError(t, err)
	assert.Equal(t, false, out.(map[string]any)["success"])

	_, err = CardReplaceFieldText(ctx, f.store, f.st, map[string]any{"card_id": f.root.ID})
	require.Error(t, err)
}

func TestListForEach(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := CardRead(ctx, f.store, f.st, nil)
	require.NoError(t, err)

	var names []any
	var indexes []int
	body := func(context.Context) error {
		names = append(names, f.st.Lookup("$item.name"))
		i, _ := f.st.ItemIndex()
		indexes = append(indexes, i)
		return nil
	}

	require.NoError(t, ListForEach(ctx, f.store, f.st, map[string]any{"list": "$.content.items"}, body))
	assert.Equal(t, []any{"A", "B"}, names)
	assert.Equal(t, []int{1, 2}, indexes)
	assert.Nil(t, f.st.Item, "item is restored after the loop")

	names = nil
	require.NoError(t, ListForEach(ctx, f.store, f.st, map[string]any{"list": []any{"x"}}, func(context.Context) error {
		names = append(names, f.st.Lookup("$item.value"))
		return nil
	}))
	assert.Equal(t, []any{"x"}, names)

	calls := 0
	require.NoError(t, ListForEach(ctx, f.store, f.st, map[string]any{"listPath": "$.content.summary"}, func(context.Context) error {
		calls++
		return nil
	}))
	assert.Zero(t, calls, "non-list yields zero iterations")
}

func TestListForEachBodyError(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := CardRead(ctx, f.store, f.st, nil)
	require.NoError(t, err)

	boom := errors.New("boom")
	calls := 0
	err = ListForEach(ctx, f.store, f.st, map[string]any{"listPath": "$.content.items"}, func(context.Context) error {
		calls++
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)
}

func TestListForEachRange(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := CardRead(ctx, f.store, f.st, nil)
	require.NoError(t, err)

	tests := []struct {
		name   string
		params map[string]any
		want   []int
	}{
		{"count path", map[string]any{"countPath": "$.content.stage_count"}, []int{1, 2, 3}},
		{"start offset", map[string]any{"count": 2, "start": 5}, []int{5, 6}},
		{"templated count", map[string]any{"count": "{$.content.stage_count}"}, []int{1, 2, 3}},
		{"zero", map[string]any{"count": 0}, nil},
		{"negative", map[string]any{"count": -2}, nil},
		{"unresolvable", map[string]any{"countPath": "$.content.missing"}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got []int
			err := ListForEachRange(ctx, f.store, f.st, tt.params, func(context.Context) error {
				i, _ := f.st.ItemIndex()
				got = append(got, i)
				return nil
			})
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestLoopSourcesReadActiveCard(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	bp := &flow.Card{Title: "Blueprint", ProjectID: "p1", Content: map[string]any{
		"volume_count":    2,
		"character_cards": []any{map[string]any{"name": "Rin"}},
	}}
	require.NoError(t, f.store.CreateCard(ctx, bp))
	st := NewState(map[string]any{"card_id": bp.ID, "project_id": "p1"}, nil, nil)
	_, err := CardRead(ctx, f.store, st, nil)
	require.NoError(t, err)

	volumes := 0
	err = ListForEachRange(ctx, f.store, st, map[string]any{"countPath": "$.content.volume_count"}, func(ctx context.Context) error {
		volumes++
		_, err := CardUpsertChildByTitle(ctx, f.store, st, map[string]any{
			"cardType": "Chapter",
			"title":    "Volume {index}",
			"parent":   "$projectRoot",
		})
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, 2, volumes)
	require.NotNil(t, st.Current)
	assert.Equal(t, "Volume 2", st.Current.Card.Title, "current points at the last volume")

	var created []string
	err = ListForEach(ctx, f.store, st, map[string]any{"listPath": "$.content.character_cards"}, func(ctx context.Context) error {
		out, err := CardUpsertChildByTitle(ctx, f.store, st, map[string]any{"cardType": "Chapter", "title": "{item.name}"})
		if err != nil {
			return err
		}
		created = append(created, out.(map[string]any)["card"].(*flow.Card).Title)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"Rin"}, created)

	// Templates keep resolving against current.card first.
	st.SetCurrent(&flow.Card{Content: map[string]any{"volume_count": 7}}, nil)
	assert.Equal(t, 7, st.LookupSource("{$.content.volume_count}"))
	assert.Equal(t, 2, st.LookupSource("$.content.volume_count"))

	// A key missing on the active card falls back to current.card.
	st.SetCurrent(&flow.Card{Content: map[string]any{"only_here": "x"}}, nil)
	assert.Equal(t, "x", st.LookupSource("$.content.only_here"))
}

func TestParseSchemaFields(t *testing.T) {
	schema := map[string]any{
		"$defs": map[string]any{
			"Entity": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"name": map[string]any{"type": "string"},
				},
			},
		},
		"required": []any{"title"},
		"properties": map[string]any{
			"title":    map[string]any{"type": "string", "title": "Title"},
			"owner":    map[string]any{"$ref": "#/$defs/Entity", "title": "Owner"},
			"note":     map[string]any{"anyOf": []any{map[string]any{"type": "null"}, map[string]any{"type": "string"}}},
			"entities": map[string]any{"type": "array", "items": map[string]any{"$ref": "#/$defs/Entity"}},
			"tags":     map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
		},
	}

	fields := ParseSchemaFields(schema)
	require.Len(t, fields, 5)
	byName := map[string]SchemaField{}
	for _, f := range fields {
		byName[f.Name] = f
	}

	assert.True(t, byName["title"].Required)
	assert.Equal(t, "Owner", byName["owner"].Title)
	assert.Equal(t, "object", byName["owner"].Type)
	require.Len(t, byName["owner"].Children, 1)
	assert.Equal(t, "$.content.owner.name", byName["owner"].Children[0].Path)
	assert.Equal(t, "string", byName["note"].Type)
	assert.Equal(t, "object", byName["entities"].ArrayItemType)
	assert.Equal(t, "$.content.entities[0].name", byName["entities"].Children[0].Path)
	assert.Equal(t, "string", byName["tags"].ArrayItemType)
}
