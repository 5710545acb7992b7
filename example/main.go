package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/meikuraledutech/flow"
	"github.com/meikuraledutech/flow/engine"
	"github.com/meikuraledutech/flow/memstore"
	"github.com/meikuraledutech/flow/nodes"
	"github.com/meikuraledutech/flow/postgres"
	"github.com/meikuraledutech/flow/trigger"
)

const chaptersWorkflow = `
name: Expand outline into chapters
definition:
  nodes:
    - id: read
      type: Card.Read
      params:
        type_name: Outline
    - id: chapters
      type: List.ForEach
      params:
        list: $.content.chapters
    - id: upsert
      type: Card.UpsertChildByTitle
      params:
        cardType: Chapter
        title: "{item.name}"
        contentTemplate:
          summary: "{item.summary}"
          position: "{index}"
    - id: stamp
      type: Card.ModifyContent
      params:
        setPath: $.content.expanded
        setValue: true
  edges:
    - {source: read, target: chapters, sourceHandle: r}
    - {source: chapters, target: upsert, sourceHandle: b}
    - {source: chapters, target: stamp, sourceHandle: r}
`

func main() {
	ctx := context.Background()

	// Postgres when DATABASE_URL is set, otherwise everything stays in memory.
	var store flow.Store = memstore.New()
	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		pool, err := pgxpool.New(ctx, dbURL)
		if err != nil {
			log.Fatalf("connect: %v", err)
		}
		defer pool.Close()
		store = postgres.New(pool)
	}

	// 1. Create tables
	if err := store.CreateSchema(ctx); err != nil {
		log.Fatalf("schema: %v", err)
	}
	fmt.Println("schema created")

	// ── Card types and an outline ─────────────────────────────────────
	outline := &flow.CardType{Name: "Outline"}
	chapter := &flow.CardType{Name: "Chapter", ModelName: "ChapterModel"}
	for _, ct := range []*flow.CardType{outline, chapter} {
		if err := store.CreateCardType(ctx, ct); err != nil {
			log.Fatalf("card type: %v", err)
		}
	}
	root := &flow.Card{
		Title:      "My novel",
		ProjectID:  "demo-project",
		CardTypeID: outline.ID,
		Content: map[string]any{
			"chapters": []any{
				map[string]any{"name": "Arrival", "summary": "Rin reaches the city."},
				map[string]any{"name": "Departure", "summary": "Rin leaves again."},
			},
		},
	}
	if err := store.CreateCard(ctx, root); err != nil {
		log.Fatalf("card: %v", err)
	}

	// ── Workflow + trigger ────────────────────────────────────────────
	doc, err := flow.ParseWorkflowDocument([]byte(chaptersWorkflow))
	if err != nil {
		log.Fatalf("parse workflow: %v", err)
	}
	wf := doc.Workflow()
	if err := store.CreateWorkflow(ctx, wf); err != nil {
		log.Fatalf("create workflow: %v", err)
	}
	if err := store.CreateTrigger(ctx, &flow.Trigger{WorkflowID: wf.ID, On: flow.EventSave, CardTypeName: "Outline", IsActive: true}); err != nil {
		log.Fatalf("create trigger: %v", err)
	}
	fmt.Printf("workflow %s stored\n", wf.ID)

	// ── Fire the save event and follow the run ────────────────────────
	eng := engine.New(store, nodes.Default())
	dispatcher := trigger.NewDispatcher(store, eng)

	runIDs, err := dispatcher.OnCardSave(ctx, root)
	if err != nil {
		log.Fatalf("dispatch: %v", err)
	}
	for _, id := range runIDs {
		events, err := eng.SubscribeEvents(ctx, id)
		if err != nil {
			log.Fatalf("subscribe: %v", err)
		}
		for ev := range events {
			fmt.Print(ev.String())
		}
	}

	// A second save right away is debounced.
	again, err := dispatcher.OnCardSave(ctx, root)
	if err != nil {
		log.Fatalf("dispatch: %v", err)
	}
	fmt.Printf("runs started by repeated save: %d\n", len(again))

	// ── Result ────────────────────────────────────────────────────────
	children, err := store.ListChildren(ctx, root.ProjectID, root.ID, chapter.ID)
	if err != nil {
		log.Fatalf("list children: %v", err)
	}
	fmt.Printf("\nchapters (%d):\n", len(children))
	printJSON(children)

	// ── Cleanup ───────────────────────────────────────────────────────
	if err := store.DropSchema(ctx); err != nil {
		log.Fatalf("drop: %v", err)
	}
	fmt.Println("\nschema dropped")
}

func printJSON(v any) {
	out, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(out))
}
