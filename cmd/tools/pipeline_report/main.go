package main

import (
	"context"
	"flag"
	"log"
	"os"

	"github.com/david/pipeline-crm/internal/db"
	"github.com/david/pipeline-crm/internal/pipeline"
	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
)

func main() {
	ownerFlag := flag.String("owner", "", "limit the report to one owner id")
	flag.Parse()

	policy, err := pipeline.LoadPolicy()
	if err != nil {
		log.Fatalf("Invalid stage policy: %v", err)
	}

	ctx := context.Background()
	pool, err := db.Connect(ctx)
	if err != nil {
		log.Fatal(err)
	}
	defer pool.Close()

	store := db.NewStore(pool)
	svc := pipeline.NewService(store, store, policy)

	var f pipeline.PipelineFilter
	if *ownerFlag != "" {
		id, err := uuid.Parse(*ownerFlag)
		if err != nil {
			log.Fatalf("Invalid owner id: %v", err)
		}
		f.OwnerID = &id
	}

	summary, err := svc.Pipeline(ctx, f)
	if err != nil {
		log.Fatal(err)
	}

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row{"Stage", "Deals", "Total Value", "Avg Probability"})

	for _, stage := range summary.Stages {
		t.AppendRow(table.Row{stage.Label, stage.Count, stage.TotalValue.StringFixed(2), stage.AverageProbability})
	}
	t.AppendFooter(table.Row{"Pipeline", summary.TotalCount, summary.TotalValue.StringFixed(2), ""})
	t.AppendFooter(table.Row{"Weighted", "", summary.WeightedValue.StringFixed(2), ""})
	t.Render()
}
