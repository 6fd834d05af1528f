// Command recombinant manages dataset instances on a remote action API from
// the command line: converging schemas, bulk loading delimited files, and
// producing templates and combined exports.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"strings"

	"github.com/joho/godotenv"

	"github.com/open-data/recombinant/recombinant/bulkload"
	"github.com/open-data/recombinant/recombinant/ckanapi"
	"github.com/open-data/recombinant/recombinant/reconcile"
	"github.com/open-data/recombinant/recombinant/schema"
	"github.com/open-data/recombinant/recombinant/stores"
	"github.com/open-data/recombinant/recombinant/tabular"
)

const usage = `usage: recombinant <command> [flags]

commands:
  dataset-types  list the loaded dataset types
  show           show one organization's dataset
  create         create a dataset and its tables
  update         converge a dataset toward its definition
  delete         delete a dataset and drop its tables
  load           bulk load a delimited file into a resource
  combine        export every organization's rows of a resource as csv
  template       write a blank excel template for an organization
  run-triggers   re-validate the stored rows of a resource
`

type env struct {
	model  *schema.Model
	client *ckanapi.Client
	rec    *reconcile.Reconciler
}

// commonFlags registers the flags every command shares and returns the
// definition list target.
func commonFlags(fs *flag.FlagSet) *string {
	return fs.String("definitions", os.Getenv("RECOMBINANT_DEFINITIONS"),
		"comma separated dataset definition documents")
}

func setup(defs string) env {
	var docs []string
	for _, doc := range strings.Split(defs, ",") {
		if doc = strings.TrimSpace(doc); doc != "" {
			docs = append(docs, doc)
		}
	}
	if len(docs) == 0 {
		log.Fatal("at least one definition document is required")
	}

	model, err := schema.Load(docs)
	if err != nil {
		log.Fatalf("error loading definitions: %v", err)
	}

	addr := os.Getenv("RECOMBINANT_REMOTE_ADDR")
	if addr == "" {
		log.Fatal("RECOMBINANT_REMOTE_ADDR must be set")
	}
	client := ckanapi.New(addr, os.Getenv("RECOMBINANT_API_KEY"))

	return env{model: model, client: client, rec: reconcile.New(model, client, client)}
}

func main() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Fatalf("error loading .env file: %v", err)
	}
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	ctx := context.Background()
	var err error
	switch os.Args[1] {
	case "dataset-types":
		err = datasetTypesCmd(os.Args[2:])
	case "show":
		err = showCmd(ctx, os.Args[2:])
	case "create":
		err = createCmd(ctx, os.Args[2:])
	case "update":
		err = updateCmd(ctx, os.Args[2:])
	case "delete":
		err = deleteCmd(ctx, os.Args[2:])
	case "load":
		err = loadCmd(ctx, os.Args[2:])
	case "combine":
		err = combineCmd(ctx, os.Args[2:])
	case "template":
		err = templateCmd(os.Args[2:])
	case "run-triggers":
		err = runTriggersCmd(ctx, os.Args[2:])
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	if err != nil {
		log.Fatal(err)
	}
}

func datasetTypesCmd(args []string) error {
	fs := flag.NewFlagSet("dataset-types", flag.ExitOnError)
	defs := commonFlags(fs)
	fs.Parse(args)

	e := setup(*defs)
	for _, name := range e.model.DatasetTypes() {
		geno, err := e.model.Geno(name)
		if err != nil {
			return err
		}
		fmt.Printf("%v\t%v\n", name, geno.Title)
	}
	return nil
}

func showCmd(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("show", flag.ExitOnError)
	defs := commonFlags(fs)
	datasetType := fs.String("type", "", "dataset type")
	ownerOrg := fs.String("org", "", "owning organization")
	fs.Parse(args)

	e := setup(*defs)
	dataset, err := e.rec.Lookup(ctx, *datasetType, *ownerOrg)
	if err != nil {
		return err
	}

	fmt.Printf("dataset %v (%v)\n", dataset.Id, dataset.Title)
	for _, res := range dataset.Resources {
		fmt.Printf("  resource %v\t%v\n", res.Id, res.Name)
	}
	return nil
}

func createCmd(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("create", flag.ExitOnError)
	defs := commonFlags(fs)
	datasetType := fs.String("type", "", "dataset type")
	ownerOrg := fs.String("org", "", "owning organization")
	fs.Parse(args)

	e := setup(*defs)
	dataset, err := e.rec.Create(ctx, *datasetType, *ownerOrg)
	if err != nil {
		return err
	}
	fmt.Printf("created dataset %v\n", dataset.Id)
	return nil
}

func updateCmd(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("update", flag.ExitOnError)
	defs := commonFlags(fs)
	datasetType := fs.String("type", "", "dataset type")
	ownerOrg := fs.String("org", "", "owning organization")
	force := fs.Bool("force-update", false, "apply table updates even when columns already match")
	deleteFields := fs.Bool("delete-fields", false, "drop columns absent from the definition")
	deleteResources := fs.Bool("delete-resources", false, "drop resources absent from the definition")
	fs.Parse(args)

	e := setup(*defs)
	result, err := e.rec.Update(ctx, *datasetType, *ownerOrg, reconcile.Options{
		ForceUpdate:     *force,
		DeleteFields:    *deleteFields,
		DeleteResources: *deleteResources,
	})
	if err != nil {
		return err
	}

	if !result.Changed() {
		fmt.Printf("dataset %v is up to date\n", result.DatasetId)
		return nil
	}
	fmt.Printf("dataset %v: created=%v metadata=%v tables created=%v updated=%v\n",
		result.DatasetId, result.CreatedDataset, result.UpdatedMetadata,
		result.CreatedTables, result.UpdatedTables)
	return nil
}

func deleteCmd(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("delete", flag.ExitOnError)
	defs := commonFlags(fs)
	datasetType := fs.String("type", "", "dataset type")
	ownerOrg := fs.String("org", "", "owning organization")
	fs.Parse(args)

	e := setup(*defs)
	return e.rec.Delete(ctx, *datasetType, *ownerOrg)
}

func loadCmd(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("load", flag.ExitOnError)
	defs := commonFlags(fs)
	resourceName := fs.String("resource", "", "resource name")
	fs.Parse(args)
	if fs.NArg() != 1 {
		return fmt.Errorf("load requires exactly one delimited file argument")
	}

	e := setup(*defs)
	chromo, err := e.model.Chromo(*resourceName)
	if err != nil {
		return err
	}

	file, err := os.Open(fs.Arg(0))
	if err != nil {
		return fmt.Errorf("error opening input file: %v", err)
	}
	defer file.Close()

	method := bulkload.Method(chromo)
	failed := 0
	err = tabular.ReadDelimited(file, chromo, func(batch tabular.Batch) error {
		dataset, err := e.rec.Lookup(ctx, chromo.DatasetType, batch.OwnerOrg)
		if err != nil {
			return err
		}
		resource, ok := findResource(dataset, chromo.ResourceName)
		if !ok {
			return fmt.Errorf("dataset %v has no resource %v: %w",
				dataset.Id, chromo.ResourceName, stores.ErrNotFound)
		}

		report, err := bulkload.LoadChunked(ctx, e.client, resource.Id, method, batch.Records)
		if err != nil {
			return err
		}
		for _, failure := range report.Failures {
			slog.Warn("record rejected",
				"owner_org", batch.OwnerOrg, "offset", failure.Offset, "error", failure.Err)
		}
		failed += len(report.Failures)
		fmt.Printf("%v: wrote %d records, %d rejected\n",
			batch.OwnerOrg, report.Written, len(report.Failures))
		return nil
	})
	if err != nil {
		return err
	}
	if failed > 0 {
		return fmt.Errorf("%d records rejected", failed)
	}
	return nil
}

func combineCmd(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("combine", flag.ExitOnError)
	defs := commonFlags(fs)
	resourceName := fs.String("resource", "", "resource name")
	out := fs.String("out", "", "output file, stdout when empty")
	fs.Parse(args)

	e := setup(*defs)
	chromo, err := e.model.Chromo(*resourceName)
	if err != nil {
		return err
	}

	datasets, err := e.client.SearchDatasets(ctx, stores.DatasetQuery{Type: chromo.DatasetType})
	if err != nil {
		return err
	}

	var sources []tabular.ResourceExport
	for _, dataset := range datasets {
		resource, ok := findResource(dataset, chromo.ResourceName)
		if !ok {
			continue
		}
		sources = append(sources, tabular.ResourceExport{
			ResourceId: resource.Id,
			Org:        tabular.Org{Name: dataset.OwnerOrg, Title: dataset.OwnerOrg},
		})
	}

	w := os.Stdout
	if *out != "" {
		w, err = os.Create(*out)
		if err != nil {
			return fmt.Errorf("error creating output file: %v", err)
		}
		defer w.Close()
	}
	return tabular.ExportDelimited(ctx, w, chromo, e.client, sources, tabular.DefaultPageSize)
}

func templateCmd(args []string) error {
	fs := flag.NewFlagSet("template", flag.ExitOnError)
	defs := commonFlags(fs)
	datasetType := fs.String("type", "", "dataset type")
	ownerOrg := fs.String("org", "", "owning organization")
	out := fs.String("out", "", "output xlsx file")
	fs.Parse(args)
	if *out == "" {
		return fmt.Errorf("template requires -out")
	}

	e := setup(*defs)
	file, err := os.Create(*out)
	if err != nil {
		return fmt.Errorf("error creating output file: %v", err)
	}
	defer file.Close()

	org := tabular.Org{Name: *ownerOrg, Title: *ownerOrg}
	return tabular.WriteWorkbook(file, e.model, *datasetType, org, nil)
}

func runTriggersCmd(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("run-triggers", flag.ExitOnError)
	defs := commonFlags(fs)
	resourceName := fs.String("resource", "", "resource name")
	ownerOrg := fs.String("org", "", "owning organization")
	fs.Parse(args)

	e := setup(*defs)
	chromo, err := e.model.Chromo(*resourceName)
	if err != nil {
		return err
	}
	dataset, err := e.rec.Lookup(ctx, chromo.DatasetType, *ownerOrg)
	if err != nil {
		return err
	}
	resource, ok := findResource(dataset, chromo.ResourceName)
	if !ok {
		return fmt.Errorf("dataset %v has no resource %v: %w",
			dataset.Id, chromo.ResourceName, stores.ErrNotFound)
	}
	return e.client.RunTriggers(ctx, resource.Id)
}

func findResource(dataset stores.Dataset, name string) (stores.Resource, bool) {
	for _, res := range dataset.Resources {
		if res.Name == name {
			return res, true
		}
	}
	return stores.Resource{}, false
}
