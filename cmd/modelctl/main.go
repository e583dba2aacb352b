package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"autoflow/internal/audit"
	"autoflow/internal/features"
	"autoflow/internal/ml"
	"autoflow/internal/replay"
	"autoflow/internal/tags"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const usage = `Usage: modelctl <command> [flags]

Commands:
  list      List registered model versions
  add       Register a model artifact:     modelctl add [-accuracy F] [-mae F] [-samples N] FILE
  activate  Activate a registered version:  modelctl activate VERSION
  rollback  Activate the previous version
  score     Score one set of readings:      modelctl score TAG=VALUE...
  export    Export recorded cycles as JSON lines for training
`

func main() {
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	cmd, args := os.Args[1], os.Args[2:]
	var err error
	switch cmd {
	case "list":
		err = runList(args)
	case "add":
		err = runAdd(args)
	case "activate":
		err = runActivate(args)
	case "rollback":
		err = runRollback(args)
	case "score":
		err = runScore(args)
	case "export":
		err = runExport(args)
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	if err != nil {
		log.Fatal().Err(err).Str("command", cmd).Msg("modelctl failed")
	}
}

func registryFlags(name string) (*flag.FlagSet, *string) {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	dir := fs.String("models", "models", "Model registry directory")
	return fs, dir
}

func runList(args []string) error {
	fs, dir := registryFlags("list")
	_ = fs.Parse(args)

	mm, err := ml.NewModelManager(*dir)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "VERSION\tKIND\tCREATED\tACTIVE\tPATH")
	for _, v := range mm.ListVersions() {
		active := ""
		if v.IsActive {
			active = "*"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", v.Version, v.Kind, v.CreatedAt.Format(time.RFC3339), active, v.Path)
	}
	return w.Flush()
}

func runAdd(args []string) error {
	fs, dir := registryFlags("add")
	accuracy := fs.Float64("accuracy", 0, "Offline classification accuracy")
	mae := fs.Float64("mae", 0, "Offline mean absolute error")
	samples := fs.Int("samples", 0, "Number of training samples")
	activate := fs.Bool("activate", false, "Activate the version once registered")
	_ = fs.Parse(args)
	if fs.NArg() != 1 {
		return fmt.Errorf("add takes exactly one artifact path")
	}

	mm, err := ml.NewModelManager(*dir)
	if err != nil {
		return err
	}
	v, err := mm.AddVersion(fs.Arg(0), ml.ModelMetrics{
		MeanAbsError:    *mae,
		Accuracy:        *accuracy,
		TrainingSamples: *samples,
	})
	if err != nil {
		return err
	}
	fmt.Printf("registered %s (%s)\n", v.Version, v.Kind)
	if *activate {
		return mm.ActivateVersion(v.Version)
	}
	return nil
}

func runActivate(args []string) error {
	fs, dir := registryFlags("activate")
	_ = fs.Parse(args)
	if fs.NArg() != 1 {
		return fmt.Errorf("activate takes exactly one version")
	}
	mm, err := ml.NewModelManager(*dir)
	if err != nil {
		return err
	}
	return mm.ActivateVersion(fs.Arg(0))
}

func runRollback(args []string) error {
	fs, dir := registryFlags("rollback")
	_ = fs.Parse(args)
	mm, err := ml.NewModelManager(*dir)
	if err != nil {
		return err
	}
	if err := mm.Rollback(); err != nil {
		return err
	}
	if v := mm.GetCurrentVersion(); v != nil {
		fmt.Printf("active version is now %s\n", v.Version)
	}
	return nil
}

func runScore(args []string) error {
	fs := flag.NewFlagSet("score", flag.ExitOnError)
	model := fs.String("model", "models", "Model artifact or registry directory")
	_ = fs.Parse(args)

	readings, err := parseReadings(fs.Args())
	if err != nil {
		return err
	}
	engine, err := ml.Load(*model, nil)
	if err != nil {
		return err
	}
	builder, err := features.NewBuilder(engine.Info().Features)
	if err != nil {
		return err
	}
	fv, err := builder.Build(uuid.NewString(), readings, time.Now().UTC())
	if err != nil {
		return err
	}
	res, err := engine.Score(fv)
	if err != nil {
		return err
	}
	fmt.Printf("model:  %s\nscore:  %g\nlabel:  %s\n", res.ModelVersion, res.Score, res.Label)
	return nil
}

func runExport(args []string) error {
	fs := flag.NewFlagSet("export", flag.ExitOnError)
	dataPath := fs.String("data", "data", "Directory holding the bolt audit store")
	output := fs.String("output", "training_data.jsonl", "Output file")
	tagList := fs.String("tags", "", "Comma-separated tags every exported cycle must carry")
	days := fs.Int("days", 0, "Export only the last N days (0 for all)")
	_ = fs.Parse(args)

	required := splitTags(*tagList)
	if len(required) == 0 {
		return fmt.Errorf("-tags is required")
	}
	builder, err := features.NewBuilder(required)
	if err != nil {
		return err
	}

	var start time.Time
	if *days > 0 {
		start = time.Now().AddDate(0, 0, -*days)
	}

	store, err := audit.OpenBolt(*dataPath)
	if err != nil {
		return err
	}
	defer store.Close()

	trail, err := replay.Load(store, start, time.Time{})
	if err != nil {
		return err
	}

	file, err := os.Create(*output)
	if err != nil {
		return err
	}
	defer file.Close()

	n, err := replay.Export(trail, builder, file)
	if err != nil {
		return err
	}
	fmt.Printf("exported %d cycles to %s\n", n, *output)
	return nil
}

// parseReadings turns TAG=VALUE arguments into REAL readings.
func parseReadings(args []string) (map[string]tags.Value, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("at least one TAG=VALUE reading is required")
	}
	out := make(map[string]tags.Value, len(args))
	for _, arg := range args {
		name, raw, ok := strings.Cut(arg, "=")
		if !ok || strings.TrimSpace(name) == "" {
			return nil, fmt.Errorf("expected TAG=VALUE, got %q", arg)
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", name, err)
		}
		out[strings.TrimSpace(name)] = tags.Real(f)
	}
	return out, nil
}

func splitTags(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
