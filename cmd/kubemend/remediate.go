package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/kubemend/kubemend/internal/detect"
	"github.com/kubemend/kubemend/internal/pipeline"
	"github.com/kubemend/kubemend/internal/queue"
	"github.com/kubemend/kubemend/internal/synth"
	"github.com/kubemend/kubemend/internal/verify"
)

var remediateFlags struct {
	detectionsFile string
	baseDir        string
	outFile        string
	workers        int
	maxAttempts    int

	vendorModel   string
	vendorBaseURL string

	kubeconfig    string
	kubeContext   string
	requireSchema bool
	rescan        bool
	rescanBin     string
	dbPath        string
}

var remediateCmd = &cobra.Command{
	Use:   "remediate",
	Short: "Synthesize and verify fixes for a batch of detections",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runRemediate()
	},
}

func init() {
	f := remediateCmd.Flags()
	f.StringVar(&remediateFlags.detectionsFile, "detections", "", "JSON file with detection records (required)")
	f.StringVar(&remediateFlags.baseDir, "base-dir", ".", "base directory for manifest_path resolution")
	f.StringVar(&remediateFlags.outFile, "out", "", "write verification results JSON to this file (default stdout)")
	f.IntVar(&remediateFlags.workers, "workers", 4, "concurrent pipeline workers")
	f.IntVar(&remediateFlags.maxAttempts, "max-attempts", 3, "synthesis attempts per detection")
	f.StringVar(&remediateFlags.vendorModel, "vendor-model", "", "use an external text-generation strategy with this model (requires OPENAI_API_KEY)")
	f.StringVar(&remediateFlags.vendorBaseURL, "vendor-base-url", "", "OpenAI-compatible endpoint for the vendor strategy")
	f.StringVar(&remediateFlags.kubeconfig, "kubeconfig", "", "kubeconfig path for the schema gate's server-side dry-run")
	f.StringVar(&remediateFlags.kubeContext, "kube-context", "", "kubeconfig context for the schema gate")
	f.BoolVar(&remediateFlags.requireSchema, "require-schema", false, "fail the schema gate when no cluster is reachable")
	f.BoolVar(&remediateFlags.rescan, "rescan", false, "re-run the detector against patched manifests")
	f.StringVar(&remediateFlags.rescanBin, "rescan-bin", "", "detector binary for the rescan gate")
	f.StringVar(&remediateFlags.dbPath, "db", "", "enqueue accepted fixes into this queue database")
	_ = remediateCmd.MarkFlagRequired("detections")
}

func runRemediate() error {
	detections, err := detect.LoadBatch(remediateFlags.detectionsFile, remediateFlags.baseDir)
	if err != nil {
		return err
	}
	log.Info().Int("count", len(detections)).Msg("Loaded detections")

	rules := synth.NewRuleTable()
	var vendor synth.Strategy
	if remediateFlags.vendorModel != "" {
		vs, err := synth.NewVendorStrategy(synth.VendorConfig{
			APIKey:  os.Getenv("OPENAI_API_KEY"),
			BaseURL: remediateFlags.vendorBaseURL,
			Model:   remediateFlags.vendorModel,
		})
		if err != nil {
			return fmt.Errorf("configure vendor strategy: %w", err)
		}
		vendor = vs
	}
	engine := synth.NewEngine(rules, vendor, synth.Config{MaxAttempts: remediateFlags.maxAttempts}, log.Logger)

	var schema verify.SchemaChecker
	if remediateFlags.kubeconfig != "" || remediateFlags.requireSchema {
		checker, err := verify.NewDryRunChecker(remediateFlags.kubeconfig, remediateFlags.kubeContext, 30*time.Second)
		if err != nil {
			if remediateFlags.requireSchema {
				return fmt.Errorf("schema check required: %w", err)
			}
			log.Warn().Err(err).Msg("No cluster reachable, schema gate passes through")
			schema = verify.PassthroughChecker{}
		} else {
			schema = checker
		}
	} else {
		schema = verify.PassthroughChecker{}
	}

	var rescanner verify.Rescanner
	if remediateFlags.rescan && remediateFlags.rescanBin != "" {
		rescanner = &verify.DetectorRescanner{
			Detector: &detect.CommandDetector{Bin: remediateFlags.rescanBin, Timeout: 30 * time.Second},
		}
	}

	verifier := verify.New(schema, rescanner, verify.Config{
		RequireSchema: remediateFlags.requireSchema,
		Rescan:        remediateFlags.rescan,
	}, log.Logger)

	runner := pipeline.NewRunner(engine, verifier, remediateFlags.workers, log.Logger)
	report := runner.Run(cmdContext(), detections)

	if remediateFlags.dbPath != "" {
		store := queue.New(remediateFlags.dbPath, log.Logger)
		ctx := cmdContext()
		if err := store.Init(ctx); err != nil {
			return err
		}
		items := pipeline.Candidates(report, nil)
		if err := store.Enqueue(ctx, items); err != nil {
			return err
		}
		log.Info().Int("enqueued", len(items)).Str("db", remediateFlags.dbPath).Msg("Accepted fixes enqueued")
	}

	return writeJSON(remediateFlags.outFile, report)
}

func writeJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	data = append(data, '\n')
	if path == "" {
		_, err = os.Stdout.Write(data)
		return err
	}
	return os.WriteFile(path, data, 0600)
}
