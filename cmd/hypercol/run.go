package main

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/hypercol/internal/logger"
	"github.com/samcharles93/hypercol/internal/pipeline"
	"github.com/samcharles93/hypercol/internal/safetensors"
)

func runCmd() *cli.Command {
	var (
		cfgPath string
		inPath  string
		outPath string
		seed    int64
		workers int
	)

	return &cli.Command{
		Name:  "run",
		Usage: "Sample and encode according to a pipeline config",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "pipeline config (.yaml or .json)", Required: true, Destination: &cfgPath},
			inputFlag(&inPath),
			outputFlag(&outPath),
			&cli.Int64Flag{Name: "seed", Usage: "override the sampler seed", Destination: &seed},
			workersFlag(&workers),
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)

			cfg, err := pipeline.LoadConfig(cfgPath)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			// Flags beat the pipeline file; the file's values are kept otherwise.
			if cmd.IsSet("seed") {
				cfg.Sampler.Seed = seed
			}
			if cmd.IsSet("workers") {
				cfg.Sampler.Workers = workers
			}

			f, err := safetensors.Open(inPath)
			if err != nil {
				return fmt.Errorf("open %s: %w", inPath, err)
			}
			defer func() { _ = f.Close() }()
			names := []string{cfg.Reference}
			for _, src := range cfg.Sources {
				names = append(names, src.Name)
			}
			blobs, err := readBlobs(f, names...)
			if err != nil {
				return err
			}
			ref, aux := blobs[0], blobs[1:]

			p, err := pipeline.New(ctx, *cfg, ref.Shape, shapesOf(aux))
			if err != nil {
				return err
			}
			res, err := p.Run(ctx, ref, aux)
			if err != nil {
				return err
			}

			outNames := cfg.OutputNames()
			w := safetensors.NewWriter()
			addSamplerOutput(w, outNames, res.Output)
			if res.Classes != nil {
				w.Add(outNames.Classes, res.Classes)
			}
			w.AddMeta("config", cfgPath)
			w.AddMeta("reference", cfg.Reference)
			if err := w.WriteFile(outPath); err != nil {
				return fmt.Errorf("write %s: %w", outPath, err)
			}
			log.Info("pipeline written", "output", outPath, "counts", res.Counts, "duration", res.Duration)
			return nil
		},
	}
}
