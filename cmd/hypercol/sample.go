package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/hypercol/internal/hypercolumn"
	"github.com/samcharles93/hypercol/internal/logger"
	"github.com/samcharles93/hypercol/internal/pipeline"
	"github.com/samcharles93/hypercol/internal/safetensors"
)

func sampleCmd() *cli.Command {
	var (
		inPath   string
		outPath  string
		refName  string
		features []string
		spec     pipeline.SamplerSpec
		invalid  float64
		mode     string
	)

	return &cli.Command{
		Name:  "sample",
		Usage: "Extract hypercolumn descriptors from feature maps",
		Flags: []cli.Flag{
			inputFlag(&inPath),
			outputFlag(&outPath),
			&cli.StringFlag{Name: "reference", Aliases: []string{"r"}, Usage: "reference tensor name", Required: true, Destination: &refName},
			&cli.StringSliceFlag{Name: "feature", Aliases: []string{"f"}, Usage: "feature map as name[:scale[:pad]] (repeatable)", Required: true, Destination: &features},
			&cli.IntFlag{Name: "samples", Aliases: []string{"n"}, Usage: "points per batch item in training", Destination: &spec.SampleCount},
			&cli.BoolFlag{Name: "train", Usage: "random sampling of valid points", Destination: &spec.Training},
			&cli.IntFlag{Name: "stride", Usage: "lattice stride at inference", Value: 1, Destination: &spec.SkipStride},
			&cli.Float64Flag{Name: "invalid", Usage: "reference value marking invalid locations in training", Destination: &invalid},
			&cli.StringFlag{Name: "invalid-mode", Usage: "all, any or nan", Value: "all", Destination: &mode},
			&cli.Int64Flag{Name: "seed", Usage: "random seed", Value: 1, Destination: &spec.Seed},
			workersFlag(&spec.Workers),
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			applySampleConfig(cmd, LoadConfig(), &spec.Seed, &spec.Workers)

			spec.InvalidMode = mode
			if cmd.IsSet("invalid") {
				spec.InvalidValue = &invalid
			}
			sources := make([]pipeline.SourceSpec, len(features))
			names := make([]string, len(features))
			for i, raw := range features {
				src, err := parseFeature(raw)
				if err != nil {
					return cli.Exit(fmt.Sprintf("error: %v", err), 1)
				}
				sources[i], names[i] = src, src.Name
			}
			cfg, err := spec.Config(sources)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}

			f, err := safetensors.Open(inPath)
			if err != nil {
				return fmt.Errorf("open %s: %w", inPath, err)
			}
			defer func() { _ = f.Close() }()
			blobs, err := readBlobs(f, append([]string{refName}, names...)...)
			if err != nil {
				return err
			}
			ref, aux := blobs[0], blobs[1:]

			s, err := hypercolumn.New(cfg, ref.Shape, shapesOf(aux), log)
			if err != nil {
				return err
			}
			out := s.NewOutput()
			if spec.Workers > 1 {
				err = s.ForwardParallel(ref, aux, out, spec.Workers)
			} else {
				err = s.Forward(ref, aux, out)
			}
			if err != nil {
				return err
			}

			w := safetensors.NewWriter()
			addSamplerOutput(w, pipeline.DefaultOutput, out)
			w.AddMeta("reference", refName)
			w.AddMeta("training", strconv.FormatBool(spec.Training))
			w.AddMeta("points_per_item", strconv.Itoa(s.PointsPerItem()))
			if err := w.WriteFile(outPath); err != nil {
				return fmt.Errorf("write %s: %w", outPath, err)
			}
			log.Info("sampled", "rows", out.Descriptors.Shape.N, "channels", s.TotalChannels(), "counts", out.Counts, "output", outPath)
			return nil
		},
	}
}
