package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/hypercol/internal/discrete"
	"github.com/samcharles93/hypercol/internal/logger"
	"github.com/samcharles93/hypercol/internal/safetensors"
)

func encodeCmd() *cli.Command {
	var (
		inPath  string
		outPath string
		name    string
		outName string
		spec    discrete.Spec
	)

	return &cli.Command{
		Name:  "encode",
		Usage: "Discretize a continuous target map into one class per location",
		Flags: []cli.Flag{
			inputFlag(&inPath),
			outputFlag(&outPath),
			&cli.StringFlag{Name: "tensor", Aliases: []string{"t"}, Usage: "input tensor name", Required: true, Destination: &name},
			&cli.StringFlag{Name: "output-tensor", Usage: "output tensor name", Value: "classes", Destination: &outName},
			&cli.IntFlag{Name: "bins", Usage: "bins per channel", Required: true, Destination: &spec.NumBins},
			&cli.StringFlag{Name: "space", Usage: "bin spacing (linear, log)", Value: "linear", Destination: &spec.Space},
			&cli.StringFlag{Name: "method", Usage: "discretization method (ordinary, clustering)", Value: "ordinary", Destination: &spec.Method},
			&cli.Float64Flag{Name: "min", Usage: "lower bound of the value range", Destination: &spec.Min},
			&cli.Float64Flag{Name: "max", Usage: "upper bound of the value range", Required: true, Destination: &spec.Max},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)

			cfg, err := spec.Config()
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			f, err := safetensors.Open(inPath)
			if err != nil {
				return fmt.Errorf("open %s: %w", inPath, err)
			}
			defer func() { _ = f.Close() }()
			in, err := f.ReadBlob(name)
			if err != nil {
				return err
			}

			enc, err := discrete.New(cfg, in.Shape, log)
			if err != nil {
				return err
			}
			out := enc.NewOutput()
			if err := enc.Forward(in, out); err != nil {
				return err
			}

			w := safetensors.NewWriter()
			w.Add(outName, out)
			w.AddMeta("num_bins", strconv.Itoa(spec.NumBins))
			w.AddMeta("space", cfg.Space.String())
			w.AddMeta("label_count", strconv.FormatFloat(enc.LabelCount(), 'g', -1, 64))
			if err := w.WriteFile(outPath); err != nil {
				return fmt.Errorf("write %s: %w", outPath, err)
			}
			log.Info("encoded", "input", name, "shape", in.Shape.String(), "output", outPath, "label_count", enc.LabelCount())
			return nil
		},
	}
}
