package main

import (
	"context"
	"fmt"
	"io"
	"maps"
	"slices"
	"text/tabwriter"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/hypercol/internal/safetensors"
	"github.com/samcharles93/hypercol/internal/tensor"
)

func inspectCmd() *cli.Command {
	var (
		inPath     string
		tensorName string
		showLabels bool
		labelLimit int
	)

	return &cli.Command{
		Name:  "inspect",
		Usage: "List tensors in a .safetensors file with per-channel statistics",
		Flags: []cli.Flag{
			inputFlag(&inPath),
			&cli.StringFlag{Name: "tensor", Aliases: []string{"t"}, Usage: "only inspect this tensor", Destination: &tensorName},
			&cli.BoolFlag{Name: "labels", Usage: "treat values as class labels and print a histogram", Destination: &showLabels},
			&cli.IntFlag{Name: "labels-limit", Usage: "limit histogram rows (0 = no limit)", Value: 20, Destination: &labelLimit},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			f, err := safetensors.Open(inPath)
			if err != nil {
				return fmt.Errorf("open %s: %w", inPath, err)
			}
			defer func() { _ = f.Close() }()

			names := f.Names()
			if tensorName != "" {
				if _, ok := f.Tensor(tensorName); !ok {
					return cli.Exit(fmt.Sprintf("error: tensor %q not found in %s", tensorName, inPath), 1)
				}
				names = []string{tensorName}
			}
			w := cmd.Root().Writer
			for _, k := range slices.Sorted(maps.Keys(f.Metadata)) {
				_, _ = fmt.Fprintf(w, "meta %s=%s\n", k, f.Metadata[k])
			}
			for _, name := range names {
				b, err := f.ReadBlob(name)
				if err != nil {
					info, _ := f.Tensor(name)
					_, _ = fmt.Fprintf(w, "%s %s %v (skipped: %v)\n", name, info.DType, info.Shape, err)
					continue
				}
				if err := printTensor(w, name, b, showLabels, labelLimit); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

func printTensor(w io.Writer, name string, b *tensor.Blob, labels bool, limit int) error {
	if _, err := fmt.Fprintf(w, "%s %s\n", name, b.Shape); err != nil {
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "  channel\tmean\tstddev\tmin\tmax\tnan")
	for _, s := range tensor.Stats(b) {
		_, _ = fmt.Fprintf(tw, "  %d\t%.6g\t%.6g\t%.6g\t%.6g\t%d\n", s.Channel, s.Mean, s.StdDev, s.Min, s.Max, s.NaN)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if !labels {
		return nil
	}

	hist := tensor.Histogram(b)
	_, _ = fmt.Fprintf(w, "  labels: %d distinct, entropy %.4f nats\n", len(hist), tensor.Entropy(hist))
	tw = tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "  label\tcount")
	for i, lc := range hist {
		if limit > 0 && i >= limit {
			_, _ = fmt.Fprintf(tw, "  ...\t%d more\n", len(hist)-limit)
			break
		}
		_, _ = fmt.Fprintf(tw, "  %d\t%d\n", lc.Label, lc.Count)
	}
	return tw.Flush()
}
