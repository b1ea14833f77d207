// Command uniter inspects model checkpoints.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"sort"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/jmorganca/uniter/format"
	_ "github.com/jmorganca/uniter/model/models"
	"github.com/jmorganca/uniter/pretrained"
)

func main() {
	root := &cobra.Command{
		Use:           "uniter",
		Short:         "UNITER joint image-text encoder tooling",
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
	}

	var verbose bool
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	root.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		level := slog.LevelInfo
		if verbose {
			level = slog.LevelDebug
		}
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	}

	root.AddCommand(inspectCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func inspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect CHECKPOINT",
		Short: "Show the configuration and tensors of a checkpoint archive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			a, err := pretrained.DecodeArchive(f)
			if err != nil {
				return err
			}

			keys := make([]string, 0, len(a.Config))
			for k := range a.Config {
				keys = append(keys, k)
			}
			sort.Strings(keys)

			cfg := tablewriter.NewWriter(cmd.OutOrStdout())
			cfg.SetHeader([]string{"Option", "Value"})
			for _, k := range keys {
				cfg.Append([]string{k, fmt.Sprint(a.Config[k])})
			}
			cfg.Render()

			names := make([]string, 0, len(a.Tensors))
			for name := range a.Tensors {
				names = append(names, name)
			}
			sort.Strings(names)

			var params, size int64
			tensors := tablewriter.NewWriter(cmd.OutOrStdout())
			tensors.SetHeader([]string{"Tensor", "DType", "Shape"})
			for _, name := range names {
				t := a.Tensors[name]
				n := int64(1)
				for _, d := range t.Shape {
					n *= int64(d)
				}
				params += n
				size += int64(len(t.Data))
				tensors.Append([]string{name, t.DType, fmt.Sprint(t.Shape)})
			}
			tensors.Render()

			fmt.Fprintf(cmd.OutOrStdout(), "%d tensors, %s parameters, %s\n",
				len(a.Tensors), format.HumanNumber(uint64(params)), format.HumanBytes(size))
			return nil
		},
	}
}
