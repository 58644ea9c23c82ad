package main

import (
	"fmt"
	"io"
	"strconv"

	"github.com/chazu/pereader/catalog"
	"github.com/chazu/pereader/report"
	"github.com/spf13/cobra"
)

// ReportCmd holds the report cmd flags
type ReportCmd struct {
	*GlobalFlags

	Store bool
}

// NewReportCmd creates a new report command
func NewReportCmd(flags *GlobalFlags) *cobra.Command {
	cmd := &ReportCmd{GlobalFlags: flags}
	reportCmd := &cobra.Command{
		Use:   "report FILE...",
		Short: "Summarize images and optionally store them in the catalog",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			return cmd.Run(c.OutOrStdout(), args)
		},
	}
	reportCmd.Flags().BoolVar(&cmd.Store, "store", false, "Save the reports to the catalog")
	return reportCmd
}

// Run runs the command logic
func (cmd *ReportCmd) Run(w io.Writer, paths []string) error {
	cfg := cmd.Config()

	reports := make([]*report.Report, 0, len(paths))
	for _, path := range paths {
		rep, err := buildReport(cmd.GlobalFlags, path)
		if err != nil {
			return err
		}
		reports = append(reports, rep)
	}

	if cmd.Store {
		cat, err := catalog.Open(cfg.CatalogPath())
		if err != nil {
			return err
		}
		defer cat.Close()
		for _, rep := range reports {
			if err := cat.Store(rep); err != nil {
				return err
			}
		}
	}

	var v any = reports
	if len(reports) == 1 {
		v = reports[0]
	}
	return emit(w, cfg.Output.Format, v, func(w io.Writer) error {
		for i, rep := range reports {
			if i > 0 {
				fmt.Fprintln(w)
			}
			writeReportText(w, rep)
		}
		return nil
	})
}

func buildReport(flags *GlobalFlags, path string) (*report.Report, error) {
	cfg := flags.Config()
	r, closeImage, err := openImage(cfg, path)
	if err != nil {
		return nil, err
	}
	defer closeImage()
	return report.Build(r, report.BuildOptions{Source: path, Digests: cfg.Output.Digests})
}

func writeReportText(w io.Writer, rep *report.Report) {
	fmt.Fprintf(w, "%s  %s\n", rep.Source, rep.ID)
	format := "PE32"
	if rep.PE32Plus {
		format = "PE32+"
	}
	fmt.Fprintf(w, "%s, machine 0x%04x, %d sections", format, rep.Machine, len(rep.Sections))
	if rep.Partial {
		fmt.Fprint(w, " (partial)")
	}
	fmt.Fprintln(w)

	if rep.Metadata == nil {
		fmt.Fprintln(w, "no CLI metadata")
		return
	}
	fmt.Fprintf(w, "metadata %s, runtime %s, %d methods, entry point %s\n",
		rep.Metadata.Version, rep.Metadata.RuntimeVersion, rep.Metadata.Methods, hex32(rep.Metadata.EntryPointToken))
	if len(rep.Methods) == 0 {
		return
	}
	table := newTable(w, "Token", "Name", "RVA", "MaxStack", "Code", "EH", "SHA-256")
	for _, m := range rep.Methods {
		row := []string{hex32(m.Token), m.Name, hex32(m.RVA), "", "", "", m.Digest}
		switch {
		case m.Error != "":
			row[6] = "error: " + m.Error
		case m.HasBody && !rep.Partial:
			row[3] = strconv.Itoa(m.MaxStack)
			row[4] = strconv.Itoa(m.CodeSize)
			row[5] = strconv.Itoa(m.ExceptionRegions)
		}
		table.Append(row)
	}
	table.Render()
}
