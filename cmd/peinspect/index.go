package main

import (
	"fmt"
	"io"

	"github.com/chazu/pereader/catalog"
	"github.com/chazu/pereader/report"
	"github.com/spf13/cobra"
)

// IndexCmd holds the index cmd flags
type IndexCmd struct {
	*GlobalFlags
}

type duplicateView struct {
	Digest  string             `json:"digest"`
	Methods []report.MethodRef `json:"methods"`
}

// NewIndexCmd creates a new index command
func NewIndexCmd(flags *GlobalFlags) *cobra.Command {
	cmd := &IndexCmd{GlobalFlags: flags}
	return &cobra.Command{
		Use:   "index [DIGEST]",
		Short: "Find method bodies in the catalog by IL digest",
		Long: `Look up every cataloged method whose IL hashes to DIGEST. Without a
digest, list the IL bodies shared by more than one cataloged method.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			if len(args) == 1 {
				return cmd.Lookup(c.OutOrStdout(), args[0])
			}
			return cmd.Duplicates(c.OutOrStdout())
		},
	}
}

// Lookup prints the methods with the given digest.
func (cmd *IndexCmd) Lookup(w io.Writer, digest string) error {
	cfg := cmd.Config()
	cat, err := catalog.Open(cfg.CatalogPath())
	if err != nil {
		return err
	}
	defer cat.Close()

	refs, err := cat.MethodsByDigest(digest)
	if err != nil {
		return err
	}
	return emit(w, cfg.Output.Format, refs, func(w io.Writer) error {
		if len(refs) == 0 {
			fmt.Fprintf(w, "no methods with digest %s\n", digest)
			return nil
		}
		writeRefs(w, refs)
		return nil
	})
}

// Duplicates prints every digest shared by more than one method.
func (cmd *IndexCmd) Duplicates(w io.Writer) error {
	cfg := cmd.Config()
	cat, err := catalog.Open(cfg.CatalogPath())
	if err != nil {
		return err
	}
	defer cat.Close()

	ix, err := cat.Index()
	if err != nil {
		return err
	}
	var dups []duplicateView
	for _, d := range ix.Duplicates() {
		dups = append(dups, duplicateView{Digest: d, Methods: ix.Lookup(d)})
	}
	return emit(w, cfg.Output.Format, dups, func(w io.Writer) error {
		if len(dups) == 0 {
			fmt.Fprintln(w, "no shared method bodies")
			return nil
		}
		for i, d := range dups {
			if i > 0 {
				fmt.Fprintln(w)
			}
			fmt.Fprintln(w, d.Digest)
			writeRefs(w, d.Methods)
		}
		return nil
	})
}

func writeRefs(w io.Writer, refs []report.MethodRef) {
	table := newTable(w, "Source", "Token", "Name", "Report")
	for _, ref := range refs {
		table.Append([]string{ref.Source, hex32(ref.Token), ref.Name, ref.ReportID})
	}
	table.Render()
}
