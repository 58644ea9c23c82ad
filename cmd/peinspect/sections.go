package main

import (
	"encoding/hex"
	"fmt"
	"io"
	"strconv"

	"github.com/chazu/pereader/peimage"
	"github.com/chazu/pereader/report"
	"github.com/spf13/cobra"
)

// SectionsCmd holds the sections cmd flags
type SectionsCmd struct {
	*GlobalFlags
}

// NewSectionsCmd creates a new sections command
func NewSectionsCmd(flags *GlobalFlags) *cobra.Command {
	cmd := &SectionsCmd{GlobalFlags: flags}
	return &cobra.Command{
		Use:   "sections FILE",
		Short: "List the section table",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			return cmd.Run(c.OutOrStdout(), args[0])
		},
	}
}

// Run runs the command logic
func (cmd *SectionsCmd) Run(w io.Writer, path string) error {
	cfg := cmd.Config()
	r, closeImage, err := openImage(cfg, path)
	if err != nil {
		return err
	}
	defer closeImage()

	rep, err := report.Build(r, report.BuildOptions{Source: path, Digests: cfg.Output.Digests})
	if err != nil {
		return err
	}
	return emit(w, cfg.Output.Format, rep.Sections, func(w io.Writer) error {
		header := []string{"#", "Name", "VirtualAddress", "VirtualSize", "RawPointer", "RawSize", "Data"}
		if cfg.Output.Digests {
			header = append(header, "SHA-256")
		}
		table := newTable(w, header...)
		for _, s := range rep.Sections {
			row := []string{
				strconv.Itoa(s.Index),
				s.Name,
				hex32(s.VirtualAddress),
				hex32(s.VirtualSize),
				hex32(s.RawPointer),
				hex32(s.RawSize),
				strconv.Itoa(s.DataSize),
			}
			if cfg.Output.Digests {
				row = append(row, s.Digest)
			}
			table.Append(row)
		}
		table.Render()
		return nil
	})
}

// SectionCmd holds the section cmd flags
type SectionCmd struct {
	*GlobalFlags

	RVA bool
	Raw bool
}

// NewSectionCmd creates a new section command
func NewSectionCmd(flags *GlobalFlags) *cobra.Command {
	cmd := &SectionCmd{GlobalFlags: flags}
	sectionCmd := &cobra.Command{
		Use:   "section FILE NAME|INDEX",
		Short: "Dump the data of one section",
		Long: `Dump the data of one section, selected by name (".text") or by its
1-based position in the section table. With --rva the second argument is
a relative virtual address and the dump runs from it to the end of the
containing section.`,
		Args: cobra.ExactArgs(2),
		RunE: func(c *cobra.Command, args []string) error {
			return cmd.Run(c.OutOrStdout(), args[0], args[1])
		},
	}
	sectionCmd.Flags().BoolVar(&cmd.RVA, "rva", false, "Treat the selector as an RVA")
	sectionCmd.Flags().BoolVar(&cmd.Raw, "raw", false, "Write the bytes unformatted")
	return sectionCmd
}

// Run runs the command logic
func (cmd *SectionCmd) Run(w io.Writer, path, selector string) error {
	r, closeImage, err := openImage(cmd.Config(), path)
	if err != nil {
		return err
	}
	defer closeImage()

	data, err := cmd.lookup(r, selector)
	if err != nil {
		return err
	}
	if data == nil {
		return fmt.Errorf("no section data for %q", selector)
	}
	if cmd.Raw {
		_, err = w.Write(data)
		return err
	}
	_, err = io.WriteString(w, hex.Dump(data))
	return err
}

func (cmd *SectionCmd) lookup(r *peimage.ImageReader, selector string) ([]byte, error) {
	if cmd.RVA {
		rva, err := strconv.ParseUint(selector, 0, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid RVA %q: %w", selector, err)
		}
		return r.SectionDataAt(int(rva))
	}
	if index, err := strconv.Atoi(selector); err == nil {
		return r.SectionDataByIndex(index)
	}
	return r.SectionDataByName(selector)
}
