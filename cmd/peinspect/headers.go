package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

// HeadersCmd holds the headers cmd flags
type HeadersCmd struct {
	*GlobalFlags
}

type headersView struct {
	PEHeaderOffset  int64    `json:"pe-header-offset"`
	Machine         uint16   `json:"machine"`
	Characteristics uint16   `json:"characteristics"`
	TimeDateStamp   uint32   `json:"time-date-stamp"`
	Format          string   `json:"format"`
	ImageBase       uint64   `json:"image-base"`
	EntryPoint      uint32   `json:"entry-point"`
	SizeOfImage     uint32   `json:"size-of-image"`
	SizeOfHeaders   uint32   `json:"size-of-headers"`
	Subsystem       uint16   `json:"subsystem"`
	Sections        int      `json:"sections"`
	CLI             *cliView `json:"cli,omitempty"`
}

type cliView struct {
	HeaderOffset    int64  `json:"header-offset"`
	RuntimeVersion  string `json:"runtime-version"`
	Flags           uint32 `json:"flags"`
	EntryPointToken uint32 `json:"entry-point-token"`
	MetadataOffset  int64  `json:"metadata-offset"`
	MetadataSize    int64  `json:"metadata-size"`
}

// NewHeadersCmd creates a new headers command
func NewHeadersCmd(flags *GlobalFlags) *cobra.Command {
	cmd := &HeadersCmd{GlobalFlags: flags}
	return &cobra.Command{
		Use:   "headers FILE",
		Short: "Print the PE and CLI headers",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			return cmd.Run(c.OutOrStdout(), args[0])
		},
	}
}

// Run runs the command logic
func (cmd *HeadersCmd) Run(w io.Writer, path string) error {
	cfg := cmd.Config()
	r, closeImage, err := openImage(cfg, path)
	if err != nil {
		return err
	}
	defer closeImage()

	h, err := r.Headers()
	if err != nil {
		return err
	}
	view := headersView{
		PEHeaderOffset:  h.PEHeaderOffset,
		Machine:         h.Coff.Machine,
		Characteristics: h.Coff.Characteristics,
		TimeDateStamp:   h.Coff.TimeDateStamp,
		Format:          "PE32",
		ImageBase:       h.Optional.ImageBase,
		EntryPoint:      h.Optional.AddressOfEntryPoint,
		SizeOfImage:     h.Optional.SizeOfImage,
		SizeOfHeaders:   h.Optional.SizeOfHeaders,
		Subsystem:       h.Optional.Subsystem,
		Sections:        h.Sections().Len(),
	}
	if h.Optional.Is64() {
		view.Format = "PE32+"
	}
	if h.Cor != nil {
		view.CLI = &cliView{
			HeaderOffset:    h.CorHeaderOffset,
			RuntimeVersion:  fmt.Sprintf("%d.%d", h.Cor.MajorRuntimeVersion, h.Cor.MinorRuntimeVersion),
			Flags:           h.Cor.Flags,
			EntryPointToken: h.Cor.EntryPointTokenOrRVA,
			MetadataOffset:  h.MetadataOffset,
			MetadataSize:    h.MetadataSize,
		}
	}

	return emit(w, cfg.Output.Format, view, func(w io.Writer) error {
		table := newTable(w)
		table.Append([]string{"Format", view.Format})
		table.Append([]string{"Machine", fmt.Sprintf("0x%04x", view.Machine)})
		table.Append([]string{"Characteristics", fmt.Sprintf("0x%04x", view.Characteristics)})
		table.Append([]string{"ImageBase", fmt.Sprintf("0x%x", view.ImageBase)})
		table.Append([]string{"EntryPoint", hex32(view.EntryPoint)})
		table.Append([]string{"SizeOfImage", hex32(view.SizeOfImage)})
		table.Append([]string{"Sections", fmt.Sprint(view.Sections)})
		if cli := view.CLI; cli != nil {
			table.Append([]string{"RuntimeVersion", cli.RuntimeVersion})
			table.Append([]string{"CLIFlags", hex32(cli.Flags)})
			table.Append([]string{"EntryPointToken", hex32(cli.EntryPointToken)})
			table.Append([]string{"Metadata", fmt.Sprintf("offset 0x%x, %d bytes", cli.MetadataOffset, cli.MetadataSize)})
		} else {
			table.Append([]string{"Metadata", "none"})
		}
		table.Render()
		return nil
	})
}
