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

// MethodCmd holds the method cmd flags
type MethodCmd struct {
	*GlobalFlags

	RVA bool
}

type methodView struct {
	Token            uint32                    `json:"token,omitempty"`
	Name             string                    `json:"name,omitempty"`
	RVA              uint32                    `json:"rva"`
	MaxStack         int                       `json:"max-stack"`
	CodeSize         int                       `json:"code-size"`
	BodySize         int                       `json:"body-size"`
	LocalSignature   uint32                    `json:"local-signature,omitempty"`
	InitLocals       bool                      `json:"init-locals"`
	ExceptionRegions []peimage.ExceptionRegion `json:"exception-regions,omitempty"`
	Digest           string                    `json:"digest,omitempty"`
	IL               []byte                    `json:"il"`
}

// NewMethodCmd creates a new method command
func NewMethodCmd(flags *GlobalFlags) *cobra.Command {
	cmd := &MethodCmd{GlobalFlags: flags}
	methodCmd := &cobra.Command{
		Use:   "method FILE TOKEN|RVA",
		Short: "Decode one IL method body",
		Long: `Decode the IL method body of a MethodDef token such as 0x06000001.
With --rva the second argument is the RVA of the body instead.`,
		Args: cobra.ExactArgs(2),
		RunE: func(c *cobra.Command, args []string) error {
			return cmd.Run(c.OutOrStdout(), args[0], args[1])
		},
	}
	methodCmd.Flags().BoolVar(&cmd.RVA, "rva", false, "Treat the selector as an RVA")
	return methodCmd
}

// Run runs the command logic
func (cmd *MethodCmd) Run(w io.Writer, path, selector string) error {
	n, err := strconv.ParseUint(selector, 0, 32)
	if err != nil {
		return fmt.Errorf("invalid selector %q: %w", selector, err)
	}

	cfg := cmd.Config()
	r, closeImage, err := openImage(cfg, path)
	if err != nil {
		return err
	}
	defer closeImage()

	view := methodView{}
	var body *peimage.MethodBody
	if cmd.RVA {
		view.RVA = uint32(n)
		body, err = r.MethodBody(int(n))
	} else {
		view, err = describeToken(r, uint32(n))
		if err == nil {
			body, err = r.MethodBody(int(view.RVA))
		}
	}
	if err != nil {
		return err
	}

	view.MaxStack = body.MaxStack
	view.CodeSize = len(body.IL)
	view.BodySize = body.Size
	view.LocalSignature = body.LocalSignature
	view.InitLocals = body.LocalVariablesInitialized
	view.ExceptionRegions = body.ExceptionRegions
	view.IL = body.IL
	if cfg.Output.Digests {
		view.Digest = report.Digest(body.IL)
	}

	return emit(w, cfg.Output.Format, view, func(w io.Writer) error {
		table := newTable(w)
		if view.Token != 0 {
			table.Append([]string{"Method", fmt.Sprintf("%s (%s)", view.Name, hex32(view.Token))})
		}
		table.Append([]string{"RVA", hex32(view.RVA)})
		table.Append([]string{"MaxStack", strconv.Itoa(view.MaxStack)})
		table.Append([]string{"CodeSize", strconv.Itoa(view.CodeSize)})
		table.Append([]string{"BodySize", strconv.Itoa(view.BodySize)})
		if view.LocalSignature != 0 {
			table.Append([]string{"Locals", fmt.Sprintf("%s, init %t", hex32(view.LocalSignature), view.InitLocals)})
		}
		if view.Digest != "" {
			table.Append([]string{"SHA-256", view.Digest})
		}
		table.Render()

		if len(view.ExceptionRegions) > 0 {
			fmt.Fprintln(w)
			regions := newTable(w, "Kind", "Try", "Handler", "CatchType/Filter")
			for _, er := range view.ExceptionRegions {
				extra := ""
				switch er.Kind {
				case peimage.RegionCatch:
					extra = hex32(er.CatchType)
				case peimage.RegionFilter:
					extra = fmt.Sprintf("IL_%04x", er.FilterOffset)
				}
				regions.Append([]string{
					er.Kind.String(),
					fmt.Sprintf("IL_%04x+%d", er.TryOffset, er.TryLength),
					fmt.Sprintf("IL_%04x+%d", er.HandlerOffset, er.HandlerLength),
					extra,
				})
			}
			regions.Render()
		}

		fmt.Fprintln(w)
		_, err := io.WriteString(w, hex.Dump(view.IL))
		return err
	})
}

// describeToken resolves a MethodDef token to its row.
func describeToken(r *peimage.ImageReader, token uint32) (methodView, error) {
	acc, err := r.MetadataReader()
	if err != nil {
		return methodView{}, err
	}
	def, err := acc.MethodDefinition(token)
	if err != nil {
		return methodView{}, err
	}
	if def.RVA == 0 {
		return methodView{}, fmt.Errorf("%w: method %s (%s) has no body", peimage.ErrInvalidOperation, def.Name, hex32(token))
	}
	return methodView{Token: def.Token, Name: def.Name, RVA: def.RVA}, nil
}
