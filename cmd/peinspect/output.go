package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/chazu/pereader/config"
	"github.com/chazu/pereader/peimage"
	"github.com/chazu/pereader/report"
	"github.com/olekukonko/tablewriter"
)

// emit writes v as JSON or CBOR when the configured format asks for it and
// falls back to text otherwise.
func emit(w io.Writer, format string, v any, text func(io.Writer) error) error {
	switch format {
	case config.FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case config.FormatCBOR:
		data, err := report.Encode(v)
		if err != nil {
			return fmt.Errorf("encoding output: %w", err)
		}
		_, err = w.Write(data)
		return err
	default:
		return text(w)
	}
}

func newTable(w io.Writer, header ...string) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(false)
	table.SetBorder(false)
	table.SetColumnSeparator(" ")
	table.SetHeaderLine(len(header) > 0)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	if len(header) > 0 {
		table.SetHeader(header)
	}
	return table
}

func hex32(v uint32) string {
	return fmt.Sprintf("0x%08x", v)
}

// openImage opens path with the configured reader options. The returned
// close function releases the reader, and the file as well when the
// reader was told to leave it open.
func openImage(cfg *config.Config, path string) (*peimage.ImageReader, func(), error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	return newImage(cfg, path, f)
}

// newImage builds a reader over f. f is closed exactly once, either by the
// reader, by the returned close function, or here when construction fails
// before the reader released it.
func newImage(cfg *config.Config, path string, f io.ReadSeekCloser) (*peimage.ImageReader, func(), error) {
	opts := cfg.ReaderOptions()
	r, err := peimage.NewImageReader(f, opts)
	if err != nil {
		if !streamReleased(opts, err) {
			f.Close()
		}
		return nil, nil, fmt.Errorf("%s: %w", path, err)
	}
	return r, func() {
		r.Close()
		if opts.Has(peimage.LeaveOpen) {
			f.Close()
		}
	}, nil
}

// streamReleased reports whether a failed NewImageReader already closed its
// stream. Argument and source checks run before the reader takes the
// stream; a prefetch failure releases it, closing it when the reader owns
// it or the image is malformed.
func streamReleased(opts peimage.Options, err error) bool {
	if errors.Is(err, peimage.ErrInvalidArgument) || errors.Is(err, peimage.ErrUnsupportedSource) {
		return false
	}
	return !opts.Has(peimage.LeaveOpen) || errors.Is(err, peimage.ErrMalformedImage)
}
