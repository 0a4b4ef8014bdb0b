package main

import (
	"bytes"
	"debug/elf"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/Binject/debug/pe"
	"github.com/blacktop/go-macho"
	"github.com/spf13/cobra"

	"github.com/sliverarmory/doorstop/plthook"
)

var (
	importsSymbol  string
	importsLibrary string
)

var importsCmd = &cobra.Command{
	Use:   "imports <binary>",
	Short: "List the binding table entries doorstop can hook in a binary",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		img, err := plthook.MapBytes(raw)
		if err != nil {
			return fmt.Errorf("map %s: %w", args[0], err)
		}
		hook, err := plthook.Open(img)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if importsSymbol != "" {
			b, err := hook.Find(importsLibrary, importsSymbol, 0)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "%s would patch slot %#x (%s!%s, currently %#x)\n",
				importsSymbol, b.Slot, b.Library, b.Symbol, b.Value)
			return nil
		}

		bindings, err := hook.Bindings()
		if err != nil {
			return err
		}
		libs, err := importedLibraries(img.Format(), raw)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%s image, %d libraries, %d bindings\n", img.Format(), len(libs), len(bindings))
		for _, lib := range libs {
			fmt.Fprintf(out, "  needs %s\n", lib)
		}
		return writeBindings(out, bindings, importsLibrary)
	},
}

func init() {
	importsCmd.Flags().StringVar(&importsSymbol, "symbol", "", "Show only the slot a hook on this symbol would patch")
	importsCmd.Flags().StringVar(&importsLibrary, "library", "", "Restrict to entries imported from this library")
}

func writeBindings(w io.Writer, bindings []plthook.Binding, library string) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SLOT\tLIBRARY\tSYMBOL\tVALUE")
	for _, b := range bindings {
		if library != "" && b.Library != "" && !plthook.LibraryMatches(b.Library, library) {
			continue
		}
		symbol := b.Symbol
		if symbol == "" {
			symbol = fmt.Sprintf("#%d", b.Ordinal)
		}
		fmt.Fprintf(tw, "%#x\t%s\t%s\t%#x\n", b.Slot, b.Library, symbol, b.Value)
	}
	return tw.Flush()
}

// importedLibraries lists the libraries the binary depends on, read with
// the format's own parser.
func importedLibraries(format plthook.Format, raw []byte) ([]string, error) {
	switch format {
	case plthook.FormatPE:
		f, err := pe.NewFile(bytes.NewReader(raw))
		if err != nil {
			return nil, err
		}
		defer f.Close()
		dirs, _, _, err := f.ImportDirectoryTable()
		if err != nil {
			return nil, err
		}
		libs := make([]string, 0, len(dirs))
		for _, d := range dirs {
			libs = append(libs, d.DllName)
		}
		return libs, nil
	case plthook.FormatELF:
		f, err := elf.NewFile(bytes.NewReader(raw))
		if err != nil {
			return nil, err
		}
		defer f.Close()
		return f.ImportedLibraries()
	case plthook.FormatMachO:
		f, err := macho.NewFile(bytes.NewReader(raw))
		if err != nil {
			return nil, err
		}
		defer f.Close()
		var libs []string
		for _, l := range f.Loads {
			if d, ok := l.(*macho.Dylib); ok {
				libs = append(libs, d.Name)
			}
		}
		return libs, nil
	default:
		return nil, errors.New("unknown binary format")
	}
}
