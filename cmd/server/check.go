package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"glyph-sync-server/internal/schema"
	"glyph-sync-server/internal/shortcut"
	"glyph-sync-server/internal/template"

	"github.com/spf13/cobra"
)

var (
	schemaDataPath string
	schemaLenient  bool
	templateDepth  int
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate annotation artifacts without starting the server",
}

var checkTemplateCmd = &cobra.Command{
	Use:   "template <file>",
	Short: "Check a task template for unsafe expressions and bad bindings",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		src, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		return checkTemplate(cmd.OutOrStdout(), string(src), templateDepth)
	},
}

var checkSchemaCmd = &cobra.Command{
	Use:   "schema <file>",
	Short: "Compile an output schema and optionally validate a data file against it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		var data []byte
		if schemaDataPath != "" {
			if data, err = os.ReadFile(schemaDataPath); err != nil {
				return err
			}
		}
		return checkSchema(cmd.OutOrStdout(), raw, data, !schemaLenient)
	},
}

var checkKeymapCmd = &cobra.Command{
	Use:   "keymap <file>",
	Short: "Load a YAML keymap and report conflicting shortcuts",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer f.Close()
		return checkKeymap(cmd.OutOrStdout(), f)
	},
}

func init() {
	checkTemplateCmd.Flags().IntVar(&templateDepth, "max-depth", template.DefaultMaxDepth, "maximum block nesting depth")
	checkSchemaCmd.Flags().StringVar(&schemaDataPath, "data", "", "JSON document to validate against the schema")
	checkSchemaCmd.Flags().BoolVar(&schemaLenient, "lenient", false, "accept unknown schema keywords")

	checkCmd.AddCommand(checkTemplateCmd, checkSchemaCmd, checkKeymapCmd)
	rootCmd.AddCommand(checkCmd)
}

func checkTemplate(w io.Writer, src string, maxDepth int) error {
	res := template.New(template.WithMaxDepth(maxDepth)).Validate(src)
	if err := writeJSON(w, res); err != nil {
		return err
	}
	if !res.Valid {
		return exitInvalid
	}
	return nil
}

func checkSchema(w io.Writer, raw, data []byte, strict bool) error {
	const id = "cli"

	reg := schema.NewRegistry(schema.WithStrict(strict))
	if _, err := reg.Compile(id, raw); err != nil {
		fmt.Fprintln(w, err)
		return exitInvalid
	}
	if data == nil {
		return writeJSON(w, map[string]bool{"compiled": true})
	}

	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("decode data: %w", err)
	}
	ok, err := reg.Validate(id, doc)
	if err != nil {
		return err
	}
	if err := writeJSON(w, map[string]any{"valid": ok, "errors": reg.Errors(id)}); err != nil {
		return err
	}
	if !ok {
		return exitInvalid
	}
	return nil
}

func checkKeymap(w io.Writer, r io.Reader) error {
	reg := shortcut.NewRegistry()
	conflicts, err := reg.LoadKeymap(r)
	if err != nil {
		fmt.Fprintln(w, err)
		return exitInvalid
	}
	if err := writeJSON(w, map[string]any{"shortcuts": reg.Len(), "conflicts": conflicts}); err != nil {
		return err
	}
	if len(conflicts) > 0 {
		return exitInvalid
	}
	return nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
