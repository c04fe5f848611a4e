package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/rcliao/memory-cloud/internal/store"
	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "import [file]",
		Short: "Import memories from JSON",
		Long: `Import memories from JSON (file or stdin). Expects the format produced by
export. Imported memories bypass the confidence gate; exact duplicates merge.`,
		Args: cobra.MaximumNArgs(1),
		Run:  runImport,
	}

	RootCmd.AddCommand(cmd)
}

func runImport(cmd *cobra.Command, args []string) {
	var (
		data []byte
		err  error
	)
	if len(args) == 1 {
		data, err = os.ReadFile(args[0])
	} else {
		data, err = io.ReadAll(os.Stdin)
	}
	if err != nil {
		exitErr("read input", err)
	}

	var exp store.Export
	if err := json.Unmarshal(data, &exp); err != nil {
		exitErr("parse json", err)
	}

	s, err := openStore()
	if err != nil {
		exitErr("open store", err)
	}
	defer s.Close()

	res, err := s.Import(cmd.Context(), &exp)
	if err != nil {
		exitErr("import", err)
	}

	b, _ := json.Marshal(map[string]any{"ok": true, "result": res})
	fmt.Println(string(b))
}
