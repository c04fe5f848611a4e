package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rcliao/memory-cloud/internal/ingest"
	"github.com/rcliao/memory-cloud/internal/model"
	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "put [content]",
		Short: "Store a memory",
		Long: `Store a memory. Content can be a positional arg or piped via stdin.

By default the candidate goes through the confidence gate and is rejected
when it scores below the threshold. --manual stores it regardless.`,
		Run: runPut,
	}

	cmd.Flags().String("type", "", "Memory type: decision, pattern, learning, preference, client, gotcha, reference")
	cmd.Flags().StringP("tags", "t", "", "Comma-separated tags")
	cmd.Flags().String("meta", "", "JSON metadata")
	cmd.Flags().Bool("manual", false, "Skip the confidence gate")

	RootCmd.AddCommand(cmd)
}

func runPut(cmd *cobra.Command, args []string) {
	typeStr, _ := cmd.Flags().GetString("type")
	tagsStr, _ := cmd.Flags().GetString("tags")
	metaStr, _ := cmd.Flags().GetString("meta")
	manual, _ := cmd.Flags().GetBool("manual")

	content, err := readContent(args)
	if err != nil {
		exitErr("put", err)
	}
	memType, err := parseType(typeStr)
	if err != nil {
		exitErr("put", err)
	}
	var meta map[string]any
	if metaStr != "" {
		if err := json.Unmarshal([]byte(metaStr), &meta); err != nil {
			exitErr("put", model.Invalid("meta", "invalid JSON: %v", err))
		}
	}

	s, err := openStore()
	if err != nil {
		exitErr("open store", err)
	}
	defer s.Close()

	in, err := newIngestor(s)
	if err != nil {
		exitErr("put", err)
	}

	mode := ingest.ModeAuto
	if manual {
		mode = ingest.ModeManual
	}
	res, err := in.Capture(cmd.Context(), model.CandidateObservation{
		Text:          content,
		SuggestedType: memType,
		SuggestedTags: model.SplitTags(tagsStr),
		Metadata:      meta,
	}, mode)
	if err != nil {
		exitErr("put", err)
	}

	b, _ := json.Marshal(res)
	fmt.Println(string(b))
}

// readContent takes content from positional args, then from piped stdin.
func readContent(args []string) (string, error) {
	var content string
	if len(args) > 0 {
		content = strings.Join(args, " ")
	} else {
		stat, _ := os.Stdin.Stat()
		if stat != nil && (stat.Mode()&os.ModeCharDevice) == 0 {
			b, err := io.ReadAll(os.Stdin)
			if err != nil {
				return "", fmt.Errorf("read stdin: %w", err)
			}
			content = string(b)
		}
	}
	if strings.TrimSpace(content) == "" {
		return "", model.Invalid("content", "required (positional arg or stdin)")
	}
	return content, nil
}
