package cli

import (
	"encoding/json"
	"fmt"

	"github.com/rcliao/memory-cloud/internal/model"
	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "score [content]",
		Short: "Score a candidate against the confidence gate without storing it",
		Run:   runScore,
	}

	cmd.Flags().String("type", "", "Suggested memory type")

	RootCmd.AddCommand(cmd)
}

func runScore(cmd *cobra.Command, args []string) {
	typeStr, _ := cmd.Flags().GetString("type")

	content, err := readContent(args)
	if err != nil {
		exitErr("score", err)
	}
	memType, err := parseType(typeStr)
	if err != nil {
		exitErr("score", err)
	}

	g, err := newGate()
	if err != nil {
		exitErr("load rules", err)
	}

	d := g.Evaluate(model.CandidateObservation{Text: content, SuggestedType: memType})
	b, _ := json.Marshal(d)
	fmt.Println(string(b))
}
