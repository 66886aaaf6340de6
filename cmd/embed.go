package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func newEmbedCmd() *cobra.Command {
	var agentID string
	cmd := &cobra.Command{
		Use:   "embed",
		Short: "Embed every pending chunk of an agent",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if strings.TrimSpace(agentID) == "" {
				return errors.New("--agent is required")
			}
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			summary, err := appInstance.Embed(cmd.Context(), agentID)
			if err != nil {
				return err
			}
			if err := json.NewEncoder(cmd.OutOrStdout()).Encode(summary); err != nil {
				return fmt.Errorf("encode summary: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&agentID, "agent", "", "agent whose pending chunks are embedded")
	return cmd
}
