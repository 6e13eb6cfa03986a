package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ashureev/sqlchat/internal/api"
)

func newAskCmd() *cobra.Command {
	var (
		externalID string
		sessionID  int64
	)
	cmd := &cobra.Command{
		Use:   "ask --user <external_id> --session <id> <question>",
		Short: "Run one conversational turn and print the result as JSON",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := loadApp(ctx, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.close()

			user, err := a.repo.GetUserByExternalID(ctx, externalID)
			if err != nil {
				return fmt.Errorf("load user: %w", err)
			}
			if user == nil {
				return fmt.Errorf("unknown user %q", externalID)
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")

			res, err := a.chat.HandleTurn(ctx, user.ID, sessionID, strings.Join(args, " "))
			if err != nil {
				if encErr := enc.Encode(api.BodyFor(err)); encErr != nil {
					return encErr
				}
				return err
			}
			return enc.Encode(res.GenerationResult)
		},
	}
	cmd.Flags().StringVar(&externalID, "user", "", "external user id (the user_id cookie value)")
	cmd.Flags().Int64Var(&sessionID, "session", 0, "chat session id")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("session")
	return cmd
}
