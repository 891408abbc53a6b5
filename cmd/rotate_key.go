package cmd

import (
	"github.com/MakeNowJust/heredoc/v2"
	"github.com/spf13/cobra"
)

type rotateSummary struct {
	KeyUID  string   `json:"key_uid"`
	Actions []string `json:"actions"`
	Indexes []string `json:"indexes"`
	Saved   string   `json:"saved_to,omitempty"`
}

func newRotateKeyCmd(st *state) *cobra.Command {
	return &cobra.Command{
		Use:   "rotate-key",
		Short: "Revoke search-only keys and mint a new one.",
		Long: heredoc.Doc(`
			Deletes every key whose only action is search, creates a fresh
			search-only key for all indexes and writes it to search.search_key in
			the config file. The key itself is never printed.
		`),
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := st.newApp()
			if err != nil {
				return err
			}
			defer closeApp(a, st.logger)

			rotator, err := a.BuildRotator()
			if err != nil {
				return err
			}
			key, err := rotator.RotateKeys(cmd.Context())
			if err != nil {
				return err
			}
			return writeSummary(cmd.OutOrStdout(), rotateSummary{
				KeyUID:  key.UID,
				Actions: key.Actions,
				Indexes: key.Indexes,
				Saved:   st.cfgPath,
			})
		},
	}
}
