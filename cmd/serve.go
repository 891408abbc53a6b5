package cmd

import (
	"github.com/MakeNowJust/heredoc/v2"
	"github.com/spf13/cobra"

	"github.com/JakeFAU/marmelspade/internal/server"
)

func newServeCmd(st *state) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve GET /search over the index.",
		Long: heredoc.Doc(`
			Starts the search gateway on server.host:server.port using the
			search-only key in search.search_key. Also serves /healthz, /readyz,
			/metrics and, when history.dsn is set, the run history under /api/runs.

			SIGINT or SIGTERM drains in-flight requests before exiting.
		`),
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := st.newApp()
			if err != nil {
				return err
			}
			defer closeApp(a, st.logger)

			gw, err := a.BuildGateway(cmd.Context())
			if err != nil {
				return err
			}
			return server.Run(cmd.Context(), gw, st.cfg.Server, st.logger)
		},
	}
}
