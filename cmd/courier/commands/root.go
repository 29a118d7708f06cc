package commands

import (
	"github.com/spf13/cobra"

	"courier/config"
)

var (
	configPath string
	cfg        *config.Config
)

func Execute() error {
	root := &cobra.Command{
		Use:   "courier",
		Short: "Client-side sync engine for a secure-messaging server",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			cfg, err = config.Load(configPath)
			return err
		},
	}

	root.PersistentFlags().StringVar(&configPath, "config", "", "config file (default $COURIER_CONFIG)")

	root.AddCommand(runCmd(), statusCmd())
	return root.Execute()
}
