package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"courier/store"
)

// status: open the store and print what the engine currently holds.
func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print stored sessions, bindings and pending work",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := store.Open(cfg.StorePath)
			if err != nil {
				return err
			}
			defer st.Close()

			return st.View(func(tx *store.Tx) error {
				bindings, err := tx.AllDeviceBindings()
				if err != nil {
					return err
				}
				fmt.Printf("identities: %d\n", len(bindings))

				for _, binding := range bindings {
					session, err := tx.Session(binding.Identity)
					hasToken := err == nil && len(session.Token) > 0
					pending, err := tx.PendingQueries(binding.Identity, false)
					if err != nil {
						return err
					}
					messages, err := tx.MessagesFor(binding.Identity, binding.DeviceID)
					if err != nil {
						return err
					}
					fmt.Printf("%s\n", binding.Identity.String())
					fmt.Printf("  device:          %s\n", binding.DeviceID)
					fmt.Printf("  server:          %s\n", binding.EndpointURL)
					fmt.Printf("  session token:   %v\n", hasToken)
					fmt.Printf("  pending queries: %d\n", len(pending))
					fmt.Printf("  stored messages: %d\n", len(messages))
				}
				return nil
			})
		},
	}
}
