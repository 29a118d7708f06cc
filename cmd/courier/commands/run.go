package commands

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"courier"
	"courier/crypto"
)

// run: build the engine, optionally register an identity, connect the push
// transport and block until interrupted.
func runCmd() *cobra.Command {
	var (
		seedFile  string
		deviceID  string
		serverURL string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the sync engine until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := courier.New(cfg)
			if err != nil {
				return err
			}
			defer engine.Close()

			if seedFile != "" {
				if deviceID == "" || serverURL == "" {
					return fmt.Errorf("--device and --server are required with --seed-file")
				}
				keys, err := loadKeys(seedFile)
				if err != nil {
					return err
				}
				if err := engine.RegisterIdentity(keys, deviceID, serverURL); err != nil {
					return err
				}
				logrus.WithField("identity", keys.Public.String()).Info("Identity registered")
			}

			if err := engine.Bootstrap(context.Background()); err != nil {
				return err
			}
			engine.SetActive(true)
			engine.Connect()

			stop := make(chan os.Signal, 1)
			signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
			<-stop
			logrus.Info("Shutting down")
			engine.SetActive(false)
			return nil
		},
	}

	cmd.Flags().StringVar(&seedFile, "seed-file", "", "file holding the hex-encoded 32-byte signing seed")
	cmd.Flags().StringVar(&deviceID, "device", "", "device id registered with the server")
	cmd.Flags().StringVar(&serverURL, "server", "", "message server base URL")
	return cmd
}

func loadKeys(path string) (*crypto.KeyPair, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed file: %w", err)
	}
	raw, err := hex.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("decode seed: %w", err)
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("seed must be 32 bytes, got %d", len(raw))
	}
	var seed [32]byte
	copy(seed[:], raw)
	return crypto.FromSeed(seed), nil
}
