package cmd

import (
	"fmt"
	"net/http"
	"os"

	"github.com/spf13/cobra"

	"github.com/wfounders/clubwallet/internal/config"
	"github.com/wfounders/clubwallet/internal/logging"
	"github.com/wfounders/clubwallet/internal/session"
)

var (
	configPath string
	relayURL   string
	apiURL     string
	logLevel   string

	cfg    *config.Config
	logger *logging.Logger
)

var rootCmd = &cobra.Command{
	Use:   "clubctl",
	Short: "clubctl - club membership onboarding devices",
	Long: `clubctl runs either side of the membership approval handshake against a relay.

Examples:
  # New member: pick your name and wait for approval
  clubctl applicant --address 0xabc...

  # Staff: scan addresses (one per line on stdin) and approve them
  clubctl oracle --token $(clubctl token)

  # Issue a staff token (needs ORACLE_TOKEN_SECRET)
  clubctl token --subject front-desk
`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
		if relayURL != "" {
			cfg.Device.RelayURL = relayURL
		}
		if apiURL != "" {
			cfg.Device.APIURL = apiURL
		}
		if logLevel != "" {
			cfg.Logging.Level = logLevel
		}
		// stdout is the device screen
		output := cfg.Logging.Output
		if output == "" || output == "stdout" {
			output = "stderr"
		}
		logger = logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format, output)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to YAML config file")
	rootCmd.PersistentFlags().StringVar(&relayURL, "relay-url", "", "Relay WebSocket URL (overrides config)")
	rootCmd.PersistentFlags().StringVar(&apiURL, "api-url", "", "Relay REST base URL (overrides config)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")

	rootCmd.AddCommand(applicantCmd)
	rootCmd.AddCommand(oracleCmd)
	rootCmd.AddCommand(tokenCmd)
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newSession(url string, header http.Header) *session.Client {
	return session.NewClient(session.Options{
		URL:       url,
		Header:    header,
		Reconnect: session.PolicyFromConfig(cfg.Device.Reconnect),
		Logger:    logger,
	})
}
