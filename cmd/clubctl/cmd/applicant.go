package cmd

import (
	"errors"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/wfounders/clubwallet/internal/applicant"
	"github.com/wfounders/clubwallet/internal/protocol"
	"github.com/wfounders/clubwallet/internal/relayapi"
)

var applicantAddress string

var applicantCmd = &cobra.Command{
	Use:   "applicant",
	Short: "Request membership approval for a wallet address",
	Long: `Runs the new member's device. Commands on stdin:

  search <text>   filter the roster by name
  confirm         request approval for the single match
  retry           resend a request that timed out
  view            show the current screen
  quit            exit`,
	RunE: runApplicant,
}

func init() {
	applicantCmd.Flags().StringVar(&applicantAddress, "address", "", "Wallet address of the new member (required)")
	applicantCmd.MarkFlagRequired("address")
}

func runApplicant(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	address := strings.TrimSpace(applicantAddress)
	if address == "" {
		return errors.New("--address must not be blank")
	}

	scr := &screen{out: cmd.OutOrStdout()}
	client := newSession(cfg.Device.RelayURL, nil)
	defer client.Close()

	machine := applicant.New(client, applicant.Options{
		Address:       address,
		Directory:     relayapi.NewClient(cfg.Device.APIURL),
		Logger:        logger,
		DisplayDelay:  cfg.Device.DisplayDelay,
		WaitTimeout:   cfg.Device.WaitTimeout,
		ExplorerTxURL: cfg.Device.ExplorerTxURL,
		QRServiceURL:  cfg.Device.QRServiceURL,
		OnChange:      scr.applicantView,
	})
	defer machine.Close()

	client.OnOpen(machine.OnOpen)
	client.Subscribe(machine.HandleEvent)

	if err := machine.Start(ctx); err != nil {
		// rendered inline; the device keeps running so the user can retry later
		logger.Warn("Applicant started with errors", map[string]interface{}{"error": err.Error()})
	}
	if err := client.Open(ctx); err != nil {
		return err
	}

	if machine.View().Status == protocol.StatusApproved {
		scr.printf("%s is already a member.\n", address)
	}

	lines := readLines(ctx, cmd.InOrStdin())
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			word, rest := splitCommand(line)
			switch word {
			case "":
			case "search", "s":
				machine.Search(rest)
			case "confirm":
				if !machine.Confirm() {
					scr.printf("Cannot confirm: pick exactly one name first.\n")
				}
			case "retry":
				if !machine.Retry() {
					scr.printf("Nothing to retry.\n")
				}
			case "view":
				scr.applicantView(machine.View())
			case "quit", "exit":
				return nil
			default:
				// bare text is a search
				machine.Search(line)
			}
		}
	}
}

