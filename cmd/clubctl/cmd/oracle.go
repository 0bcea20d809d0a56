package cmd

import (
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/wfounders/clubwallet/internal/oracle"
)

var (
	oracleToken      string
	oracleNotifyDeny bool
)

var oracleCmd = &cobra.Command{
	Use:   "oracle",
	Short: "Scan applicants and approve their membership",
	Long: `Runs the staff device. Every stdin line that is not a command is treated
as a scanned QR payload. Commands:

  approve   mint the membership for the member on screen
  deny      reject the member on screen
  restart   discard the current scan and scan again
  view      show the current screen
  quit      exit`,
	RunE: runOracle,
}

func init() {
	oracleCmd.Flags().StringVar(&oracleToken, "token", "", "Staff token issued by 'clubctl token' (default from config)")
	oracleCmd.Flags().BoolVar(&oracleNotifyDeny, "notify-deny", false, "Tell the relay about denials so the applicant is released")
}

func runOracle(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	token := oracleToken
	if token == "" {
		token = cfg.Device.OracleToken
	}
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}

	scr := &screen{out: cmd.OutOrStdout()}
	client := newSession(cfg.Device.RelayURL, header)
	defer client.Close()

	feed := make(chan string)
	machine := oracle.New(client, oracle.Options{
		NewScanner:     oracle.LineScannerFactory(feed),
		Logger:         logger,
		ApproveTimeout: cfg.Device.ApproveTimeout,
		NotifyDeny:     oracleNotifyDeny || cfg.Device.NotifyDeny,
		ExplorerTxURL:  cfg.Device.ExplorerTxURL,
		OnChange:       scr.oracleView,
	})
	defer machine.Close()

	client.OnOpen(machine.OnOpen)
	client.Subscribe(machine.HandleEvent)
	if err := client.Open(ctx); err != nil {
		return err
	}
	if err := machine.Start(ctx); err != nil {
		return err
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
			word, _ := splitCommand(line)
			switch word {
			case "":
			case "approve":
				if !machine.Approve() {
					scr.printf("Nothing to approve.\n")
				}
			case "deny":
				if !machine.Deny() {
					scr.printf("Nothing to deny.\n")
				}
			case "restart":
				if err := machine.Restart(ctx); err != nil {
					return err
				}
			case "view":
				scr.oracleView(machine.View())
			case "quit", "exit":
				return nil
			default:
				select {
				case feed <- line:
				default:
					scr.printf("Not scanning. Type 'restart' to scan again.\n")
				}
			}
		}
	}
}
