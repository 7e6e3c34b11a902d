package cmd

import (
	"bufio"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strings"

	"github.com/spf13/cobra"
)

var authCmd = &cobra.Command{
	Use:   "auth",
	Short: "Manage the Claude subscription OAuth connection",
}

var authLoginCmd = &cobra.Command{
	Use:   "login",
	Short: "Connect a Claude Pro/Max subscription via OAuth (authorization code + PKCE)",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := bootstrap(cmd)
		if err != nil {
			return err
		}
		defer svc.conn.Close()

		authURL, _ := svc.oauthMgr.StartFlow()

		fmt.Println("Opening the Claude authorization page in your browser...")
		fmt.Println(authURL)
		if err := openBrowser(authURL); err != nil {
			fmt.Println("Could not open a browser automatically; open the URL above manually.")
		}

		fmt.Print("Paste the code#state value Claude gave you: ")
		reader := bufio.NewReader(os.Stdin)
		line, err := reader.ReadString('\n')
		if err != nil {
			return fmt.Errorf("reading pasted code: %w", err)
		}
		codeAndState := strings.TrimSpace(line)

		if err := svc.oauthMgr.ExchangeCode(cmd.Context(), codeAndState); err != nil {
			fmt.Println("Connection failed:", err)
			return err
		}
		fmt.Println("Connected. Run \"maxrelay auth status\" to confirm.")
		return nil
	},
}

var authExchangeCmd = &cobra.Command{
	Use:   "exchange <code#state>",
	Short: "Complete a pending OAuth flow non-interactively, e.g. from a script",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := bootstrap(cmd)
		if err != nil {
			return err
		}
		defer svc.conn.Close()

		if err := svc.oauthMgr.ExchangeCode(cmd.Context(), args[0]); err != nil {
			return fmt.Errorf("exchange failed: %w", err)
		}
		fmt.Println("Connected.")
		return nil
	},
}

var authStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show whether a Claude subscription is connected and when the token expires",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := bootstrap(cmd)
		if err != nil {
			return err
		}
		defer svc.conn.Close()

		connected, plan, expiresAt, err := svc.oauthMgr.Status(cmd.Context())
		if err != nil {
			return fmt.Errorf("read oauth status: %w", err)
		}
		if !connected {
			fmt.Println("Not connected. Run \"maxrelay auth login\".")
			return nil
		}
		fmt.Printf("Connected (plan: %s), access token expires at unix %d\n", plan, expiresAt)
		return nil
	},
}

// openBrowser launches the platform's default browser against url, mirroring
// the three-OS dispatch every desktop OAuth CLI flow needs.
func openBrowser(url string) error {
	switch runtime.GOOS {
	case "linux":
		return exec.Command("xdg-open", url).Start()
	case "windows":
		return exec.Command("rundll32", "url.dll,FileProtocolHandler", url).Start()
	case "darwin":
		return exec.Command("open", url).Start()
	default:
		return fmt.Errorf("unsupported platform: %s", runtime.GOOS)
	}
}

func init() {
	authCmd.AddCommand(authLoginCmd)
	authCmd.AddCommand(authExchangeCmd)
	authCmd.AddCommand(authStatusCmd)
}
