package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"runtime"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/oauth2"

	"github.com/tonimelisma/cloudbridge/internal/backend"
	"github.com/tonimelisma/cloudbridge/internal/oauthflow"
	"github.com/tonimelisma/cloudbridge/internal/vault"
)

// linkTimeout bounds how long "account link" waits for the user.
const linkTimeout = 10 * time.Minute

func newAccountCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "account",
		Short: "Link, list and revoke cloud accounts",
	}

	cmd.AddCommand(newAccountLinkCmd())
	cmd.AddCommand(newAccountListCmd())
	cmd.AddCommand(newAccountRevokeCmd())

	return cmd
}

func newAccountLinkCmd() *cobra.Command {
	var (
		user     string
		rootHint string
		device   bool
	)

	cmd := &cobra.Command{
		Use:   "link <vendor>",
		Short: "Authorize a vendor account and store its tokens",
		Long: `Authorize a Dropbox, OneDrive or SharePoint account for a local user.

The browser flow opens the vendor's consent page and listens on a loopback
port for the redirect. --device prints a code to enter on another machine
instead (OneDrive and SharePoint only).`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAccountLink(cmd.Context(), args[0], user, rootHint, device)
		},
	}

	cmd.Flags().StringVar(&user, "user", "", "local user to link the account to (required)")
	cmd.Flags().StringVar(&rootHint, "root-hint", "", "vendor root folder or site for this account")
	cmd.Flags().BoolVar(&device, "device", false, "use the device-code flow")
	_ = cmd.MarkFlagRequired("user")

	return cmd
}

func runAccountLink(ctx context.Context, vendor, user, rootHint string, device bool) error {
	logger := buildLogger()

	ctx, cancel := context.WithTimeout(shutdownContext(ctx, logger), linkTimeout)
	defer cancel()

	c, err := buildCore(ctx, resolvedCfg, defaultHTTPClient(), nil, logger)
	if err != nil {
		return err
	}

	defer closeCore(c, logger)

	adapter, err := linkerFor(c.registry, vendor)
	if err != nil {
		return err
	}

	tok, err := authorize(ctx, adapter, device, logger)
	if err != nil {
		return err
	}

	accountID, err := adapter.Identify(ctx, tok.AccessToken)
	if err != nil {
		return fmt.Errorf("identifying %s account: %w", vendor, err)
	}

	if err := c.vault.Link(ctx, vault.LinkRequest{
		UserID:    user,
		AccountID: accountID,
		Vendor:    vendor,
		Token:     *tok,
		RootHint:  rootHint,
	}); err != nil {
		return err
	}

	if flagJSON {
		return writeJSON(os.Stdout, map[string]string{"account_id": accountID, "vendor": vendor})
	}

	statusf("Linked %s account %s for %s.\n", vendor, accountID, user)

	return nil
}

func authorize(ctx context.Context, adapter linker, device bool, logger *slog.Logger) (*backend.Token, error) {
	cfg := adapter.OAuthConfig()

	if device {
		if cfg.Endpoint.DeviceAuthURL == "" {
			return nil, fmt.Errorf("%s does not support the device-code flow", adapter.Vendor())
		}

		return oauthflow.DeviceLogin(ctx, cfg, func(dc oauthflow.DeviceCode) {
			// Always shown, even with --quiet.
			fmt.Fprintf(os.Stderr, "To sign in, visit: %s\n", dc.VerificationURI)
			fmt.Fprintf(os.Stderr, "Enter code: %s\n", dc.UserCode)
		}, logger)
	}

	var opts []oauth2.AuthCodeOption
	if o, ok := adapter.(authCodeOptioner); ok {
		opts = o.AuthCodeOptions()
	}

	return oauthflow.BrowserLogin(ctx, cfg, openBrowser, os.Stderr, logger, opts...)
}

// openBrowser hands url to the desktop's default handler.
func openBrowser(url string) error {
	var cmd *exec.Cmd

	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", url)
	case "windows":
		cmd = exec.Command("rundll32", "url.dll,FileProtocolHandler", url)
	default:
		cmd = exec.Command("xdg-open", url)
	}

	return cmd.Start()
}

func newAccountListCmd() *cobra.Command {
	var user string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List a user's linked accounts",
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger := buildLogger()

			c, err := buildCore(cmd.Context(), resolvedCfg, defaultHTTPClient(), nil, logger)
			if err != nil {
				return err
			}

			defer closeCore(c, logger)

			accounts, err := c.vault.List(cmd.Context(), user)
			if err != nil {
				return err
			}

			if flagJSON {
				return writeJSON(os.Stdout, accountsJSON(accounts))
			}

			if len(accounts) == 0 {
				statusf("No accounts linked for %s.\n", user)
				return nil
			}

			printAccounts(os.Stdout, accounts, time.Now())

			return nil
		},
	}

	cmd.Flags().StringVar(&user, "user", "", "local user (required)")
	_ = cmd.MarkFlagRequired("user")

	return cmd
}

func newAccountRevokeCmd() *cobra.Command {
	var user string

	cmd := &cobra.Command{
		Use:   "revoke <account-id>",
		Short: "Forget a linked account and its tokens",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := buildLogger()

			c, err := buildCore(cmd.Context(), resolvedCfg, defaultHTTPClient(), nil, logger)
			if err != nil {
				return err
			}

			defer closeCore(c, logger)

			if err := c.vault.Revoke(cmd.Context(), user, args[0]); err != nil {
				return err
			}

			statusf("Revoked %s for %s.\n", args[0], user)

			return nil
		},
	}

	cmd.Flags().StringVar(&user, "user", "", "local user (required)")
	_ = cmd.MarkFlagRequired("user")

	return cmd
}

type accountJSON struct {
	AccountID string    `json:"account_id"`
	Vendor    string    `json:"vendor"`
	RootHint  string    `json:"root_hint,omitempty"`
	ExpiresAt time.Time `json:"expires_at"`
	LinkedAt  time.Time `json:"linked_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func accountsJSON(accounts []vault.Summary) []accountJSON {
	out := make([]accountJSON, 0, len(accounts))

	for _, a := range accounts {
		out = append(out, accountJSON{
			AccountID: a.AccountID,
			Vendor:    a.Vendor,
			RootHint:  a.RootHint,
			ExpiresAt: a.ExpiresAt,
			LinkedAt:  a.LinkedAt,
			UpdatedAt: a.UpdatedAt,
		})
	}

	return out
}

func printAccounts(w io.Writer, accounts []vault.Summary, now time.Time) {
	rows := make([][]string, 0, len(accounts))

	for _, a := range accounts {
		token := "expired (refreshes on use)"
		if a.ExpiresAt.After(now) {
			token = "valid for " + a.ExpiresAt.Sub(now).Truncate(time.Minute).String()
		}

		root := a.RootHint
		if root == "" {
			root = "-"
		}

		rows = append(rows, []string{a.AccountID, a.Vendor, root, formatTime(a.LinkedAt), token})
	}

	printTable(w, []string{"ACCOUNT", "VENDOR", "ROOT", "LINKED", "ACCESS TOKEN"}, rows)
}

func closeCore(c *core, logger *slog.Logger) {
	if err := c.Close(); err != nil {
		logger.Warn("closing account store", slog.String("error", err.Error()))
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")

	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encoding JSON output: %w", err)
	}

	return nil
}
