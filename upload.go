package main

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/tonimelisma/cloudbridge/internal/conflict"
	"github.com/tonimelisma/cloudbridge/internal/httpapi"
	"github.com/tonimelisma/cloudbridge/internal/resolver"
)

type uploadFlags struct {
	user      string
	account   string
	fileID    string
	folderID  string
	name      string
	base      string
	session   string
	forceFork bool
}

func newUploadCmd() *cobra.Command {
	var f uploadFlags

	cmd := &cobra.Command{
		Use:   "upload <local-file>",
		Short: "Upload one file through conflict detection",
		Long: `Upload one local file to a linked account.

With --file-id the remote file is updated, or forked into a conflicted copy
when --base names a version older than the remote one. Without --file-id a
new file is created in --folder-id.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runUpload(cmd, args[0], f)
		},
	}

	cmd.Flags().StringVar(&f.user, "user", "", "local user the account is linked to (required)")
	cmd.Flags().StringVar(&f.account, "account", "", "linked account id (required)")
	cmd.Flags().StringVar(&f.fileID, "file-id", "", "remote file to update")
	cmd.Flags().StringVar(&f.folderID, "folder-id", "", "remote folder for a new file")
	cmd.Flags().StringVar(&f.name, "name", "", "remote name (defaults to the local file name)")
	cmd.Flags().StringVar(&f.base, "base", "", "version id last read; empty skips the version check")
	cmd.Flags().StringVar(&f.session, "session", "", "editing session id")
	cmd.Flags().BoolVar(&f.forceFork, "as-copy", false, "upload as a copy after a blocked outcome")

	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("account")
	cmd.MarkFlagsMutuallyExclusive("file-id", "folder-id")

	return cmd
}

func runUpload(cmd *cobra.Command, localPath string, f uploadFlags) error {
	if f.fileID == "" && f.folderID == "" {
		return errors.New("one of --file-id or --folder-id is required")
	}

	logger := buildLogger()
	ctx := shutdownContext(cmd.Context(), logger)

	file, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return err
	}

	if info.IsDir() {
		return fmt.Errorf("%s is a directory", localPath)
	}

	name := f.name
	if name == "" {
		name = filepath.Base(localPath)
	}

	// No client timeout: a large file outlives it; ctx bounds the upload.
	c, err := buildCore(ctx, resolvedCfg, &http.Client{}, nil, logger)
	if err != nil {
		return err
	}

	defer closeCore(c, logger)

	statusf("Uploading %s (%s)...\n", name, formatSize(info.Size()))

	out, err := c.uploads.Upload(ctx, &conflict.Intent{
		UserID:       f.user,
		AccountID:    f.account,
		FileID:       f.fileID,
		FolderID:     f.folderID,
		FileName:     name,
		BaseChangeID: f.base,
		Content:      file,
		Size:         info.Size(),
		Actor:        f.user,
		SessionID:    f.session,
		ForceFork:    f.forceFork,
	})
	if err != nil {
		return err
	}

	if flagJSON {
		return printOutcomeJSON(os.Stdout, out)
	}

	printOutcomeText(os.Stdout, out)

	return nil
}

func printOutcomeJSON(w io.Writer, out *resolver.Outcome) error {
	return writeJSON(w, httpapi.NewOutcomeResponse(out))
}

func printOutcomeText(w io.Writer, out *resolver.Outcome) {
	green := color.New(color.FgGreen).SprintFunc()
	yellow := color.New(color.FgYellow).SprintFunc()
	red := color.New(color.FgRed).SprintFunc()

	switch out.Kind {
	case resolver.Updated:
		fmt.Fprintf(w, "%s %s\n", green("updated"), out.FileID)
		fmt.Fprintf(w, "  version: %s\n", out.VersionID)
	case resolver.Forked:
		fmt.Fprintf(w, "%s %s -> %q (%s)\n", yellow("forked"), out.OriginalID, out.NewName, out.NewID)
		fmt.Fprintf(w, "  reason:  %s\n", out.Reason)

		if out.InPrivateFolder {
			fmt.Fprintf(w, "  written to the private folder %s\n", out.FolderID)
		}
	case resolver.Blocked:
		fmt.Fprintf(w, "%s %s\n", red("blocked"), out.FileID)
		fmt.Fprintf(w, "  reason:  %s\n", out.Reason)

		if out.Reason == conflict.ReasonNoEditingRights {
			fmt.Fprintln(w, "  retry with --as-copy to upload a copy instead")
		}
	}
}
