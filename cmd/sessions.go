package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/AzielCF/az-wap-connector/connection/domain/connection"
	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Inspect and maintain stored credentials and their backups",
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List session directories and whether they can reconnect without pairing",
	RunE: func(cmd *cobra.Command, _ []string) error {
		store := newSessionStore(appConfig)
		ids, err := store.List()
		if err != nil {
			return err
		}
		logrus.Debugf("[SESSION] Listing sessions under %s", store.Root())
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tJID\tDB SIZE\tSTATE")
		for _, id := range ids {
			jid := "-"
			if meta, err := store.ReadMeta(id); err == nil && meta.JID != "" {
				jid = meta.JID
			}
			size := "-"
			if st, err := os.Stat(store.DBPath(id)); err == nil {
				size = humanize.Bytes(uint64(st.Size()))
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", id, jid, size, sessionState(cmd.Context(), store.Validate, id))
		}
		return w.Flush()
	},
}

func sessionState(ctx context.Context, validate func(context.Context, string) error, id string) string {
	err := validate(ctx, id)
	switch {
	case err == nil:
		return "valid"
	case errors.Is(err, connection.ErrSessionNotFound):
		return "unpaired"
	default:
		return "corrupted: " + err.Error()
	}
}

var sessionsBackupsCmd = &cobra.Command{
	Use:   "backups [connection-id]",
	Short: "List backups, oldest first",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id := ""
		if len(args) == 1 {
			id = args[0]
		}
		backups, err := newSessionStore(appConfig).Backups(id)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tCREATED\tSIZE\tPATH")
		var total int64
		for _, b := range backups {
			total += b.Size
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", b.ConnectionID, humanize.Time(b.ModTime), humanize.Bytes(uint64(b.Size)), b.Path)
		}
		fmt.Fprintf(w, "\t\t%s\t(%d backups)\n", humanize.Bytes(uint64(total)), len(backups))
		return w.Flush()
	},
}

var sessionsBackupCmd = &cobra.Command{
	Use:   "backup <connection-id>",
	Short: "Snapshot a session directory now",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := newSessionStore(appConfig).BackupSession(args[0])
		if err != nil {
			return err
		}
		logrus.Infof("[SESSION] Backup written to %s", path)
		return nil
	},
}

var sessionsCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Enforce backup retention (count per connection and total size)",
	RunE: func(cmd *cobra.Command, _ []string) error {
		n, err := newSessionStore(appConfig).CleanupOldBackups()
		if err != nil {
			return err
		}
		logrus.Infof("[SESSION] Removed %d backup(s)", n)
		return nil
	},
}

func init() {
	sessionsCmd.AddCommand(sessionsListCmd, sessionsBackupsCmd, sessionsBackupCmd, sessionsCleanupCmd)
	rootCmd.AddCommand(sessionsCmd)
}
