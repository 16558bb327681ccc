package cmd

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/AzielCF/az-wap-connector/connection/domain/connection"
	"github.com/AzielCF/az-wap-connector/connection/domain/message"
	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var connectionsCmd = &cobra.Command{
	Use:   "connections",
	Short: "Manage channel connection records",
}

var connectionsRegisterCmd = &cobra.Command{
	Use:   "register [connection-id]",
	Short: "Create or update a channel connection owned by a tenant",
	Long:  `Registers a connection so "run --connect <id>" can pair it. A random id is generated when none is given.`,
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id := uuid.NewString()
		if len(args) == 1 {
			id = strings.TrimSpace(args[0])
		}
		tenant, _ := cmd.Flags().GetString("tenant")
		user, _ := cmd.Flags().GetString("user")
		name, _ := cmd.Flags().GetString("name")

		rec := &message.ChannelConnection{
			ID:       id,
			TenantID: strings.TrimSpace(tenant),
			UserID:   strings.TrimSpace(user),
			Name:     name,
			Status:   connection.StatusDisconnected,
		}
		if err := validation.ValidateStruct(rec,
			validation.Field(&rec.ID, validation.Required, validation.Length(1, 64)),
			validation.Field(&rec.TenantID, validation.Required),
		); err != nil {
			return err
		}

		_, storage, err := openStorage(cmd.Context(), appConfig)
		if err != nil {
			return err
		}
		if err := storage.UpsertChannelConnection(cmd.Context(), rec); err != nil {
			return err
		}
		logrus.Infof("[APP] Connection %s registered for tenant %s", rec.ID, rec.TenantID)
		fmt.Println(rec.ID)
		return nil
	},
}

var connectionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered connections and their last known status",
	RunE: func(cmd *cobra.Command, _ []string) error {
		_, storage, err := openStorage(cmd.Context(), appConfig)
		if err != nil {
			return err
		}
		records, err := storage.ListChannelConnections(cmd.Context())
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tTENANT\tSTATUS\tPHONE\tLAST CONNECTED")
		for _, r := range records {
			last := "never"
			if r.LastConnectedAt != nil {
				last = humanize.Time(*r.LastConnectedAt)
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", r.ID, r.TenantID, r.Status, r.PhoneNumber, last)
		}
		return w.Flush()
	},
}

func init() {
	connectionsRegisterCmd.Flags().String("tenant", "", "owning tenant id (required)")
	connectionsRegisterCmd.Flags().String("user", "", "owning user id")
	connectionsRegisterCmd.Flags().String("name", "", "display name")
	connectionsCmd.AddCommand(connectionsRegisterCmd, connectionsListCmd)
	rootCmd.AddCommand(connectionsCmd)
}
