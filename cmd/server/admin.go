package main

import (
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func wipeCmd() *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "wipe",
		Short: "Delete every session and start over with one fresh session",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return errors.New("refusing to wipe without --yes")
			}
			d, err := openDesk(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer d.Close()

			sess, err := d.sessions.WipeAll(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wiped; new session %s\n", sess.ID)
			return nil
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "Confirm the wipe")
	return cmd
}

func offlineCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "offline",
		Short: "Inspect the offline training cache",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List offline training artifacts",
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := openDesk(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer d.Close()

			artifacts, err := d.cache.GetAll(cmd.Context())
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tTOPIC\tAUDIENCE\tGENERATED")
			for _, a := range artifacts {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", a.ID, a.Topic, a.Audience, a.GeneratedDate)
			}
			return tw.Flush()
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "reindex",
		Short: "Rebuild the offline cache index from storage",
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := openDesk(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer d.Close()

			if err := d.cache.Rebuild(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d offline artifacts indexed\n", len(d.cache.IDs()))
			return nil
		},
	})
	return cmd
}
