package main

import (
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"collabsync/internal/drafts"
)

// newDraftsCmd manages edits kept locally after a failed save. It needs no
// login since drafts never leave the machine.
func newDraftsCmd(profilePath *string) *cobra.Command {
	cmd := &cobra.Command{Use: "drafts", Short: "Unsaved edits kept on this machine"}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List kept drafts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := openDrafts(*profilePath)
			if err != nil {
				return err
			}
			defer store.Close()
			items, err := store.List()
			if err != nil {
				return err
			}
			if len(items) == 0 {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "no drafts")
				return nil
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			for _, item := range items {
				_, _ = fmt.Fprintf(w, "%s\t%s\t%d chars\n", item.DocumentID, item.SavedAt.Local().Format(time.RFC3339), len([]rune(item.Content)))
			}
			return w.Flush()
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "discard <document-id>",
		Short: "Drop the kept draft of a document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openDrafts(*profilePath)
			if err != nil {
				return err
			}
			defer store.Close()
			if _, err := store.Get(args[0]); errors.Is(err, drafts.ErrNotFound) {
				return fmt.Errorf("no draft for %s", args[0])
			} else if err != nil {
				return err
			}
			if err := store.Delete(args[0]); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "discarded draft for %s\n", args[0])
			return nil
		},
	})
	return cmd
}

func openDrafts(profilePath string) (*drafts.Store, error) {
	profile, _, err := loadProfile(profilePath)
	if err != nil {
		return nil, err
	}
	return drafts.Open(profile.DraftsPath)
}
