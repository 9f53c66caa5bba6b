package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"collabsync/internal/store"
	"collabsync/internal/versions"
)

func newVersionsCmd(profilePath *string) *cobra.Command {
	cmd := &cobra.Command{Use: "versions", Short: "Named snapshots of a document"}

	cmd.AddCommand(&cobra.Command{
		Use:   "list <document-id>",
		Short: "List versions, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, _, err := loadClient(*profilePath)
			if err != nil {
				return err
			}
			ctx, cancel := commandContext(cmd)
			defer cancel()
			items, err := client.ListVersions(ctx, args[0])
			if err != nil {
				return err
			}
			if len(items) == 0 {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "no versions")
				return nil
			}
			return printVersions(cmd.OutOrStdout(), items)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "show <version-id>",
		Short: "Print a version's content",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, _, err := loadClient(*profilePath)
			if err != nil {
				return err
			}
			ctx, cancel := commandContext(cmd)
			defer cancel()
			version, err := client.GetVersion(ctx, args[0])
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "# %d %s by %s at %s%s\n", version.Number, version.Name, version.CreatedBy, version.CreatedAt.Format(time.RFC3339), lockMark(version))
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), version.Content)
			return nil
		},
	})

	var limit int
	history := &cobra.Command{
		Use:   "history <document-id>",
		Short: "List the snapshot commits behind the versions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, _, err := loadClient(*profilePath)
			if err != nil {
				return err
			}
			ctx, cancel := commandContext(cmd)
			defer cancel()
			commits, err := client.History(ctx, args[0], limit)
			if err != nil {
				return err
			}
			if len(commits) == 0 {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "no snapshots")
				return nil
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			for _, commit := range commits {
				subject, _, _ := strings.Cut(commit.Message, "\n")
				_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", shortHash(commit.Hash), commit.CreatedAt.Format(time.RFC3339), commit.Author, subject)
			}
			return w.Flush()
		},
	}
	history.Flags().IntVar(&limit, "limit", 0, "show at most this many snapshots")
	cmd.AddCommand(history)

	var name, description, fromFile string
	create := &cobra.Command{
		Use:   "create <document-id>",
		Short: "Snapshot the saved content, or --file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, _, err := loadClient(*profilePath)
			if err != nil {
				return err
			}
			ctx, cancel := commandContext(cmd)
			defer cancel()
			var content string
			if fromFile != "" {
				raw, err := os.ReadFile(fromFile)
				if err != nil {
					return fmt.Errorf("read %s: %w", fromFile, err)
				}
				content = string(raw)
			} else if content, err = client.GetContent(ctx, args[0]); err != nil {
				return err
			}
			version, err := client.CreateVersion(ctx, args[0], content, name, description)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "created version %d %q (%s)\n", version.Number, version.Name, version.ID)
			return nil
		},
	}
	create.Flags().StringVar(&name, "name", "", "version name (default \"Version N\")")
	create.Flags().StringVar(&description, "description", "", "description")
	create.Flags().StringVar(&fromFile, "file", "", "snapshot this file instead of the saved content")
	cmd.AddCommand(create)

	cmd.AddCommand(&cobra.Command{
		Use:   "diff <version-id> <version-id>",
		Short: "Line diff between two versions of one document",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, _, err := loadClient(*profilePath)
			if err != nil {
				return err
			}
			ctx, cancel := commandContext(cmd)
			defer cancel()
			result, err := client.DiffVersions(ctx, args[0], args[1])
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "--- %s\n+++ %s\n", result.Version1.Name, result.Version2.Name)
			printRows(cmd.OutOrStdout(), result.Rows)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "rollback <document-id> <version-id>",
		Short: "Restore a version into the saved content",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, _, err := loadClient(*profilePath)
			if err != nil {
				return err
			}
			ctx, cancel := commandContext(cmd)
			defer cancel()
			content, err := client.Rollback(ctx, args[0], args[1])
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "restored %d characters; open sessions must :reload\n", len([]rune(content)))
			return nil
		},
	})

	for _, locked := range []bool{true, false} {
		use, short := "lock <version-id>", "Protect a version from rollback"
		if !locked {
			use, short = "unlock <version-id>", "Allow rollback to a version again"
		}
		cmd.AddCommand(&cobra.Command{
			Use:   use,
			Short: short,
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				client, _, err := loadClient(*profilePath)
				if err != nil {
					return err
				}
				ctx, cancel := commandContext(cmd)
				defer cancel()
				version, err := client.LockVersion(ctx, args[0], locked)
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "version %d %q%s\n", version.Number, version.Name, lockMark(version))
				return nil
			},
		})
	}
	return cmd
}

func printVersions(out io.Writer, items []store.Version) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	for _, item := range items {
		_, _ = fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s%s\n", item.Number, item.ID, item.Name, item.CreatedBy, item.CreatedAt.Format(time.RFC3339), lockMark(item))
	}
	return w.Flush()
}

func printRows(out io.Writer, rows []versions.Row) {
	for _, row := range rows {
		prefix := " "
		switch row.Kind {
		case versions.RowAdded:
			prefix = "+"
		case versions.RowRemoved:
			prefix = "-"
		}
		_, _ = fmt.Fprintf(out, "%s %s\n", prefix, row.Text)
	}
}

func shortHash(hash string) string {
	if len(hash) > 12 {
		return hash[:12]
	}
	return hash
}

func lockMark(version store.Version) string {
	if version.Locked {
		return " [locked]"
	}
	return ""
}
