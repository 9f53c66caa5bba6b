package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"collabsync/internal/config"
	"collabsync/internal/docclient"
)

const defaultCommandTimeout = 30 * time.Second

func main() {
	if err := newRootCmd().Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var profilePath string

	root := &cobra.Command{
		Use:           "collab",
		Short:         "Collaborative document editing client",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&profilePath, "profile", "", "profile path (default ~/.config/collabsync/profile.yaml)")

	root.AddCommand(newLoginCmd(&profilePath))
	root.AddCommand(newDocumentsCmd(&profilePath))
	root.AddCommand(newEditCmd(&profilePath))
	root.AddCommand(newVersionsCmd(&profilePath))
	root.AddCommand(newDraftsCmd(&profilePath))
	root.AddCommand(newSearchCmd(&profilePath))
	return root
}

func resolveProfilePath(profilePath string) (string, error) {
	if strings.TrimSpace(profilePath) != "" {
		return profilePath, nil
	}
	return config.DefaultProfilePath()
}

func loadProfile(profilePath string) (config.Profile, string, error) {
	path, err := resolveProfilePath(profilePath)
	if err != nil {
		return config.Profile{}, "", err
	}
	profile, err := config.LoadProfile(path)
	if err != nil {
		return config.Profile{}, "", err
	}
	return profile, path, nil
}

// loadClient returns an authenticated client for the saved profile.
func loadClient(profilePath string) (*docclient.Client, config.Profile, error) {
	profile, _, err := loadProfile(profilePath)
	if err != nil {
		return nil, config.Profile{}, err
	}
	if profile.Token == "" {
		return nil, config.Profile{}, fmt.Errorf("not logged in; run collab login first")
	}
	return docclient.New(profile.ServiceURL, profile.Token, nil), profile, nil
}

func commandContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, defaultCommandTimeout)
}

func newLoginCmd(profilePath *string) *cobra.Command {
	var name, role, serviceURL string
	cmd := &cobra.Command{
		Use:   "login --name <display name>",
		Short: "Get a session token and save it to the profile",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if strings.TrimSpace(name) == "" {
				return fmt.Errorf("--name is required")
			}
			profile, path, err := loadProfile(*profilePath)
			if err != nil {
				return err
			}
			if serviceURL != "" {
				profile.ServiceURL = serviceURL
			}
			ctx, cancel := commandContext(cmd)
			defer cancel()
			session, err := docclient.New(profile.ServiceURL, "", nil).Login(ctx, name, role)
			if err != nil {
				return err
			}
			profile.Token = session.Token
			profile.EditorID = session.UserID
			profile.DisplayName = session.DisplayName
			profile.Role = session.Role
			if err := config.SaveProfile(path, profile); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "logged in as %s (%s) role=%s\n", session.DisplayName, session.UserID, session.Role)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringVar(&role, "role", "", "role: viewer|commenter|editor|admin (default editor)")
	cmd.Flags().StringVar(&serviceURL, "server", "", "service URL to save in the profile")
	return cmd
}

func newDocumentsCmd(profilePath *string) *cobra.Command {
	documents := &cobra.Command{Use: "documents", Aliases: []string{"docs"}, Short: "List and create documents"}

	documents.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List documents",
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, _, err := loadClient(*profilePath)
			if err != nil {
				return err
			}
			ctx, cancel := commandContext(cmd)
			defer cancel()
			items, err := client.ListDocuments(ctx)
			if err != nil {
				return err
			}
			if len(items) == 0 {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "no documents")
				return nil
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			for _, item := range items {
				_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", item.ID, item.Title, item.UpdatedBy, item.UpdatedAt.Format(time.RFC3339))
			}
			return w.Flush()
		},
	})

	var content string
	create := &cobra.Command{
		Use:   "create <title>",
		Short: "Create a document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, _, err := loadClient(*profilePath)
			if err != nil {
				return err
			}
			ctx, cancel := commandContext(cmd)
			defer cancel()
			document, err := client.CreateDocument(ctx, args[0], content)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "created %s (%s)\n", document.Title, document.ID)
			return nil
		},
	}
	create.Flags().StringVar(&content, "content", "", "initial content")
	documents.AddCommand(create)
	return documents
}

func newSearchCmd(profilePath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "search <query>",
		Short: "Search document titles and content",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, _, err := loadClient(*profilePath)
			if err != nil {
				return err
			}
			ctx, cancel := commandContext(cmd)
			defer cancel()
			results, err := client.Search(ctx, strings.Join(args, " "))
			if err != nil {
				return err
			}
			if len(results) == 0 {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "no matches")
				return nil
			}
			for _, result := range results {
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n\t%s\n", result.DocumentID, result.Title, result.Snippet)
			}
			return nil
		},
	}
}
