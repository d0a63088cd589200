package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/yourorg/leak-scanner/internal/model"
	"github.com/yourorg/leak-scanner/internal/repos"
)

func newScanCommand() *cobra.Command {
	var sinceDays int
	cmd := &cobra.Command{
		Use:   "scan <repo-name|clone-url>",
		Short: "Scan one repository and print the result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if sinceDays < 0 {
				return fmt.Errorf("--since-days must not be negative")
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cmd)
			if err != nil {
				return err
			}
			defer a.close()

			repo, err := resolveRepo(a.repos, args[0])
			if err != nil {
				return err
			}
			res, err := a.runner.Run(ctx, repo, model.ScanOptions{SinceDays: sinceDays})
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(res); err != nil {
				return err
			}
			if res.Status == model.StatusFailed {
				return fmt.Errorf("scan %s failed: %s", res.ID, res.Error)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&sinceDays, "since-days", 0, "only scan commits from the last N days (0 = full history)")
	return cmd
}

// resolveRepo looks arg up in the repository list first. Anything that
// looks like a clone URL is scanned directly.
func resolveRepo(list repos.File, arg string) (model.RepoConfig, error) {
	if strings.Contains(arg, "://") || strings.HasPrefix(arg, "git@") {
		r, ok := repos.FromURL(arg)
		if !ok {
			return model.RepoConfig{}, fmt.Errorf("cannot derive a repository name from %q", arg)
		}
		return r, nil
	}
	r, ok, err := list.Find(arg)
	if err != nil {
		return model.RepoConfig{}, err
	}
	if !ok {
		return model.RepoConfig{}, fmt.Errorf("repository %q not found in %s", arg, list.Path)
	}
	return r, nil
}
