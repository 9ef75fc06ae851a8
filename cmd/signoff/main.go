package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/msageha/signoff/internal/config"
	"github.com/msageha/signoff/internal/daemon"
	"github.com/msageha/signoff/internal/status"
	"github.com/msageha/signoff/internal/uds"
)

const version = "0.3.0"

type globalOptions struct {
	dataDir string
	json    bool
	actor   string
}

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %s\n", errorMessage(err))
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}
	defaultDataDir := config.DefaultDataDir
	if env, err := config.LoadEnvironment(); err == nil && env.DataDir != "" {
		defaultDataDir = env.DataDir
	}

	root := &cobra.Command{
		Use:           "signoff",
		Short:         "Multi-step approval workflows",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.dataDir, "data-dir", defaultDataDir, "data directory (config, requests, socket)")
	root.PersistentFlags().BoolVar(&opts.json, "json", false, "print JSON instead of text")
	root.PersistentFlags().StringVar(&opts.actor, "as", os.Getenv("SIGNOFF_USER"), "user id to act as")

	root.AddCommand(
		newDaemonCmd(opts),
		newCreateCmd(opts),
		newDecisionCmd(opts, "approve", "approve", "Approve your step on a request"),
		newDecisionCmd(opts, "reject", "reject", "Reject a request"),
		newReviseCmd(opts),
		newCancelCmd(opts),
		newCommentCmd(opts),
		newShowCmd(opts),
		newCommentsCmd(opts),
		newListCmd(opts),
		newPendingCmd(opts),
		newHistoryCmd(opts),
		newStatusCmd(opts),
		newVersionCmd(),
	)
	return root
}

func newDaemonCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "Run the signoff daemon in the foreground",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := os.MkdirAll(opts.dataDir, 0755); err != nil {
				return fmt.Errorf("create data dir: %w", err)
			}
			cfg, err := config.Load(opts.dataDir)
			if err != nil {
				return err
			}
			d, err := daemon.New(opts.dataDir, cfg, version)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "signoff daemon %s, logging to %s\n", version, filepath.Join(opts.dataDir, "logs", "daemon.log"))
			return d.Run()
		},
	}
}

func newStatusCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon state and request counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return status.Run(cmd.Context(), opts.dataDir, opts.json, cmd.OutOrStdout())
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "signoff %s\n", version)
		},
	}
}

func (o *globalOptions) client() *uds.Client {
	c := uds.NewClient(filepath.Join(o.dataDir, uds.DefaultSocketName))
	c.SetTimeout(10 * time.Second)
	return c
}

func (o *globalOptions) requireActor() (string, error) {
	if o.actor == "" {
		return "", errors.New("--as <user id> is required (or set SIGNOFF_USER)")
	}
	return o.actor, nil
}

// emit prints v as JSON when --json is set, otherwise calls render.
func (o *globalOptions) emit(w io.Writer, v any, render func(io.Writer)) error {
	if o.json {
		return status.WriteJSON(w, v)
	}
	render(w)
	return nil
}

func errorMessage(err error) string {
	var detail *uds.ErrorDetail
	if errors.As(err, &detail) {
		return detail.Message
	}
	return err.Error()
}
