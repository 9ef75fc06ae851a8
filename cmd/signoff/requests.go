package main

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/msageha/signoff/internal/daemon"
	"github.com/msageha/signoff/internal/engine"
	"github.com/msageha/signoff/internal/events"
	"github.com/msageha/signoff/internal/model"
	"github.com/msageha/signoff/internal/status"
)

func newCreateCmd(opts *globalOptions) *cobra.Command {
	var (
		in          daemon.CreateParams
		workflow    string
		reqType     string
		priority    string
		attachments []string
		budget      float64
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Submit a new approval request",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			actor, err := opts.requireActor()
			if err != nil {
				return err
			}
			in.RequesterID = actor
			in.WorkflowType = model.WorkflowType(workflow)
			in.Type = model.RequestType(reqType)
			in.Priority = model.Priority(priority)
			if cmd.Flags().Changed("budget") {
				in.Budget = &budget
			}
			if in.Attachments, err = parseAttachments(attachments); err != nil {
				return err
			}

			var created model.ApprovalRequest
			if err := opts.client().Call(cmd.Context(), "create", in, &created); err != nil {
				return err
			}
			return opts.emit(cmd.OutOrStdout(), created, func(w io.Writer) {
				fmt.Fprintf(w, "created %s (%s, %d approvers)\n", created.ID, created.WorkflowType, len(created.Steps))
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&in.Title, "title", "", "request title")
	f.StringVar(&in.Description, "description", "", "request description")
	f.StringVar(&workflow, "workflow", string(model.WorkflowSequential), "sequential or parallel")
	f.StringVar(&reqType, "type", "", "document, decision, budget or other")
	f.StringVar(&priority, "priority", "", "low, medium, high or critical")
	f.StringSliceVar(&in.ApproverIDs, "approver", nil, "approver user id, in chain order (repeatable)")
	f.StringArrayVar(&attachments, "attach", nil, "attachment as name=storage_ref (repeatable)")
	f.StringVar(&in.ProjectID, "project", "", "linked project id")
	f.StringVar(&in.TaskID, "task", "", "linked task id")
	f.Float64Var(&budget, "budget", 0, "budget amount")
	f.StringVar(&in.ResubmissionOf, "resubmission-of", "", "id of the request this one replaces after a revision request")
	_ = cmd.MarkFlagRequired("title")
	_ = cmd.MarkFlagRequired("approver")
	return cmd
}

func newDecisionCmd(opts *globalOptions, use, command, short string) *cobra.Command {
	var comment string
	cmd := &cobra.Command{
		Use:   use + " <request-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDecision(cmd, opts, command, args[0], comment)
		},
	}
	cmd.Flags().StringVarP(&comment, "comment", "m", "", "comment stored on your step")
	return cmd
}

func newReviseCmd(opts *globalOptions) *cobra.Command {
	var comment string
	cmd := &cobra.Command{
		Use:   "revise <request-id>",
		Short: "Send a request back to its requester for changes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDecision(cmd, opts, "request_revision", args[0], comment)
		},
	}
	cmd.Flags().StringVarP(&comment, "comment", "m", "", "what needs to change")
	_ = cmd.MarkFlagRequired("comment")
	return cmd
}

func runDecision(cmd *cobra.Command, opts *globalOptions, command, requestID, comment string) error {
	actor, err := opts.requireActor()
	if err != nil {
		return err
	}
	var updated model.ApprovalRequest
	if err := opts.client().Call(cmd.Context(), command, daemon.DecisionParams{RequestID: requestID, Actor: actor, Comment: comment}, &updated); err != nil {
		return err
	}
	return opts.emit(cmd.OutOrStdout(), updated, func(w io.Writer) {
		fmt.Fprintf(w, "%s is now %s\n", updated.ID, updated.Status)
	})
}

func newCancelCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <request-id>",
		Short: "Withdraw your pending request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := opts.requireActor()
			if err != nil {
				return err
			}
			var updated model.ApprovalRequest
			if err := opts.client().Call(cmd.Context(), "cancel", daemon.CancelParams{RequestID: args[0], Actor: actor}, &updated); err != nil {
				return err
			}
			return opts.emit(cmd.OutOrStdout(), updated, func(w io.Writer) {
				fmt.Fprintf(w, "%s is now %s\n", updated.ID, updated.Status)
			})
		},
	}
}

func newCommentCmd(opts *globalOptions) *cobra.Command {
	var attachments []string
	cmd := &cobra.Command{
		Use:   "comment <request-id> <text>",
		Short: "Add a comment to a request's thread",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := opts.requireActor()
			if err != nil {
				return err
			}
			atts, err := parseAttachments(attachments)
			if err != nil {
				return err
			}
			var c model.Comment
			params := daemon.CommentParams{RequestID: args[0], Actor: actor, Content: args[1], Attachments: atts}
			if err := opts.client().Call(cmd.Context(), "add_comment", params, &c); err != nil {
				return err
			}
			return opts.emit(cmd.OutOrStdout(), c, func(w io.Writer) {
				fmt.Fprintf(w, "added %s to %s\n", c.ID, c.RequestID)
			})
		},
	}
	cmd.Flags().StringArrayVar(&attachments, "attach", nil, "attachment as name=storage_ref (repeatable)")
	return cmd
}

func newShowCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show <request-id>",
		Short: "Show a request and its approval chain",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var view engine.RequestView
			if err := opts.client().Call(cmd.Context(), "get", daemon.RequestParams{RequestID: args[0]}, &view); err != nil {
				return err
			}
			return opts.emit(cmd.OutOrStdout(), view, func(w io.Writer) { status.RenderRequest(w, &view) })
		},
	}
}

func newCommentsCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "comments <request-id>",
		Short: "Show a request's comment thread",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var comments []engine.CommentView
			if err := opts.client().Call(cmd.Context(), "list_comments", daemon.RequestParams{RequestID: args[0]}, &comments); err != nil {
				return err
			}
			return opts.emit(cmd.OutOrStdout(), comments, func(w io.Writer) { status.RenderComments(w, comments) })
		},
	}
}

func newListCmd(opts *globalOptions) *cobra.Command {
	var p daemon.ListParams
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List requests, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var reqs []*model.ApprovalRequest
			if err := opts.client().Call(cmd.Context(), "list", p, &reqs); err != nil {
				return err
			}
			return opts.emit(cmd.OutOrStdout(), reqs, func(w io.Writer) { status.RenderList(w, reqs) })
		},
	}
	f := cmd.Flags()
	f.StringVar(&p.Status, "status", "", "only requests in this status")
	f.StringVar(&p.ProjectID, "project", "", "only requests linked to this project")
	f.StringVar(&p.RequesterID, "requester", "", "only requests by this user")
	f.StringVar(&p.ApproverID, "approver", "", "only requests with a step for this user")
	return cmd
}

func newPendingCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "pending",
		Short: "List requests waiting on your decision",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			actor, err := opts.requireActor()
			if err != nil {
				return err
			}
			var reqs []*model.ApprovalRequest
			if err := opts.client().Call(cmd.Context(), "list_pending", daemon.PendingParams{UserID: actor}, &reqs); err != nil {
				return err
			}
			return opts.emit(cmd.OutOrStdout(), reqs, func(w io.Writer) { status.RenderList(w, reqs) })
		},
	}
}

func newHistoryCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "history <request-id>",
		Short: "Show the audit trail of a request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var entries []events.AuditEntry
			if err := opts.client().Call(cmd.Context(), "history", daemon.RequestParams{RequestID: args[0]}, &entries); err != nil {
				return err
			}
			return opts.emit(cmd.OutOrStdout(), entries, func(w io.Writer) { status.RenderHistory(w, entries) })
		},
	}
}

// parseAttachments turns name=storage_ref specs into attachments. The content
// type is guessed from the name's extension.
func parseAttachments(specs []string) ([]model.Attachment, error) {
	if len(specs) == 0 {
		return nil, nil
	}
	out := make([]model.Attachment, 0, len(specs))
	for _, spec := range specs {
		name, ref, ok := strings.Cut(spec, "=")
		name, ref = strings.TrimSpace(name), strings.TrimSpace(ref)
		if !ok || name == "" || ref == "" {
			return nil, errors.New("invalid --attach " + spec + ": want name=storage_ref")
		}
		out = append(out, model.Attachment{
			Name:        name,
			StorageRef:  ref,
			ContentType: mime.TypeByExtension(filepath.Ext(name)),
		})
	}
	return out, nil
}
