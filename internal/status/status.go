// Package status renders requests, threads and daemon state for the terminal.
package status

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/msageha/signoff/internal/engine"
	"github.com/msageha/signoff/internal/events"
	"github.com/msageha/signoff/internal/ledger"
	"github.com/msageha/signoff/internal/model"
	"github.com/msageha/signoff/internal/uds"
)

type Overview struct {
	Daemon   DaemonStatus  `json:"daemon"`
	Requests []StatusCount `json:"requests,omitempty"`
}

type DaemonStatus struct {
	Running bool   `json:"running"`
	Version string `json:"version,omitempty"`
	Store   string `json:"store,omitempty"`
}

type StatusCount struct {
	Status model.RequestStatus `json:"status"`
	Count  int                 `json:"count"`
}

// pingResult mirrors the daemon's ping payload.
type pingResult struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Store   string `json:"store"`
}

// Run pings the daemon, tallies requests by status and prints the overview.
// A daemon that is not running is reported, not returned as an error.
func Run(ctx context.Context, dataDir string, jsonOutput bool, w io.Writer) error {
	client := uds.NewClient(filepath.Join(dataDir, uds.DefaultSocketName))
	client.SetTimeout(3 * time.Second)

	var ov Overview
	var ping pingResult
	switch err := client.Call(ctx, "ping", nil, &ping); {
	case errors.Is(err, uds.ErrDaemonUnavailable):
	case err != nil:
		return fmt.Errorf("ping daemon: %w", err)
	default:
		ov.Daemon = DaemonStatus{Running: true, Version: ping.Version, Store: ping.Store}
		var reqs []*model.ApprovalRequest
		if err := client.Call(ctx, "list", nil, &reqs); err != nil {
			return fmt.Errorf("list requests: %w", err)
		}
		ov.Requests = Tally(reqs)
	}

	if jsonOutput {
		return WriteJSON(w, ov)
	}
	printOverview(w, ov)
	return nil
}

// Tally counts requests per status in a fixed status order, skipping zeros.
func Tally(reqs []*model.ApprovalRequest) []StatusCount {
	counts := make(map[model.RequestStatus]int)
	for _, r := range reqs {
		counts[r.Status]++
	}
	var out []StatusCount
	for _, s := range model.AllRequestStatuses {
		if n := counts[s]; n > 0 {
			out = append(out, StatusCount{Status: s, Count: n})
		}
	}
	return out
}

func printOverview(w io.Writer, ov Overview) {
	if !ov.Daemon.Running {
		fmt.Fprintln(w, "Daemon: stopped")
		return
	}
	fmt.Fprintf(w, "Daemon: running (version %s, store %s)\n", ov.Daemon.Version, ov.Daemon.Store)
	if len(ov.Requests) == 0 {
		fmt.Fprintln(w, "\nRequests: none")
		return
	}
	fmt.Fprintln(w, "\nRequests:")
	for _, c := range ov.Requests {
		fmt.Fprintf(w, "  %-20s %5d\n", c.Status, c.Count)
	}
}

func WriteJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// RenderRequest prints one request with its approval chain.
func RenderRequest(w io.Writer, v *engine.RequestView) {
	r := v.Request
	fmt.Fprintf(w, "%s  %s\n", r.ID, r.Title)
	fmt.Fprintf(w, "  status:     %s\n", r.Status)
	fmt.Fprintf(w, "  workflow:   %s\n", r.WorkflowType)
	fmt.Fprintf(w, "  type:       %s\n", r.Type)
	fmt.Fprintf(w, "  requester:  %s\n", person(v.Requester.UserID, v.Requester.DisplayName))
	if r.Priority != "" {
		fmt.Fprintf(w, "  priority:   %s\n", r.Priority)
	}
	if r.Budget != nil {
		fmt.Fprintf(w, "  budget:     %.2f\n", *r.Budget)
	}
	if r.ProjectID != "" || r.TaskID != "" {
		fmt.Fprintf(w, "  links:      project=%s task=%s\n", dash(r.ProjectID), dash(r.TaskID))
	}
	if r.ResubmissionOf != "" {
		fmt.Fprintf(w, "  replaces:   %s\n", r.ResubmissionOf)
	}
	fmt.Fprintf(w, "  created:    %s\n", r.CreatedAt.Local().Format(time.DateTime))
	if r.Description != "" {
		fmt.Fprintf(w, "\n  %s\n", strings.ReplaceAll(strings.TrimSpace(r.Description), "\n", "\n  "))
	}

	fmt.Fprintln(w, "\nSteps:")
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	for _, s := range v.Steps {
		marker := " "
		if s.Actionable {
			marker = "*"
		}
		decided := "-"
		if s.DecidedAt != nil {
			decided = s.DecidedAt.Local().Format(time.DateTime)
		}
		fmt.Fprintf(tw, "  %s %d\t%s\t%s\t%s\t%s\n", marker, s.StepNumber,
			person(s.ApproverID, s.Approver.DisplayName), s.Status, decided, s.Comments)
	}
	_ = tw.Flush()

	if len(v.Attachments) > 0 {
		fmt.Fprintln(w, "\nAttachments:")
		for _, a := range v.Attachments {
			fmt.Fprintf(w, "  %s  %s\n", a.Name, attachmentLink(a))
		}
	}
}

// RenderComments prints a thread oldest first.
func RenderComments(w io.Writer, comments []engine.CommentView) {
	if len(comments) == 0 {
		fmt.Fprintln(w, "No comments.")
		return
	}
	for i, c := range comments {
		if i > 0 {
			fmt.Fprintln(w)
		}
		fmt.Fprintf(w, "%s  %s\n", person(c.AuthorID, c.Author.DisplayName), c.CreatedAt.Local().Format(time.DateTime))
		fmt.Fprintf(w, "  %s\n", strings.ReplaceAll(c.Content, "\n", "\n  "))
		for _, a := range c.Attachments {
			fmt.Fprintf(w, "  [%s] %s\n", a.Name, attachmentLink(a))
		}
	}
}

// RenderList prints one line per request.
func RenderList(w io.Writer, reqs []*model.ApprovalRequest) {
	if len(reqs) == 0 {
		fmt.Fprintln(w, "No requests.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tWORKFLOW\tPROGRESS\tREQUESTER\tTITLE")
	for _, r := range reqs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", r.ID, r.Status, r.WorkflowType, progress(r), r.RequesterID, r.Title)
	}
	_ = tw.Flush()
}

// RenderHistory prints audit entries as a timeline.
func RenderHistory(w io.Writer, entries []events.AuditEntry) {
	if len(entries) == 0 {
		fmt.Fprintln(w, "No history.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	for _, e := range entries {
		detail := ""
		switch {
		case e.FromStatus != "" && e.ToStatus != "" && e.FromStatus != e.ToStatus:
			detail = e.FromStatus + " -> " + e.ToStatus
		case e.StepNumber != nil:
			detail = fmt.Sprintf("step %d %s", *e.StepNumber, e.StepStatus)
		case e.ToStatus != "":
			detail = e.ToStatus
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", e.Timestamp.Local().Format(time.DateTime), e.EventType, dash(e.Actor), detail)
	}
	_ = tw.Flush()
}

func progress(r *model.ApprovalRequest) string {
	c := ledger.Counts(r.Steps)
	out := fmt.Sprintf("%d/%d", c[model.StepApproved], len(r.Steps))
	if n := c[model.StepRejected]; n > 0 {
		out += fmt.Sprintf(" (%d rejected)", n)
	}
	return out
}

func person(id, name string) string {
	if name == "" || name == id {
		return id
	}
	return fmt.Sprintf("%s (%s)", name, id)
}

func attachmentLink(a engine.AttachmentView) string {
	switch {
	case a.URL != "":
		return a.URL
	case a.URLError != "":
		return "unavailable: " + a.URLError
	default:
		return a.StorageRef
	}
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
