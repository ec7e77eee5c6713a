package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/fatih/color"

	"github.com/kazz187/featureguild/internal/approval"
	"github.com/kazz187/featureguild/internal/client"
	"github.com/kazz187/featureguild/internal/task"
)

var (
	app     = kingpin.New("featureguild", "Drive featureguild tasks and approvals")
	server  = app.Flag("server", "Server base URL").Envar("FEATUREGUILD_SERVER").Default("http://localhost:3200").String()
	apiKey  = app.Flag("api-key", "API key").Envar("FEATUREGUILD_API_KEY").String()
	noColor = app.Flag("no-color", "Disable colored output").Bool()

	taskCmd = app.Command("task", "Task commands")

	taskCreateCmd         = taskCmd.Command("create", "Create a task in backlog")
	taskCreateTitle       = taskCreateCmd.Arg("title", "Task title").Required().String()
	taskCreateDescription = taskCreateCmd.Flag("description", "Task description").Short('d').String()

	taskListCmd    = taskCmd.Command("list", "List tasks")
	taskListStatus = taskListCmd.Flag("status", "Only tasks in this status").Enum(statusNames()...)

	taskShowCmd = taskCmd.Command("show", "Show task details")
	taskShowID  = taskShowCmd.Arg("id", "Task ID").Required().String()

	taskMoveCmd    = taskCmd.Command("move", "Move a task to another status")
	taskMoveID     = taskMoveCmd.Arg("id", "Task ID").Required().String()
	taskMoveStatus = taskMoveCmd.Arg("status", "Target status").Required().Enum(statusNames()...)
	taskMoveReason = taskMoveCmd.Flag("reason", "Reason; the rejection reason when rejecting").String()

	approvalCmd = app.Command("approval", "Approval commands")

	approvalListCmd  = approvalCmd.Command("list", "List pending approvals")
	approvalListTask = approvalListCmd.Flag("task", "Only approvals of this task").String()

	approvalApproveCmd = approvalCmd.Command("approve", "Approve a pending tool call")
	approvalApproveID  = approvalApproveCmd.Arg("id", "Approval ID").Required().String()

	approvalDenyCmd = approvalCmd.Command("deny", "Deny a pending tool call")
	approvalDenyID  = approvalDenyCmd.Arg("id", "Approval ID").Required().String()
)

func statusNames() []string {
	names := make([]string, 0, len(task.AllStatuses))
	for _, s := range task.AllStatuses {
		names = append(names, string(s))
	}
	return names
}

func main() {
	command := kingpin.MustParse(app.Parse(os.Args[1:]))
	if *noColor {
		color.NoColor = true
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c := client.New(*server, *apiKey)
	if err := dispatch(ctx, c, command, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", color.RedString("error:"), err)
		os.Exit(1)
	}
}

func dispatch(ctx context.Context, c *client.Client, command string, w io.Writer) error {
	switch command {
	case taskCreateCmd.FullCommand():
		t, err := c.CreateTask(ctx, *taskCreateTitle, *taskCreateDescription)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "created %s %s\n", t.ID, statusLabel(t.Status))
	case taskListCmd.FullCommand():
		tasks, err := c.ListTasks(ctx, task.Status(*taskListStatus))
		if err != nil {
			return err
		}
		printTasks(w, tasks)
	case taskShowCmd.FullCommand():
		t, err := c.GetTask(ctx, *taskShowID)
		if err != nil {
			return err
		}
		printTask(w, t)
	case taskMoveCmd.FullCommand():
		t, err := c.MoveTask(ctx, *taskMoveID, task.Status(*taskMoveStatus), *taskMoveReason)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "%s is now %s\n", t.ID, statusLabel(t.Status))
	case approvalListCmd.FullCommand():
		reqs, err := c.ListApprovals(ctx, *approvalListTask)
		if err != nil {
			return err
		}
		printApprovals(w, reqs)
	case approvalApproveCmd.FullCommand():
		r, err := c.ResolveApproval(ctx, *approvalApproveID, true)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "%s %s\n", r.ID, color.GreenString(string(r.Outcome)))
	case approvalDenyCmd.FullCommand():
		r, err := c.ResolveApproval(ctx, *approvalDenyID, false)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "%s %s\n", r.ID, color.RedString(string(r.Outcome)))
	default:
		return fmt.Errorf("unknown command %q", command)
	}
	return nil
}

func statusLabel(s task.Status) string {
	switch s {
	case task.StatusInProgress:
		return color.CyanString(string(s))
	case task.StatusWaitApproval:
		return color.YellowString(string(s))
	case task.StatusDone:
		return color.GreenString(string(s))
	case task.StatusRejected:
		return color.RedString(string(s))
	default:
		return string(s)
	}
}

func printTasks(w io.Writer, tasks []task.Summary) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tUPDATED\tTITLE")
	for _, t := range tasks {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", t.ID, statusLabel(t.Status), t.UpdatedAt.Local().Format(time.DateTime), t.Title)
	}
	_ = tw.Flush()
}

func printTask(w io.Writer, t *task.Task) {
	bold := color.New(color.Bold)
	bold.Fprintf(w, "%s %s\n", t.ID, t.Title)
	fmt.Fprintf(w, "status: %s\n", statusLabel(t.Status))
	if t.Description != "" {
		fmt.Fprintf(w, "\n%s\n", strings.TrimRight(t.Description, "\n"))
	}
	if t.Summary != "" {
		fmt.Fprintf(w, "\nsummary: %s\n", t.Summary)
	}
	if t.RejectionReason != "" {
		fmt.Fprintf(w, "rejection reason: %s\n", t.RejectionReason)
	}
	if t.Merge != nil {
		fmt.Fprintf(w, "merged %s into %s as %s (%d commits, %d files)\n",
			t.Merge.Branch, t.Merge.BaseBranch, t.Merge.MergeCommit, t.Merge.CommitCount, len(t.Merge.ChangedFiles))
	}
	if len(t.Logs) > 0 {
		fmt.Fprintln(w)
		bold.Fprintln(w, "activity")
		for _, l := range t.Logs {
			msg := l.Message
			switch l.Severity {
			case task.SeverityWarning:
				msg = color.YellowString(msg)
			case task.SeverityError:
				msg = color.RedString(msg)
			}
			fmt.Fprintf(w, "  %s  %s\n", l.At.Local().Format(time.DateTime), msg)
		}
	}
}

func printApprovals(w io.Writer, reqs []*approval.Request) {
	if len(reqs) == 0 {
		fmt.Fprintln(w, "no pending approvals")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTASK\tTOOL\tSUMMARY")
	for _, r := range reqs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", r.ID, r.TaskID, r.Tool, r.Summary)
	}
	_ = tw.Flush()
}
