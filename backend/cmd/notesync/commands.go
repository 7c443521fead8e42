package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"vibenotes/backend/internal/client/autosave"
	"vibenotes/backend/internal/note"
)

// 本地新建的笔记在服务端确认前使用 local- 前缀的 id
func newLocalID() string {
	return "local-" + strings.ToLower(ulid.Make().String())
}

func splitTags(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, t := range strings.Split(s, ",") {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func newNewCmd(a *app) *cobra.Command {
	var title, content, tags string
	cmd := &cobra.Command{
		Use:   "new",
		Short: "Create a note locally and queue it for upload",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			d := note.Draft{Title: title, Content: content, Tags: splitTags(tags)}
			n, err := a.replica.CreateLocal(ctx, newLocalID(), d)
			if err != nil {
				return err
			}
			if _, err := a.queue.Enqueue(n.ID, note.ActionCreate, d); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), n.ID)
			return nil
		},
	}
	cmd.Flags().StringVarP(&title, "title", "t", "", "note title")
	cmd.Flags().StringVarP(&content, "content", "c", "", "note content")
	cmd.Flags().StringVar(&tags, "tags", "", "comma separated tags")
	return cmd
}

func newEditCmd(a *app) *cobra.Command {
	var title, content, tags string
	cmd := &cobra.Command{
		Use:   "edit <id>",
		Short: "Edit a note locally; the change is saved and queued",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var p note.Patch
			if cmd.Flags().Changed("title") {
				p.Title = &title
			}
			if cmd.Flags().Changed("content") {
				p.Content = &content
			}
			if cmd.Flags().Changed("tags") {
				p.Tags = splitTags(tags)
			}
			if p.Title == nil && p.Content == nil && p.Tags == nil {
				return fmt.Errorf("nothing to change")
			}
			if _, err := a.replica.Get(cmd.Context(), args[0]); err != nil {
				return fmt.Errorf("note %s: %w", args[0], err)
			}

			saver := autosave.New(a.replica, a.queue, a.cfg.Sync.AutosaveDelay, a.log)
			saver.Edit(args[0], p)
			return saver.Flush(cmd.Context())
		},
	}
	cmd.Flags().StringVarP(&title, "title", "t", "", "new title")
	cmd.Flags().StringVarP(&content, "content", "c", "", "new content")
	cmd.Flags().StringVar(&tags, "tags", "", "comma separated tags")
	return cmd
}

func newDeleteCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a note locally and queue the deletion",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			if err := a.replica.Delete(cmd.Context(), id); err != nil {
				return err
			}
			_, err := a.queue.Enqueue(id, note.ActionDelete, struct{}{})
			return err
		},
	}
}

func newListCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List notes in the local replica",
		RunE: func(cmd *cobra.Command, args []string) error {
			notes, err := a.replica.List(cmd.Context())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tVERSION\tPENDING\tUPDATED\tTITLE")
			for _, n := range notes {
				fmt.Fprintf(w, "%s\t%d\t%t\t%s\t%s\n", n.ID, n.Version, n.Pending, n.UpdatedAt.Local().Format(time.DateTime), n.Title)
			}
			return w.Flush()
		},
	}
}

func newStatusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show queued mutations and the last sync checkpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			cp, err := a.queue.Checkpoint()
			if err != nil {
				return err
			}
			items, err := a.queue.Items()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if cp.IsZero() {
				fmt.Fprintln(out, "last sync: never")
			} else {
				fmt.Fprintf(out, "last sync: %s\n", cp.Local().Format(time.DateTime))
			}
			fmt.Fprintf(out, "pending: %d\n", len(items))
			for _, it := range items {
				line := fmt.Sprintf("  %s %-6s %s retries=%d", it.ID, it.Action, it.NoteID, it.RetryCount)
				if it.LastError != "" {
					line += " err=" + it.LastError
				}
				fmt.Fprintln(out, line)
			}
			return nil
		},
	}
}

func newSyncCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Push queued mutations, then pull server changes",
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := a.engine().Sync(cmd.Context())
			fmt.Fprintf(cmd.OutOrStdout(), "pushed=%d superseded=%d failed=%d rejected=%d held=%d inserted=%d overwritten=%d kept=%d deleted=%d\n",
				res.Push.Sent, res.Push.Superseded, res.Push.Failed, res.Push.Rejected, res.Push.Held, res.Inserted, res.Overwritten, res.Kept, res.Deleted)
			return err
		},
	}
}

func newWatchCmd(a *app) *cobra.Command {
	var interval time.Duration
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Sync periodically until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			if interval <= 0 {
				interval = a.cfg.Sync.Interval
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			a.log.Info("watching", zap.Duration("interval", interval))
			a.engine().Run(ctx, interval)
			return nil
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", 0, "sync interval (default from config)")
	return cmd
}
