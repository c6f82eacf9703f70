package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/MacJediWizard/minitube/internal/api"
	"github.com/MacJediWizard/minitube/internal/comments"
	"github.com/MacJediWizard/minitube/internal/config"
	"github.com/MacJediWizard/minitube/internal/httpclient"
	"github.com/spf13/cobra"
)

func newCommentsCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "comments",
		Short: "Watch and post video comments",
	}

	cmd.AddCommand(
		newCommentsWatchCmd(opts),
		newCommentsPostCmd(opts),
	)

	return cmd
}

func newCommentsWatchCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "watch <video-id>",
		Short: "Stream a video's comments",
		Long: `Print a video's comments and follow new ones as they are posted.

Each line typed on stdin is posted as a comment. Press Ctrl+C to stop.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			s, err := newSession(ctx, opts)
			if err != nil {
				return err
			}
			defer s.Close()

			return runCommentsWatch(ctx, s, args[0], cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
}

func runCommentsWatch(ctx context.Context, s *session, videoID string, in io.Reader, out io.Writer) error {
	wsDialer, err := httpclient.NewWebSocketDialer(httpclient.Options{Proxy: s.cfg.Proxy})
	if err != nil {
		return fmt.Errorf("create websocket dialer: %w", err)
	}

	printer := newCommentPrinter(out)
	ctrl := comments.New(comments.Deps{
		API:     s.client,
		Dialer:  comments.NewWebSocketDialer(comments.WebSocketConfig{BaseURL: s.cfg.WebSocketURL()}, wsDialer),
		Tokens:  s.tokens,
		Metrics: s.metrics,
	}, comments.Config{
		Policy:    commentPolicy(s.cfg),
		Reconnect: reconnectFrom(s.cfg.Comments.Reconnect),
		OnChange:  printer.update,
	}, s.logger)
	defer ctrl.Close()

	ctrl.SetVideo(ctx, videoID)

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				// Keep following the stream after stdin closes.
				lines = nil
				continue
			}
			if strings.TrimSpace(line) == "" {
				continue
			}
			ctrl.SetDraft(line)
			if err := ctrl.Submit(ctx); err != nil {
				printer.notice(submissionMessage(err))
			}
		}
	}
}

// commentPrinter prints each comment once, oldest first, as views arrive.
type commentPrinter struct {
	mu          sync.Mutex
	out         io.Writer
	printed     map[int64]bool
	live        bool
	snapshotErr error
	channelErr  error
}

func newCommentPrinter(out io.Writer) *commentPrinter {
	return &commentPrinter{out: out, printed: make(map[int64]bool)}
}

func (p *commentPrinter) update(v comments.View) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if v.SnapshotErr != nil && !errors.Is(v.SnapshotErr, p.snapshotErr) {
		fmt.Fprintf(p.out, "! could not load comments: %v\n", v.SnapshotErr)
	}
	p.snapshotErr = v.SnapshotErr

	if v.Live != p.live {
		if v.Live {
			fmt.Fprintln(p.out, "-- live --")
		} else if v.ChannelErr != nil {
			fmt.Fprintf(p.out, "-- live updates unavailable: %v --\n", v.ChannelErr)
		}
		p.live = v.Live
	}
	p.channelErr = v.ChannelErr

	// Comments are newest first; print in arrival order.
	for i := len(v.Comments) - 1; i >= 0; i-- {
		c := v.Comments[i]
		if p.printed[c.ID] {
			continue
		}
		p.printed[c.ID] = true
		fmt.Fprintln(p.out, formatComment(c))
	}
}

func (p *commentPrinter) notice(msg string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.out, "! %s\n", msg)
}

func formatComment(c api.Comment) string {
	return fmt.Sprintf("[%s] %s: %s", c.CreatedAt.Local().Format("15:04:05"), c.DisplayName(), c.Message)
}

func submissionMessage(err error) string {
	var serr *comments.SubmissionError
	if errors.As(err, &serr) {
		return serr.Reason
	}
	return err.Error()
}

func newCommentsPostCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "post <video-id> <message>",
		Short: "Post a comment",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			s, err := newSession(ctx, opts)
			if err != nil {
				return err
			}
			defer s.Close()

			ctrl := comments.New(comments.Deps{
				API:     s.client,
				Tokens:  s.tokens,
				Metrics: s.metrics,
			}, comments.Config{Policy: commentPolicy(s.cfg)}, s.logger)
			defer ctrl.Close()

			ctrl.SetVideo(ctx, args[0])
			ctrl.SetDraft(strings.Join(args[1:], " "))
			if err := ctrl.Submit(ctx); err != nil {
				return errors.New(submissionMessage(err))
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Comment posted to %s\n", args[0])
			return nil
		},
	}
}

func commentPolicy(cfg *config.ClientConfig) comments.Policy {
	if cfg.Comments.Policy == string(comments.PolicyPermissive) {
		return comments.PolicyPermissive
	}
	return comments.PolicyAuthenticated
}

// reconnectFrom overlays configured reconnect settings on the defaults.
func reconnectFrom(rc config.ReconnectConfig) comments.Reconnect {
	r := comments.DefaultReconnect()
	if rc.InitialInterval > 0 {
		r.InitialInterval = rc.InitialInterval
	}
	if rc.MaxInterval > 0 {
		r.MaxInterval = rc.MaxInterval
	}
	if rc.MaxAttempts != nil {
		r.MaxAttempts = *rc.MaxAttempts
	}
	return r
}
