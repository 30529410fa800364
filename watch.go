package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/xiaoyuanzhu-com/devpanel/config"
	"github.com/xiaoyuanzhu-com/devpanel/log"
	"github.com/xiaoyuanzhu-com/devpanel/protocol"
	"github.com/xiaoyuanzhu-com/devpanel/realtime"
	"github.com/xiaoyuanzhu-com/devpanel/server"
)

// Snapshots of a busy server can be large
const watchReadLimit = 16 << 20

type watchOptions struct {
	attach string
	create string
}

func newWatchCmd() *cobra.Command {
	var opts watchOptions
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Connect to a running server and print its tabs and sessions as they change",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatch(cmd.Context(), loadConfig(), opts)
		},
	}
	cmd.Flags().StringVar(&serverURL, "server", "", "server address (default from config)")
	cmd.Flags().StringVar(&opts.attach, "attach", "", "stream output of this session instead of the state table")
	cmd.Flags().StringVar(&opts.create, "create", "", "create a session with this name once synced")
	return cmd
}

func runWatch(ctx context.Context, cfg *config.Config, opts watchOptions) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	url := "ws" + strings.TrimPrefix(baseURL(cfg), "http") + server.TerminalWSPath
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	conn, _, err := websocket.Dial(dialCtx, url, nil)
	cancel()
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", url, err)
	}
	defer conn.CloseNow()
	conn.SetReadLimit(watchReadLimit)

	send := func(intent protocol.Intent, corr protocol.Correlation) error {
		frame, err := protocol.Encode(intent, corr)
		if err != nil {
			return err
		}
		wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return conn.Write(wctx, websocket.MessageText, frame)
	}
	mirror := realtime.NewMirror(send, realtime.DefaultPendingTimeout)

	events := make(chan protocol.Event)
	readErr := make(chan error, 1)
	go func() {
		for {
			_, msg, err := conn.Read(ctx)
			if err != nil {
				readErr <- err
				return
			}
			ev, err := protocol.DecodeEvent(msg)
			if err != nil {
				log.Warn().Err(err).Msg("skipping undecodable event")
				continue
			}
			select {
			case events <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	requested := false

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return nil

		case err := <-readErr:
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("connection closed: %w", err)

		case now := <-ticker.C:
			for _, corr := range mirror.Expire(now) {
				fmt.Fprintf(os.Stderr, "request %s timed out, rolled back\n", corr.CorrelationID)
			}

		case ev := <-events:
			mirror.Apply(ev)

			switch data := ev.Data.(type) {
			case protocol.SessionOutput:
				if data.ID == opts.attach {
					os.Stdout.WriteString(data.Data)
				}
				continue
			case protocol.SessionAttached:
				os.Stdout.WriteString(data.Buffer)
				continue
			case protocol.SyncError:
				fmt.Fprintf(os.Stderr, "error %s: %s\n", data.Code, data.Message)
			case protocol.SyncStale:
				fmt.Fprintf(os.Stderr, "%s %s no longer exists\n", data.EntityType, data.EntityID)
			}

			if !requested && mirror.Synced() {
				requested = true
				if err := requestOnSync(mirror, send, opts); err != nil {
					return err
				}
			}

			if opts.attach == "" && ev.Lifecycle() {
				printState(mirror)
			}
		}
	}
}

func requestOnSync(mirror *realtime.Mirror, send realtime.Sender, opts watchOptions) error {
	if opts.create != "" {
		if _, err := mirror.CreateSession(protocol.CreateSession{Name: opts.create}); err != nil {
			return fmt.Errorf("create failed: %w", err)
		}
	}
	if opts.attach != "" {
		if _, ok := mirror.Session(opts.attach); !ok {
			return fmt.Errorf("no session %s", opts.attach)
		}
		if err := send(&protocol.Attach{ID: opts.attach}, protocol.Correlation{CorrelationID: uuid.NewString()}); err != nil {
			return fmt.Errorf("attach failed: %w", err)
		}
	}
	return nil
}

func printState(mirror *realtime.Mirror) {
	tabNames := make(map[string]string)
	for _, tab := range mirror.Tabs() {
		tabNames[tab.ID] = tab.Name
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "\n%s  tabs=%d sessions=%d pending=%d\n",
		time.Now().Format(time.TimeOnly), len(tabNames), len(mirror.Sessions()), mirror.Pending())
	for _, s := range mirror.Sessions() {
		tab := "-"
		if s.TabOwned() {
			tab = tabNames[*s.TabID]
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", s.ID, s.Name, s.Status, tab)
	}
	w.Flush()
}
