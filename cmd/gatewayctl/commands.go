package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/gorilla/websocket"
	"github.com/multisession-gateway/backend/api/handlers"
	"github.com/multisession-gateway/backend/internal/model"
	"github.com/multisession-gateway/backend/internal/ws"
	"github.com/spf13/cobra"
)

const defaultServer = "http://localhost:8080"

type options struct {
	server  string
	timeout time.Duration
	jsonOut bool
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	rootCmd := &cobra.Command{
		Use:          "gatewayctl",
		Short:        "Manage messaging sessions on a gateway",
		SilenceUsage: true,
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Help()
		},
	}

	server := os.Getenv("GATEWAY_URL")
	if server == "" {
		server = defaultServer
	}
	rootCmd.PersistentFlags().StringVarP(&opts.server, "server", "s", server, "Gateway base URL (env GATEWAY_URL)")
	rootCmd.PersistentFlags().DurationVarP(&opts.timeout, "timeout", "t", 30*time.Second, "Timeout for each request")
	rootCmd.PersistentFlags().BoolVar(&opts.jsonOut, "json", false, "Print JSON instead of a table")

	rootCmd.AddCommand(newSessionsCmd(opts))
	rootCmd.AddCommand(newSendCmd(opts))
	rootCmd.AddCommand(newMessagesCmd(opts))
	rootCmd.AddCommand(newEventsCmd(opts))
	return rootCmd
}

func (o *options) client() *apiClient {
	return newAPIClient(o.server, o.timeout)
}

func newSessionsCmd(opts *options) *cobra.Command {
	sessionsCmd := &cobra.Command{
		Use:     "sessions",
		Aliases: []string{"session", "s"},
		Short:   "List, create, start, stop and remove sessions",
	}

	sessionsCmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			sessions, err := opts.client().listSessions(cmd.Context())
			if err != nil {
				return err
			}
			return printSessions(cmd.OutOrStdout(), sessions, opts.jsonOut)
		},
	})

	sessionsCmd.AddCommand(&cobra.Command{
		Use:   "create <id>",
		Short: "Create a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := opts.client().createSession(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printSessions(cmd.OutOrStdout(), []handlers.SessionResponse{*s}, opts.jsonOut)
		},
	})

	for _, action := range []string{"start", "stop"} {
		action := action
		sessionsCmd.AddCommand(&cobra.Command{
			Use:   action + " <id>",
			Short: strings.ToUpper(action[:1]) + action[1:] + " a session",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				s, err := opts.client().sessionAction(cmd.Context(), args[0], action)
				if err != nil {
					return err
				}
				return printSessions(cmd.OutOrStdout(), []handlers.SessionResponse{*s}, opts.jsonOut)
			},
		})
	}

	sessionsCmd.AddCommand(&cobra.Command{
		Use:     "rm <id>",
		Aliases: []string{"remove", "delete"},
		Short:   "Stop and remove a session",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.client().removeSession(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", args[0])
			return nil
		},
	})

	return sessionsCmd
}

func newSendCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "send <session> <to> <message...>",
		Short: "Send a text message through a ready session",
		Args:  cobra.MinimumNArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := strings.Join(args[2:], " ")
			if err := opts.client().send(cmd.Context(), args[0], args[1], body); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "sent to %s\n", args[1])
			return nil
		},
	}
}

func newMessagesCmd(opts *options) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "messages <session> <chat>",
		Short: "Show the latest messages of a chat",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			messages, err := opts.client().messages(cmd.Context(), args[0], args[1], limit)
			if err != nil {
				return err
			}
			return printMessages(cmd.OutOrStdout(), messages, opts.jsonOut)
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "Number of messages to show")
	return cmd
}

func newEventsCmd(opts *options) *cobra.Command {
	var sessions []string

	cmd := &cobra.Command{
		Use:   "events",
		Short: "Follow the live event stream",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := opts.client().eventsURL(sessions)
			if err != nil {
				return err
			}

			conn, _, err := websocket.DefaultDialer.DialContext(cmd.Context(), target, nil)
			if err != nil {
				return fmt.Errorf("failed to connect to %s: %w", target, err)
			}
			defer conn.Close()

			go func() {
				<-cmd.Context().Done()
				conn.Close()
			}()

			return followEvents(conn, cmd.OutOrStdout(), opts.jsonOut)
		},
	}
	cmd.Flags().StringSliceVar(&sessions, "session", nil, "Only show events of these sessions")
	return cmd
}

// followEvents prints stream messages until the connection closes.
func followEvents(conn *websocket.Conn, out io.Writer, jsonOut bool) error {
	for {
		var msg ws.Message
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				return nil
			}
			return fmt.Errorf("event stream ended: %w", err)
		}

		if msg.Type != ws.MessageTypeEvent || msg.Event == nil {
			continue
		}

		if jsonOut {
			data, err := json.Marshal(msg.Event)
			if err != nil {
				return err
			}
			fmt.Fprintln(out, string(data))
			continue
		}

		ev := msg.Event
		line := fmt.Sprintf("%s  %-12s #%-4d %s", ev.Timestamp.Format(time.RFC3339), ev.SessionID, ev.Seq, ev.Kind)
		if ev.State != "" {
			line += " state=" + string(ev.State)
		}
		if len(ev.Payload) > 0 {
			line += " " + string(ev.Payload)
		}
		fmt.Fprintln(out, line)
	}
}

func printSessions(out io.Writer, sessions []handlers.SessionResponse, jsonOut bool) error {
	if jsonOut {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(sessions)
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATE\tCONTACT\tUPDATED")
	for _, s := range sessions {
		contact := s.ContactID
		if contact == "" {
			contact = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", s.ID, s.State, contact, s.UpdatedAt)
	}
	return w.Flush()
}

func printMessages(out io.Writer, messages []model.ChatMessage, jsonOut bool) error {
	if jsonOut {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(messages)
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tFROM\tBODY")
	for _, m := range messages {
		from := m.From
		if m.FromMe {
			from = "me"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", m.Timestamp.Format(time.RFC3339), from, m.Body)
	}
	return w.Flush()
}
