package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
)

// logEnvelope mirrors the management API's /ws/logs frames.
type logEnvelope struct {
	Type  string    `json:"type"`
	Lines []logLine `json:"lines,omitempty"`
	Line  *logLine  `json:"line,omitempty"`
}

type logLine struct {
	Time   time.Time `json:"time"`
	Stream string    `json:"stream"`
	Text   string    `json:"text"`
}

func newLogsCmd(flags *globalFlags) *cobra.Command {
	var (
		apiURL string
		follow bool
		tail   int
		level  string
	)
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Show inference process logs",
		RunE: func(cmd *cobra.Command, args []string) error {
			base := apiURL
			if base == "" {
				base = defaultAPIURL
			}
			wsURL := strings.Replace(base, "http", "ws", 1) + "/ws/logs"

			conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
			if err != nil {
				return withCode(exitNetwork, fmt.Errorf("agent not reachable at %s: %w", base, err))
			}
			defer conn.Close()

			interrupt := make(chan os.Signal, 1)
			signal.Notify(interrupt, os.Interrupt)

			levelNeedle := strings.ToLower(level)
			print := func(l logLine) {
				// The child's log format is not ours to parse; level
				// filtering is a case-insensitive token match.
				if levelNeedle != "" && !strings.Contains(strings.ToLower(l.Text), levelNeedle) {
					return
				}
				if flags.jsonOut {
					payload, _ := json.Marshal(l)
					fmt.Fprintln(cmd.OutOrStdout(), string(payload))
					return
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s [%s] %s\n",
					l.Time.Local().Format("15:04:05"), l.Stream, l.Text)
			}

			frames := make(chan logEnvelope)
			readErr := make(chan error, 1)
			go func() {
				for {
					var env logEnvelope
					if err := conn.ReadJSON(&env); err != nil {
						readErr <- err
						return
					}
					frames <- env
				}
			}()

			for {
				select {
				case env := <-frames:
					switch env.Type {
					case "history":
						lines := env.Lines
						if tail > 0 && len(lines) > tail {
							lines = lines[len(lines)-tail:]
						}
						for _, l := range lines {
							print(l)
						}
						if !follow {
							return nil
						}
					case "log":
						if env.Line != nil {
							print(*env.Line)
						}
					}
				case err := <-readErr:
					if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
						return nil
					}
					return err
				case <-interrupt:
					_ = conn.WriteMessage(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
					return nil
				}
			}
		},
	}
	cmd.Flags().StringVar(&apiURL, "api", defaultAPIURL, "management API base URL")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "keep streaming new lines")
	cmd.Flags().IntVar(&tail, "tail", 0, "limit history to the last N lines")
	cmd.Flags().StringVar(&level, "level", "", "only show lines containing this level token")
	return cmd
}
