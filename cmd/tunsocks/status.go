package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/postalsys/tunsocks/internal/health"
)

var errStatusUnavailable = errors.New("tunnel is not running")

type healthzResponse struct {
	Status         string    `json:"status"`
	Running        bool      `json:"running"`
	Uptime         string    `json:"uptime"`
	StartedAt      time.Time `json:"started_at"`
	ActiveSessions int       `json:"active_sessions"`
	MaxSessions    int       `json:"max_sessions"`
	BuffersInUse   int       `json:"buffers_in_use"`
	MTU            int       `json:"mtu"`
	Upstream       string    `json:"upstream"`
}

type sessionsResponse struct {
	Count    int                  `json:"count"`
	Sessions []health.SessionView `json:"sessions"`
}

func statusCmd() *cobra.Command {
	var address string
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show tunnel status",
		Long:  "Query the health server of a running tunnel and list its UDP sessions.",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := &http.Client{Timeout: 5 * time.Second}
			base := "http://" + address
			out := cmd.OutOrStdout()

			if jsonOutput {
				body, err := fetch(client, base+"/sessions")
				if err != nil {
					return err
				}
				_, err = out.Write(body)
				return err
			}

			var hz healthzResponse
			if err := fetchJSON(client, base+"/healthz", &hz); err != nil {
				return err
			}
			if !hz.Running {
				return errStatusUnavailable
			}

			var sessions sessionsResponse
			if err := fetchJSON(client, base+"/sessions", &sessions); err != nil {
				return err
			}

			printStatus(out, isTerminal(out), hz, sessions)
			return nil
		},
	}

	cmd.Flags().StringVarP(&address, "address", "a", "127.0.0.1:9090", "Health server address")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Print the raw session list")

	return cmd
}

func fetch(client *http.Client, url string) ([]byte, error) {
	resp, err := client.Get(url)
	if err != nil {
		return nil, fmt.Errorf("failed to reach health server: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusServiceUnavailable {
		return nil, errStatusUnavailable
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s: unexpected status %s", url, resp.Status)
	}
	return body, nil
}

func fetchJSON(client *http.Client, url string, v interface{}) error {
	body, err := fetch(client, url)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("invalid response from %s: %w", url, err)
	}
	return nil
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

func printStatus(w io.Writer, color bool, hz healthzResponse, sessions sessionsResponse) {
	title := func(s string) string { return s }
	if color {
		style := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("42"))
		title = func(s string) string { return style.Render(s) }
	}

	limit := "unlimited"
	if hz.MaxSessions > 0 {
		limit = humanize.Comma(int64(hz.MaxSessions))
	}

	fmt.Fprintln(w, title("tunsocks "+hz.Status))
	fmt.Fprintf(w, "  Upstream:  %s\n", hz.Upstream)
	fmt.Fprintf(w, "  Started:   %s (up %s)\n", humanize.Time(hz.StartedAt), hz.Uptime)
	fmt.Fprintf(w, "  MTU:       %d\n", hz.MTU)
	fmt.Fprintf(w, "  Sessions:  %d of %s\n", hz.ActiveSessions, limit)
	fmt.Fprintf(w, "  Buffers:   %d in use\n", hz.BuffersInUse)

	if sessions.Count == 0 {
		return
	}

	cell := lipgloss.NewStyle().Padding(0, 1)
	header := cell.Bold(color)
	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers("ID", "DESTINATION", "STATE", "AGE", "SENT", "RECEIVED", "QUEUED", "DROPPED").
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return header
			}
			return cell
		})
	for _, s := range sessions.Sessions {
		t.Row(
			strconv.FormatUint(s.ID, 10), s.LocalAddr, s.State, s.Age,
			s.BytesForwardHuman, s.BytesBackwardHuman,
			strconv.Itoa(s.Queued), strconv.FormatUint(s.Dropped, 10),
		)
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, t.Render())
}
