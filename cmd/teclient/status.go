package main

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/spf13/cobra"

	"github.com/te-platform/teclient/internal/notify"
)

var (
	statusFormat string
	statusFetch  bool
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the session and notification state",
	Long: `Status prints the stored session and dismissal watermark. With --fetch
it loads the account and runs one notification cycle against the backend.

Examples:
  teclient status
  teclient status --fetch --format json
`,
	RunE: runStatus,
}

type StatusReport struct {
	Authenticated  bool            `json:"authenticated"`
	UserID         string          `json:"user_id,omitempty"`
	Email          string          `json:"email,omitempty"`
	Name           string          `json:"name,omitempty"`
	Role           string          `json:"role"`
	SessionExpired bool            `json:"session_expired"`
	LastLogin      string          `json:"last_login,omitempty"`
	Dismissed      int             `json:"dismissed"`
	Watermark      string          `json:"watermark,omitempty"`
	Notifications  []notify.Record `json:"notifications,omitempty"`
}

func init() {
	statusCmd.Flags().StringVar(&statusFormat, "format", "text", "output format (text, json)")
	statusCmd.Flags().BoolVar(&statusFetch, "fetch", false, "fetch notifications once")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, _ []string) error {
	if statusFormat != "text" && statusFormat != "json" {
		return fmt.Errorf("unsupported format %q", statusFormat)
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	eng, err := buildEngine(cfg, log.Default())
	if err != nil {
		return err
	}
	defer eng.Close()

	current := eng.sessions.Current()
	report := StatusReport{
		Authenticated:  current.IsAuthenticated(),
		UserID:         current.UserID,
		Role:           current.Role.String(),
		SessionExpired: eng.sessions.SessionExpired(),
		Dismissed:      len(eng.dismissals.Dismissed()),
	}
	if at, ok := eng.sessions.LastSuccessfulLogin(); ok {
		report.LastLogin = at.UTC().Format(time.RFC3339)
	}
	if wm := eng.dismissals.Watermark(); !wm.IsZero() {
		report.Watermark = wm.UTC().Format(time.RFC3339)
	}
	if statusFetch && report.Authenticated {
		user, err := eng.api.GetUser(cmd.Context(), current.UserID)
		if err != nil {
			return fmt.Errorf("fetch user: %w", err)
		}
		report.Email, report.Name = user.Email, user.FullName
		if err := eng.feed.Refresh(cmd.Context()); err != nil {
			return fmt.Errorf("fetch notifications: %w", err)
		}
		report.Notifications = eng.feed.Feed().Notifications
	}

	out := cmd.OutOrStdout()
	if statusFormat == "json" {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}
	if !report.Authenticated {
		fmt.Fprintln(out, "not signed in")
		if report.SessionExpired {
			fmt.Fprintln(out, "previous session expired")
		}
		return nil
	}
	fmt.Fprintf(out, "signed in as %s (%s)\n", report.UserID, report.Role)
	if report.Email != "" {
		fmt.Fprintf(out, "account: %s <%s>\n", report.Name, report.Email)
	}
	if report.LastLogin != "" {
		fmt.Fprintf(out, "last login: %s\n", report.LastLogin)
	}
	fmt.Fprintf(out, "dismissed notifications: %d\n", report.Dismissed)
	if report.Watermark != "" {
		fmt.Fprintf(out, "all read up to: %s\n", report.Watermark)
	}
	if statusFetch {
		fmt.Fprintf(out, "unread: %d\n", len(report.Notifications))
		for _, record := range report.Notifications {
			fmt.Fprintf(out, "  %s  %s: %s\n", record.Timestamp.Format("2006-01-02"), record.Title, record.Message)
		}
	}
	return nil
}
