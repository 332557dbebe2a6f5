package main

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/te-platform/teclient/internal/session"
	"github.com/te-platform/teclient/internal/transport"
	"github.com/te-platform/teclient/internal/upstream"
)

var (
	loginUsername      string
	loginPassword      string
	loginLeadToken     string
	loginReferrerToken string
)

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Exchange credentials for a session",
	Long: `Login signs in with a username and password, a lead login token
(--username with --lead-token) or a referrer token (--referrer-token).
The password may also come from TECLIENT_PASSWORD.`,
	RunE: runLogin,
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Clear the stored session",
	RunE:  runLogout,
}

func init() {
	loginCmd.Flags().StringVar(&loginUsername, "username", "", "account username or email")
	loginCmd.Flags().StringVar(&loginPassword, "password", "", "account password")
	loginCmd.Flags().StringVar(&loginLeadToken, "lead-token", "", "lead login token")
	loginCmd.Flags().StringVar(&loginReferrerToken, "referrer-token", "", "referrer login token")
	rootCmd.AddCommand(loginCmd, logoutCmd)
}

func runLogin(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	eng, err := buildEngine(cfg, log.Default())
	if err != nil {
		return err
	}
	defer eng.Close()

	// Credential exchange happens on the login page, so a 401 here is a
	// rejected login rather than an expired session.
	eng.location.Set(transport.LoginPath)
	ctx := cmd.Context()
	var result upstream.LoginResult
	switch {
	case strings.TrimSpace(loginReferrerToken) != "":
		result, err = eng.api.ReferrerLogin(ctx, loginReferrerToken)
	case strings.TrimSpace(loginLeadToken) != "":
		if strings.TrimSpace(loginUsername) == "" {
			return errors.New("--username is required with --lead-token")
		}
		result, err = eng.api.LeadLogin(ctx, loginUsername, loginLeadToken)
	default:
		password := loginPassword
		if password == "" {
			password = os.Getenv("TECLIENT_PASSWORD")
		}
		if strings.TrimSpace(loginUsername) == "" || password == "" {
			return errors.New("--username and --password are required")
		}
		result, err = eng.api.Login(ctx, loginUsername, password)
	}
	if errors.Is(err, transport.ErrAuthExpired) {
		return errors.New("login rejected: invalid credentials")
	}
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}
	role := session.ParseRole(strconv.Itoa(result.Role))
	if err := eng.sessions.Login(result.AccessToken, result.Sub, role); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "logged in as %s (%s)\n", result.Sub, role)
	return nil
}

func runLogout(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	eng, err := buildEngine(cfg, log.Default())
	if err != nil {
		return err
	}
	defer eng.Close()
	if err := eng.sessions.Logout(); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "logged out")
	return nil
}
