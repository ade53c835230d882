package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/term"

	apiclient "github.com/SAI09992/scrs/pkg/api/client"
	"github.com/SAI09992/scrs/pkg/config"
	"github.com/SAI09992/scrs/pkg/devicesession"
)

var buildVersion = "dev"

var errNotLoggedIn = errors.New("not logged in; run 'scrs login'")

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}
	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "login":
		err = commandLogin(args)
	case "logout":
		err = commandLogout(args)
	case "whoami":
		err = commandWhoami(args)
	case "team":
		err = commandTeam(args)
	case "problems":
		err = commandProblems(args)
	case "claim":
		err = commandClaim(args)
	case "watch":
		err = commandWatch(args)
	case "admin":
		err = commandAdmin(args)
	case "version", "--version", "-v":
		printVersion()
		return
	case "help", "-h", "--help":
		printUsage()
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// env bundles what every participant command needs.
type env struct {
	cfg    config.ClientConfig
	client *apiclient.Client
	keeper *devicesession.Keeper
}

// remote adapts the API client to the device session lifecycle.
type remote struct {
	client *apiclient.Client
}

func (r remote) Login(ctx context.Context, code, deviceID string) (devicesession.Session, error) {
	resp, err := r.client.Login(ctx, code, deviceID)
	if err != nil {
		return devicesession.Session{}, err
	}
	return devicesession.Session{
		Token:     resp.Token,
		TeamID:    resp.Session.TeamID,
		TeamName:  resp.Session.TeamName,
		TeamCode:  resp.Session.TeamCode,
		DeviceID:  resp.Session.DeviceID,
		ExpiresAt: resp.Session.ExpiresAt,
	}, nil
}

func (r remote) Logout(ctx context.Context, token string) error {
	return r.client.Logout(ctx, token)
}

func loadEnv(apiOverride string) (*env, error) {
	cfg, err := config.LoadClientConfig()
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(apiOverride) != "" {
		cfg.APIBase = apiOverride
	}
	client, err := apiclient.New(cfg.APIBase)
	if err != nil {
		return nil, err
	}
	store, err := devicesession.Open(cfg.StateDir, cfg.StateKey)
	if err != nil {
		return nil, err
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	keeper := devicesession.NewKeeper(store, remote{client: client}, log, cfg.InactivityTimeout)
	return &env{cfg: cfg, client: client, keeper: keeper}, nil
}

// session restores the local session or fails with errNotLoggedIn.
func (e *env) session(ctx context.Context) (*devicesession.Session, error) {
	sess, ok := e.keeper.Restore(ctx)
	if !ok {
		return nil, errNotLoggedIn
	}
	return sess, nil
}

// after records a user command as activity on success and drops the local
// session once the server reports it revoked.
func (e *env) after(ctx context.Context, sess *devicesession.Session, err error) error {
	if err == nil {
		_ = e.keeper.Touch()
		if _, err := e.client.Heartbeat(ctx, sess.Token); err != nil {
			return e.after(ctx, sess, err)
		}
		return nil
	}
	var apiErr apiclient.APIError
	if errors.As(err, &apiErr) && apiErr.Status == http.StatusUnauthorized {
		_ = e.keeper.Logout(ctx)
		return fmt.Errorf("session ended by server (%s); log in again", apiErr.Message)
	}
	return err
}

func commandLogin(args []string) error {
	fs := flag.NewFlagSet("login", flag.ExitOnError)
	code := fs.String("code", "", "Team access code (supply to avoid prompt)")
	apiBase := fs.String("api", "", "API base URL (default from SCRS_API)")
	fs.Parse(args)

	e, err := loadEnv(*apiBase)
	if err != nil {
		return err
	}
	secret := strings.TrimSpace(*code)
	if secret == "" {
		fmt.Print("Team code: ")
		bytes, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Print("\n")
		if err != nil {
			return fmt.Errorf("read team code: %w", err)
		}
		secret = strings.TrimSpace(string(bytes))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if existing, ok := e.keeper.Restore(ctx); ok {
		return fmt.Errorf("already logged in as %s (%s); run 'scrs logout' first", existing.TeamName, existing.TeamCode)
	}
	sess, err := e.keeper.Login(ctx, secret)
	if err != nil {
		if apiclient.IsCode(err, "device_limit") {
			return errors.New("this team already has the maximum number of devices logged in; log out from another device")
		}
		return err
	}
	fmt.Printf("logged in as %s (%s) on device %s\n", sess.TeamName, sess.TeamCode, sess.DeviceID)
	return nil
}

func commandLogout(args []string) error {
	fs := flag.NewFlagSet("logout", flag.ExitOnError)
	fs.Parse(args)
	e, err := loadEnv("")
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := e.keeper.Logout(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "warning: server logout failed: %v\n", err)
	}
	fmt.Println("logged out")
	return nil
}

func commandWhoami(args []string) error {
	fs := flag.NewFlagSet("whoami", flag.ExitOnError)
	verify := fs.Bool("verify", false, "Confirm the session with the server")
	fs.Parse(args)
	e, err := loadEnv("")
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	sess, err := e.session(ctx)
	if err != nil {
		return err
	}
	if *verify {
		_, err := e.client.Session(ctx, sess.Token)
		if err := e.after(ctx, sess, err); err != nil {
			return err
		}
	}
	fmt.Printf("team=%s code=%s device=%s expires=%s\n", sess.TeamName, sess.TeamCode, sess.DeviceID, sess.ExpiresAt.Format(time.RFC3339))
	return nil
}

func commandProblems(args []string) error {
	fs := flag.NewFlagSet("problems", flag.ExitOnError)
	fs.Parse(args)
	e, err := loadEnv("")
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	sess, err := e.session(ctx)
	if err != nil {
		return err
	}
	resp, err := e.client.Availability(ctx, sess.Token)
	if err := e.after(ctx, sess, err); err != nil {
		return err
	}
	state := "closed"
	if resp.Window.IsOpen {
		state = "open"
	}
	fmt.Printf("claiming window: %s\n", state)
	for _, a := range resp.Availability {
		fmt.Printf("%s\t%s\t%d/%d left\n", a.ProblemID, a.Title, a.Remaining, a.Capacity)
	}
	if mine, err := e.client.MyClaim(ctx, sess.Token); err == nil {
		fmt.Printf("your claim: %s\n", mine.ProblemID)
	}
	return nil
}

func commandClaim(args []string) error {
	fs := flag.NewFlagSet("claim", flag.ExitOnError)
	problemID := fs.String("problem", "", "Problem identifier")
	fs.Parse(args)
	if strings.TrimSpace(*problemID) == "" {
		return errors.New("--problem is required")
	}
	e, err := loadEnv("")
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	sess, err := e.session(ctx)
	if err != nil {
		return err
	}
	claim, err := e.client.Claim(ctx, sess.Token, *problemID)
	switch {
	case apiclient.IsCode(err, "full"):
		return errors.New("problem is full")
	case apiclient.IsCode(err, "already_claimed"):
		return errors.New("your team already holds a claim")
	case apiclient.IsCode(err, "window_closed"):
		return errors.New("claiming is closed")
	}
	if err := e.after(ctx, sess, err); err != nil {
		return err
	}
	fmt.Printf("claimed %s\n", claim.ProblemID)
	return nil
}

func commandTeam(args []string) error {
	fs := flag.NewFlagSet("team", flag.ExitOnError)
	fs.Parse(args)
	e, err := loadEnv("")
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	sess, err := e.session(ctx)
	if err != nil {
		return err
	}
	t, err := e.client.Team(ctx, sess.Token)
	if err := e.after(ctx, sess, err); err != nil {
		return err
	}
	fmt.Printf("%s (%s), %d device(s) signed in\n", t.Name, t.Code, t.Devices)
	for i, m := range t.Members {
		marks := make([]string, 0, len(m.Attendance))
		for round, present := range m.Attendance {
			mark := "-"
			if present {
				mark = "x"
			}
			marks = append(marks, fmt.Sprintf("R%d:%s", round+1, mark))
		}
		fmt.Printf("%d\t%s\t%s\t%s\n", i, m.Name, m.RegNo, strings.Join(marks, " "))
	}
	return nil
}

// commandWatch streams events and logs the device out after the inactivity
// timeout or a server-side revocation. Only input on stdin counts as activity;
// heartbeats are sent only for intervals that saw input.
func commandWatch(args []string) error {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	heartbeat := fs.Duration("heartbeat", time.Minute, "Heartbeat interval")
	fs.Parse(args)
	e, err := loadEnv("")
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	sess, err := e.session(ctx)
	if err != nil {
		return err
	}

	watchCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	events, err := e.client.Subscribe(watchCtx, sess.Token)
	if err := e.after(ctx, sess, err); err != nil {
		return err
	}

	act := e.keeper.Monitor()
	defer act.Stop()
	input := readLines(os.Stdin)

	ticker := time.NewTicker(*heartbeat)
	defer ticker.Stop()
	fmt.Printf("watching events for %s; press Enter to stay signed in, Ctrl+C to stop\n", sess.TeamName)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-act.Expired():
			_ = e.keeper.Logout(context.Background())
			return errors.New("logged out after inactivity")
		case _, ok := <-input:
			if !ok {
				input = nil
				continue
			}
			act.Input()
		case <-ticker.C:
			if !act.HeartbeatDue() {
				continue
			}
			if _, err := e.client.Heartbeat(ctx, sess.Token); err != nil {
				return e.after(ctx, sess, err)
			}
		case ev, ok := <-events:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return errors.New("event stream closed")
			}
			fmt.Printf("%s\t%s\n", ev.At.Format(time.RFC3339), ev.Type)
			if ev.Type == apiclient.EventSessionRevoked {
				_ = e.keeper.Logout(context.Background())
				return errors.New("session revoked by an administrator")
			}
		}
	}
}

// readLines delivers one value per line read from r and closes at EOF.
func readLines(r io.Reader) <-chan struct{} {
	out := make(chan struct{})
	go func() {
		defer close(out)
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			out <- struct{}{}
		}
	}()
	return out
}

func printUsage() {
	fmt.Printf("scrs CLI %s\n\n", buildVersion)
	fmt.Print(`Usage:
	scrs login [--code CODE] [--api http://localhost:4000]
	scrs logout
	scrs whoami [--verify]
	scrs team
	scrs problems
	scrs claim --problem <problem-id>
	scrs watch [--heartbeat 1m]
	scrs admin <command> (set SCRS_ADMIN_TOKEN; run 'scrs admin' for commands)
	scrs version
`)
}

func printVersion() {
	fmt.Println(strings.TrimSpace(buildVersion))
}
