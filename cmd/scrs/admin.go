package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	apiclient "github.com/SAI09992/scrs/pkg/api/client"
	"github.com/SAI09992/scrs/pkg/config"
)

const adminUsage = `usage: scrs admin <command>
	teams
	create-team --name NAME [--code CODE]
	team-active --team ID --active=true|false
	attendance --team ID --member N --round 1..3 [--present=false]
	force-clear --team ID
	delete-team --team ID [--policy cascade|orphan]
	dedupe
	problems
	problem --id ID --title TITLE [--capacity N] [--hidden]
	claims
	lock --claim ID
	delete-claim --claim ID
	purge-orphans
	window open|close
	reset [--include-locked]`

func commandAdmin(args []string) error {
	if len(args) == 0 {
		return errors.New(adminUsage)
	}
	cfg, err := config.LoadClientConfig()
	if err != nil {
		return err
	}
	token := strings.TrimSpace(cfg.AdminToken)
	if token == "" {
		return errors.New("SCRS_ADMIN_TOKEN is required for admin commands")
	}
	client, err := apiclient.New(cfg.APIBase)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	sub, rest := args[0], args[1:]
	fs := flag.NewFlagSet("admin "+sub, flag.ExitOnError)
	teamID := fs.String("team", "", "Team identifier")
	claimID := fs.String("claim", "", "Claim identifier")

	switch sub {
	case "teams":
		fs.Parse(rest)
		teams, err := client.ListTeams(ctx, token)
		if err != nil {
			return err
		}
		for _, t := range teams {
			fmt.Printf("%s\t%s\t%s\tactive=%t\tdevices=%d\n", t.ID, t.Code, t.Name, t.Active, len(t.ActiveDevices))
		}
		return nil
	case "create-team":
		name := fs.String("name", "", "Team name")
		code := fs.String("code", "", "Access code (generated when empty)")
		fs.Parse(rest)
		t, err := client.CreateTeam(ctx, token, apiclient.CreateTeamInput{Name: *name, Code: *code})
		if err != nil {
			return err
		}
		fmt.Printf("team created: %s code=%s\n", t.ID, t.Code)
		return nil
	case "team-active":
		active := fs.Bool("active", true, "Whether the team may log in")
		fs.Parse(rest)
		if err := requireFlag("--team", *teamID); err != nil {
			return err
		}
		t, err := client.SetTeamActive(ctx, token, *teamID, *active)
		if err != nil {
			return err
		}
		fmt.Printf("team %s active=%t\n", t.ID, t.Active)
		return nil
	case "attendance":
		member := fs.Int("member", 0, "Member index")
		round := fs.Int("round", 1, "Round (1-3)")
		present := fs.Bool("present", true, "Attendance flag")
		fs.Parse(rest)
		if err := requireFlag("--team", *teamID); err != nil {
			return err
		}
		if _, err := client.MarkAttendance(ctx, token, *teamID, *member, *round, *present); err != nil {
			return err
		}
		fmt.Println("attendance updated")
		return nil
	case "force-clear":
		fs.Parse(rest)
		if err := requireFlag("--team", *teamID); err != nil {
			return err
		}
		n, err := client.ForceClear(ctx, token, *teamID)
		if err != nil {
			return err
		}
		fmt.Printf("cleared %d device(s)\n", n)
		return nil
	case "delete-team":
		policy := fs.String("policy", "", "Claim handling: cascade or orphan (server default when empty)")
		fs.Parse(rest)
		if err := requireFlag("--team", *teamID); err != nil {
			return err
		}
		if err := client.DeleteTeam(ctx, token, *teamID, *policy); err != nil {
			return err
		}
		fmt.Println("team deleted")
		return nil
	case "dedupe":
		fs.Parse(rest)
		removed, err := client.DedupeTeams(ctx, token)
		if err != nil {
			return err
		}
		fmt.Printf("removed %d duplicate team(s)\n", len(removed))
		return nil
	case "problems":
		fs.Parse(rest)
		problems, err := client.ListAllProblems(ctx, token)
		if err != nil {
			return err
		}
		for _, p := range problems {
			fmt.Printf("%s\t%s\t%d/%d\tvisible=%t\n", p.ID, p.Title, p.Claimed, p.Capacity, p.Visible)
		}
		return nil
	case "problem":
		id := fs.String("id", "", "Problem identifier")
		title := fs.String("title", "", "Problem title")
		capacity := fs.Int("capacity", 0, "Maximum teams (0 uses the default of 999)")
		hidden := fs.Bool("hidden", false, "Hide from participants")
		fs.Parse(rest)
		if err := requireFlag("--id", *id); err != nil {
			return err
		}
		p, err := client.UpsertProblem(ctx, token, apiclient.Problem{ID: *id, Title: *title, Capacity: *capacity, Visible: !*hidden})
		if err != nil {
			return err
		}
		fmt.Printf("problem %s saved capacity=%d\n", p.ID, p.Capacity)
		return nil
	case "claims":
		fs.Parse(rest)
		claims, err := client.ListClaims(ctx, token)
		if err != nil {
			return err
		}
		for _, c := range claims {
			fmt.Printf("%s\t%s\tlocked=%t\t%s\n", c.TeamID, c.ProblemID, c.LockedAt != nil, c.CreatedAt.Format(time.RFC3339))
		}
		return nil
	case "lock":
		fs.Parse(rest)
		if err := requireFlag("--claim", *claimID); err != nil {
			return err
		}
		c, err := client.ToggleLock(ctx, token, *claimID)
		if err != nil {
			return err
		}
		fmt.Printf("claim %s locked=%t\n", c.ID, c.LockedAt != nil)
		return nil
	case "delete-claim":
		fs.Parse(rest)
		if err := requireFlag("--claim", *claimID); err != nil {
			return err
		}
		if err := client.DeleteClaim(ctx, token, *claimID); err != nil {
			return err
		}
		fmt.Println("claim deleted")
		return nil
	case "purge-orphans":
		fs.Parse(rest)
		purged, err := client.PurgeOrphanClaims(ctx, token)
		if err != nil {
			return err
		}
		fmt.Printf("purged %d orphaned claim(s)\n", len(purged))
		return nil
	case "window":
		if len(rest) != 1 || (rest[0] != "open" && rest[0] != "close") {
			return errors.New("usage: scrs admin window open|close")
		}
		w, err := client.SetWindow(ctx, token, rest[0] == "open")
		if err != nil {
			return err
		}
		fmt.Printf("claiming window open=%t (version %d)\n", w.IsOpen, w.Version)
		return nil
	case "reset":
		includeLocked := fs.Bool("include-locked", false, "Also delete locked claims")
		fs.Parse(rest)
		report, err := client.Reset(ctx, token, *includeLocked)
		if err != nil {
			return err
		}
		fmt.Printf("claims removed=%d kept=%d devices cleared=%d\n", report.ClaimsRemoved, report.ClaimsKept, report.DevicesCleared)
		return nil
	default:
		fmt.Fprintln(os.Stderr, adminUsage)
		return fmt.Errorf("unknown admin command: %s", sub)
	}
}

func requireFlag(name, value string) error {
	if strings.TrimSpace(value) == "" {
		return fmt.Errorf("%s is required", name)
	}
	return nil
}
