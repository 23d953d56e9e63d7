package main

import (
	"context"
	"flag"
	"fmt"
)

func runAccountCommand(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: camflow account <profile|subscription|security> [flags]")
	}
	switch args[0] {
	case "profile":
		return runAccountProfile(args[1:])
	case "subscription":
		return runAccountSubscription(args[1:])
	case "security":
		return runAccountSecurity(args[1:])
	default:
		return fmt.Errorf("unknown account subcommand: %s", args[0])
	}
}

func runAccountProfile(args []string) error {
	fs := flag.NewFlagSet("account profile", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}

	deps, err := initDependenciesFn()
	if err != nil {
		return err
	}
	defer deps.Close()

	profile, err := deps.api.Profile(context.Background())
	if err != nil {
		return err
	}
	fmt.Printf("Business: %s (%s)\n", profile.BusinessName, profile.BusinessType)
	fmt.Printf("Email:    %s\n", profile.Email)
	if profile.Phone != "" {
		fmt.Printf("Phone:    %s\n", profile.Phone)
	}
	if profile.Timezone != "" {
		fmt.Printf("Timezone: %s\n", profile.Timezone)
	}
	if !profile.Onboarded {
		fmt.Println("Onboarding is not complete.")
	}
	return nil
}

func runAccountSubscription(args []string) error {
	fs := flag.NewFlagSet("account subscription", flag.ContinueOnError)
	extend := fs.Bool("extend-trial", false, "request a one-time trial extension")
	if err := fs.Parse(args); err != nil {
		return err
	}

	deps, err := initDependenciesFn()
	if err != nil {
		return err
	}
	defer deps.Close()
	ctx := context.Background()

	if *extend {
		status, err := deps.api.ExtendTrial(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("Trial extended until %s\n", status.TrialEndsAt)
		return nil
	}

	status, err := deps.api.SubscriptionStatus(ctx)
	if err != nil {
		return err
	}
	usage, err := deps.api.SubscriptionUsage(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Plan:   %s (%s)\n", status.Plan, status.Status)
	if status.TrialEndsAt != "" {
		fmt.Printf("Trial:  ends %s\n", status.TrialEndsAt)
	}
	fmt.Printf("Usage:  %d/%d bookings, %d/%d customers\n",
		usage.Bookings, usage.BookingsLimit, usage.Customers, usage.CustomerLimit)
	return nil
}

func runAccountSecurity(args []string) error {
	fs := flag.NewFlagSet("account security", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}

	deps, err := initDependenciesFn()
	if err != nil {
		return err
	}
	defer deps.Close()
	ctx := context.Background()

	report, err := deps.api.SecurityReport(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Last sign-in:        %s\n", report.LastSignInAt)
	fmt.Printf("Failed attempts:     %d\n", report.FailedAttempts)
	fmt.Printf("Suspicious activity: %d\n", report.SuspiciousCount)

	sessions, err := deps.api.SecuritySessions(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Active sessions (%d):\n", len(sessions))
	for _, s := range sessions {
		marker := " "
		if s.Current {
			marker = "*"
		}
		fmt.Printf("  %s %s  %s  %s\n", marker, s.ID, s.IP, s.UserAgent)
	}
	return nil
}
