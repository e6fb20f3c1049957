package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/meshworks/fleet-tls/internal/auth"
	"github.com/meshworks/fleet-tls/internal/clock"
	"github.com/meshworks/fleet-tls/internal/fleet"
	"github.com/meshworks/fleet-tls/internal/jobstore"
	"github.com/meshworks/fleet-tls/internal/membership"
	"github.com/meshworks/fleet-tls/internal/pki"
	"github.com/meshworks/fleet-tls/internal/remoteexec"
	"github.com/meshworks/fleet-tls/internal/secretstore"
)

var AppVersion string

const (
	exitSuccess        = 0
	exitPartialFailure = 1
	exitConfigError    = 2
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("provision-tls", flag.ExitOnError)
	group := fs.String("group", "", "Node group to provision (required)")
	maxConcurrency := fs.Int("max-concurrency", 0, "Maximum nodes provisioned in parallel")
	maxRetries := fs.Int("max-retries", -1, "Transient-failure retry budget per node")
	perNodeTimeout := fs.Duration("per-node-timeout", 0, "Timeout for each blocking per-node operation")
	reportPath := fs.String("report-path", "", "Where to write the job report")
	renewBefore := fs.Duration("renew-before", 0, "Renew certificates expiring within this window")
	dryRun := fs.Bool("dry-run", false, "Resolve membership and print the plan without provisioning")
	if err := fs.Parse(args); err != nil {
		return exitConfigError
	}

	if err := InitConfig(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitConfigError
	}

	slog.Info("Fleet TLS provisioner", "version", AppVersion)

	if *group == "" {
		slog.Error("Missing required flag --group")
		return exitConfigError
	}
	if *maxConcurrency <= 0 {
		*maxConcurrency = config.Fleet.MaxConcurrency
	}
	if *maxRetries < 0 {
		*maxRetries = config.Fleet.MaxRetries
	}
	if *perNodeTimeout <= 0 {
		parsed, err := time.ParseDuration(config.Fleet.PerNodeTimeout)
		if err != nil {
			slog.Error("Invalid fleet.per_node_timeout", "value", config.Fleet.PerNodeTimeout, "error", err)
			return exitConfigError
		}
		*perNodeTimeout = parsed
	}
	if *reportPath == "" {
		*reportPath = config.Fleet.ReportPath
	}
	if *renewBefore <= 0 {
		*renewBefore = time.Duration(config.Fleet.RenewBeforeHours) * time.Hour
	}
	if config.Membership.Url == "" || config.CA.Url == "" {
		slog.Error("membership.url and ca.url must be configured")
		return exitConfigError
	}
	switch config.Secrets.Backend {
	case "", "http", "file":
	default:
		slog.Error("Unknown secrets.backend", "backend", config.Secrets.Backend)
		return exitConfigError
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// An unreachable CA is an environment error: fail before any node
	// is scheduled instead of burning every node's retry budget.
	if !*dryRun {
		if err := probeAuthority(ctx, config.CA.Url); err != nil {
			slog.Error("Certificate authority unreachable", "url", config.CA.Url, "error", err)
			return exitConfigError
		}
	}

	resolver := membership.NewHTTPResolver(config.Membership.Url)
	members, err := resolver.Resolve(ctx, *group)
	if err != nil {
		slog.Error("Failed to resolve node group", "group", *group, "error", err)
		return exitConfigError
	}
	slog.Info("Resolved node group", "group", *group, "members", len(members))

	nodes := make([]*fleet.ClusterNode, len(members))
	for i, m := range members {
		nodes[i] = &fleet.ClusterNode{ID: m.ID, Address: m.Address, DNSName: m.DNSName}
	}

	job := fleet.NewJob(*group, nodes, *maxConcurrency, *maxRetries, *perNodeTimeout)

	prior, err := fleet.LoadReport(*reportPath)
	if err != nil {
		slog.Error("Failed to load prior job report", "path", *reportPath, "error", err)
		return exitConfigError
	}
	if skipped := fleet.ApplyPriorRun(job, prior, *renewBefore, time.Now()); skipped > 0 {
		slog.Info("Skipping nodes with fresh certificates", "skipped", skipped)
	}

	if *dryRun {
		printPlan(job)
		return exitSuccess
	}

	token, err := auth.GenerateToken(config.Auth.Secret, "provision-tls", "provisioner",
		time.Duration(config.Auth.TokenTTLMinutes)*time.Minute)
	if err != nil {
		slog.Error("Failed to mint API token", "error", err)
		return exitConfigError
	}

	executor, err := buildExecutor(token)
	if err != nil {
		slog.Error("Failed to set up command channel", "transport", config.Channel.Transport, "error", err)
		return exitConfigError
	}

	provisioner := &fleet.Provisioner{
		CA:          pki.NewHTTPClient(config.CA.Url, token, clock.Real()),
		Executor:    executor,
		Clock:       clock.Real(),
		KeyBits:     config.CA.KeyBits,
		Validity:    time.Duration(config.CA.ValidityHours) * time.Hour,
		MaterialDir: config.Fleet.MaterialDir,
		Service:     config.Fleet.Service,
	}

	orchestrator := &fleet.Orchestrator{Provisioner: provisioner}
	status := orchestrator.Run(ctx, job)

	report := fleet.BuildReport(job)
	if err := fleet.WriteReport(*reportPath, report); err != nil {
		slog.Error("Failed to write job report", "path", *reportPath, "error", err)
	} else {
		slog.Info("Job report written", "path", *reportPath)
	}

	publishTrustBundle(ctx, *group, provisioner.TrustBundle())
	archiveReport(ctx, report)

	if status != fleet.JobSucceeded {
		for _, n := range job.FailedNodes() {
			slog.Warn("Node did not succeed", "node_id", n.ID, "state", n.State, "attempts", n.AttemptCount, "last_error", n.LastError)
		}
		return exitPartialFailure
	}
	return exitSuccess
}

func buildExecutor(token string) (remoteexec.Executor, error) {
	switch config.Channel.Transport {
	case "", "http":
		if config.Channel.Url == "" {
			return nil, fmt.Errorf("channel.url is required for the http transport")
		}
		return remoteexec.NewHTTPExecutor(config.Channel.Url, token, clock.Real()), nil
	case "ssh":
		return remoteexec.NewSSHExecutor(remoteexec.SSHConfig{
			User:           config.Channel.SSH.User,
			Port:           config.Channel.SSH.Port,
			KeyFile:        config.Channel.SSH.KeyFile,
			KnownHostsFile: config.Channel.SSH.KnownHostsFile,
			HelperPath:     config.Channel.SSH.HelperPath,
		}, clock.Real())
	default:
		return nil, fmt.Errorf("unknown channel transport %q", config.Channel.Transport)
	}
}

func probeAuthority(ctx context.Context, baseURL string) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health endpoint returned HTTP %d", resp.StatusCode)
	}
	return nil
}

func printPlan(job *fleet.Job) {
	fmt.Printf("Fleet run %s (group %s)\n", job.FleetRunID, job.Group)
	for _, n := range job.Nodes() {
		if n.State == fleet.StateSucceeded {
			fmt.Printf("  %-20s %-15s skip (certificate valid until %s)\n", n.ID, n.Address, n.NotAfter.Format(time.RFC3339))
			continue
		}
		fmt.Printf("  %-20s %-15s generate key, issue certificate, install, restart, verify\n", n.ID, n.Address)
	}
}

func publishTrustBundle(ctx context.Context, group string, bundle []byte) {
	if len(bundle) == 0 {
		return
	}

	var store secretstore.Store
	switch config.Secrets.Backend {
	case "":
		// Publication disabled.
		return
	case "http":
		store = secretstore.NewHTTPStore(config.Secrets.Url)
	case "file":
		fileStore, err := secretstore.NewFileStore(config.Secrets.Dir)
		if err != nil {
			slog.Error("Failed to open secret store", "dir", config.Secrets.Dir, "error", err)
			return
		}
		store = fileStore
	default:
		slog.Error("Unknown secret store backend, trust bundle not published", "backend", config.Secrets.Backend)
		return
	}

	name := "fleet/" + group + "/ca-bundle"
	version, err := store.Put(ctx, name, string(bundle), "SecureString")
	if err != nil {
		slog.Error("Failed to publish trust bundle", "name", name, "error", err)
		return
	}
	slog.Info("Trust bundle published", "name", name, "version", version)
}

func archiveReport(ctx context.Context, report *fleet.Report) {
	if config.Database.Url == "" {
		return
	}

	if err := jobstore.RunMigrations(ctx, config.Database.Url, config.Database.Schema); err != nil {
		slog.Error("Failed to migrate job-report archive", "error", err)
		return
	}

	pool, err := jobstore.InitPool(ctx, config.Database.Url, config.Database.Schema)
	if err != nil {
		slog.Error("Failed to connect to job-report archive", "error", err)
		return
	}
	defer pool.Close()

	if err := jobstore.NewStore(pool).Archive(ctx, report); err != nil {
		slog.Error("Failed to archive job report", "error", err)
	}
}
