package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/Sarbajit-2004/llm-code-deploy/agent"
	"github.com/Sarbajit-2004/llm-code-deploy/config"
	"github.com/Sarbajit-2004/llm-code-deploy/delivery"
	"github.com/Sarbajit-2004/llm-code-deploy/digest"
	"github.com/Sarbajit-2004/llm-code-deploy/keys"
	"github.com/Sarbajit-2004/llm-code-deploy/roundstore"
	"github.com/Sarbajit-2004/llm-code-deploy/rounds"
	"github.com/Sarbajit-2004/llm-code-deploy/sre"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, out io.Writer, errOut io.Writer) int {
	if len(args) == 0 {
		printUsage(errOut)
		return 2
	}

	switch args[0] {
	case "accept":
		return cmdAccept(args[1:], out, errOut)
	case "digest":
		return cmdDigest(args[1:], out, errOut)
	case "notify":
		return cmdNotify(args[1:], out, errOut)
	case "resume":
		return cmdResume(args[1:], out, errOut)
	case "pending":
		return cmdPending(args[1:], out, errOut)
	case "help", "-h", "--help":
		printUsage(out)
		return 0
	default:
		fmt.Fprintf(errOut, "unknown command: %s\n\n", args[0])
		printUsage(errOut)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "sre-agent: accept signed request envelopes and report results")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage:")
	fmt.Fprintln(w, "  sre-agent accept [--config <file>] [--public-key <pem>] <envelope.json>")
	fmt.Fprintln(w, "  sre-agent digest <file>")
	fmt.Fprintln(w, "  sre-agent notify [--config <file>] [--public-key <pem>] [--sre <envelope.json>] (--result <file> | --digest <cid> | --sha <sha>) [--pages-url <url>] [--evidence key=value ...] [--endpoint <url>] [--final]")
	fmt.Fprintln(w, "  sre-agent resume [--config <file>] [--public-key <pem>]")
	fmt.Fprintln(w, "  sre-agent pending [--config <file>]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Notes:")
	fmt.Fprintln(w, "  - the issuer public key is read from --public-key, then SRE_PUBLIC_KEY_PATH, then public_key_path")
	fmt.Fprintln(w, "  - accept stores the envelope as <state_dir>/accepted_sre.json; notify reads it by default")
	fmt.Fprintln(w, "  - notify retries transient failures; an interrupted delivery stays pending for resume")
	fmt.Fprintln(w, "  - digest prints the content identifier used as result_digest")
}

type stringList []string

func (s *stringList) String() string { return strings.Join(*s, ",") }
func (s *stringList) Set(v string) error {
	*s = append(*s, v)
	return nil
}

func newLogger(errOut io.Writer) *log.Logger {
	return log.New(errOut, "sre-agent: ", log.LstdFlags|log.LUTC)
}

// session is an agent wired to the configured state directory.
type session struct {
	cfg          config.Config
	agent        *agent.Agent
	client       *delivery.Client
	closeArchive func() error
}

func (s *session) Close() error { return s.closeArchive() }

func openSession(configPath, publicKeyPath string, logger *log.Logger) (*session, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if publicKeyPath == "" {
		publicKeyPath = cfg.PublicKeyPath
	}
	if publicKeyPath == "" {
		return nil, fmt.Errorf("no issuer public key: set --public-key, %s or public_key_path", config.EnvPublicKeyPath)
	}
	pub, err := keys.LoadPublicKeyFile(publicKeyPath)
	if err != nil {
		return nil, fmt.Errorf("load public key: %w", err)
	}
	store, err := roundstore.OpenFileStore(cfg.RoundStoreDir())
	if err != nil {
		return nil, err
	}
	machine, err := rounds.New(store, pub,
		rounds.WithClockSkew(cfg.ClockSkew),
		rounds.WithLogger(logger),
	)
	if err != nil {
		return nil, err
	}
	ledger, err := delivery.OpenFileLedger(cfg.LedgerDir())
	if err != nil {
		return nil, err
	}
	arc, closeArchive, err := cfg.Archive.Open(cfg.StateDir)
	if err != nil {
		return nil, err
	}
	client, err := delivery.NewClient(
		delivery.WithPolicy(cfg.Delivery.Policy),
		delivery.WithLedger(ledger),
		delivery.WithArchive(arc),
		delivery.WithLogger(logger),
	)
	if err != nil {
		_ = closeArchive()
		return nil, err
	}
	ag, err := agent.New(machine, client,
		agent.WithStateDir(cfg.StateDir),
		agent.WithArchive(arc),
		agent.WithParseMode(cfg.Mode()),
		agent.WithLogger(logger),
	)
	if err != nil {
		_ = closeArchive()
		return nil, err
	}
	return &session{cfg: cfg, agent: ag, client: client, closeArchive: closeArchive}, nil
}

func cmdAccept(args []string, out io.Writer, errOut io.Writer) int {
	fs := flag.NewFlagSet("accept", flag.ContinueOnError)
	fs.SetOutput(errOut)

	var configPath string
	var publicKeyPath string
	fs.StringVar(&configPath, "config", "", "Configuration file (YAML)")
	fs.StringVar(&publicKeyPath, "public-key", "", "Issuer public key (PEM)")

	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(errOut, "usage: sre-agent accept [--config <file>] [--public-key <pem>] <envelope.json>")
		return 2
	}
	raw, err := os.ReadFile(fs.Arg(0))
	if err != nil {
		fmt.Fprintf(errOut, "read envelope: %v\n", err)
		return 1
	}
	rt, err := openSession(configPath, publicKeyPath, newLogger(errOut))
	if err != nil {
		fmt.Fprintf(errOut, "accept: %v\n", err)
		return 1
	}
	defer rt.Close()

	task, err := rt.agent.AcceptEnvelope(context.Background(), raw)
	if err != nil {
		fmt.Fprintf(errOut, "SRE verification failed: %s: %v\n", task.Code, err)
		if sre.IsKind(err, sre.KindMalformed) {
			for _, v := range sre.Violations(raw, sre.ParseOptions{Mode: rt.cfg.Mode()}) {
				fmt.Fprintf(errOut, "  - %s: %v\n", sre.RuleIDOf(v), v)
			}
		}
		return 1
	}
	env := task.Envelope
	fmt.Fprintf(out, "%s subject=%s task=%s round=%d\n", task.Code, env.Subject, env.Task, env.Round)
	if env.Brief != "" {
		fmt.Fprintf(out, "brief: %s\n", env.Brief)
	}
	for _, c := range env.Checks {
		fmt.Fprintf(out, "check: %s\n", c)
	}
	for _, a := range env.Attachments {
		fmt.Fprintf(out, "attachment: %s %s\n", a.Name, a.URL)
	}
	return 0
}

func cmdDigest(args []string, out io.Writer, errOut io.Writer) int {
	fs := flag.NewFlagSet("digest", flag.ContinueOnError)
	fs.SetOutput(errOut)
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(errOut, "usage: sre-agent digest <file>")
		return 2
	}
	d, err := digest.File(fs.Arg(0))
	if err != nil {
		fmt.Fprintf(errOut, "digest: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintln(out, d)
	return 0
}

func cmdNotify(args []string, out io.Writer, errOut io.Writer) int {
	fs := flag.NewFlagSet("notify", flag.ContinueOnError)
	fs.SetOutput(errOut)

	var configPath string
	var publicKeyPath string
	var envelopePath string
	var resultPath string
	var resultDigest string
	var sha string
	var pagesURL string
	var endpoint string
	var final bool
	var evidenceKV stringList

	fs.StringVar(&configPath, "config", "", "Configuration file (YAML)")
	fs.StringVar(&publicKeyPath, "public-key", "", "Issuer public key (PEM)")
	fs.StringVar(&envelopePath, "sre", "", "Accepted envelope (default <state_dir>/accepted_sre.json)")
	fs.StringVar(&resultPath, "result", "", "Result artifact to digest")
	fs.StringVar(&resultDigest, "digest", "", "Precomputed result digest (CID)")
	fs.StringVar(&sha, "sha", "", "Commit SHA of the result")
	fs.StringVar(&pagesURL, "pages-url", "", "Deployed URL of the result")
	fs.StringVar(&endpoint, "endpoint", "", "Notification endpoint (overrides agent.endpoint and the envelope)")
	fs.BoolVar(&final, "final", false, "Mark this result as the last for the task")
	fs.Var(&evidenceKV, "evidence", "Evidence as key=value (repeatable)")

	if err := fs.Parse(args); err != nil {
		return 2
	}
	if resultPath == "" && resultDigest == "" && sha == "" {
		fmt.Fprintln(errOut, "missing --result, --digest or --sha")
		return 2
	}
	evidence := make(map[string]string)
	for _, it := range evidenceKV {
		k, v, ok := strings.Cut(it, "=")
		if !ok || strings.TrimSpace(k) == "" {
			fmt.Fprintf(errOut, "invalid --evidence: expected key=value, got %q\n", it)
			return 2
		}
		evidence[strings.TrimSpace(k)] = v
	}
	if sha != "" {
		evidence["sha"] = sha
	}
	if pagesURL != "" {
		evidence["pages_url"] = pagesURL
	}

	switch {
	case resultDigest != "" && resultPath != "":
		data, err := os.ReadFile(resultPath)
		if err != nil {
			fmt.Fprintf(errOut, "digest: %v\n", err)
			return 1
		}
		if !digest.Matches(data, resultDigest) {
			fmt.Fprintf(errOut, "--digest %s does not match --result %s\n", resultDigest, resultPath)
			return 2
		}
	case resultDigest != "":
	case resultPath != "":
		d, err := digest.File(resultPath)
		if err != nil {
			fmt.Fprintf(errOut, "digest: %v\n", err)
			return 1
		}
		resultDigest = d
	default:
		resultDigest = digest.Of([]byte(sha))
	}

	logger := newLogger(errOut)
	rt, err := openSession(configPath, publicKeyPath, logger)
	if err != nil {
		fmt.Fprintf(errOut, "notify: %v\n", err)
		return 1
	}
	defer rt.Close()

	if envelopePath == "" {
		envelopePath = filepath.Join(rt.cfg.StateDir, agent.AcceptedFile)
	}
	raw, err := os.ReadFile(envelopePath)
	if err != nil {
		fmt.Fprintf(errOut, "read envelope: %v\n", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	task, err := rt.agent.Task(ctx, raw)
	if err != nil {
		fmt.Fprintf(errOut, "notify: %s: %v\n", task.Code, err)
		return 1
	}
	if endpoint == "" {
		endpoint = rt.cfg.Agent.Endpoint
	}
	if endpoint == "" {
		endpoint = task.Envelope.EvaluationURL
	}
	if endpoint == "" {
		fmt.Fprintln(errOut, "no endpoint: set --endpoint, agent.endpoint or the envelope's evaluation_url")
		return 2
	}

	n, err := rt.agent.BuildNotification(task, resultDigest, evidence, final)
	if err != nil {
		fmt.Fprintf(errOut, "notify: %v\n", err)
		return 1
	}
	sent, err := rt.agent.SendNotification(ctx, n, endpoint)
	if err != nil {
		if errors.Is(err, context.Canceled) && sent.Result.Outcome == delivery.Pending {
			fmt.Fprintf(errOut, "interrupted after %d attempt(s); run `sre-agent resume` to continue\n", sent.Result.Attempts)
			return 1
		}
		fmt.Fprintf(errOut, "notify: %s: %v\n", sre.CodeOf(err), err)
		return 1
	}
	printSent(out, n, sent.Result.Ack, sent.FollowUp, sent.Closed)
	return 0
}

func printSent(out io.Writer, n *sre.Notification, ack *sre.Ack, follow *agent.AcceptedTask, closed bool) {
	code := sre.Accepted
	if ack != nil {
		code = ack.Code
	}
	fmt.Fprintf(out, "%s subject=%s task=%s round=%d key=%s\n", code, n.Subject, n.Task, n.Round, n.IdempotencyKey)
	switch {
	case closed:
		fmt.Fprintln(out, "task closed")
	case follow != nil:
		fmt.Fprintf(out, "next round %d accepted\n", follow.Envelope.Round)
		if follow.Envelope.Brief != "" {
			fmt.Fprintf(out, "brief: %s\n", follow.Envelope.Brief)
		}
	}
}

func cmdResume(args []string, out io.Writer, errOut io.Writer) int {
	fs := flag.NewFlagSet("resume", flag.ContinueOnError)
	fs.SetOutput(errOut)

	var configPath string
	var publicKeyPath string
	fs.StringVar(&configPath, "config", "", "Configuration file (YAML)")
	fs.StringVar(&publicKeyPath, "public-key", "", "Issuer public key (PEM)")

	if err := fs.Parse(args); err != nil {
		return 2
	}
	rt, err := openSession(configPath, publicKeyPath, newLogger(errOut))
	if err != nil {
		fmt.Fprintf(errOut, "resume: %v\n", err)
		return 1
	}
	defer rt.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pending, err := rt.client.Ledger().List(ctx)
	if err != nil {
		fmt.Fprintf(errOut, "resume: %v\n", err)
		return 1
	}
	reports := make(chan delivery.Report, len(pending)+1)
	d := delivery.NewDispatcher(rt.client, rt.cfg.Delivery.Workers, func(r delivery.Report) {
		reports <- r
	})
	d.Start(ctx)
	defer d.Stop()

	scheduled, err := d.Resume(ctx)
	if err != nil {
		fmt.Fprintf(errOut, "resume: %v\n", err)
		return 1
	}
	if scheduled == 0 {
		fmt.Fprintln(out, "no pending deliveries")
		return 0
	}

	failed := 0
	for i := 0; i < scheduled; i++ {
		select {
		case <-ctx.Done():
			fmt.Fprintf(errOut, "interrupted; %d delivery(s) remain pending\n", scheduled-i)
			return 1
		case r := <-reports:
			if r.Err != nil {
				failed++
				fmt.Fprintf(errOut, "%s: %s: %v\n", r.Key, sre.CodeOf(r.Err), r.Err)
				continue
			}
			follow, closed, err := rt.agent.HandleAck(ctx, r.Result.Ack)
			if err != nil {
				failed++
				fmt.Fprintf(errOut, "%s: apply ack: %v\n", r.Key, err)
				continue
			}
			n := r.Notification
			printSent(out, &n, r.Result.Ack, follow, closed)
		}
	}
	if failed > 0 {
		return 1
	}
	return 0
}

func cmdPending(args []string, out io.Writer, errOut io.Writer) int {
	fs := flag.NewFlagSet("pending", flag.ContinueOnError)
	fs.SetOutput(errOut)
	var configPath string
	fs.StringVar(&configPath, "config", "", "Configuration file (YAML)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(errOut, "pending: %v\n", err)
		return 1
	}
	ledger, err := delivery.OpenFileLedger(cfg.LedgerDir())
	if err != nil {
		fmt.Fprintf(errOut, "pending: %v\n", err)
		return 1
	}
	attempts, err := ledger.List(context.Background())
	if err != nil {
		fmt.Fprintf(errOut, "pending: %v\n", err)
		return 1
	}
	for _, a := range attempts {
		fmt.Fprintf(out, "%s\t%s\t%d\t%s\t%s\n", a.Key, a.Endpoint, a.AttemptCount, a.NextRetryAt.UTC().Format(time.RFC3339), a.LastError)
	}
	return 0
}
