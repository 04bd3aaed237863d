package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/Sarbajit-2004/llm-code-deploy/archive"
	"github.com/Sarbajit-2004/llm-code-deploy/config"
	"github.com/Sarbajit-2004/llm-code-deploy/digest"
	"github.com/Sarbajit-2004/llm-code-deploy/internal/fsutil"
	"github.com/Sarbajit-2004/llm-code-deploy/issuer"
	"github.com/Sarbajit-2004/llm-code-deploy/keys"
	"github.com/Sarbajit-2004/llm-code-deploy/receiver"
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
	case "serve":
		return cmdServe(args[1:], out, errOut)
	case "issue":
		return cmdIssue(args[1:], out, errOut)
	case "close":
		return cmdClose(args[1:], out, errOut)
	case "rounds":
		return cmdRounds(args[1:], out, errOut)
	case "key":
		return cmdKey(args[1:], out, errOut)
	case "archive":
		return cmdArchive(args[1:], out, errOut)
	case "config":
		_, _ = io.WriteString(out, config.DefaultYAML)
		return 0
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
	fmt.Fprintln(w, "sre-server: issue signed request envelopes and receive result notifications")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage:")
	fmt.Fprintln(w, "  sre-server serve [--config <file>] [--listen <host:port>] [--max-rounds <n>] [signer flags]")
	fmt.Fprintln(w, "  sre-server issue --subject <s> --task <t> [--brief <text>] [--check <c> ...] [--attach name=url ...] [--ext key=value ...] [--evaluation-url <url>] [--follow-up] [--out <file>] [signer flags]")
	fmt.Fprintln(w, "  sre-server close --subject <s> --task <t> [signer flags]")
	fmt.Fprintln(w, "  sre-server rounds [--config <file>]")
	fmt.Fprintln(w, "  sre-server key init --name <name> [--seed-hex <64hex>] [--force] [--key-dir <dir>]")
	fmt.Fprintln(w, "  sre-server key derive --from <name> --role <role> [--force] [--key-dir <dir>]")
	fmt.Fprintln(w, "  sre-server key list [--key-dir <dir>]")
	fmt.Fprintln(w, "  sre-server key export --name <name> [--role <role>] [--pem] [--key-dir <dir>]")
	fmt.Fprintln(w, "  sre-server archive get [--config <file>] [--body] <cid>")
	fmt.Fprintln(w, "  sre-server config")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Signer flags:")
	fmt.Fprintln(w, "  --config <file> --key-dir <dir> --key-name <name> [--key-role <role>] | --key-file <path> | --seed-hex <64hex>")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Notes:")
	fmt.Fprintln(w, "  - keys are stored under ~/.sre/keys/<name> unless --key-dir or server.key_dir is set")
	fmt.Fprintln(w, "  - issue writes the wire envelope to stdout (or --out) with no trailing newline")
	fmt.Fprintln(w, "  - key export --pem prints the public key the agent verifies with (SRE_PUBLIC_KEY_PATH)")
	fmt.Fprintln(w, "  - config prints a starting configuration file")
}

type stringList []string

func (s *stringList) String() string { return strings.Join(*s, ",") }
func (s *stringList) Set(v string) error {
	*s = append(*s, v)
	return nil
}

func parseKV(items []string) (map[string]string, error) {
	if len(items) == 0 {
		return nil, nil
	}
	kv := make(map[string]string, len(items))
	for _, it := range items {
		k, v, ok := strings.Cut(it, "=")
		if !ok {
			return nil, fmt.Errorf("expected key=value, got %q", it)
		}
		k = strings.TrimSpace(k)
		if k == "" {
			return nil, errors.New("empty key")
		}
		if _, exists := kv[k]; exists {
			return nil, fmt.Errorf("duplicate key %q", k)
		}
		kv[k] = v
	}
	return kv, nil
}

// signerFlags select the configuration file and the issuing key.
type signerFlags struct {
	config  string
	keyDir  string
	name    string
	role    string
	keyFile string
	seedHex string
}

func (sf *signerFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&sf.config, "config", "", "Configuration file (YAML)")
	fs.StringVar(&sf.keyDir, "key-dir", "", "Key store directory (overrides server.key_dir)")
	fs.StringVar(&sf.name, "key-name", "", "Stored key name (overrides server.key_name)")
	fs.StringVar(&sf.role, "key-role", "", "Derived role key (overrides server.key_role)")
	fs.StringVar(&sf.keyFile, "key-file", "", "Path to a seed file")
	fs.StringVar(&sf.seedHex, "seed-hex", "", "ed25519 seed as 64 hex chars")
}

// service is an issuer wired to the configured state directory.
type service struct {
	cfg          config.Config
	issuer       *issuer.Issuer
	archive      archive.Archive
	closeArchive func() error
}

func (s *service) Close() error { return s.closeArchive() }

func openService(cfg config.Config, sf signerFlags, logger *log.Logger) (*service, error) {
	dir := sf.keyDir
	if dir == "" {
		dir = cfg.Server.KeyDir
	}
	ks, err := keys.OpenKeyStore(dir)
	if err != nil {
		return nil, fmt.Errorf("keys: %w", err)
	}
	name, role := sf.name, sf.role
	if name == "" {
		name = cfg.Server.KeyName
	}
	if role == "" {
		role = cfg.Server.KeyRole
	}
	signer, err := ks.LoadSigner(sf.seedHex, name, role, sf.keyFile)
	if err != nil {
		return nil, fmt.Errorf("load signer: %w", err)
	}
	store, err := roundstore.OpenFileStore(cfg.IssuerRoundStoreDir())
	if err != nil {
		return nil, err
	}
	machine, err := rounds.New(store, signer.PublicKey(),
		rounds.WithClockSkew(cfg.ClockSkew),
		rounds.WithLogger(logger),
	)
	if err != nil {
		return nil, err
	}
	arc, closeArchive, err := cfg.Archive.Open(cfg.StateDir)
	if err != nil {
		return nil, err
	}
	iss, err := issuer.New(signer, machine,
		issuer.WithTTL(cfg.Server.EnvelopeTTL),
		issuer.WithArchive(arc),
		issuer.WithLogger(logger),
	)
	if err != nil {
		_ = closeArchive()
		return nil, err
	}
	return &service{cfg: cfg, issuer: iss, archive: arc, closeArchive: closeArchive}, nil
}

func newLogger(errOut io.Writer) *log.Logger {
	return log.New(errOut, "sre-server: ", log.LstdFlags|log.LUTC)
}

func cmdServe(args []string, out io.Writer, errOut io.Writer) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(errOut)

	var sf signerFlags
	var listen string
	var maxRounds uint64
	sf.register(fs)
	fs.StringVar(&listen, "listen", "", "Listen address (overrides server.listen)")
	fs.Uint64Var(&maxRounds, "max-rounds", 1, "Request follow-up rounds until this round reports")

	if err := fs.Parse(args); err != nil {
		return 2
	}
	if maxRounds == 0 {
		fmt.Fprintln(errOut, "--max-rounds must be >= 1")
		return 2
	}
	cfg, err := config.Load(sf.config)
	if err != nil {
		fmt.Fprintf(errOut, "serve: %v\n", err)
		return 1
	}
	if listen != "" {
		cfg.Server.Listen = listen
		if err := cfg.Validate(); err != nil {
			fmt.Fprintf(errOut, "invalid --listen: %v\n", err)
			return 2
		}
	}

	logger := newLogger(errOut)
	svc, err := openService(cfg, sf, logger)
	if err != nil {
		fmt.Fprintf(errOut, "serve: %v\n", err)
		return 1
	}
	defer svc.Close()

	var acks receiver.AckStore = receiver.NewMemoryAckStore()
	if svc.archive != nil {
		store, err := receiver.OpenArchiveAckStore(svc.archive, svc.cfg.AckIndexPath())
		if err != nil {
			fmt.Fprintf(errOut, "serve: %v\n", err)
			return 1
		}
		acks = store
	} else {
		logger.Printf("no archive configured; acknowledgments are kept in memory only")
	}

	rcv, err := receiver.New(svc.issuer, receiver.RoundLimit(maxRounds, nil),
		receiver.WithAckStore(acks),
		receiver.WithArchive(svc.archive),
		receiver.WithLogger(logger),
		receiver.WithParseMode(svc.cfg.Mode()),
		receiver.WithEvaluationURL(svc.cfg.Server.EvaluationURL),
	)
	if err != nil {
		fmt.Fprintf(errOut, "serve: %v\n", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := receiver.NewServer(svc.cfg.ServerSettings(), rcv)
	if err := srv.Start(ctx); err != nil {
		fmt.Fprintf(errOut, "serve: %v\n", err)
		return 1
	}
	fmt.Fprintf(out, "sre-server listening on %s (issuer %s)\n", srv.BaseURL(), svc.issuer.PublicKey())
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		fmt.Fprintf(errOut, "shutdown: %v\n", err)
		return 1
	}
	return 0
}

func cmdIssue(args []string, out io.Writer, errOut io.Writer) int {
	fs := flag.NewFlagSet("issue", flag.ContinueOnError)
	fs.SetOutput(errOut)

	var sf signerFlags
	var subject string
	var task string
	var brief string
	var evalURL string
	var outPath string
	var followUp bool
	var checks stringList
	var attach stringList
	var exts stringList

	sf.register(fs)
	fs.StringVar(&subject, "subject", "", "Subject the envelope is addressed to")
	fs.StringVar(&task, "task", "", "Task identifier")
	fs.StringVar(&brief, "brief", "", "Task description")
	fs.StringVar(&evalURL, "evaluation-url", "", "Notification endpoint (defaults to server.evaluation_url)")
	fs.StringVar(&outPath, "out", "", "Write the envelope to this file instead of stdout")
	fs.BoolVar(&followUp, "follow-up", false, "Issue the next round of an awaiting task")
	fs.Var(&checks, "check", "Check name (repeatable)")
	fs.Var(&attach, "attach", "Attachment as name=url (repeatable)")
	fs.Var(&exts, "ext", "Extension as key=value (repeatable)")

	if err := fs.Parse(args); err != nil {
		return 2
	}
	if subject == "" || task == "" {
		fmt.Fprintln(errOut, "missing --subject or --task")
		return 2
	}
	extensions, err := parseKV(exts)
	if err != nil {
		fmt.Fprintf(errOut, "invalid --ext: %v\n", err)
		return 2
	}
	var attachments []sre.Attachment
	for _, a := range attach {
		name, u, ok := strings.Cut(a, "=")
		if !ok || strings.TrimSpace(name) == "" {
			fmt.Fprintf(errOut, "invalid --attach: expected name=url, got %q\n", a)
			return 2
		}
		attachments = append(attachments, sre.Attachment{Name: strings.TrimSpace(name), URL: u})
	}

	cfg, err := config.Load(sf.config)
	if err != nil {
		fmt.Fprintf(errOut, "issue: %v\n", err)
		return 1
	}
	svc, err := openService(cfg, sf, newLogger(errOut))
	if err != nil {
		fmt.Fprintf(errOut, "issue: %v\n", err)
		return 1
	}
	defer svc.Close()

	if evalURL == "" {
		evalURL = svc.cfg.Server.EvaluationURL
	}
	p := issuer.Payload{
		Brief:         brief,
		Checks:        checks,
		EvaluationURL: evalURL,
		Attachments:   attachments,
		Extensions:    extensions,
	}
	ctx := context.Background()
	var issued issuer.Issued
	if followUp {
		issued, err = svc.issuer.IssueFollowUp(ctx, subject, task, p)
	} else {
		issued, err = svc.issuer.Issue(ctx, subject, task, p)
	}
	if err != nil {
		fmt.Fprintf(errOut, "issue: %s: %v\n", sre.CodeOf(err), err)
		return 1
	}
	if outPath != "" {
		if err := fsutil.WriteFileAtomic(outPath, issued.Wire, 0o644); err != nil {
			fmt.Fprintf(errOut, "write envelope: %v\n", err)
			return 1
		}
		fmt.Fprintf(errOut, "round %d for subject=%s task=%s written to %s\n", issued.Envelope.Round, subject, task, outPath)
		if issued.ArchiveID != "" {
			fmt.Fprintf(errOut, "archived as %s\n", issued.ArchiveID)
		}
		return 0
	}
	_, _ = out.Write(issued.Wire)
	return 0
}

func cmdClose(args []string, out io.Writer, errOut io.Writer) int {
	fs := flag.NewFlagSet("close", flag.ContinueOnError)
	fs.SetOutput(errOut)

	var sf signerFlags
	var subject string
	var task string
	sf.register(fs)
	fs.StringVar(&subject, "subject", "", "Subject")
	fs.StringVar(&task, "task", "", "Task identifier")

	if err := fs.Parse(args); err != nil {
		return 2
	}
	if subject == "" || task == "" {
		fmt.Fprintln(errOut, "missing --subject or --task")
		return 2
	}
	cfg, err := config.Load(sf.config)
	if err != nil {
		fmt.Fprintf(errOut, "close: %v\n", err)
		return 1
	}
	svc, err := openService(cfg, sf, newLogger(errOut))
	if err != nil {
		fmt.Fprintf(errOut, "close: %v\n", err)
		return 1
	}
	defer svc.Close()
	if err := svc.issuer.Close(context.Background(), subject, task); err != nil {
		fmt.Fprintf(errOut, "close: %s: %v\n", sre.CodeOf(err), err)
		return 1
	}
	fmt.Fprintf(out, "closed subject=%s task=%s\n", subject, task)
	return 0
}

func cmdRounds(args []string, out io.Writer, errOut io.Writer) int {
	fs := flag.NewFlagSet("rounds", flag.ContinueOnError)
	fs.SetOutput(errOut)
	var configPath string
	fs.StringVar(&configPath, "config", "", "Configuration file (YAML)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(errOut, "rounds: %v\n", err)
		return 1
	}
	store, err := roundstore.OpenFileStore(cfg.IssuerRoundStoreDir())
	if err != nil {
		fmt.Fprintf(errOut, "rounds: %v\n", err)
		return 1
	}
	recs, err := store.List(context.Background())
	if err != nil {
		fmt.Fprintf(errOut, "rounds: %v\n", err)
		return 1
	}
	for _, r := range recs {
		fmt.Fprintf(out, "%s\t%s\t%d\t%s\n", r.Subject, r.Task, r.CurrentRound, r.Status)
	}
	return 0
}

func cmdArchive(args []string, out io.Writer, errOut io.Writer) int {
	if len(args) == 0 || args[0] != "get" {
		fmt.Fprintln(errOut, "usage: sre-server archive get [--config <file>] [--body] <cid>")
		return 2
	}
	fs := flag.NewFlagSet("archive get", flag.ContinueOnError)
	fs.SetOutput(errOut)
	var configPath string
	var bodyOnly bool
	fs.StringVar(&configPath, "config", "", "Configuration file (YAML)")
	fs.BoolVar(&bodyOnly, "body", false, "Print only the archived document")
	if err := fs.Parse(args[1:]); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(errOut, "usage: sre-server archive get [--config <file>] [--body] <cid>")
		return 2
	}
	id, err := digest.Parse(fs.Arg(0))
	if err != nil {
		fmt.Fprintf(errOut, "invalid cid: %v\n", err)
		return 2
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(errOut, "archive: %v\n", err)
		return 1
	}
	arc, closeArchive, err := cfg.Archive.Open(cfg.StateDir)
	if err != nil {
		fmt.Fprintf(errOut, "archive: %v\n", err)
		return 1
	}
	defer closeArchive()
	if arc == nil {
		fmt.Fprintln(errOut, "archive: no backends configured")
		return 1
	}
	rec, err := archive.GetRecord(context.Background(), arc, id)
	if err != nil {
		fmt.Fprintf(errOut, "archive: %v\n", err)
		return 1
	}
	if !bodyOnly {
		fmt.Fprintf(out, "kind: %s\nsubject: %s\ntask: %s\nround: %d\n", rec.Kind, rec.Subject, rec.Task, rec.Round)
		if rec.Key != "" {
			fmt.Fprintf(out, "key: %s\n", rec.Key)
		}
		fmt.Fprintf(out, "created_at: %s\n", rec.CreatedAt.Format(time.RFC3339))
	}
	_, _ = out.Write(rec.Body)
	fmt.Fprintln(out)
	return 0
}

func cmdKey(args []string, out io.Writer, errOut io.Writer) int {
	if len(args) == 0 {
		printKeyUsage(errOut)
		return 2
	}
	switch args[0] {
	case "init":
		return cmdKeyInit(args[1:], out, errOut)
	case "derive":
		return cmdKeyDerive(args[1:], out, errOut)
	case "list":
		return cmdKeyList(args[1:], out, errOut)
	case "export":
		return cmdKeyExport(args[1:], out, errOut)
	case "help", "-h", "--help":
		printKeyUsage(out)
		return 0
	default:
		fmt.Fprintf(errOut, "unknown key subcommand: %s\n\n", args[0])
		printKeyUsage(errOut)
		return 2
	}
}

func printKeyUsage(w io.Writer) {
	fmt.Fprintln(w, "sre-server key: local issuer key management")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage:")
	fmt.Fprintln(w, "  sre-server key init --name <name> [--seed-hex <64hex>] [--force] [--key-dir <dir>]")
	fmt.Fprintln(w, "  sre-server key derive --from <name> --role <role> [--force] [--key-dir <dir>]")
	fmt.Fprintln(w, "  sre-server key list [--key-dir <dir>]")
	fmt.Fprintln(w, "  sre-server key export --name <name> [--role <role>] [--pem] [--key-dir <dir>]")
}

func cmdKeyInit(args []string, out io.Writer, errOut io.Writer) int {
	fs := flag.NewFlagSet("key init", flag.ContinueOnError)
	fs.SetOutput(errOut)

	var dir string
	var name string
	var seedHex string
	var force bool

	fs.StringVar(&dir, "key-dir", "", "Key store directory (default ~/.sre/keys)")
	fs.StringVar(&name, "name", "", "Key name (directory under the key store)")
	fs.StringVar(&seedHex, "seed-hex", "", "Optional ed25519 seed as 64 hex chars (for reproducible demos)")
	fs.BoolVar(&force, "force", false, "Overwrite existing key files")

	if err := fs.Parse(args); err != nil {
		return 2
	}
	if name == "" {
		fmt.Fprintln(errOut, "missing --name")
		return 2
	}
	if err := keys.CheckKeyName(name); err != nil {
		fmt.Fprintf(errOut, "invalid --name: %v\n", err)
		return 2
	}

	var seed []byte
	if seedHex != "" {
		var derr error
		seed, derr = keys.ParseSeedHex(seedHex)
		if derr != nil {
			fmt.Fprintf(errOut, "invalid --seed-hex: %v\n", derr)
			return 2
		}
	} else {
		seed = make([]byte, ed25519.SeedSize)
		if _, err := rand.Read(seed); err != nil {
			fmt.Fprintf(errOut, "rand: %v\n", err)
			return 1
		}
	}

	ks, err := keys.OpenKeyStore(dir)
	if err != nil {
		fmt.Fprintf(errOut, "keys: %v\n", err)
		return 1
	}
	pub, rootPath, err := ks.InitRoot(name, seed, force)
	if err != nil {
		fmt.Fprintf(errOut, "write key: %v\n", err)
		return 1
	}
	fmt.Fprintf(out, "Created root key: %s\n", pub)
	fmt.Fprintf(out, "Stored at: %s\n", rootPath)
	return 0
}

func cmdKeyDerive(args []string, out io.Writer, errOut io.Writer) int {
	fs := flag.NewFlagSet("key derive", flag.ContinueOnError)
	fs.SetOutput(errOut)

	var dir string
	var from string
	var role string
	var force bool

	fs.StringVar(&dir, "key-dir", "", "Key store directory (default ~/.sre/keys)")
	fs.StringVar(&from, "from", "", "Root key name")
	fs.StringVar(&role, "role", "", "Role identifier (e.g. issuer, staging)")
	fs.BoolVar(&force, "force", false, "Overwrite existing key files")

	if err := fs.Parse(args); err != nil {
		return 2
	}
	if from == "" {
		fmt.Fprintln(errOut, "missing --from")
		return 2
	}
	if role == "" {
		fmt.Fprintln(errOut, "missing --role")
		return 2
	}
	if err := keys.CheckKeyName(from); err != nil {
		fmt.Fprintf(errOut, "invalid --from: %v\n", err)
		return 2
	}
	if err := keys.CheckRole(role); err != nil {
		fmt.Fprintf(errOut, "invalid --role: %v\n", err)
		return 2
	}
	ks, err := keys.OpenKeyStore(dir)
	if err != nil {
		fmt.Fprintf(errOut, "keys: %v\n", err)
		return 1
	}
	pub, rolePath, err := ks.DeriveRole(from, role, force)
	if err != nil {
		fmt.Fprintf(errOut, "derive role key: %v\n", err)
		return 1
	}
	fmt.Fprintf(out, "Created role key: %s\n", pub)
	fmt.Fprintf(out, "Stored at: %s\n", rolePath)
	return 0
}

func cmdKeyExport(args []string, out io.Writer, errOut io.Writer) int {
	fs := flag.NewFlagSet("key export", flag.ContinueOnError)
	fs.SetOutput(errOut)

	var dir string
	var name string
	var role string
	var asPEM bool

	fs.StringVar(&dir, "key-dir", "", "Key store directory (default ~/.sre/keys)")
	fs.StringVar(&name, "name", "", "Key name")
	fs.StringVar(&role, "role", "", "Optional role (if set, exports derived role key)")
	fs.BoolVar(&asPEM, "pem", false, "Print a PEM public key file instead of alg:base64")

	if err := fs.Parse(args); err != nil {
		return 2
	}
	if name == "" {
		fmt.Fprintln(errOut, "missing --name")
		return 2
	}
	if err := keys.CheckKeyName(name); err != nil {
		fmt.Fprintf(errOut, "invalid --name: %v\n", err)
		return 2
	}
	if role != "" {
		if err := keys.CheckRole(role); err != nil {
			fmt.Fprintf(errOut, "invalid --role: %v\n", err)
			return 2
		}
	}
	ks, err := keys.OpenKeyStore(dir)
	if err != nil {
		fmt.Fprintf(errOut, "keys: %v\n", err)
		return 1
	}
	pub, err := ks.Export(name, role)
	if err != nil {
		fmt.Fprintf(errOut, "export key: %v\n", err)
		return 1
	}
	if asPEM {
		b, err := keys.MarshalPublicKeyPEM(pub)
		if err != nil {
			fmt.Fprintf(errOut, "encode key: %v\n", err)
			return 1
		}
		_, _ = out.Write(b)
		return 0
	}
	_, _ = fmt.Fprintln(out, pub)
	return 0
}

func cmdKeyList(args []string, out io.Writer, errOut io.Writer) int {
	fs := flag.NewFlagSet("key list", flag.ContinueOnError)
	fs.SetOutput(errOut)
	var dir string
	fs.StringVar(&dir, "key-dir", "", "Key store directory (default ~/.sre/keys)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	ks, err := keys.OpenKeyStore(dir)
	if err != nil {
		fmt.Fprintf(errOut, "keys: %v\n", err)
		return 1
	}
	entries, err := ks.List()
	if err != nil {
		fmt.Fprintf(errOut, "list keys: %v\n", err)
		return 1
	}
	for _, e := range entries {
		fmt.Fprintf(out, "%s\n", e.Name)
		for _, r := range e.Roles {
			fmt.Fprintf(out, "  - %s\n", r)
		}
	}
	return 0
}
