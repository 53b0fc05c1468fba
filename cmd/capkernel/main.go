package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/Mindburn-Labs/capkernel/pkg/capability"
	"github.com/Mindburn-Labs/capkernel/pkg/config"
)

const version = "0.3.0"

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint for testing
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		printUsage(stderr)
		return 2
	}

	switch args[1] {
	case "demo":
		return runDemoCmd(args[2:], stdout, stderr)
	case "check-config":
		return runCheckConfigCmd(args[2:], stdout, stderr)
	case "grant":
		return runGrantCmd(args[2:], stdout, stderr)
	case "version":
		_, _ = fmt.Fprintf(stdout, "capkernel %s\n", version)
		return 0
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintf(w, "capkernel %s\n\n", version)
	fmt.Fprintln(w, "USAGE:")
	fmt.Fprintln(w, "  capkernel <command> [flags]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "COMMANDS:")
	printCommand(w, "demo", "Run a workload through the gateway and scheduler (--config, --tasks, --evidence, --json)")
	printCommand(w, "check-config", "Validate a configuration file (--config, --profile-dir, --profile)")
	printCommand(w, "grant", "Mint a signed capability grant (--owner, --rights, --ttl)")
	printCommand(w, "version", "Show version information")
	printCommand(w, "help", "Show this help")
}

func printCommand(w io.Writer, name, desc string) {
	fmt.Fprintf(w, "  %-14s %s\n", name, desc)
}

// loadConfig reads path (optional) and overlays the named profile.
func loadConfig(path, profileDir, profile string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if profile == "" {
		return cfg, nil
	}
	if profileDir == "" {
		profileDir = "profiles"
	}
	return config.LoadProfile(cfg, profileDir, profile)
}

// runCheckConfigCmd implements `capkernel check-config`.
//
// Exit codes:
//
//	0 = configuration valid
//	1 = configuration invalid
//	2 = usage error
func runCheckConfigCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("check-config", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		path       string
		profileDir string
		profile    string
		jsonOutput bool
	)
	cmd.StringVar(&path, "config", "", "Path to the YAML configuration (defaults only when empty)")
	cmd.StringVar(&profileDir, "profile-dir", "", "Directory holding profile_<name>.yaml overlays")
	cmd.StringVar(&profile, "profile", "", "Profile to overlay")
	cmd.BoolVar(&jsonOutput, "json", false, "Print the effective configuration as JSON")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	cfg, err := loadConfig(path, profileDir, profile)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	if jsonOutput {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(cfg); err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
		return 0
	}
	_, _ = fmt.Fprintf(stdout, "config OK: version %s, %d cores, limiter %s, weights %+v\n",
		cfg.Version, len(cfg.Scheduler.Cores), limiterName(cfg.Gateway.Limiter.Backend), cfg.Scheduler.Weights)
	return 0
}

func limiterName(backend string) string {
	if backend == "" {
		return config.LimiterNone
	}
	return backend
}

// runGrantCmd implements `capkernel grant`. The signing key comes from --key or
// CAPK_GRANT_KEY.
func runGrantCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("grant", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		owner  string
		rights string
		ttl    time.Duration
		key    string
		domain string
	)
	cmd.StringVar(&owner, "owner", "", "Owner id recorded in the descriptor (REQUIRED)")
	cmd.StringVar(&rights, "rights", "read", "Comma-separated rights: read,write,exec,map,ipc,spawn,realtime,admin")
	cmd.DurationVar(&ttl, "ttl", time.Hour, "Validity window starting now")
	cmd.StringVar(&key, "key", "", "HMAC signing key (defaults to $CAPK_GRANT_KEY)")
	cmd.StringVar(&domain, "domain", "", "Restrict the grant to one domain")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if key == "" {
		key = os.Getenv("CAPK_GRANT_KEY")
	}
	if owner == "" || key == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --owner and a signing key are required")
		return 2
	}

	mask, err := capability.ParseRights(rights)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	now := time.Now().UTC()
	desc := capability.Descriptor{Rights: mask, ValidFrom: now, ValidUntil: now.Add(ttl), OwnerID: owner}
	if domain != "" {
		desc.Bounds = &capability.SpatialBounds{Domains: strings.Split(domain, ",")}
	}
	token := capability.NewToken()
	signed, err := capability.SignGrant([]byte(key), token, desc)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintf(stdout, "token:       %s\n", token)
	_, _ = fmt.Fprintf(stdout, "fingerprint: %s\n", token.Fingerprint())
	_, _ = fmt.Fprintf(stdout, "grant:       %s\n", signed)
	return 0
}
