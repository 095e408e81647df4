package main

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"runtime"

	"github.com/Mindburn-Labs/slrpd/pkg/api"
	"github.com/Mindburn-Labs/slrpd/pkg/config"
	"github.com/Mindburn-Labs/slrpd/pkg/contracts"
	"github.com/Mindburn-Labs/slrpd/pkg/ledger"
	"github.com/Mindburn-Labs/slrpd/pkg/retrieval"
)

//go:embed defaults
var defaults embed.FS

// loadConfig parses the shared --config flag and loads the configuration.
func loadConfig(name string, args []string, stderr io.Writer) (*config.Config, []string, int) {
	fset := flag.NewFlagSet(name, flag.ContinueOnError)
	fset.SetOutput(stderr)
	cfgFile := fset.String("config", "", "configuration file")
	if err := fset.Parse(args); err != nil {
		return nil, nil, 2
	}
	cfg, err := config.Load(*cfgFile)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return nil, nil, 1
	}
	return cfg, fset.Args(), 0
}

func runDoctorCmd(args []string, stdout, stderr io.Writer) int {
	type checkResult struct {
		Name   string `json:"name"`
		Status string `json:"status"` // ok, warn, fail
		Detail string `json:"detail,omitempty"`
	}

	cfg, _, code := loadConfig("doctor", args, stderr)
	if code != 0 {
		return code
	}

	results := []checkResult{{
		Name:   "go_runtime",
		Status: "ok",
		Detail: fmt.Sprintf("%s %s/%s", runtime.Version(), runtime.GOOS, runtime.GOARCH),
	}}
	allOK := true

	c, err := contracts.Load(cfg.ContractsDir)
	if err != nil {
		allOK = false
		results = append(results, checkResult{Name: "contracts", Status: "fail", Detail: err.Error()})
	} else {
		results = append(results, checkResult{
			Name:   "contracts",
			Status: "ok",
			Detail: fmt.Sprintf("%s@%s %s@%s %s@%s %s@%s",
				c.DP.ID, c.DP.Version, c.SE.ID, c.SE.Version, c.CS.ID, c.CS.Version, c.TAC.ID, c.TAC.Version),
		})
	}

	ix := retrieval.NewCorpusIndex()
	switch err := ix.LoadDir(cfg.CorpusDir); {
	case err != nil:
		allOK = false
		results = append(results, checkResult{Name: "corpus", Status: "fail", Detail: err.Error()})
	case ix.Len() == 0:
		results = append(results, checkResult{Name: "corpus", Status: "warn", Detail: "no documents in " + cfg.CorpusDir})
	default:
		results = append(results, checkResult{Name: "corpus", Status: "ok", Detail: fmt.Sprintf("%d documents", ix.Len())})
	}

	results = append(results, checkResult{Name: "audit_backend", Status: "ok", Detail: cfg.Audit.Backend})
	if cfg.ApproverAuthEnabled() {
		results = append(results, checkResult{Name: "approver_auth", Status: "ok", Detail: "enabled"})
	} else {
		results = append(results, checkResult{Name: "approver_auth", Status: "warn", Detail: "approver.secret not set"})
	}
	if cfg.AllowFaultInjection {
		results = append(results, checkResult{Name: "fault_injection", Status: "warn", Detail: "enabled"})
	}

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(results)
	if !allOK {
		return 1
	}
	return 0
}

func runVerifyCmd(args []string, stdout, stderr io.Writer) int {
	cfg, rest, code := loadConfig("verify", args, stderr)
	if code != 0 {
		return code
	}
	if len(rest) != 1 {
		_, _ = fmt.Fprintln(stderr, "Usage: slrpd verify [--config FILE] <session-id>")
		return 2
	}
	if cfg.Audit.Backend == "memory" {
		_, _ = fmt.Fprintln(stderr, "Error: the memory audit backend does not persist events")
		return 1
	}

	ctx := context.Background()
	a := &app{logger: slog.New(slog.NewTextHandler(stderr, nil))}
	defer a.close()
	l, err := openLedger(ctx, cfg, a)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	events, err := l.ReadAll(ctx, rest[0])
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if len(events) == 0 {
		_, _ = fmt.Fprintf(stderr, "Error: no events for session %s\n", rest[0])
		return 1
	}

	violations := ledger.VerifyAll(events)
	for _, v := range violations {
		_, _ = fmt.Fprintf(stdout, "VIOLATION #%d %s (%s): stored %s computed %s\n", v.Index, v.EventType, v.State, v.Stored, v.Computed)
	}
	if len(violations) > 0 {
		_, _ = fmt.Fprintf(stdout, "FAIL: %d of %d events failed verification\n", len(violations), len(events))
		return 1
	}
	_, _ = fmt.Fprintf(stdout, "OK: %d events verified\n", len(events))
	return 0
}

func runTokenCmd(args []string, stdout, stderr io.Writer) int {
	cfg, rest, code := loadConfig("token", args, stderr)
	if code != 0 {
		return code
	}
	if len(rest) != 1 {
		_, _ = fmt.Fprintln(stderr, "Usage: slrpd token [--config FILE] <approver>")
		return 2
	}
	if !cfg.ApproverAuthEnabled() {
		_, _ = fmt.Fprintln(stderr, "Error: approver.secret is not configured")
		return 1
	}
	auth, err := api.NewApproverAuth(cfg.Approver.Secret, cfg.Approver.Issuer, cfg.Approver.TokenTTL)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	token, err := auth.Mint(rest[0])
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintln(stdout, token)
	return 0
}

// runInitCmd writes the default contracts and demo corpus. Existing files
// are kept unless --force is given.
func runInitCmd(args []string, stdout, stderr io.Writer) int {
	fset := flag.NewFlagSet("init", flag.ContinueOnError)
	fset.SetOutput(stderr)
	cfgFile := fset.String("config", "", "configuration file")
	force := fset.Bool("force", false, "overwrite existing files")
	if err := fset.Parse(args); err != nil {
		return 2
	}
	cfg, err := config.Load(*cfgFile)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	for src, dst := range map[string]string{
		"defaults/contracts": cfg.ContractsDir,
		"defaults/corpus":    cfg.CorpusDir,
	} {
		n, err := writeDefaults(src, dst, *force)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		_, _ = fmt.Fprintf(stdout, "%s: %d files written\n", dst, n)
	}
	return 0
}

func writeDefaults(src, dst string, force bool) (int, error) {
	entries, err := fs.ReadDir(defaults, src)
	if err != nil {
		return 0, err
	}
	if err := os.MkdirAll(dst, 0o750); err != nil {
		return 0, err
	}
	written := 0
	for _, e := range entries {
		target := filepath.Join(dst, e.Name())
		if !force {
			if _, err := os.Stat(target); err == nil {
				continue
			} else if !errors.Is(err, fs.ErrNotExist) {
				return written, err
			}
		}
		body, err := defaults.ReadFile(path.Join(src, e.Name()))
		if err != nil {
			return written, err
		}
		if err := os.WriteFile(target, body, 0o600); err != nil {
			return written, err
		}
		written++
	}
	return written, nil
}
