package main

import (
	"archive/zip"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/capkernel/pkg/audit"
	"github.com/Mindburn-Labs/capkernel/pkg/capability"
	"github.com/Mindburn-Labs/capkernel/pkg/errorir"
	"github.com/Mindburn-Labs/capkernel/pkg/topology"
)

func run(args ...string) (int, string, string) {
	var stdout, stderr bytes.Buffer
	code := Run(append([]string{"capkernel"}, args...), &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestRun_Dispatch(t *testing.T) {
	code, out, _ := run("help")
	assert.Equal(t, 0, code)
	assert.Contains(t, out, "check-config")

	code, _, errOut := run()
	assert.Equal(t, 2, code)
	assert.Contains(t, errOut, "USAGE")

	code, _, errOut = run("reboot")
	assert.Equal(t, 2, code)
	assert.Contains(t, errOut, "Unknown command: reboot")

	code, out, _ = run("version")
	assert.Equal(t, 0, code)
	assert.Contains(t, out, version)
}

func TestCheckConfig(t *testing.T) {
	dir := t.TempDir()

	code, out, _ := run("check-config")
	assert.Equal(t, 0, code)
	assert.Contains(t, out, "config OK")
	assert.Contains(t, out, "4 cores")

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("version: \"1.0.0\"\nlog_format: xml\n"), 0o600))
	code, _, errOut := run("check-config", "--config", bad)
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "log_format")

	require.NoError(t, os.WriteFile(filepath.Join(dir, "profile_edge.yaml"),
		[]byte("scheduler:\n  cores:\n    - {id: 7, capacity: 1}\n"), 0o600))
	code, out, _ = run("check-config", "--profile-dir", dir, "--profile", "edge", "--json")
	require.Equal(t, 0, code)
	var cfg struct {
		Scheduler struct {
			Cores []topology.Core
		}
	}
	require.NoError(t, json.Unmarshal([]byte(out), &cfg))
	require.Len(t, cfg.Scheduler.Cores, 1)
	assert.Equal(t, topology.CoreID(7), cfg.Scheduler.Cores[0].ID)
}

func TestGrant(t *testing.T) {
	code, _, errOut := run("grant", "--rights", "read")
	assert.Equal(t, 2, code)
	assert.Contains(t, errOut, "--owner")

	code, _, _ = run("grant", "--owner", "svc", "--key", "k", "--rights", "fly")
	assert.Equal(t, 2, code)

	code, out, _ := run("grant", "--owner", "svc-a", "--key", "s3cret", "--rights", "read,exec", "--ttl", "10m", "--domain", "dom-1")
	require.Equal(t, 0, code)

	var signed, tokenLine string
	for _, line := range strings.Split(out, "\n") {
		switch {
		case strings.HasPrefix(line, "grant:"):
			signed = strings.TrimSpace(strings.TrimPrefix(line, "grant:"))
		case strings.HasPrefix(line, "token:"):
			tokenLine = strings.TrimSpace(strings.TrimPrefix(line, "token:"))
		}
	}
	tok, desc, err := capability.ParseGrant([]byte("s3cret"), signed)
	require.NoError(t, err)
	assert.Equal(t, tokenLine, tok.String())
	assert.Equal(t, "svc-a", desc.OwnerID)
	assert.Equal(t, capability.RightRead|capability.RightExec, desc.Rights)
	assert.Equal(t, []string{"dom-1"}, desc.Bounds.Domains)
	assert.InDelta(t, float64(10*time.Minute), float64(desc.ValidUntil.Sub(desc.ValidFrom)), float64(time.Second))

	_, _, err = capability.ParseGrant([]byte("wrong"), signed)
	assert.ErrorIs(t, err, capability.ErrInvalidGrant)
}

func TestDemo_JSONReport(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "capkernel.yaml")
	body := `version: "1.0.0"
log_level: error
gateway:
  limiter: {backend: none}
audit:
  driver: sqlite
  dsn: "` + filepath.Join(dir, "audit.db") + `"
  archive_enabled: true
  archive: {type: fs, dir: "` + filepath.Join(dir, "archive") + `"}
`
	require.NoError(t, os.WriteFile(cfgPath, []byte(body), 0o600))

	evidence := filepath.Join(dir, "evidence.zip")
	code, out, errOut := run("demo", "--config", cfgPath, "--tasks", "12", "--evidence", evidence, "--json")
	require.Equal(t, 0, code, errOut)

	var report demoReport
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.Equal(t, 12, report.Submitted)
	assert.True(t, report.ChainVerified)
	assert.Equal(t, 1, report.Rejected[errorir.CodeUnknownCall])
	assert.GreaterOrEqual(t, report.Rejected[errorir.CodeSecurityViolation], 1)
	assert.GreaterOrEqual(t, report.Rejected[errorir.CodeInvalidParameters], 1)

	placed := 0
	for _, n := range report.Placed {
		placed += n
	}
	assert.Equal(t, placed, report.Executed)
	assert.Equal(t, 1, report.Swept, "the lapsed enrollment grant is swept")
	assert.Equal(t, placed, report.Local+report.Migrations)
	assert.Positive(t, placed)

	assert.Equal(t, report.AuditRecords, report.SQLRecords)
	assert.Equal(t, uint64(report.AuditRecords), report.ArchivedThrough)
	assert.FileExists(t, filepath.Join(dir, "archive", report.ArchiveSegment))
	assert.Equal(t, "closed", report.ForecastBreaker)
	require.Len(t, report.SLO, 3)

	pack, err := os.ReadFile(evidence)
	require.NoError(t, err)
	sum := sha256.Sum256(pack)
	assert.Equal(t, hex.EncodeToString(sum[:]), report.EvidenceSHA256)
	zr, err := zip.NewReader(bytes.NewReader(pack), int64(len(pack)))
	require.NoError(t, err)
	var entries []audit.Entry
	for _, f := range zr.File {
		if f.Name != "entries.json" {
			continue
		}
		rc, err := f.Open()
		require.NoError(t, err)
		require.NoError(t, json.NewDecoder(rc).Decode(&entries))
		rc.Close()
	}
	assert.Len(t, entries, report.AuditRecords)
}

func TestDemo_EvidenceWriteFailure(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "no-such-dir", "evidence.zip")
	code, _, errOut := run("demo", "--tasks", "2", "--evidence", missing)
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "evidence")
}

func TestDemo_TextReportAndThrottling(t *testing.T) {
	code, out, errOut := run("demo", "--tasks", "30")
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, "submitted 30")
	assert.Contains(t, out, "verified true")
	assert.Contains(t, out, string(errorir.CodeThrottled))
}

func TestDemo_RejectsBadFlags(t *testing.T) {
	code, _, _ := run("demo", "--tasks", "-1")
	assert.Equal(t, 2, code)
	code, _, _ = run("demo", "--config", filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Equal(t, 2, code)
}
