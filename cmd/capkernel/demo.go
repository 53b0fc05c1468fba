package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/Mindburn-Labs/capkernel/pkg/audit"
	"github.com/Mindburn-Labs/capkernel/pkg/capability"
	"github.com/Mindburn-Labs/capkernel/pkg/errorir"
	"github.com/Mindburn-Labs/capkernel/pkg/gateway"
	"github.com/Mindburn-Labs/capkernel/pkg/observability"
	"github.com/Mindburn-Labs/capkernel/pkg/sched"
	"github.com/Mindburn-Labs/capkernel/pkg/topology"
)

// demoReport summarizes one workload run.
type demoReport struct {
	Submitted       int                        `json:"submitted"`
	Placed          map[topology.CoreID]int    `json:"placed"`
	Local           int                        `json:"local"`
	Migrations      int                        `json:"migrations"`
	Rejected        map[errorir.Code]int       `json:"rejected"`
	Stolen          int                        `json:"stolen"`
	Executed        int                        `json:"executed"`
	Swept           int                        `json:"swept"`
	AuditRecords    int                        `json:"audit_records"`
	ChainHead       string                     `json:"chain_head"`
	ChainVerified   bool                       `json:"chain_verified"`
	ArchiveSegment  string                     `json:"archive_segment,omitempty"`
	ArchivedThrough uint64                     `json:"archived_through,omitempty"`
	SQLRecords      int                        `json:"sql_records,omitempty"`
	EvidencePack    string                     `json:"evidence_pack,omitempty"`
	EvidenceSHA256  string                     `json:"evidence_sha256,omitempty"`
	ForecastBreaker string                     `json:"forecast_breaker"`
	SLO             []*observability.SLOStatus `json:"slo"`
}

func (r *demoReport) reject(err error) {
	code := errorir.CodeOf(err)
	if code == "" {
		code = errorir.CodeInternal
	}
	r.Rejected[code]++
}

// runDemoCmd implements `capkernel demo`.
//
// Exit codes:
//
//	0 = workload completed and the audit chain verified
//	1 = runtime failure
//	2 = usage or configuration error
func runDemoCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("demo", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		path       string
		profileDir string
		profile    string
		tasks      int
		evidence   string
		jsonOutput bool
	)
	cmd.StringVar(&path, "config", "", "Path to the YAML configuration")
	cmd.StringVar(&profileDir, "profile-dir", "", "Directory holding profile_<name>.yaml overlays")
	cmd.StringVar(&profile, "profile", "", "Profile to overlay")
	cmd.IntVar(&tasks, "tasks", 24, "Number of tasks to submit")
	cmd.StringVar(&evidence, "evidence", "", "Write a zip evidence pack of the audit chain to this path")
	cmd.BoolVar(&jsonOutput, "json", false, "Print the report as JSON")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if tasks < 0 {
		_, _ = fmt.Fprintln(stderr, "Error: --tasks must not be negative")
		return 2
	}

	cfg, err := loadConfig(path, profileDir, profile)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := newStack(ctx, cfg, stderr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer func() {
		if err := st.Close(context.WithoutCancel(ctx)); err != nil {
			st.logger.Error("shutdown failed", "error", err)
		}
	}()

	report, err := runWorkload(ctx, st, tasks)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if evidence != "" {
		if err := writeEvidence(ctx, st, evidence, report); err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: evidence: %v\n", err)
			return 1
		}
	}

	if jsonOutput {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
	} else {
		printReport(stdout, report)
	}
	if !report.ChainVerified {
		return 1
	}
	return 0
}

// runWorkload drives tasks through the gateway: submissions from a privileged grant,
// a denied guest, a malformed call, a rebalance, then drains the queues and feeds the
// observed run times back into the forecaster.
func runWorkload(ctx context.Context, st *stack, n int) (*demoReport, error) {
	report := &demoReport{
		Placed:   make(map[topology.CoreID]int),
		Rejected: make(map[errorir.Code]int),
	}
	now := st.clk.Now()

	// The workload grant arrives signed, as it would from an issuer.
	key := []byte(capability.NewToken().String())
	signed, err := capability.SignGrant(key, capability.NewToken(), capability.Descriptor{
		Rights:     capability.RightRead | capability.RightExec | capability.RightRealtime,
		ValidFrom:  now.Add(-time.Second),
		ValidUntil: now.Add(time.Hour),
		OwnerID:    "workload",
	})
	if err != nil {
		return nil, err
	}
	worker, err := st.table.ImportGrant(key, signed)
	if err != nil {
		return nil, err
	}
	guest, err := st.table.Issue(capability.Descriptor{
		Rights: capability.RightRead, ValidFrom: now.Add(-time.Second), ValidUntil: now.Add(time.Hour), OwnerID: "guest",
	})
	if err != nil {
		return nil, err
	}
	operator, err := st.table.Issue(capability.Descriptor{
		Rights: capability.RightRead | capability.RightAdmin, ValidFrom: now.Add(-time.Second), ValidUntil: now.Add(time.Hour), OwnerID: "operator",
	})
	if err != nil {
		return nil, err
	}

	// Enrollment grant, already lapsed by the time the workload runs.
	if _, err := st.table.Issue(capability.Descriptor{
		Rights: capability.RightRead, ValidFrom: now.Add(-time.Minute), ValidUntil: now, OwnerID: "enroll",
	}); err != nil {
		return nil, err
	}

	cores := st.queues.IDs()
	for i := 0; i < n; i++ {
		params := map[string]any{
			"id":          fmt.Sprintf("task-%03d", i),
			"cost_us":     100 * (1 + i%5),
			"working_set": (i % 4) * 64 << 10,
		}
		if i%2 == 0 {
			params["deadline_us"] = 2000 * (1 + i%7)
		}
		if i%3 == 0 {
			params["current_core"] = int(cores[i%len(cores)])
		}
		if i%5 == 0 {
			params["affinity"] = []int{int(cores[0])}
		}
		report.Submitted++
		res, err := st.gateway.Handle(ctx, gateway.Call{Number: callSubmit, Token: worker, Params: params})
		if err != nil {
			report.reject(err)
			continue
		}
		d := res.(sched.Decision)
		report.Placed[d.Target]++
		if d.Local {
			report.Local++
		} else {
			report.Migrations++
		}
	}

	misuse := []gateway.Call{
		{Number: callSubmit, Token: guest, Params: map[string]any{"id": "guest-task", "cost_us": 10}},
		{Number: callSubmit, Token: worker, Params: map[string]any{"id": "bad", "cost_us": "soon"}},
		{Number: 99, Token: guest},
		{Number: callQueues, Token: guest},
	}
	for _, call := range misuse {
		if _, err := st.gateway.Handle(ctx, call); err != nil {
			report.reject(err)
		}
	}

	res, err := st.gateway.Handle(ctx, gateway.Call{Number: callBalance, Token: operator})
	if err != nil {
		report.reject(err)
	} else {
		report.Stolen = res.(map[string]int)["moved"]
	}

	for _, id := range cores {
		q, _ := st.queues.Queue(id)
		capacity := q.Core().Capacity
		for {
			it, ok := q.Dequeue()
			if !ok {
				break
			}
			expected := time.Duration(float64(it.Work) / capacity)
			st.recordExecution(q, it, time.Duration(float64(expected)*(1+0.05*float64(id))))
			report.Executed++
		}
	}

	if _, err := st.validator.Revoke(ctx, guest); err != nil {
		return nil, err
	}
	report.Swept = st.table.Sweep(st.clk.Now())

	if st.archiver != nil {
		segment, err := st.archiver.Flush(ctx)
		if err != nil {
			return nil, fmt.Errorf("archive: %w", err)
		}
		report.ArchiveSegment = segment
		report.ArchivedThrough = st.archiver.Archived()
	}
	if st.sqlSink != nil {
		count, err := st.sqlSink.Count(ctx, "")
		if err != nil {
			return nil, err
		}
		report.SQLRecords = count
	}

	report.AuditRecords = st.chain.Len()
	report.ChainHead = st.chain.Head()
	report.ChainVerified = st.chain.VerifyChain() == nil
	report.ForecastBreaker = st.breaker.State().String()
	for _, op := range []string{observability.OpGatewayHandle, observability.OpSchedDecide, observability.OpSchedCommit} {
		status, err := st.obs.SLO().Status(op)
		if err != nil {
			return nil, err
		}
		report.SLO = append(report.SLO, status)
	}
	return report, nil
}

// writeEvidence exports the whole audit chain as a zip evidence pack at path.
func writeEvidence(ctx context.Context, st *stack, path string, report *demoReport) error {
	data, sum, err := audit.NewExporter(st.chain, st.clk).GeneratePack(ctx, audit.ExportRequest{})
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return err
	}
	report.EvidencePack = path
	report.EvidenceSHA256 = sum
	return nil
}

func printReport(w io.Writer, r *demoReport) {
	fmt.Fprintf(w, "submitted %d, executed %d, stolen %d, swept %d\n", r.Submitted, r.Executed, r.Stolen, r.Swept)
	fmt.Fprintf(w, "decisions: %d local, %d migrations\n", r.Local, r.Migrations)

	ids := make([]topology.CoreID, 0, len(r.Placed))
	for id := range r.Placed {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		fmt.Fprintf(w, "  core %d: %d\n", id, r.Placed[id])
	}

	codes := make([]errorir.Code, 0, len(r.Rejected))
	for c := range r.Rejected {
		codes = append(codes, c)
	}
	slices.Sort(codes)
	for _, c := range codes {
		fmt.Fprintf(w, "rejected %-40s %d\n", c, r.Rejected[c])
	}

	fmt.Fprintf(w, "audit: %d records, head %s, verified %t\n", r.AuditRecords, r.ChainHead, r.ChainVerified)
	if r.ArchiveSegment != "" {
		fmt.Fprintf(w, "archive: %s (through seq %d)\n", r.ArchiveSegment, r.ArchivedThrough)
	}
	if r.SQLRecords > 0 {
		fmt.Fprintf(w, "sql audit: %d records\n", r.SQLRecords)
	}
	if r.EvidencePack != "" {
		fmt.Fprintf(w, "evidence: %s sha256 %s\n", r.EvidencePack, r.EvidenceSHA256)
	}
	fmt.Fprintf(w, "forecast breaker: %s\n", r.ForecastBreaker)
	for _, s := range r.SLO {
		fmt.Fprintf(w, "slo %-14s p99=%s success=%.3f compliant=%t\n", s.Operation, s.CurrentP99, s.CurrentSuccess, s.InCompliance)
	}
}
