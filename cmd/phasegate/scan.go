package main

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/phasegate/internal/contamination"
	"github.com/fyrsmithlabs/phasegate/internal/fsutil"
)

var (
	scanTask       string
	scanAll        bool
	scanQuarantine bool
	scanSave       bool
	scanReportPath string
)

func init() {
	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(quarantineCmd)
	quarantineCmd.AddCommand(quarantineListCmd, quarantineRestoreCmd)

	scanCmd.Flags().StringVar(&scanTask, "task", "", "scan a single task")
	scanCmd.Flags().BoolVar(&scanAll, "all", false, "scan every task and shared memory (the default)")
	scanCmd.MarkFlagsMutuallyExclusive("task", "all")
	scanCmd.Flags().BoolVar(&scanQuarantine, "quarantine", false, "quarantine files behind high and critical events")
	scanCmd.Flags().BoolVar(&scanSave, "save", false, "save the report under the tasks root")
	scanCmd.Flags().StringVar(&scanReportPath, "report", "", "save the report to this path")
}

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan task contexts for cross-task contamination",
	Long: `Scan task contexts and shared memory for isolation violations.

Exit status: 0 clean, 1 contamination found, 2 critical contamination found.

Examples:
  phasegate scan
  phasegate scan --task build_20260208_150000_builder_3fa9c0d1_0001
  phasegate scan --quarantine --save`,
	RunE: runScan,
}

var quarantineCmd = &cobra.Command{
	Use:   "quarantine",
	Short: "Inspect and restore quarantined files",
}

var quarantineListCmd = &cobra.Command{
	Use:   "list",
	Short: "List quarantine manifests",
	RunE:  runQuarantineList,
}

var quarantineRestoreCmd = &cobra.Command{
	Use:   "restore <manifest-id>",
	Short: "Move a quarantined file back to where it was found",
	Args:  cobra.ExactArgs(1),
	RunE:  runQuarantineRestore,
}

type scanResult struct {
	contamination.Report
	ExitCode   int    `json:"exit_code"`
	ReportPath string `json:"report_path,omitempty"`
}

func runScan(cmd *cobra.Command, _ []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	det, err := a.detector()
	if err != nil {
		return err
	}

	var findings map[string][]contamination.Event
	if scanTask != "" {
		events, err := det.ScanTask(cmd.Context(), scanTask)
		if err != nil {
			return fail(cmd, err)
		}
		findings = map[string][]contamination.Event{scanTask: events}
	} else {
		findings, err = det.ScanAll(cmd.Context())
		if err != nil {
			return fail(cmd, err)
		}
	}

	if scanQuarantine {
		quarantineEvents(cmd, det, findings)
	}

	report := det.GenerateReport(findings)
	res := scanResult{Report: report, ExitCode: contamination.ExitCode(report)}
	if scanSave || scanReportPath != "" {
		res.ReportPath, err = det.SaveReport(report, scanReportPath)
		if err != nil {
			return fail(cmd, err)
		}
	}

	if err := printJSON(cmd, res); err != nil {
		return err
	}
	switch res.ExitCode {
	case contamination.ExitClean:
		summary(cmd, okStyle, "CLEAN", "%d tasks scanned", report.TasksScanned)
		return nil
	case contamination.ExitCritical:
		summary(cmd, failStyle, "CRITICAL", "%d events in %d tasks scanned", report.TotalEvents, report.TasksScanned)
	default:
		summary(cmd, warnStyle, "CONTAMINATED", "%d events in %d tasks scanned", report.TotalEvents, report.TasksScanned)
	}
	for _, rec := range report.Recommendations {
		detail(cmd, "%s", rec)
	}
	return &exitError{code: res.ExitCode}
}

func quarantineEvents(cmd *cobra.Command, det *contamination.Detector, findings map[string][]contamination.Event) {
	for _, events := range findings {
		for _, ev := range events {
			if !ev.Severity.AtLeast(contamination.SeverityHigh) || ev.Path == "" || !fsutil.Exists(ev.Path) {
				continue
			}
			m, err := det.Quarantine(ev)
			if err != nil {
				if !errors.Is(err, contamination.ErrNothingToQuarantine) {
					summary(cmd, warnStyle, "WARN", "quarantine %s: %v", ev.Path, err)
				}
				continue
			}
			detail(cmd, "quarantined %s", m.OriginalPath)
		}
	}
}

type manifestsResult struct {
	Success   bool                     `json:"success"`
	Manifests []contamination.Manifest `json:"manifests"`
	Count     int                      `json:"count"`
}

func runQuarantineList(cmd *cobra.Command, _ []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	det, err := a.detector()
	if err != nil {
		return err
	}
	manifests, err := det.Manifests()
	if err != nil {
		return fail(cmd, err)
	}
	if manifests == nil {
		manifests = []contamination.Manifest{}
	}
	return succeed(cmd, manifestsResult{Success: true, Manifests: manifests, Count: len(manifests)},
		"%d quarantined files", len(manifests))
}

type restoreResult struct {
	Success  bool                    `json:"success"`
	Manifest *contamination.Manifest `json:"manifest"`
}

func runQuarantineRestore(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	det, err := a.detector()
	if err != nil {
		return err
	}
	m, err := det.RestoreByID(args[0])
	if err != nil {
		return fail(cmd, err)
	}
	return succeed(cmd, restoreResult{Success: true, Manifest: m}, "restored %s", m.OriginalPath)
}
