// Package export writes cohort samples to spreadsheet workbooks for the
// medication-review teams consuming them.
package export

import (
	"strconv"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"github.com/clinrev/cohort-cli/internal/model"
)

const dateLayout = "2006-01-02"

// WriteCohort writes a run's sample to an XLSX workbook with a cohort sheet
// and a summary sheet.
func WriteCohort(path string, run *model.CohortRun, patients []model.SampledPatient) error {
	f := xlsx.NewFile()

	if err := addCohortSheet(f, patients); err != nil {
		return err
	}
	if err := addSummarySheet(f, run); err != nil {
		return err
	}

	if err := f.Save(path); err != nil {
		return eris.Wrapf(err, "export: save workbook %s", path)
	}
	return nil
}

func addCohortSheet(f *xlsx.File, patients []model.SampledPatient) error {
	sheet, err := f.AddSheet("cohort")
	if err != nil {
		return eris.Wrap(err, "export: add cohort sheet")
	}

	addRow(sheet, "patient_id", "role", "reference_date", "primary_rule", "interval_start", "interval_end")
	for _, p := range patients {
		row := []string{
			strconv.FormatInt(int64(p.PatientID), 10),
			string(p.Role),
			p.ReferenceDate.Format(dateLayout),
			"", "", "",
		}
		if p.Role == model.RolePositive {
			row[3] = strconv.Itoa(int(p.PrimaryRule))
			if len(p.Intervals) > 0 {
				row[4] = p.Intervals[0].Start.Format(dateLayout)
				row[5] = p.Intervals[0].End.Format(dateLayout)
			}
		}
		addRow(sheet, row...)
	}
	return nil
}

func addSummarySheet(f *xlsx.File, run *model.CohortRun) error {
	sheet, err := f.AddSheet("summary")
	if err != nil {
		return eris.Wrap(err, "export: add summary sheet")
	}

	addRow(sheet, "run_id", run.ID)
	addRow(sheet, "name", run.Request.Name)
	addRow(sheet, "status", string(run.Status))
	addRow(sheet, "seed", strconv.FormatInt(run.Request.Seed, 10))
	addRow(sheet, "created_at", run.CreatedAt.Format(dateLayout))

	if run.Report == nil {
		return nil
	}
	r := run.Report

	addRow(sheet)
	addRow(sheet, "positive_target", strconv.Itoa(r.PositiveTarget))
	addRow(sheet, "positive_achieved", strconv.Itoa(r.PositiveAchieved))
	addRow(sheet, "negative_target", strconv.Itoa(r.NegativeTarget))
	addRow(sheet, "negative_achieved", strconv.Itoa(r.NegativeAchieved))
	addRow(sheet, "unmatched_positives", strconv.Itoa(r.UnmatchedPositives))
	addRow(sheet, "rejected_future_dated", strconv.Itoa(r.RejectedFutureDated))
	addRow(sheet, "recovered_negatives", strconv.Itoa(r.RecoveredNegatives))

	addRow(sheet)
	addRow(sheet, "rule_id", "requested", "eligible", "allocated", "recovered_same_rule", "recovered_global")
	for _, st := range r.Rules {
		addRow(sheet,
			strconv.Itoa(int(st.RuleID)),
			strconv.Itoa(st.Requested),
			strconv.Itoa(st.Eligible),
			strconv.Itoa(st.Allocated),
			strconv.Itoa(st.RecoveredSameRule),
			strconv.Itoa(st.RecoveredGlobal),
		)
	}
	return nil
}

func addRow(sheet *xlsx.Sheet, cells ...string) {
	row := sheet.AddRow()
	for _, c := range cells {
		row.AddCell().Value = c
	}
}
