package services

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"

	"github.com/sambitmohanty1/rentpay/internal/access"
	"github.com/sambitmohanty1/rentpay/internal/directory"
	"github.com/sambitmohanty1/rentpay/internal/models"
	"github.com/sambitmohanty1/rentpay/internal/store"
)

// ReportService aggregates payments for the caller's scope
type ReportService struct {
	store  store.PaymentStore
	access *access.Filter
	logger *zap.Logger
}

func NewReportService(s store.PaymentStore, dir directory.Directory, logger *zap.Logger) *ReportService {
	return &ReportService{store: s, access: access.NewFilter(dir), logger: logger}
}

// Period bounds a report. Zero times are open ends.
type Period struct {
	From time.Time
	To   time.Time
}

func (p Period) filter() store.Filter {
	var f store.Filter
	if !p.From.IsZero() {
		from := p.From.UTC()
		f.From = &from
	}
	if !p.To.IsZero() {
		to := p.To.UTC()
		f.To = &to
	}
	return f
}

// Summary is the status breakdown of a period
type Summary struct {
	Completed store.Total   `json:"completed"`
	Pending   store.Total   `json:"pending"`
	Failed    store.Total   `json:"failed"`
	Refunded  store.Total   `json:"refunded"`
	ByStatus  []store.Total `json:"by_status"`
}

// MethodShare is one slice of the method distribution
type MethodShare struct {
	Method  models.PaymentMethod `json:"method"`
	Count   int64                `json:"count"`
	Amount  decimal.Decimal      `json:"amount"`
	Percent decimal.Decimal      `json:"percent"`
}

// Totals sums payments by status. Pending includes payments still processing.
func (s *ReportService) Totals(ctx context.Context, caller access.CallerContext, period Period) (*Summary, error) {
	f, err := s.access.Scope(ctx, caller, period.filter())
	if err != nil {
		return nil, err
	}
	rows, err := s.store.TotalsByStatus(ctx, f)
	if err != nil {
		return nil, err
	}

	summary := &Summary{ByStatus: rows}
	for _, t := range []*store.Total{&summary.Completed, &summary.Pending, &summary.Failed, &summary.Refunded} {
		t.Amount = decimal.Zero
	}
	summary.Completed.Key = string(models.PaymentStatusCompleted)
	summary.Pending.Key = string(models.PaymentStatusPending)
	summary.Failed.Key = string(models.PaymentStatusFailed)
	summary.Refunded.Key = string(models.PaymentStatusRefunded)

	for _, row := range rows {
		var into *store.Total
		switch models.PaymentStatus(row.Key) {
		case models.PaymentStatusCompleted:
			into = &summary.Completed
		case models.PaymentStatusPending, models.PaymentStatusProcessing:
			into = &summary.Pending
		case models.PaymentStatusFailed:
			into = &summary.Failed
		case models.PaymentStatusRefunded:
			into = &summary.Refunded
		default:
			continue
		}
		into.Count += row.Count
		into.Amount = into.Amount.Add(row.Amount)
	}
	return summary, nil
}

// MethodDistribution shares completed volume across payment methods.
func (s *ReportService) MethodDistribution(ctx context.Context, caller access.CallerContext, period Period) ([]MethodShare, error) {
	base := period.filter()
	base.Statuses = []models.PaymentStatus{models.PaymentStatusCompleted}
	f, err := s.access.Scope(ctx, caller, base)
	if err != nil {
		return nil, err
	}
	rows, err := s.store.TotalsByMethod(ctx, f)
	if err != nil {
		return nil, err
	}

	total := decimal.Zero
	for _, row := range rows {
		total = total.Add(row.Amount)
	}
	out := make([]MethodShare, 0, len(rows))
	for _, row := range rows {
		share := MethodShare{Method: models.PaymentMethod(row.Key), Count: row.Count, Amount: row.Amount, Percent: decimal.Zero}
		if total.IsPositive() {
			share.Percent = row.Amount.Div(total).Mul(decimal.NewFromInt(100)).Round(2)
		}
		out = append(out, share)
	}
	return out, nil
}

const (
	totalsSheet  = "Totals"
	methodsSheet = "Methods"
)

// ExportXLSX writes the totals and the method distribution as a workbook.
func (s *ReportService) ExportXLSX(ctx context.Context, caller access.CallerContext, period Period, w io.Writer) error {
	summary, err := s.Totals(ctx, caller, period)
	if err != nil {
		return err
	}
	shares, err := s.MethodDistribution(ctx, caller, period)
	if err != nil {
		return err
	}

	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", totalsSheet); err != nil {
		return fmt.Errorf("failed to name sheet: %w", err)
	}
	if _, err := f.NewSheet(methodsSheet); err != nil {
		return fmt.Errorf("failed to add sheet: %w", err)
	}

	totals := [][]interface{}{{"Status", "Count", "Amount"}}
	for _, t := range []store.Total{summary.Completed, summary.Pending, summary.Failed, summary.Refunded} {
		totals = append(totals, []interface{}{t.Key, t.Count, t.Amount.InexactFloat64()})
	}
	if err := writeRows(f, totalsSheet, totals); err != nil {
		return err
	}

	methods := [][]interface{}{{"Method", "Count", "Amount", "Percent"}}
	for _, share := range shares {
		methods = append(methods, []interface{}{string(share.Method), share.Count, share.Amount.InexactFloat64(), share.Percent.InexactFloat64()})
	}
	if err := writeRows(f, methodsSheet, methods); err != nil {
		return err
	}

	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("failed to write workbook: %w", err)
	}
	s.logger.Info("Payment report exported", zap.String("user_id", caller.UserID), zap.Int("methods", len(shares)))
	return nil
}

func writeRows(f *excelize.File, sheet string, rows [][]interface{}) error {
	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(sheet, cell, &row); err != nil {
			return fmt.Errorf("failed to write %s row %d: %w", sheet, i+1, err)
		}
	}
	return nil
}
