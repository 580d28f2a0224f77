package pipeline

import (
	"context"

	"go.uber.org/zap"

	"github.com/sells-group/invoice-pipeline/internal/model"
)

// TermRecord captures the payment terms observed on one invoice, recorded
// for downstream vendor analytics.
type TermRecord struct {
	DocumentID   string
	IssuerID     string
	PaymentTerms string
	DueDate      string
}

// TermSink receives term records. Implementations may write to a warehouse
// or queue; the step runs the sink under its own timeout.
type TermSink interface {
	Record(ctx context.Context, rec TermRecord) error
}

// LogTermSink writes term records to the structured log. The default sink
// when no warehouse is configured.
type LogTermSink struct{}

func (LogTermSink) Record(_ context.Context, rec TermRecord) error {
	zap.L().Info("payment terms recorded",
		zap.String("document_id", rec.DocumentID),
		zap.String("issuer_id", rec.IssuerID),
		zap.String("payment_terms", rec.PaymentTerms),
		zap.String("due_date", rec.DueDate),
	)
	return nil
}

// recordTerms sends the mapped payment-term fields to the sink. Nothing
// mapped means nothing to record, which is fine for this optional step.
func (e *Executor) recordTerms(ctx context.Context, state *State) error {
	rec := TermRecord{DocumentID: state.Doc.ID}
	if state.Issuer != nil {
		rec.IssuerID = state.Issuer.IssuerID
	}
	rec.PaymentTerms = fieldOrEmpty(state.Fields, "payment_terms")
	rec.DueDate = fieldOrEmpty(state.Fields, "due_date")
	if rec.PaymentTerms == "" && rec.DueDate == "" {
		return nil
	}
	return e.termSink.Record(ctx, rec)
}

func fieldOrEmpty(fields map[string]model.FieldValue, name string) string {
	if fv, ok := fields[name]; ok {
		return fv.Value
	}
	return ""
}
