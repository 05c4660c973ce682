package service

import (
	"context"
	"fmt"

	invoicedomain "github.com/nimbusbase/meterbill/internal/invoice/domain"
	"go.uber.org/zap"
)

// LogGateway accepts every invoice and fabricates a reference. It stands in
// until a real processor integration is wired.
type LogGateway struct {
	Log *zap.Logger
}

func (g LogGateway) Schedule(ctx context.Context, invoice invoicedomain.Invoice) (string, error) {
	g.Log.Info("payment scheduled",
		zap.String("invoice_id", invoice.ID.String()),
		zap.String("amount", invoice.Amount.String()),
	)
	return fmt.Sprintf("local-%d", invoice.ID), nil
}

// LogNotifier delivers lifecycle messages to the log stream only.
type LogNotifier struct {
	Log *zap.Logger
}

func (n LogNotifier) InvoiceClosed(ctx context.Context, invoice invoicedomain.Invoice, rendered string) error {
	n.Log.Info("invoice closed",
		zap.String("invoice_id", invoice.ID.String()),
		zap.String("statement", rendered),
	)
	return nil
}

func (n LogNotifier) PaymentFailed(ctx context.Context, invoice invoicedomain.Invoice) error {
	n.Log.Warn("payment failed",
		zap.String("invoice_id", invoice.ID.String()),
	)
	return nil
}

func (n LogNotifier) PaymentSucceeded(ctx context.Context, invoice invoicedomain.Invoice) error {
	n.Log.Info("payment succeeded",
		zap.String("invoice_id", invoice.ID.String()),
	)
	return nil
}
