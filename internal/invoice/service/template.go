package service

import (
	"strings"
	"text/template"

	invoicedomain "github.com/nimbusbase/meterbill/internal/invoice/domain"
)

// statementTemplate is the plain-text statement handed to the notifier. The
// delivery channel formats it further if it wants to.
var statementTemplate = template.Must(template.New("statement").Parse(
	`Invoice {{.Invoice.ID}} for period {{.Period}}

{{range .Invoice.Items -}}
  {{printf "%-24s" .Description}} {{printf "%12s" .Quantity.String}} x {{printf "%10s" .Price.String}} = {{printf "%12s" .Amount.String}}
{{end}}
Total due: {{.Invoice.Amount.String}}
Due date:  {{.DueDate}}
`))

type statementData struct {
	Invoice invoicedomain.Invoice
	Period  string
	DueDate string
}

func renderStatement(invoice invoicedomain.Invoice) (string, error) {
	var sb strings.Builder
	err := statementTemplate.Execute(&sb, statementData{
		Invoice: invoice,
		Period:  invoice.Period.Format("2006-01"),
		DueDate: invoice.DueDate.Format("2006-01-02"),
	})
	if err != nil {
		return "", err
	}
	return sb.String(), nil
}
