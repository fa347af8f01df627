package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/logrusorgru/aurora"
	"github.com/olekukonko/tablewriter"
	"github.com/stellance/ledger/ledger"
)

// Message prints an informational line.
func Message(format string, args ...interface{}) {
	if format == "" {
		return
	}
	fmt.Println(aurora.Sprintf(aurora.BrightBlack("> "+format), args...))
}

// Warn prints a warning line.
func Warn(format string, args ...interface{}) {
	if format == "" {
		return
	}
	fmt.Println(aurora.Sprintf(aurora.Yellow("> warning: "+format), args...))
}

// Success prints a green confirmation line.
func Success(format string, args ...interface{}) {
	fmt.Println(aurora.Sprintf(aurora.Green("> "+format), args...))
}

// End prints a final message and exits cleanly.
func End(format string, args ...interface{}) {
	Message(format, args...)
	os.Exit(0)
}

// Fatal prints the error and exits. Errors carrying a kind from the
// shared taxonomy also print the recovery path.
func Fatal(err error, args ...interface{}) {
	msg := err.Error()
	if len(args) > 0 {
		msg = fmt.Sprintf(msg, args...)
	}
	words := strings.SplitN(msg, " ", 2)
	words[0] = strings.Title(words[0])
	fmt.Println(aurora.Sprintf(aurora.Red("> error: %s"), strings.Join(words, " ")))
	switch ledger.RecoveryOf(err) {
	case ledger.RecoveryRetry:
		fmt.Println(aurora.BrightBlack("  transient failure; try again shortly"))
	case ledger.RecoveryUserAction:
		fmt.Println(aurora.BrightBlack("  action needed before this can succeed"))
	}
	os.Exit(1)
}

// ErrCheck calls Fatal when err is non-nil.
func ErrCheck(err error, args ...interface{}) {
	if err != nil {
		Fatal(err, args...)
	}
}

// RenderTable prints rows under an underlined header, borderless.
func RenderTable(header []string, data [][]string) {
	fmt.Println()
	t := tablewriter.NewWriter(os.Stdout)
	t.SetHeader(header)
	t.SetAutoWrapText(false)
	t.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	t.SetAlignment(tablewriter.ALIGN_LEFT)
	t.SetBorder(false)
	t.SetHeaderLine(true)
	t.SetRowSeparator("-")
	t.SetCenterSeparator(" ")
	t.SetColumnSeparator(" ")
	t.SetTablePadding("  ")
	t.AppendBulk(data)
	t.Render()
	fmt.Println()
}
