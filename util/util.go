package util

import (
	"fmt"

	logging "github.com/ipfs/go-log/v2"
	"go.uber.org/zap/zapcore"
)

// SetLogLevels sets levels for the given subsystems.
func SetLogLevels(systems map[string]logging.LogLevel) error {
	for sys, level := range systems {
		if err := logging.SetLogLevel(sys, zapcore.Level(level).CapitalString()); err != nil {
			return err
		}
	}
	return nil
}

// FormatAmount renders an asset amount with two decimal places, the
// precision used for budget comparisons.
func FormatAmount(amount float64) string {
	return fmt.Sprintf("%.2f", amount)
}
