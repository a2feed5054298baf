// SPDX-License-Identifier: MIT

package config

import (
	"os"
	"strings"
	"testing"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	// Unset all AQF_ vars so ambient environment cannot leak into tests.
	for _, e := range os.Environ() {
		if strings.HasPrefix(e, "AQF_") {
			kv := strings.SplitN(e, "=", 2)
			if err := os.Unsetenv(kv[0]); err != nil {
				panic("failed to unset env: " + err.Error())
			}
		}
	}
	goleak.VerifyTestMain(m)
}
