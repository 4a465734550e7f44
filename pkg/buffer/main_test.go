package buffer

import (
	"testing"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		// The transaction-timeout test abandons one in-flight callback by
		// design; it exits with its sleep.
		goleak.IgnoreTopFunction("time.Sleep"),
	)
}
