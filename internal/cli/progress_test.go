package cli

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestProgressReporter(t *testing.T) {
	var buf bytes.Buffer
	reporter := NewProgressReporter(&buf, "Matching")

	reporter.Update(1, 4)
	reporter.Update(4, 4)
	reporter.Finish()

	assert.Contains(t, buf.String(), "Matching")
	assert.Contains(t, buf.String(), "4/4")
}

func TestProgressReporter_FinishWithoutUpdates(t *testing.T) {
	var buf bytes.Buffer
	reporter := NewProgressReporter(&buf, "Matching")

	reporter.Finish()

	assert.Empty(t, buf.String())
}
