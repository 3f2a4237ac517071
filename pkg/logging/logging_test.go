package logging

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLogger_Prefix(t *testing.T) {
	var captured []string
	record := func(format string, args ...interface{}) {
		captured = append(captured, fmt.Sprintf(format, args...))
	}

	logger := NewLogger("[orchestrator] ", LogFuncs{
		Infof:  record,
		Errorf: record,
	})

	logger.Infof("unit %s ready", "db")
	logger.Errorf("unit %s failed", "backend")

	assert.Equal(t, []string{
		"[orchestrator] unit db ready",
		"[orchestrator] unit backend failed",
	}, captured)
}

func TestLogger_NilFuncsAreDiscarded(t *testing.T) {
	logger := NewLogger("test", LogFuncs{})

	// Must not panic with no backends wired.
	logger.Debugf("dropped")
	logger.Infof("dropped")
	logger.Warnf("dropped")
	logger.Errorf("dropped")
}

func TestNewPrefixedLogger(t *testing.T) {
	var captured []string
	parent := NewLogger("[a] ", LogFuncs{
		Infof: func(format string, args ...interface{}) {
			captured = append(captured, fmt.Sprintf(format, args...))
		},
	})

	child := NewPrefixedLogger(parent, "[b] ")
	child.Infof("message")

	assert.Equal(t, []string{"[a] [b] message"}, captured)
}
