package testlog

import (
	"testing"

	"github.com/danmuck/edgelink/internal/logging"
	"github.com/rs/zerolog/log"
)

// Start configures test logging once and tags the log stream with the running test.
func Start(t *testing.T) {
	t.Helper()
	logging.ConfigureTests()
	log.Info().Str("test", t.Name()).Msg("testlog.Start")
}
