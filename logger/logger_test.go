package logger

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func Test_New(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		log, err := New(nil)
		require.NoError(t, err)
		require.NotNil(t, log)
		require.True(t, log.Enabled(nil, slog.LevelInfo))
		require.False(t, log.Enabled(nil, slog.LevelDebug))
	})

	t.Run("debug level", func(t *testing.T) {
		log, err := New(&LogConfiguration{Level: "debug"})
		require.NoError(t, err)
		require.True(t, log.Enabled(nil, slog.LevelDebug))
	})

	t.Run("unknown level", func(t *testing.T) {
		_, err := New(&LogConfiguration{Level: "loud"})
		require.ErrorContains(t, err, `unknown log level "loud"`)
	})

	t.Run("unknown format", func(t *testing.T) {
		_, err := New(&LogConfiguration{Format: "xml"})
		require.ErrorContains(t, err, `unknown log format "xml"`)
	})
}

func Test_formatTimeAttr(t *testing.T) {
	t.Run("empty format string", func(t *testing.T) {
		require.Nil(t, formatTimeAttr(""))
	})

	t.Run("format: none", func(t *testing.T) {
		f := formatTimeAttr("none")
		require.NotNil(t, f)
		now := time.Now()

		a := f(nil, slog.Time(slog.TimeKey, now))
		require.Equal(t, slog.Attr{}, a)

		// when not time key value is preserved
		a = f(nil, slog.Time("foo", now))
		require.True(t, a.Equal(slog.Time("foo", now)))
	})

	t.Run("format: format string", func(t *testing.T) {
		f := formatTimeAttr("15:04:05.0000")
		require.NotNil(t, f)

		// zero time is not changed
		a := f(nil, slog.Time(slog.TimeKey, time.Time{}))
		require.Equal(t, slog.Time(slog.TimeKey, time.Time{}), a)

		// valid time is converted to string representation
		now := time.Now()
		a = f(nil, slog.Time(slog.TimeKey, now))
		require.Equal(t, now.Format("15:04:05.0000"), a.Value.String())

		// when not time key value is not altered
		a = f(nil, slog.Time("foo", now))
		require.True(t, a.Equal(slog.Time("foo", now)))
	})
}
