package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestInitWithWriter(t *testing.T) {
	var buf bytes.Buffer
	InitWithWriter(&buf, "kmerq-test", "debug")
	t.Cleanup(func() { zerolog.SetGlobalLevel(zerolog.InfoLevel) })

	Log.Info().Str("database", "nt").Msg("hello")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	require.Equal(t, "kmerq-test", entry["service"])
	require.Equal(t, "nt", entry["database"])
	require.Equal(t, "hello", entry["message"])
	require.Equal(t, zerolog.DebugLevel, zerolog.GlobalLevel())
}

func TestInitWithWriter_BadLevel(t *testing.T) {
	var buf bytes.Buffer
	InitWithWriter(&buf, "kmerq-test", "loud")
	require.Equal(t, zerolog.InfoLevel, zerolog.GlobalLevel())
}

func TestContextLogger(t *testing.T) {
	var buf bytes.Buffer
	l := zerolog.New(&buf)
	ctx := WithContext(context.Background(), l)

	jl := ForJob(ctx, "job-1")
	jl.Info().Msg("started")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	require.Equal(t, "job-1", entry["job_id"])
}
