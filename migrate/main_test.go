package main

import (
	"bytes"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValidateCommand(t *testing.T) {
	cmd := newRootCmd(slog.New(slog.NewTextHandler(io.Discard, nil)))
	cmd.SetArgs([]string{"validate"})
	cmd.SetOut(&bytes.Buffer{})
	require.NoError(t, cmd.Execute())
}

func TestUpRequiresDatabaseURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	cmd := newRootCmd(slog.New(slog.NewTextHandler(io.Discard, nil)))
	cmd.SetArgs([]string{"up"})
	require.ErrorContains(t, cmd.Execute(), "DATABASE_URL")
}

func TestDownStepsFlag(t *testing.T) {
	cmd := newRootCmd(slog.New(slog.NewTextHandler(io.Discard, nil)))
	down, _, err := cmd.Find([]string{"down"})
	require.NoError(t, err)
	require.Equal(t, "1", down.Flags().Lookup("steps").DefValue)
}
