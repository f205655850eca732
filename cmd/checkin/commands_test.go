package main

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sleep-checkin/internal/checkin"
	"sleep-checkin/internal/ledger"
)

func TestRootCmd_Subcommands(t *testing.T) {
	root := newRootCmd()
	for _, name := range []string{"run", "poll", "listen", "checkins"} {
		cmd, _, err := root.Find([]string{name})
		require.NoError(t, err, name)
		assert.Equal(t, name, cmd.Name())
	}
	poll, _, err := root.Find([]string{"poll"})
	require.NoError(t, err)
	assert.NotNil(t, poll.Flags().Lookup("once"))
}

func TestCheckInsCmd_RequiresKey(t *testing.T) {
	root := newRootCmd()
	root.SetArgs([]string{"checkins"})
	root.SetOut(new(bytes.Buffer))
	root.SetErr(new(bytes.Buffer))
	require.Error(t, root.Execute())
}

func TestPrintRecord(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 5, 3, 9, 0, 0, 0, time.UTC)
	store, err := ledger.Open(ctx, filepath.Join(t.TempDir(), "l.db"), ledger.WithClock(func() time.Time { return now }))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	in, err := store.BeginDispatch(ctx, "R1", "100")
	require.NoError(t, err)
	c, err := store.CompleteDispatch(ctx, in, "55", 24*time.Hour)
	require.NoError(t, err)

	var out bytes.Buffer
	require.NoError(t, printRecord(ctx, &out, store, "R1"))
	var rep recordReport
	require.NoError(t, json.Unmarshal(out.Bytes(), &rep))
	require.Len(t, rep.CheckIns, 1)
	assert.Equal(t, checkin.StateSent, rep.CheckIns[0].State)
	assert.Nil(t, rep.Journal)

	require.NoError(t, store.Answer(ctx, c.ID, checkin.JournalEntry{
		RecordKey: "R1", AnswerText: "coffee", ThreadID: "100",
		MessageKind: checkin.MessageKindText, SourceMessageID: 9,
	}))
	out.Reset()
	require.NoError(t, printRecord(ctx, &out, store, "R1"))
	rep = recordReport{}
	require.NoError(t, json.Unmarshal(out.Bytes(), &rep))
	require.NotNil(t, rep.Journal)
	assert.Equal(t, "coffee", rep.Journal.AnswerText)
	assert.Equal(t, checkin.StateAnswered, rep.CheckIns[0].State)
}
