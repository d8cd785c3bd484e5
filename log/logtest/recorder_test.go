/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package logtest

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/acronis/go-admitkit/log"
)

func TestRecorder(t *testing.T) {
	rec := NewRecorder()
	logger := rec.With(log.String("component", "admission"))
	logger.Warn("queue is full", log.Int("waiting", 10))
	logger.WithLevel(log.LevelWarn).Info("dropped")
	rec.Info("started")

	require.Len(t, rec.Entries(), 2)

	entry, found := rec.FindEntry("queue is full")
	require.True(t, found)
	require.Equal(t, log.LevelWarn, entry.Level)

	field, found := entry.FindField("waiting")
	require.True(t, found)
	require.EqualValues(t, 10, field.Int)

	field, found = entry.FindField("component")
	require.True(t, found)
	require.Equal(t, "admission", string(field.Bytes))

	_, found = rec.FindEntry("dropped")
	require.False(t, found)

	rec.Reset()
	require.Empty(t, rec.Entries())
}
