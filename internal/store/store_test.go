package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidatePath(t *testing.T) {
	require.NoError(t, ValidatePath("games/abc"))

	for _, bad := range []string{"", "games", "games/", "/abc", "games/a/b"} {
		require.ErrorIs(t, ValidatePath(bad), ErrInvalidPath, bad)
	}
}

func TestCondition_Holds(t *testing.T) {
	record := Record{"version": "3"}

	assert.True(t, Exists("games/g").Holds(record))
	assert.False(t, Exists("games/g").Holds(nil))
	assert.True(t, Absent("games/g").Holds(nil))
	assert.False(t, Absent("games/g").Holds(record))
	assert.True(t, FieldEquals("games/g", "version", "3").Holds(record))
	assert.False(t, FieldEquals("games/g", "version", "2").Holds(record))
	assert.False(t, FieldEquals("games/g", "turn", "").Holds(record))
	assert.False(t, FieldEquals("games/g", "version", "3").Holds(nil))
}

func TestTxn_Paths(t *testing.T) {
	// Given: a pairing transaction touching three paths, two of them twice
	txn := Txn{
		Conditions: []Condition{Exists("waitingRooms/a"), Exists("waitingRooms/b")},
		Writes:     []Write{{Path: "games/g", Fields: Record{"turn": "o"}}},
		Removes:    []string{"waitingRooms/a", "waitingRooms/b"},
	}

	// Then: each path is listed once in first-seen order
	require.NoError(t, txn.Validate())
	assert.Equal(t, []string{"waitingRooms/a", "waitingRooms/b", "games/g"}, txn.Paths())
}

func TestMerge(t *testing.T) {
	existing := Record{"a": "1", "b": "2"}

	merged := Merge(existing, Record{"b": "3", "c": "4"})

	assert.Equal(t, Record{"a": "1", "b": "3", "c": "4"}, merged)
	assert.Equal(t, Record{"a": "1", "b": "2"}, existing)
}
