package persist

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type cartV2 struct {
	Lines []string `json:"lines"`
	Table string   `json:"table"`
}

func TestDocument_SaveLoad(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	doc := Document{Key: "cart/s1", Version: 2}

	require.NoError(t, doc.Save(ctx, s, cartV2{Lines: []string{"a"}, Table: "T1"}))

	var got cartV2
	found, err := doc.Load(ctx, s, &got)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, cartV2{Lines: []string{"a"}, Table: "T1"}, got)
}

func TestDocument_LoadMissing(t *testing.T) {
	var got cartV2
	found, err := Document{Key: "nope", Version: 1}.Load(context.Background(), NewMemory(), &got)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestDocument_UpgradesOldVersion(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	require.NoError(t, s.Put(ctx, "cart/s1", []byte(`{"v":1,"data":{"lines":["a","b"]}}`)))

	doc := Document{
		Key:     "cart/s1",
		Version: 2,
		Migrations: map[int]Migration{
			1: func(data json.RawMessage) (json.RawMessage, error) {
				var v map[string]any
				if err := json.Unmarshal(data, &v); err != nil {
					return nil, err
				}
				v["table"] = "unknown"
				return json.Marshal(v)
			},
		},
	}

	var got cartV2
	found, err := doc.Load(ctx, s, &got)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []string{"a", "b"}, got.Lines)
	assert.Equal(t, "unknown", got.Table)
}

func TestDocument_FutureVersionKept(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	raw := []byte(`{"v":7,"data":{}}`)
	require.NoError(t, s.Put(ctx, "outbox/d1", raw))

	var got cartV2
	_, err := Document{Key: "outbox/d1", Version: 1}.Load(ctx, s, &got)

	var fvErr *FutureVersionError
	require.ErrorAs(t, err, &fvErr)
	assert.Equal(t, 7, fvErr.Version)

	stored, err := s.Get(ctx, "outbox/d1")
	require.NoError(t, err)
	assert.Equal(t, raw, stored, "state must not be discarded")
}

func TestDocument_MissingMigration(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	require.NoError(t, s.Put(ctx, "k", []byte(`{"v":1,"data":{}}`)))

	var got cartV2
	_, err := Document{Key: "k", Version: 3}.Load(ctx, s, &got)

	var mmErr *MissingMigrationError
	require.ErrorAs(t, err, &mmErr)
	assert.Equal(t, 1, mmErr.From)
}
