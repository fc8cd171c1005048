package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewULID(t *testing.T) {
	first := NewULID()
	second := NewULID()

	assert.False(t, first.IsZero())
	assert.NotEqual(t, first, second)

	// Listing endpoints order by primary key descending and rely on ids
	// minted later sorting later.
	assert.Less(t, first.String(), second.String())
}

func TestParseULID(t *testing.T) {
	t.Run("roundtrip", func(t *testing.T) {
		id := NewULID()
		parsed, err := ParseULID(id.String())
		require.NoError(t, err)
		assert.Equal(t, id, parsed)
		assert.Len(t, id.String(), 26)
	})

	t.Run("rejects garbage", func(t *testing.T) {
		for _, bad := range []string{"", "not-a-valid-ulid", "01ARZ3"} {
			_, err := ParseULID(bad)
			assert.Error(t, err, "input %q", bad)
		}
	})

	t.Run("error names the input", func(t *testing.T) {
		_, err := ParseULID("bogus")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid ULID")
		assert.Contains(t, err.Error(), "bogus")
	})
}

func TestMustParseULID(t *testing.T) {
	id := MustParseULID("01ARZ3NDEKTSV4RRFFQ69G5FAV")
	assert.False(t, id.IsZero())

	assert.Panics(t, func() { MustParseULID("nope") })
}

func TestULIDPtr(t *testing.T) {
	id := NewULID()
	ptr := ULIDPtr(id)
	require.NotNil(t, ptr)
	assert.Equal(t, id, *ptr)
}

func TestULID_IsZero(t *testing.T) {
	var zero ULID
	assert.True(t, zero.IsZero())
	assert.False(t, NewULID().IsZero())
}

func TestULID_DatabaseRoundtrip(t *testing.T) {
	id := NewULID()

	t.Run("value then scan", func(t *testing.T) {
		val, err := id.Value()
		require.NoError(t, err)
		require.IsType(t, "", val)

		var back ULID
		require.NoError(t, back.Scan(val))
		assert.Equal(t, id, back)
	})

	t.Run("zero values to NULL", func(t *testing.T) {
		var zero ULID
		val, err := zero.Value()
		require.NoError(t, err)
		assert.Nil(t, val)
	})

	t.Run("scan sources", func(t *testing.T) {
		tests := []struct {
			name    string
			src     any
			want    ULID
			wantErr string
		}{
			{name: "string", src: id.String(), want: id},
			{name: "bytes", src: []byte(id.String()), want: id},
			{name: "nil is zero", src: nil, want: ULID{}},
			{name: "empty string is zero", src: "", want: ULID{}},
			{name: "empty bytes is zero", src: []byte{}, want: ULID{}},
			{name: "malformed string", src: "bad-ulid", wantErr: "scan ULID"},
			{name: "malformed bytes", src: []byte("bad-ulid"), wantErr: "scan ULID"},
			{name: "int source", src: 12345, wantErr: "unsupported source type"},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				var u ULID
				err := u.Scan(tt.src)
				if tt.wantErr != "" {
					require.Error(t, err)
					assert.Contains(t, err.Error(), tt.wantErr)
					return
				}
				require.NoError(t, err)
				assert.Equal(t, tt.want, u)
			})
		}
	})
}

func TestULID_JSON(t *testing.T) {
	t.Run("marshals as quoted string", func(t *testing.T) {
		id := NewULID()
		data, err := json.Marshal(id)
		require.NoError(t, err)
		assert.Equal(t, `"`+id.String()+`"`, string(data))
	})

	t.Run("zero marshals as null", func(t *testing.T) {
		data, err := json.Marshal(ULID{})
		require.NoError(t, err)
		assert.Equal(t, "null", string(data))
	})

	t.Run("null and empty string decode to zero", func(t *testing.T) {
		for _, raw := range []string{`null`, `""`} {
			var u ULID
			require.NoError(t, json.Unmarshal([]byte(raw), &u), "input %s", raw)
			assert.True(t, u.IsZero())
		}
	})

	t.Run("struct field roundtrip", func(t *testing.T) {
		type doc struct {
			ID ULID `json:"id"`
		}
		original := doc{ID: NewULID()}
		data, err := json.Marshal(original)
		require.NoError(t, err)

		var decoded doc
		require.NoError(t, json.Unmarshal(data, &decoded))
		assert.Equal(t, original.ID, decoded.ID)
	})

	t.Run("rejects non-string JSON", func(t *testing.T) {
		var u ULID
		err := json.Unmarshal([]byte("12345"), &u)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "not a JSON string")
	})

	t.Run("rejects malformed ULID in string", func(t *testing.T) {
		var u ULID
		err := json.Unmarshal([]byte(`"not-a-ulid"`), &u)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unmarshal ULID")
	})
}

func TestULID_GormDataType(t *testing.T) {
	assert.Equal(t, "varchar(26)", ULID{}.GormDataType())
}

func TestBaseModel_BeforeCreate(t *testing.T) {
	t.Run("mints an id on insert", func(t *testing.T) {
		m := &BaseModel{}
		require.NoError(t, m.BeforeCreate(nil))
		assert.False(t, m.ID.IsZero())
	})

	t.Run("keeps a preset id", func(t *testing.T) {
		preset := NewULID()
		m := &BaseModel{ID: preset}
		require.NoError(t, m.BeforeCreate(nil))
		assert.Equal(t, preset, m.ID)
	})
}
