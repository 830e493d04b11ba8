package domain

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dErrors "payplan/pkg/domain-errors"
)

// TestParseUUID_Invariants validates the parsing invariant:
// "IDs must be valid, non-empty, non-nil UUIDs"
func TestParseUUID_Invariants(t *testing.T) {
	t.Run("rejects empty string", func(t *testing.T) {
		_, err := ParseUserID("")
		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeInvalidInput))
	})

	t.Run("rejects invalid format", func(t *testing.T) {
		_, err := ParseUserID("not-a-uuid")
		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeInvalidInput))
	})

	t.Run("rejects nil UUID", func(t *testing.T) {
		_, err := ParseUserID(uuid.Nil.String())
		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeInvalidInput))
	})

	t.Run("accepts valid UUID", func(t *testing.T) {
		validUUID := uuid.New()
		id, err := ParseUserID(validUUID.String())
		require.NoError(t, err)
		assert.Equal(t, UserID(validUUID), id)
	})
}

func TestParseID_RejectsHostileInput(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"SQL injection attempt", "'; DROP TABLE users;--", true},
		{"Path traversal", "../../../etc/passwd", true},
		{"Null byte injection", "550e8400\x00-e29b-41d4-a716-446655440000", true},
		{"Oversized input", strings.Repeat("a", 1000), true},
		{"Braced UUID", "{550e8400-e29b-41d4-a716-446655440000}", true},
		{"Whitespace only", "   ", true},
		{"Uppercase valid UUID", "550E8400-E29B-41D4-A716-446655440000", false},
		{"Valid UUID lowercase", "550e8400-e29b-41d4-a716-446655440000", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, errUser := ParseUserID(tt.input)
			_, errEarning := ParseEarningID(tt.input)
			if tt.wantErr {
				require.Error(t, errUser)
				require.Error(t, errEarning)
				assert.True(t, dErrors.HasCode(errUser, dErrors.CodeInvalidInput))
			} else {
				require.NoError(t, errUser)
				require.NoError(t, errEarning)
			}
		})
	}
}

func TestUserID_JSONRoundTrip(t *testing.T) {
	type payload struct {
		Referrer *UserID `json:"referrer_id,omitempty"`
		User     UserID  `json:"user_id"`
	}
	in := payload{User: NewUserID(), Referrer: NewUserID().Ptr()}

	raw, err := json.Marshal(in)
	require.NoError(t, err)

	var out payload
	require.NoError(t, json.Unmarshal(raw, &out))
	assert.Equal(t, in.User, out.User)
	require.NotNil(t, out.Referrer)
	assert.Equal(t, *in.Referrer, *out.Referrer)

	t.Run("rejects nil id in payload", func(t *testing.T) {
		err := json.Unmarshal([]byte(`{"user_id":"`+uuid.Nil.String()+`"}`), &out)
		require.Error(t, err)
	})
}

func TestUserID_SQLRoundTrip(t *testing.T) {
	id := NewUserID()
	v, err := id.Value()
	require.NoError(t, err)

	var scanned UserID
	require.NoError(t, scanned.Scan(v))
	assert.Equal(t, id, scanned)

	require.NoError(t, scanned.Scan([]byte(id.String())))
	assert.Equal(t, id, scanned)
}
