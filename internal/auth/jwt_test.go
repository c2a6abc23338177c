package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssueAndParseRoundTrip(t *testing.T) {
	id := Identity{ID: "S123", Role: RoleStudent, Name: "Asha", USN: "1RV20CS001"}
	pair, err := Issue(id, "qrattend", "test-key", time.Minute, time.Hour)
	require.NoError(t, err)

	claims, err := Parse(pair.AccessToken, "test-key", "qrattend")
	require.NoError(t, err)
	assert.Equal(t, "S123", claims.Subject)
	assert.Equal(t, RoleStudent, claims.Role)
	assert.Equal(t, "1RV20CS001", claims.USN)
}

func TestParseRejectsWrongKey(t *testing.T) {
	pair, err := Issue(Identity{ID: "F1", Role: RoleFaculty, Name: "Dr. Rao"}, "qrattend", "key-a", time.Minute, time.Hour)
	require.NoError(t, err)

	_, err = Parse(pair.AccessToken, "key-b", "qrattend")
	assert.Error(t, err)
}

func TestParseRejectsIssuerMismatch(t *testing.T) {
	pair, err := Issue(Identity{ID: "F1", Role: RoleFaculty}, "other-issuer", "key", time.Minute, time.Hour)
	require.NoError(t, err)

	_, err = Parse(pair.AccessToken, "key", "qrattend")
	assert.Error(t, err)
}
