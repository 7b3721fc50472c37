package types

import (
	"crypto"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRegistrySignatureThreshold(t *testing.T) {
	cases := []struct {
		active int
		want   int
	}{
		{0, 0}, {1, 1}, {2, 2}, {3, 2}, {4, 3}, {6, 4}, {7, 5}, {9, 6},
	}
	for _, c := range cases {
		r := testRegistry(t, c.active)
		require.Equal(t, c.want, r.SignatureThreshold(), "active=%d", c.active)
	}
}

func TestRegistryActiveExcludesRevokedAndPending(t *testing.T) {
	r := testRegistry(t, 3)
	r.Authorities[0].Status = AuthorityRevoked
	r.Authorities = append(r.Authorities, &Authority{ID: "p", NodeID: "n", PubKey: []byte{1}, Tier: TierSecondary, Status: AuthorityPending})

	active := r.Active()
	require.Len(t, active, 2)
	for _, a := range active {
		require.Equal(t, AuthorityActive, a.Status)
	}
}

func TestRegistryCloneIsDeep(t *testing.T) {
	r := testRegistry(t, 2)
	c := r.Clone()
	c.Authorities[0].Status = AuthorityRevoked
	c.Authorities[1].Zones[0] = "changed"

	require.Equal(t, AuthorityActive, r.Authorities[0].Status)
	require.Equal(t, "zone-x", r.Authorities[1].Zones[0])
}

func TestRegistryCloneHashesLikeOriginal(t *testing.T) {
	for name, r := range map[string]*AuthorityRegistry{
		"empty":     {},
		"populated": testRegistry(t, 3),
	} {
		t.Run(name, func(t *testing.T) {
			h1, err := r.Hash(crypto.SHA256)
			require.NoError(t, err)
			h2, err := r.Clone().Hash(crypto.SHA256)
			require.NoError(t, err)
			require.Equal(t, h1, h2)
		})
	}
}

func TestRegistryHashChangesWithContent(t *testing.T) {
	r := testRegistry(t, 3)
	h1, err := r.Hash(crypto.SHA256)
	require.NoError(t, err)

	c := r.Clone()
	c.Authorities[1].Status = AuthorityRevoked
	h2, err := c.Hash(crypto.SHA256)
	require.NoError(t, err)
	require.NotEqual(t, h1, h2)
}

func testRegistry(t *testing.T, active int) *AuthorityRegistry {
	t.Helper()
	r := &AuthorityRegistry{Version: 1}
	for i := 0; i < active; i++ {
		r.Authorities = append(r.Authorities, &Authority{
			ID:     "authority-" + string(rune('a'+i)),
			NodeID: "node-" + string(rune('a'+i)),
			Tier:   TierPrimary,
			PubKey: []byte{byte(i + 1)},
			Zones:  []string{"zone-x"},
			Status: AuthorityActive,
		})
	}
	return r
}
