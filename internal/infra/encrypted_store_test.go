package infra

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aurakai/oracledrive/internal/domain"
)

// newTestStore creates an encrypted store in a temp directory for testing.
func newTestStore(t *testing.T) (*EncryptedStore, string, []byte) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "sandbox.db")
	key, err := GenerateKey()
	require.NoError(t, err)

	store, err := NewEncryptedStore(dbPath, key)
	require.NoError(t, err)

	t.Cleanup(func() { store.Close() })
	return store, dbPath, key
}

func TestEncryptedStore_CreateAndFind(t *testing.T) {
	ctx := context.Background()
	store, _, _ := newTestStore(t)

	sb, err := store.Create(ctx, "Test", domain.TypeSecurityTesting)
	require.NoError(t, err)
	assert.NotEmpty(t, sb.ID)

	found, ok, err := store.Find(ctx, sb.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, sb.ID, found.ID)
	assert.Equal(t, "Test", found.Name)
	assert.Equal(t, domain.TypeSecurityTesting, found.Type)
	assert.True(t, sb.CreatedAt.Equal(found.CreatedAt))
	assert.Empty(t, found.Modifications)

	_, ok, err = store.Find(ctx, "unknown")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEncryptedStore_Append(t *testing.T) {
	tests := []struct {
		name string
		mod  domain.SystemModification
	}{
		{
			name: "new file",
			mod: domain.SystemModification{
				ID:              "m-new",
				Description:     "create",
				TargetFile:      "/data/local/new.conf",
				Original:        domain.Absent(),
				ModifiedContent: []byte("hello"),
				RiskLevel:       domain.RiskLow,
				Reversible:      true,
			},
		},
		{
			name: "existing empty file",
			mod: domain.SystemModification{
				ID:              "m-empty",
				TargetFile:      "/data/local/empty.conf",
				Original:        domain.Present([]byte{}, 0600),
				ModifiedContent: []byte("x"),
				RiskLevel:       domain.RiskMedium,
				Reversible:      true,
			},
		},
		{
			name: "existing file with content",
			mod: domain.SystemModification{
				ID:              "m-full",
				TargetFile:      "/system/etc/hosts",
				Original:        domain.Present([]byte("127.0.0.1 localhost"), 0644),
				ModifiedContent: []byte{},
				RiskLevel:       domain.RiskHigh,
				Reversible:      true,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			store, _, _ := newTestStore(t)
			sb, err := store.Create(ctx, "Test", domain.TypeSystemModification)
			require.NoError(t, err)

			updated, err := store.Append(ctx, sb.ID, tt.mod)
			require.NoError(t, err)
			require.Len(t, updated.Modifications, 1)

			got := updated.Modifications[0]
			assert.Equal(t, tt.mod.ID, got.ID)
			assert.Equal(t, tt.mod.TargetFile, got.TargetFile)
			assert.Equal(t, tt.mod.Original.Exists, got.Original.Exists)
			assert.Equal(t, tt.mod.Original.Mode, got.Original.Mode)
			assert.Equal(t, len(tt.mod.Original.Data), len(got.Original.Data))
			assert.Equal(t, string(tt.mod.ModifiedContent), string(got.ModifiedContent))
			assert.Equal(t, tt.mod.RiskLevel, got.RiskLevel)
			assert.True(t, got.Reversible)
		})
	}
}

func TestEncryptedStore_Append_UnknownSandbox(t *testing.T) {
	store, _, _ := newTestStore(t)

	_, err := store.Append(context.Background(), "missing", domain.SystemModification{ID: "m1"})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestEncryptedStore_ListInsertionOrder(t *testing.T) {
	ctx := context.Background()
	store, _, _ := newTestStore(t)

	a, err := store.Create(ctx, "a", domain.TypeUITheming)
	require.NoError(t, err)
	b, err := store.Create(ctx, "b", domain.TypeCustomROM)
	require.NoError(t, err)

	_, err = store.Append(ctx, b.ID, domain.SystemModification{ID: "b1", Original: domain.Absent()})
	require.NoError(t, err)
	_, err = store.Append(ctx, a.ID, domain.SystemModification{ID: "a1", Original: domain.Absent()})
	require.NoError(t, err)
	_, err = store.Append(ctx, b.ID, domain.SystemModification{ID: "b2", Original: domain.Absent()})
	require.NoError(t, err)

	list, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, a.ID, list[0].ID)
	assert.Equal(t, b.ID, list[1].ID)

	require.Len(t, list[0].Modifications, 1)
	require.Len(t, list[1].Modifications, 2)
	assert.Equal(t, "b1", list[1].Modifications[0].ID)
	assert.Equal(t, "b2", list[1].Modifications[1].ID)
}

func TestEncryptedStore_ListEmpty(t *testing.T) {
	store, _, _ := newTestStore(t)

	list, err := store.List(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, list)
	assert.Empty(t, list)
}

func TestEncryptedStore_Settings(t *testing.T) {
	store, _, _ := newTestStore(t)

	v, err := store.GetInt("missing")
	require.NoError(t, err)
	assert.Equal(t, 0, v)

	require.NoError(t, store.PutInt("attempts", 2))
	v, err = store.GetInt("attempts")
	require.NoError(t, err)
	assert.Equal(t, 2, v)

	require.NoError(t, store.PutInt64("last", 1700000000123))
	v64, err := store.GetInt64("last")
	require.NoError(t, err)
	assert.Equal(t, int64(1700000000123), v64)

	require.NoError(t, store.PutInt("attempts", 0))
	v, err = store.GetInt("attempts")
	require.NoError(t, err)
	assert.Equal(t, 0, v)
}

// TestEncryptedStore_PersistsAcrossReopen verifies sandboxes and counters
// survive closing and reopening with the same key.
func TestEncryptedStore_PersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	store, dbPath, key := newTestStore(t)

	sb, err := store.Create(ctx, "persisted", domain.TypePerformanceTuning)
	require.NoError(t, err)
	_, err = store.Append(ctx, sb.ID, domain.SystemModification{ID: "m1", Original: domain.Absent(), ModifiedContent: []byte("x")})
	require.NoError(t, err)
	require.NoError(t, store.PutInt("failed_confirmation_attempts", 2))
	require.NoError(t, store.Close())

	reopened, err := NewEncryptedStore(dbPath, key)
	require.NoError(t, err)
	defer reopened.Close()

	found, ok, err := reopened.Find(ctx, sb.ID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, found.Modifications, 1)

	attempts, err := reopened.GetInt("failed_confirmation_attempts")
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
}

func TestEncryptedStore_WrongKey(t *testing.T) {
	ctx := context.Background()
	store, dbPath, _ := newTestStore(t)
	_, err := store.Create(ctx, "secret", domain.TypeSystemModification)
	require.NoError(t, err)
	require.NoError(t, store.Close())

	wrongKey, err := GenerateKey()
	require.NoError(t, err)

	_, err = NewEncryptedStore(dbPath, wrongKey)
	assert.ErrorIs(t, err, domain.ErrStorage)
}

// TestEncryptedStore_FileIsEncrypted verifies plaintext names never reach disk.
func TestEncryptedStore_FileIsEncrypted(t *testing.T) {
	ctx := context.Background()
	store, dbPath, _ := newTestStore(t)
	_, err := store.Create(ctx, "very-distinctive-sandbox-name", domain.TypeSystemModification)
	require.NoError(t, err)
	require.NoError(t, store.Close())

	raw, err := os.ReadFile(dbPath)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "very-distinctive-sandbox-name")
	assert.NotContains(t, string(raw), "SQLite format 3")
}
