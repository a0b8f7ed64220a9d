package valkey

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/openmodeling/portal-oauth/internal/testutil"
	"github.com/openmodeling/portal-oauth/security"
	"github.com/openmodeling/portal-oauth/storage"
)

// testStore creates a test store connected to a local Valkey instance.
// Tests will be skipped if VALKEY_TEST_ADDR is not set or connection fails.
// Each test gets a unique prefix to ensure test isolation.
func testStore(t *testing.T) *Store {
	t.Helper()

	addr := os.Getenv("VALKEY_TEST_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}

	prefix := fmt.Sprintf("oauthtest:%s:", t.Name())

	store, err := New(Config{
		Address:   addr,
		KeyPrefix: prefix,
	})
	if err != nil {
		t.Skipf("Skipping test: could not connect to Valkey at %s: %v", addr, err)
	}

	t.Cleanup(func() {
		cleanupTestKeys(t, store)
		store.Close()
	})

	cleanupTestKeys(t, store)
	return store
}

// cleanupTestKeys removes all keys under the test prefix
func cleanupTestKeys(t *testing.T, s *Store) {
	t.Helper()

	ctx := context.Background()
	pattern := s.prefix + "*"

	var cursor uint64
	for {
		result, err := s.client.Do(ctx,
			s.client.B().Scan().Cursor(cursor).Match(pattern).Count(100).Build(),
		).AsScanEntry()
		if err != nil {
			t.Logf("Warning: failed to scan for cleanup: %v", err)
			return
		}

		for _, key := range result.Elements {
			_ = s.client.Do(ctx, s.client.B().Del().Key(key).Build())
		}

		cursor = result.Cursor
		if cursor == 0 {
			break
		}
	}
}

// ============================================================
// Config Tests
// ============================================================

func TestNew_MissingAddress(t *testing.T) {
	_, err := New(Config{})
	if err == nil {
		t.Error("Expected error for missing address")
	}
}

func TestNew_InvalidAddress(t *testing.T) {
	_, err := New(Config{Address: "invalid:99999"})
	if err == nil {
		t.Error("Expected error for invalid address")
	}
}

// ============================================================
// ClientStore Tests
// ============================================================

func TestClientStore_CreateAndGet(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	client := testutil.NewTestClient()
	if err := s.CreateClient(ctx, client, -1); err != nil {
		t.Fatalf("CreateClient failed: %v", err)
	}

	got, err := s.GetClient(ctx, client.ID)
	if err != nil {
		t.Fatalf("GetClient failed: %v", err)
	}
	if got.Name != client.Name {
		t.Errorf("Name = %q, want %q", got.Name, client.Name)
	}
	if got.Secret != client.Secret {
		t.Errorf("Secret = %q, want %q", got.Secret, client.Secret)
	}
	if len(got.RedirectURIs) != 1 || got.RedirectURIs[0] != client.RedirectURIs[0] {
		t.Errorf("RedirectURIs = %v, want %v", got.RedirectURIs, client.RedirectURIs)
	}
}

func TestClientStore_GetClient_NotFound(t *testing.T) {
	s := testStore(t)

	_, err := s.GetClient(context.Background(), "no-such-client")
	if !errors.Is(err, storage.ErrClientNotFound) {
		t.Errorf("error = %v, want ErrClientNotFound", err)
	}
}

func TestClientStore_CreateClient_DuplicateName(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	first := testutil.NewTestClient()
	if err := s.CreateClient(ctx, first, -1); err != nil {
		t.Fatalf("CreateClient failed: %v", err)
	}

	// Same owner, same name, same internal flag: rejected.
	second := testutil.NewTestClient()
	second.Name = first.Name
	err := s.CreateClient(ctx, second, -1)
	if !errors.Is(err, storage.ErrClientExists) {
		t.Errorf("error = %v, want ErrClientExists", err)
	}

	// An internal client with the same name does not collide.
	third := testutil.NewTestClient()
	third.Name = first.Name
	third.Internal = true
	if err := s.CreateClient(ctx, third, -1); err != nil {
		t.Errorf("CreateClient with internal flag failed: %v", err)
	}
}

func TestClientStore_CreateClient_QuotaExceeded(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	first := testutil.NewTestClient()
	first.RateLimit = 2.0
	if err := s.CreateClient(ctx, first, 3.0); err != nil {
		t.Fatalf("CreateClient failed: %v", err)
	}

	second := testutil.NewTestClient()
	second.Name = "Second Client"
	second.RateLimit = 2.0
	err := s.CreateClient(ctx, second, 3.0)
	if !errors.Is(err, storage.ErrQuotaExceeded) {
		t.Errorf("error = %v, want ErrQuotaExceeded", err)
	}

	// A rejected create must not count toward used quota.
	used, err := s.UsedQuota(ctx, first.OwnerID)
	if err != nil {
		t.Fatalf("UsedQuota failed: %v", err)
	}
	if used != 2.0 {
		t.Errorf("UsedQuota = %v, want 2.0", used)
	}
}

func TestClientStore_SaveClient_NotFound(t *testing.T) {
	s := testStore(t)

	client := testutil.NewTestClient()
	err := s.SaveClient(context.Background(), client)
	if !errors.Is(err, storage.ErrClientNotFound) {
		t.Errorf("error = %v, want ErrClientNotFound", err)
	}
}

func TestClientStore_SaveClient_Update(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	client := testutil.NewTestClient()
	if err := s.CreateClient(ctx, client, -1); err != nil {
		t.Fatalf("CreateClient failed: %v", err)
	}

	client.Secret = "rotated-secret"
	if err := s.SaveClient(ctx, client); err != nil {
		t.Fatalf("SaveClient failed: %v", err)
	}

	got, err := s.GetClient(ctx, client.ID)
	if err != nil {
		t.Fatalf("GetClient failed: %v", err)
	}
	if got.Secret != "rotated-secret" {
		t.Errorf("Secret = %q, want rotated secret", got.Secret)
	}
}

func TestClientStore_FindClientByOwner(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	client := testutil.NewTestClient()
	if err := s.CreateClient(ctx, client, -1); err != nil {
		t.Fatalf("CreateClient failed: %v", err)
	}

	got, err := s.FindClientByOwner(ctx, client.OwnerID, client.Name)
	if err != nil {
		t.Fatalf("FindClientByOwner failed: %v", err)
	}
	if got.ID != client.ID {
		t.Errorf("ID = %q, want %q", got.ID, client.ID)
	}

	_, err = s.FindClientByOwner(ctx, client.OwnerID, "no-such-name")
	if !errors.Is(err, storage.ErrClientNotFound) {
		t.Errorf("error = %v, want ErrClientNotFound", err)
	}
}

func TestClientStore_DeleteClient_Cascade(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	client := testutil.NewTestClient()
	if err := s.CreateClient(ctx, client, -1); err != nil {
		t.Fatalf("CreateClient failed: %v", err)
	}

	token := testutil.NewTestToken(client.ID, "user-1")
	if err := s.IssueToken(ctx, token); err != nil {
		t.Fatalf("IssueToken failed: %v", err)
	}

	grant := testutil.NewTestGrant(client.ID, "user-1")
	if err := s.SaveGrant(ctx, grant); err != nil {
		t.Fatalf("SaveGrant failed: %v", err)
	}

	if err := s.DeleteClient(ctx, client.ID); err != nil {
		t.Fatalf("DeleteClient failed: %v", err)
	}

	if _, err := s.GetClient(ctx, client.ID); !errors.Is(err, storage.ErrClientNotFound) {
		t.Errorf("client error = %v, want ErrClientNotFound", err)
	}
	if _, err := s.GetByAccessToken(ctx, token.AccessToken); !errors.Is(err, storage.ErrTokenNotFound) {
		t.Errorf("token error = %v, want ErrTokenNotFound", err)
	}
	if _, err := s.GetGrant(ctx, client.ID, grant.Code); !errors.Is(err, storage.ErrGrantNotFound) {
		t.Errorf("grant error = %v, want ErrGrantNotFound", err)
	}
}

func TestClientStore_ListClients(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		client := testutil.NewTestClient()
		client.Name = fmt.Sprintf("List Client %d", i)
		if err := s.CreateClient(ctx, client, -1); err != nil {
			t.Fatalf("CreateClient failed: %v", err)
		}
	}

	clients, err := s.ListClients(ctx)
	if err != nil {
		t.Fatalf("ListClients failed: %v", err)
	}
	if len(clients) != 3 {
		t.Errorf("len(clients) = %d, want 3", len(clients))
	}
}

// ============================================================
// TokenStore Tests
// ============================================================

func TestTokenStore_IssueAndGet(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	token := testutil.NewTestToken("client-1", "user-1")
	if err := s.IssueToken(ctx, token); err != nil {
		t.Fatalf("IssueToken failed: %v", err)
	}

	got, err := s.GetByAccessToken(ctx, token.AccessToken)
	if err != nil {
		t.Fatalf("GetByAccessToken failed: %v", err)
	}
	if got.ID != token.ID {
		t.Errorf("ID = %q, want %q", got.ID, token.ID)
	}
	if got.AccessToken != token.AccessToken {
		t.Errorf("AccessToken = %q, want %q", got.AccessToken, token.AccessToken)
	}

	byRefresh, err := s.GetByRefreshToken(ctx, token.RefreshToken)
	if err != nil {
		t.Fatalf("GetByRefreshToken failed: %v", err)
	}
	if byRefresh.ID != token.ID {
		t.Errorf("ID = %q, want %q", byRefresh.ID, token.ID)
	}

	byPair, err := s.GetTokenForClientUser(ctx, "client-1", "user-1")
	if err != nil {
		t.Fatalf("GetTokenForClientUser failed: %v", err)
	}
	if byPair.ID != token.ID {
		t.Errorf("ID = %q, want %q", byPair.ID, token.ID)
	}
}

func TestTokenStore_IssueToken_ReplacesPair(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	old := testutil.NewTestToken("client-1", "user-1")
	if err := s.IssueToken(ctx, old); err != nil {
		t.Fatalf("IssueToken failed: %v", err)
	}

	replacement := testutil.NewTestToken("client-1", "user-1")
	if err := s.IssueToken(ctx, replacement); err != nil {
		t.Fatalf("IssueToken failed: %v", err)
	}

	// The old token and its indexes must be gone.
	if _, err := s.GetByAccessToken(ctx, old.AccessToken); !errors.Is(err, storage.ErrTokenNotFound) {
		t.Errorf("old access error = %v, want ErrTokenNotFound", err)
	}
	if _, err := s.GetByRefreshToken(ctx, old.RefreshToken); !errors.Is(err, storage.ErrTokenNotFound) {
		t.Errorf("old refresh error = %v, want ErrTokenNotFound", err)
	}

	got, err := s.GetTokenForClientUser(ctx, "client-1", "user-1")
	if err != nil {
		t.Fatalf("GetTokenForClientUser failed: %v", err)
	}
	if got.ID != replacement.ID {
		t.Errorf("pair token ID = %q, want %q", got.ID, replacement.ID)
	}
}

func TestTokenStore_PersonalTokens_Coexist(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	first := testutil.NewTestToken("client-1", "user-1")
	first.Personal = true
	first.RefreshToken = ""
	if err := s.IssueToken(ctx, first); err != nil {
		t.Fatalf("IssueToken failed: %v", err)
	}

	second := testutil.NewTestToken("client-1", "user-1")
	second.Personal = true
	second.RefreshToken = ""
	if err := s.IssueToken(ctx, second); err != nil {
		t.Fatalf("IssueToken failed: %v", err)
	}

	// Personal tokens do not replace each other.
	if _, err := s.GetByAccessToken(ctx, first.AccessToken); err != nil {
		t.Errorf("first personal token lookup failed: %v", err)
	}
	if _, err := s.GetByAccessToken(ctx, second.AccessToken); err != nil {
		t.Errorf("second personal token lookup failed: %v", err)
	}
}

func TestTokenStore_PersonalToken_SlidingExpiry(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	token := testutil.NewTestToken("client-1", "user-1")
	token.Personal = true
	token.RefreshToken = ""
	token.Expires = time.Now().Add(time.Hour)
	if err := s.IssueToken(ctx, token); err != nil {
		t.Fatalf("IssueToken failed: %v", err)
	}

	got, err := s.GetByAccessToken(ctx, token.AccessToken)
	if err != nil {
		t.Fatalf("GetByAccessToken failed: %v", err)
	}

	// A successful read pushes expiry out to now + the sliding window.
	want := time.Now().Add(s.personalTokenTTL)
	testutil.AssertTimeEqual(t, got.Expires, want, 5*time.Second)
}

func TestTokenStore_GetByAccessToken_Expired(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	token := testutil.NewTestToken("client-1", "user-1")
	token.Expires = time.Now().Add(-time.Minute)
	if err := s.IssueToken(ctx, token); err != nil {
		t.Fatalf("IssueToken failed: %v", err)
	}

	_, err := s.GetByAccessToken(ctx, token.AccessToken)
	if !errors.Is(err, storage.ErrTokenExpired) {
		t.Errorf("error = %v, want ErrTokenExpired", err)
	}
}

func TestTokenStore_GetByRefreshToken_ExpiredAccessStillWorks(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	// Refreshing an expired access token is the point of the refresh flow.
	token := testutil.NewTestToken("client-1", "user-1")
	token.Expires = time.Now().Add(-time.Minute)
	if err := s.IssueToken(ctx, token); err != nil {
		t.Fatalf("IssueToken failed: %v", err)
	}

	got, err := s.GetByRefreshToken(ctx, token.RefreshToken)
	if err != nil {
		t.Fatalf("GetByRefreshToken failed: %v", err)
	}
	if got.ID != token.ID {
		t.Errorf("ID = %q, want %q", got.ID, token.ID)
	}
}

func TestTokenStore_GetByRefreshToken_NotFound(t *testing.T) {
	s := testStore(t)

	_, err := s.GetByRefreshToken(context.Background(), "no-such-refresh")
	if !errors.Is(err, storage.ErrTokenNotFound) {
		t.Errorf("error = %v, want ErrTokenNotFound", err)
	}
}

func TestTokenStore_RevokeToken(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	token := testutil.NewTestToken("client-1", "user-1")
	if err := s.IssueToken(ctx, token); err != nil {
		t.Fatalf("IssueToken failed: %v", err)
	}

	if err := s.RevokeToken(ctx, token.AccessToken); err != nil {
		t.Fatalf("RevokeToken failed: %v", err)
	}

	if _, err := s.GetByAccessToken(ctx, token.AccessToken); !errors.Is(err, storage.ErrTokenNotFound) {
		t.Errorf("access error = %v, want ErrTokenNotFound", err)
	}
	if _, err := s.GetByRefreshToken(ctx, token.RefreshToken); !errors.Is(err, storage.ErrTokenNotFound) {
		t.Errorf("refresh error = %v, want ErrTokenNotFound", err)
	}
	if _, err := s.GetTokenForClientUser(ctx, "client-1", "user-1"); !errors.Is(err, storage.ErrTokenNotFound) {
		t.Errorf("pair error = %v, want ErrTokenNotFound", err)
	}

	// Revoking an unknown token is a no-op.
	if err := s.RevokeToken(ctx, token.AccessToken); err != nil {
		t.Errorf("second RevokeToken failed: %v", err)
	}
}

func TestTokenStore_EncryptionAtRest(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	key, err := security.GenerateEncryptionKey()
	if err != nil {
		t.Fatalf("GenerateEncryptionKey failed: %v", err)
	}
	enc, err := security.NewEncryptor(key)
	if err != nil {
		t.Fatalf("NewEncryptor failed: %v", err)
	}
	s.SetEncryptor(enc)

	token := testutil.NewTestToken("client-1", "user-1")
	if err := s.IssueToken(ctx, token); err != nil {
		t.Fatalf("IssueToken failed: %v", err)
	}

	// The stored row must not contain the plaintext access token.
	raw, err := s.client.Do(ctx, s.client.B().Get().Key(s.tokenKey(token.ID)).Build()).ToString()
	if err != nil {
		t.Fatalf("raw row read failed: %v", err)
	}
	if strings.Contains(raw, token.AccessToken) {
		t.Error("stored row contains plaintext access token")
	}

	// Lookups by plaintext value still work and return plaintext.
	got, err := s.GetByAccessToken(ctx, token.AccessToken)
	if err != nil {
		t.Fatalf("GetByAccessToken failed: %v", err)
	}
	if got.AccessToken != token.AccessToken {
		t.Errorf("AccessToken = %q, want plaintext", got.AccessToken)
	}
	if got.RefreshToken != token.RefreshToken {
		t.Errorf("RefreshToken = %q, want plaintext", got.RefreshToken)
	}
}

// ============================================================
// GrantStore Tests
// ============================================================

func TestGrantStore_SaveAndGet(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	grant := testutil.NewTestGrant("client-1", "user-1")
	if err := s.SaveGrant(ctx, grant); err != nil {
		t.Fatalf("SaveGrant failed: %v", err)
	}

	got, err := s.GetGrant(ctx, "client-1", grant.Code)
	if err != nil {
		t.Fatalf("GetGrant failed: %v", err)
	}
	if got.UserID != "user-1" {
		t.Errorf("UserID = %q, want user-1", got.UserID)
	}
	if got.RedirectURI != grant.RedirectURI {
		t.Errorf("RedirectURI = %q, want %q", got.RedirectURI, grant.RedirectURI)
	}

	// GetGrant does not consume: the code is still redeemable.
	if _, err := s.GetGrant(ctx, "client-1", grant.Code); err != nil {
		t.Errorf("second GetGrant failed: %v", err)
	}
}

func TestGrantStore_GetGrant_WrongClient(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	grant := testutil.NewTestGrant("client-1", "user-1")
	if err := s.SaveGrant(ctx, grant); err != nil {
		t.Fatalf("SaveGrant failed: %v", err)
	}

	_, err := s.GetGrant(ctx, "client-2", grant.Code)
	if !errors.Is(err, storage.ErrGrantNotFound) {
		t.Errorf("error = %v, want ErrGrantNotFound", err)
	}
}

func TestGrantStore_ConsumeGrant_Once(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	grant := testutil.NewTestGrant("client-1", "user-1")
	if err := s.SaveGrant(ctx, grant); err != nil {
		t.Fatalf("SaveGrant failed: %v", err)
	}

	got, err := s.ConsumeGrant(ctx, "client-1", grant.Code)
	if err != nil {
		t.Fatalf("ConsumeGrant failed: %v", err)
	}
	if got.UserID != "user-1" {
		t.Errorf("UserID = %q, want user-1", got.UserID)
	}

	_, err = s.ConsumeGrant(ctx, "client-1", grant.Code)
	if !errors.Is(err, storage.ErrGrantNotFound) {
		t.Errorf("replay error = %v, want ErrGrantNotFound", err)
	}
}

func TestGrantStore_ConsumeGrant_Expired(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	grant := testutil.NewTestGrant("client-1", "user-1")
	grant.Expires = time.Now().Add(-time.Minute)
	if err := s.SaveGrant(ctx, grant); err != nil {
		t.Fatalf("SaveGrant failed: %v", err)
	}

	_, err := s.ConsumeGrant(ctx, "client-1", grant.Code)
	if !errors.Is(err, storage.ErrGrantExpired) {
		t.Errorf("error = %v, want ErrGrantExpired", err)
	}

	// The expired code is deleted on the failed consume.
	_, err = s.ConsumeGrant(ctx, "client-1", grant.Code)
	if !errors.Is(err, storage.ErrGrantNotFound) {
		t.Errorf("second error = %v, want ErrGrantNotFound", err)
	}
}

func TestGrantStore_ConsumeGrant_Concurrent(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	grant := testutil.NewTestGrant("client-1", "user-1")
	if err := s.SaveGrant(ctx, grant); err != nil {
		t.Fatalf("SaveGrant failed: %v", err)
	}

	const workers = 10
	var wg sync.WaitGroup
	results := make(chan error, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.ConsumeGrant(ctx, "client-1", grant.Code)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	var succeeded int
	for err := range results {
		if err == nil {
			succeeded++
		} else if !errors.Is(err, storage.ErrGrantNotFound) {
			t.Errorf("unexpected error: %v", err)
		}
	}
	if succeeded != 1 {
		t.Errorf("succeeded = %d, want exactly 1", succeeded)
	}
}
