package core

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestUserService() (*UserService, *memUserStore, *recordingNotifier) {
	store := newMemUserStore()
	notifier := &recordingNotifier{}
	return NewUserService(store, testHasher(), notifier), store, notifier
}

func TestEditUserSelfServicePasswordChange(t *testing.T) {
	svc, store, _ := newTestUserService()
	alice := seedUser(store, "alice", "old", "a@x", userRole())

	res, err := svc.EditUser(context.Background(), PrincipalOf(alice), UserEdit{
		ID: alice.ID, Username: "alice", Password: "new", Email: "a@x",
	})
	require.NoError(t, err)
	assert.True(t, res.Applied)

	stored, err := store.FindByID(context.Background(), alice.ID)
	require.NoError(t, err)
	assert.NotEqual(t, alice.PasswordHash, stored.PasswordHash)
	assert.True(t, testHasher().Matches("new", stored.PasswordHash))
}

func TestEditUserUnchangedPasswordKeepsHash(t *testing.T) {
	svc, store, _ := newTestUserService()
	alice := seedUser(store, "alice", "old", "a@x", userRole())

	_, err := svc.EditUser(context.Background(), PrincipalOf(alice), UserEdit{
		ID: alice.ID, Username: "alice", Password: "old", Email: "a2@x",
	})
	require.NoError(t, err)

	stored, err := store.FindByID(context.Background(), alice.ID)
	require.NoError(t, err)
	assert.Equal(t, alice.PasswordHash, stored.PasswordHash)
	assert.Equal(t, "a2@x", stored.Email)
}

func TestEditUserRejectsOtherAccount(t *testing.T) {
	svc, store, _ := newTestUserService()
	seedUser(store, "alice", "pw", "a@x", userRole())
	bob := seedUser(store, "bob", "pw", "b@x", userRole())
	before := store.saveCount()

	_, err := svc.EditUser(context.Background(), PrincipalOf(bob), UserEdit{
		ID: 1, Username: "alice", Password: "pw", Email: "a@x",
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnauthorized))
	assert.Equal(t, "no permission to modify", err.Error())
	assert.Equal(t, before, store.saveCount(), "rejected edit must not write")
}

func TestEditUserRejectsRenameOfOwnRecord(t *testing.T) {
	svc, store, _ := newTestUserService()
	bob := seedUser(store, "bob", "pw", "b@x", userRole())

	_, err := svc.EditUser(context.Background(), PrincipalOf(bob), UserEdit{
		ID: bob.ID, Username: "robert", Password: "pw", Email: "b@x",
	})
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestEditUserRejectsTakeoverBySubmittingOwnName(t *testing.T) {
	svc, store, _ := newTestUserService()
	alice := seedUser(store, "alice", "pw", "a@x", userRole())
	bob := seedUser(store, "bob", "pw", "b@x", userRole())

	// bob targets alice's id while submitting his own username
	_, err := svc.EditUser(context.Background(), PrincipalOf(bob), UserEdit{
		ID: alice.ID, Username: "bob", Password: "pw", Email: "a@x",
	})
	assert.ErrorIs(t, err, ErrUnauthorized)

	stored, err := store.FindByID(context.Background(), alice.ID)
	require.NoError(t, err)
	assert.Equal(t, "alice", stored.Username)
}

func TestEditUserGrandPermissionEditsAnyone(t *testing.T) {
	svc, store, _ := newTestUserService()
	admin := seedUser(store, "admin", "pw", "root@x", adminRole())
	carol := seedUser(store, "carol", "pw", "c@x", userRole())

	res, err := svc.EditUser(context.Background(), PrincipalOf(admin), UserEdit{
		ID: carol.ID, Username: "caroline", Password: "pw", Email: "c@x",
	})
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.Equal(t, "caroline", res.Record.Username)
	assert.Equal(t, carol.PasswordHash, res.Record.PasswordHash)
	assert.Equal(t, carol.Roles, res.Record.Roles, "nil roles keep the stored set")
}

func TestEditUserMissingTargetIsNoop(t *testing.T) {
	svc, store, _ := newTestUserService()
	admin := seedUser(store, "admin", "pw", "root@x", adminRole())
	before := store.saveCount()

	res, err := svc.EditUser(context.Background(), PrincipalOf(admin), UserEdit{
		ID: 404, Username: "ghost", Password: "pw", Email: "g@x",
	})
	require.NoError(t, err)
	assert.False(t, res.Applied)
	assert.Equal(t, int64(404), res.Record.ID)
	assert.Equal(t, "ghost", res.Record.Username)
	assert.Empty(t, res.Record.PasswordHash)
	assert.Equal(t, before, store.saveCount())
}

func TestEditUserDefaultPrincipalCannotEscalate(t *testing.T) {
	svc, store, _ := newTestUserService()
	alice := seedUser(store, "alice", "pw", "a@x", userRole())

	res, err := svc.EditUser(context.Background(), PrincipalOf(alice), UserEdit{
		ID: alice.ID, Username: "alice", Password: "pw", Email: "a@x",
		Roles: []Role{{Name: "ADMIN", Permissions: []PermissionType{GrandPermission}}},
	})
	require.NoError(t, err)
	assert.Equal(t, alice.Roles, res.Record.Roles)
	assert.Equal(t, GenerateTests, ResolvePermission(PrincipalOf(res.Record)))
}

func TestEditUserGrandPrincipalReplacesRoles(t *testing.T) {
	svc, store, _ := newTestUserService()
	admin := seedUser(store, "admin", "pw", "root@x", adminRole())
	alice := seedUser(store, "alice", "pw", "a@x", userRole())

	res, err := svc.EditUser(context.Background(), PrincipalOf(admin), UserEdit{
		ID: alice.ID, Username: "alice", Password: "pw", Email: "a@x",
		Roles: []Role{{Name: "MODERATOR", Permissions: []PermissionType{GrandPermission}}},
	})
	require.NoError(t, err)
	require.Len(t, res.Record.Roles, 1)
	assert.Equal(t, "MODERATOR", res.Record.Roles[0].Name)
	assert.Equal(t, GrandPermission, ResolvePermission(PrincipalOf(res.Record)))
}

func TestEditUserRenameIntoTakenUsername(t *testing.T) {
	svc, store, _ := newTestUserService()
	admin := seedUser(store, "admin", "pw", "root@x", adminRole())
	alice := seedUser(store, "alice", "pw", "a@x", userRole())

	_, err := svc.EditUser(context.Background(), PrincipalOf(admin), UserEdit{
		ID: alice.ID, Username: "admin", Password: "pw", Email: "a@x",
	})
	assert.ErrorIs(t, err, ErrUserExists)
}

func TestRegisterUser(t *testing.T) {
	svc, store, notifier := newTestUserService()

	rec, err := svc.RegisterUser(context.Background(), "dave", "pw", "d@x")
	require.NoError(t, err)
	assert.NotZero(t, rec.ID)
	assert.True(t, testHasher().Matches("pw", rec.PasswordHash))
	require.Len(t, rec.Roles, 1)
	assert.Equal(t, DefaultRoleName, rec.Roles[0].Name)
	assert.Equal(t, []PermissionType{GenerateTests}, rec.Roles[0].Permissions)
	assert.Equal(t, []string{"d@x"}, notifier.emails)

	stored, err := store.FindByUsername(context.Background(), "dave")
	require.NoError(t, err)
	assert.Equal(t, rec.ID, stored.ID)
}

func TestRegisterUserCreatesFreshRolePerAccount(t *testing.T) {
	svc, _, _ := newTestUserService()
	a, err := svc.RegisterUser(context.Background(), "a1", "pw", "a1@x")
	require.NoError(t, err)
	b, err := svc.RegisterUser(context.Background(), "b1", "pw", "b1@x")
	require.NoError(t, err)
	assert.NotEqual(t, a.Roles[0].ID, b.Roles[0].ID)
}

func TestRegisterUserConflicts(t *testing.T) {
	svc, store, notifier := newTestUserService()
	seedUser(store, "erin", "pw", "e@x", userRole())

	_, err := svc.RegisterUser(context.Background(), "erin", "pw", "other@x")
	assert.ErrorIs(t, err, ErrUserExists)

	_, err = svc.RegisterUser(context.Background(), "frank", "pw", "e@x")
	assert.ErrorIs(t, err, ErrEmailExists)

	// username is checked first
	_, err = svc.RegisterUser(context.Background(), "erin", "pw", "e@x")
	assert.ErrorIs(t, err, ErrUserExists)

	assert.Empty(t, notifier.emails)
}

func TestRegisterUserNotifierFailureDoesNotFail(t *testing.T) {
	svc, _, notifier := newTestUserService()
	notifier.err = errors.New("relay down")

	rec, err := svc.RegisterUser(context.Background(), "gina", "pw", "g@x")
	require.NoError(t, err)
	assert.NotZero(t, rec.ID)
}

func TestRegisterUserConcurrentSameUsername(t *testing.T) {
	svc, _, _ := newTestUserService()
	const n = 8
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = svc.RegisterUser(context.Background(), "race", "pw", "race@x")
		}(i)
	}
	wg.Wait()

	ok := 0
	for _, err := range errs {
		if err == nil {
			ok++
			continue
		}
		assert.ErrorIs(t, err, ErrUserExists)
	}
	assert.Equal(t, 1, ok)
}

func TestAuthenticate(t *testing.T) {
	svc, store, _ := newTestUserService()
	seedUser(store, "hank", "pw", "h@x", userRole())

	rec, err := svc.Authenticate(context.Background(), "hank", "pw")
	require.NoError(t, err)
	assert.Equal(t, "hank", rec.Username)

	_, err = svc.Authenticate(context.Background(), "hank", "nope")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = svc.Authenticate(context.Background(), "nobody", "pw")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = svc.Authenticate(context.Background(), "", "")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestUserQueries(t *testing.T) {
	svc, store, _ := newTestUserService()
	ivy := seedUser(store, "ivy", "pw", "i@x", userRole())
	seedUser(store, "admin", "pw", "root@x", adminRole())
	ctx := context.Background()

	got, err := svc.FindUserByUsername(ctx, "ivy")
	require.NoError(t, err)
	assert.Equal(t, ivy.ID, got.ID)

	_, err = svc.FindUserByUsername(ctx, "nobody")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = svc.FindUserByID(ctx, 999)
	assert.ErrorIs(t, err, ErrNotFound)

	holders, err := svc.FindUsersByRole(ctx, "ADMIN")
	require.NoError(t, err)
	require.Len(t, holders, 1)
	assert.Equal(t, "admin", holders[0].Username)

	_, err = svc.FindUsersByRole(ctx, "GHOST")
	assert.ErrorIs(t, err, ErrNotFound)

	items, total, err := svc.ListUsers(ctx, 1, 10)
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Len(t, items, 2)
}
