package core

// UserEdit is the desired new state of a user record, identified by ID.
// Password is the plaintext submitted with the edit; it may be the current one.
type UserEdit struct {
	ID       int64
	Username string
	Password string
	Email    string
	// Roles replaces the role set; only honoured for GRAND_PERMISSION principals.
	// Nil keeps the stored roles.
	Roles []Role
}

// authorizeEdit is the access guard for user edits. A GRAND_PERMISSION principal
// may edit any record. Everyone else may only edit their own record and may not
// rename it away from their username.
func authorizeEdit(actor Principal, stored CredentialRecord, edit UserEdit) error {
	if ResolvePermission(actor) == GrandPermission {
		return nil
	}
	if edit.Username == actor.Username && stored.Username == actor.Username {
		return nil
	}
	return ErrUnauthorized
}

// rolesAfterEdit returns the role set to persist. Role changes need GRAND_PERMISSION.
func rolesAfterEdit(actor Principal, stored CredentialRecord, edit UserEdit) []Role {
	if edit.Roles != nil && ResolvePermission(actor) == GrandPermission {
		return edit.Roles
	}
	return stored.Roles
}
