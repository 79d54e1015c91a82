package store

// Holds evaluates the guard against an in-memory record.
func (g Guard) Holds(u *User) bool {
	if u == nil {
		return false
	}
	if g.HasMFA != nil && u.HasMFA != *g.HasMFA {
		return false
	}
	if g.MFASecret != nil && u.MFASecret != *g.MFASecret {
		return false
	}
	if g.Cooldown != CooldownNone && u.lastChange(g.Cooldown) > g.NotAfter {
		return false
	}
	if g.PasswordResetHash != nil && u.PasswordResetHash != *g.PasswordResetHash {
		return false
	}
	if g.PendingEmailCode != nil && (u.PendingEmail == nil || u.PendingEmail.Code != *g.PendingEmailCode) {
		return false
	}
	return true
}

func (u *User) lastChange(f CooldownField) int64 {
	switch f {
	case CooldownUsername:
		return u.LastUsernameChange
	case CooldownEmail:
		return u.LastEmailChange
	case CooldownPassword:
		return u.LastPasswordChange
	case CooldownAvatar:
		return u.LastAvatarChange
	}
	return 0
}

// CooldownBSONField returns the document field a cooldown guard reads.
func CooldownBSONField(f CooldownField) string {
	switch f {
	case CooldownUsername:
		return "last_username_change"
	case CooldownEmail:
		return "last_email_change"
	case CooldownPassword:
		return "last_password_change"
	case CooldownAvatar:
		return "last_avatar_change"
	}
	return ""
}

// Apply writes the update onto an in-memory record.
func (up UserUpdate) Apply(u *User) {
	setString(&u.Username, up.Username)
	setString(&u.PasswordHash, up.PasswordHash)
	setString(&u.Email, up.Email)
	if up.EmailVerified != nil {
		u.EmailVerified = *up.EmailVerified
	}
	setString(&u.EmailVerificationCode, up.EmailVerificationCode)
	if up.ClearPendingEmail {
		u.PendingEmail = nil
	}
	if up.PendingEmail != nil {
		pe := *up.PendingEmail
		u.PendingEmail = &pe
	}
	setString(&u.MFASecret, up.MFASecret)
	if up.HasMFA != nil {
		u.HasMFA = *up.HasMFA
	}
	if up.BackupCodes != nil {
		u.BackupCodes = cloneStrings(*up.BackupCodes)
	}
	setInt(&u.LastUsernameChange, up.LastUsernameChange)
	setInt(&u.LastEmailChange, up.LastEmailChange)
	setInt(&u.LastPasswordChange, up.LastPasswordChange)
	setInt(&u.LastAvatarChange, up.LastAvatarChange)
	setString(&u.Avatar, up.Avatar)
	setString(&u.PasswordResetHash, up.PasswordResetHash)
	setInt(&u.PasswordResetIssued, up.PasswordResetIssued)
	setInt(&u.DeletionFlaggedAfter, up.DeletionFlaggedAfter)
}

func setString(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}

func setInt(dst *int64, v *int64) {
	if v != nil {
		*dst = *v
	}
}
