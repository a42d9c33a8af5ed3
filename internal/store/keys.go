package store

// LoginKey holds the active login record.
func LoginKey(ns string) string { return ns + ":login" }

// UserKey holds the cached user identity.
func UserKey(ns string) string { return ns + ":user" }

// ProfilePrefix prefixes every cached profile.
func ProfilePrefix(ns string) string { return ns + ":profile:" }

// ProfileKey holds the cached profile for pubkey.
func ProfileKey(ns, pubkey string) string { return ProfilePrefix(ns) + pubkey }

// SnapshotsKey holds saved snapshots of the user's lists.
func SnapshotsKey(ns string) string { return ns + ":snapshots" }
