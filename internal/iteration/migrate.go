package iteration

// Migrate brings a raw record up to the current schema version. It is a
// pure function: the store decides whether to persist the migrated form.
// The second return value reports whether anything changed.
func Migrate(rec Record) (Record, bool) {
	if rec.Version == CurrentVersion {
		return rec, false
	}
	// Records written before versioning carry no version field at all.
	rec.Version = CurrentVersion
	return rec, true
}
