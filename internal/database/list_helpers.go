package database

// pqString converts an empty Go string to nil so PostgreSQL stores NULL.
func pqString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
