package session

// Key derives a UserKey from a base user id and a session id. The
// literal sessionId "default" collapses to the bare base id; any
// other session id is appended after a colon.
func Key(baseUserID, sessionID string) string {
	if sessionID == "" || sessionID == "default" {
		return baseUserID
	}
	return baseUserID + ":" + sessionID
}
