package auth

import "fmt"

// Challenges are the exact byte strings clients sign. They are never
// persisted; freshness comes from the embedded timestamp.

// ConnectionChallenge is signed when opening a connection.
func ConnectionChallenge(timestamp int64, userID, peerUserID string) []byte {
	return []byte(fmt.Sprintf("%d.%s.%s", timestamp, userID, peerUserID))
}

// RequestChallenge is signed for the header-based request convention.
func RequestChallenge(timestamp int64, body []byte) []byte {
	return append([]byte(fmt.Sprintf("%d.", timestamp)), body...)
}
