// Package cache allows clients to resume Secure Messaging sessions with a card.
//
// A PACE handshake takes several round trips and, on large domain parameters, noticeable time.
// As long as the card stays powered and nobody sends it an unprotected command, the session keys
// and send sequence counter remain valid, so a client that exits between commands can store them
// in a [SessionCache] and resume with the next invocation. If the cached session is outdated
// (because the card was reset or removed), the first protected command fails with an integrity
// error and the client has to run PACE again.
//
// Entries are keyed by reader name and ATR. The same SessionCache may safely hold sessions for
// several readers.
//
// Cached sessions contain the session keys. If a SessionCache is exported using its
// [SessionCache.Export] or [SessionCache.ExportToFile] methods, access controls should be used to
// prevent third parties from reading or tampering with the data.
package cache
