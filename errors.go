// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package resource

import "errors"

// Sentinel errors for the taxonomy of SPEC_FULL.md §7. Callers should use
// errors.Is against these rather than matching on message text.
var (
	// ErrChunkingFailed means the input could not be prepared into parts -
	// either it is unusable, or the hashmap collision re-roll budget was
	// exhausted (chunker.go).
	ErrChunkingFailed = errors.New("resource: chunking failed")

	// ErrAdvertisementMalformed means an inbound advertisement frame did not
	// decode; the receiver drops it and never creates a Resource.
	ErrAdvertisementMalformed = errors.New("resource: advertisement malformed")

	// ErrSequencingError means a hashmap-update request referenced an anchor
	// at an index that is not a segment boundary.
	ErrSequencingError = errors.New("resource: hashmap sequencing error")

	// ErrIntegrityFailure means the assembled payload's digest did not match
	// the advertised hash (status becomes Corrupt).
	ErrIntegrityFailure = errors.New("resource: integrity check failed")

	// ErrTimeout means a deadline expired with no retries left.
	ErrTimeout = errors.New("resource: timed out")

	// ErrRemoteCancel means an inform-of-cancel packet was received from the
	// peer.
	ErrRemoteCancel = errors.New("resource: cancelled by remote")

	// ErrLocalCancel means Cancel was called locally.
	ErrLocalCancel = errors.New("resource: cancelled locally")
)
