package metainfo

import "errors"

// ErrMalformedMetadata is returned when a decoded TorrentInfo is missing
// required fields or carries a nonsensical combination of them.
var ErrMalformedMetadata = errors.New("metainfo: malformed metadata")

// ErrHashMismatch is returned when the number of piece hashes is
// inconsistent with the declared piece and total lengths, or when a piece's
// content does not match its expected hash.
var ErrHashMismatch = errors.New("metainfo: hash mismatch")

// ErrPieceNotFound is returned when a requested piece index is out of range.
var ErrPieceNotFound = errors.New("metainfo: piece not found")
