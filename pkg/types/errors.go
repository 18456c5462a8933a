package types

import "errors"

// BucketID-related errors
var (
	// ErrInvalidBucketIDLength is returned when a bucket id string or byte
	// slice has incorrect length
	ErrInvalidBucketIDLength = errors.New("invalid bucket id length")

	// ErrInvalidBucketIDCharacter is returned when a bucket id string
	// contains invalid characters
	ErrInvalidBucketIDCharacter = errors.New("invalid bucket id character")

	// ErrInvalidNamespace is returned when a namespace string is not of the
	// form "db.coll"
	ErrInvalidNamespace = errors.New("invalid namespace")
)
