package redis

const (
	keyPrefix = "file-ingest/"

	// KeyPrefixFiles is the key prefix for stored-file records
	KeyPrefixFiles = keyPrefix + "files/"
)
