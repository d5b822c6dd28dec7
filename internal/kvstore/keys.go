package kvstore

import (
	"encoding/binary"

	"rv-go/internal/model"
)

// Key layout. Numbers are 8-byte big-endian so byte order matches numeric
// order. Repository IDs are UUIDs and never contain '/'.
//
//	meta/schema                                 -> layout version
//	repo/<name>                                 -> JSON model.Repository
//	v/<repoID>/<number>                         -> JSON model.Version
//	a/<repoID>/<vadded>/<content>               -> vremoved (0 while open)
//	o/<repoID>/<content>                        -> vadded of the open association
//	r/<repoID>/<vremoved>/<content>             -> vadded of the ended association
const (
	schemaKey       = "meta/schema"
	repoPrefix      = "repo/"
	versionPrefix   = "v/"
	addedPrefix     = "a/"
	openPrefix      = "o/"
	removedPrefix   = "r/"
	layoutVersion   = 1
	numberKeyLength = 8
)

func encodeNumber(n int64) []byte {
	b := make([]byte, numberKeyLength)
	binary.BigEndian.PutUint64(b, uint64(n))
	return b
}

func decodeNumber(b []byte) int64 {
	return int64(binary.BigEndian.Uint64(b))
}

func repoKey(name string) []byte {
	return []byte(repoPrefix + name)
}

func versionsPrefix(repositoryID string) []byte {
	return []byte(versionPrefix + repositoryID + "/")
}

func versionKey(repositoryID string, number int64) []byte {
	return append(versionsPrefix(repositoryID), encodeNumber(number)...)
}

func addedRepoPrefix(repositoryID string) []byte {
	return []byte(addedPrefix + repositoryID + "/")
}

func addedKey(repositoryID string, vadded int64, content model.ContentID) []byte {
	k := append(addedRepoPrefix(repositoryID), encodeNumber(vadded)...)
	k = append(k, '/')
	return append(k, string(content)...)
}

// parseNumberedKey splits a key under an a/ or r/ repository prefix into its
// number and content.
func parseNumberedKey(prefixLen int, key []byte) (int64, model.ContentID) {
	rest := key[prefixLen:]
	return decodeNumber(rest[:numberKeyLength]), model.ContentID(rest[numberKeyLength+1:])
}

func openKey(repositoryID string, content model.ContentID) []byte {
	return []byte(openPrefix + repositoryID + "/" + string(content))
}

func removedRepoPrefix(repositoryID string) []byte {
	return []byte(removedPrefix + repositoryID + "/")
}

func removedKey(repositoryID string, vremoved int64, content model.ContentID) []byte {
	k := append(removedRepoPrefix(repositoryID), encodeNumber(vremoved)...)
	k = append(k, '/')
	return append(k, string(content)...)
}
