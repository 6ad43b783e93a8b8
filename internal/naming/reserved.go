package naming

import "strings"

// sqlReservedWords are identifiers reserved by at least one supported dialect. They remain
// usable because every identifier is quoted, but mapping onto one is logged.
var sqlReservedWords = map[string]bool{
	"all":        true,
	"and":        true,
	"as":         true,
	"by":         true,
	"check":      true,
	"column":     true,
	"constraint": true,
	"create":     true,
	"default":    true,
	"delete":     true,
	"desc":       true,
	"from":       true,
	"group":      true,
	"having":     true,
	"in":         true,
	"index":      true,
	"insert":     true,
	"key":        true,
	"limit":      true,
	"not":        true,
	"null":       true,
	"offset":     true,
	"or":         true,
	"order":      true,
	"select":     true,
	"table":      true,
	"to":         true,
	"update":     true,
	"user":       true,
	"where":      true,
}

// IsReserved reports whether name is a reserved SQL word.
func IsReserved(name string) bool {
	return sqlReservedWords[strings.ToLower(name)]
}
