package task

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// idPattern is the bit-exact task ID shape: T-<origin>-<unique>, where the
// unique suffix is lowercase alphanumeric so lexicographic and creation
// order agree within one origin.
var idPattern = regexp.MustCompile(`^T-(local|cloud)-[a-z0-9]+$`)

// ValidID reports whether s matches the canonical task ID shape.
func ValidID(s string) bool {
	return idPattern.MatchString(s)
}

// GenerateID produces a new task ID for the given origin. The unique suffix
// begins with a base36, zero-padded millisecond timestamp so IDs sort by
// creation order when compared lexicographically, followed by a random
// token (the low bits of a UUID) to guarantee uniqueness for IDs minted
// within the same millisecond.
func GenerateID(origin Origin) string {
	ts := strconv.FormatInt(time.Now().UnixMilli(), 36)
	token := strings.ReplaceAll(uuid.New().String(), "-", "")[:12]
	return "T-" + string(origin) + "-" + ts + token
}
